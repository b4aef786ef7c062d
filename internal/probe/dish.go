package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DishStats is the satellite dish status report.
type DishStats struct {
	Online                bool    `json:"online"`
	Obstructed            bool    `json:"obstructed"`
	ObstructionFraction   float64 `json:"obstruction_fraction"`
	DishLatencyMs         float64 `json:"dish_latency_ms"`
	ObstructionETASeconds float64 `json:"obstruction_eta_s"`
}

// dishStatsTTL bounds how long a cached dish report may be served. Stale
// obstruction predictions are worse than none; past the TTL a failing dish
// RPC surfaces as an error instead of a frozen report.
const dishStatsTTL = 10 * time.Second

// DialFunc opens the TCP connection to the dish; it exists so the sat
// uplink's network namespace can be entered at dial time and so tests can
// dial a local fixture.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DishClient fetches dish stats from the local RPC endpoint inside the sat
// uplink's namespace. Reports are cached briefly so the slow poller and the
// tripwire can both read without hammering the dish.
type DishClient struct {
	log  *slog.Logger
	addr string
	http *http.Client

	cache *ttlcache.Cache[string, DishStats]
}

func NewDishClient(log *slog.Logger, addr string, dial DialFunc) *DishClient {
	if dial == nil {
		d := net.Dialer{}
		dial = d.DialContext
	}
	cache := ttlcache.New[string, DishStats](
		ttlcache.WithTTL[string, DishStats](dishStatsTTL),
		ttlcache.WithDisableTouchOnHit[string, DishStats](),
	)
	go cache.Start()
	return &DishClient{
		log:  log,
		addr: addr,
		http: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   2 * time.Second,
		},
		cache: cache,
	}
}

// Stats returns the current dish report, served from cache without a fetch
// while it is within the TTL. Once the cached report has expired, a fetch
// failure propagates and the caller keeps its prior values.
func (c *DishClient) Stats(ctx context.Context) (*DishStats, error) {
	if item := c.cache.Get(c.addr); item != nil {
		v := item.Value()
		return &v, nil
	}

	stats, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.Set(c.addr, *stats, ttlcache.DefaultTTL)
	return stats, nil
}

func (c *DishClient) fetch(ctx context.Context) (*DishStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/status", c.addr), nil)
	if err != nil {
		return nil, fmt.Errorf("dish: building request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dish: fetching status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dish: status endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("dish: reading body: %w", err)
	}
	var stats DishStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, fmt.Errorf("dish: decoding status: %w", err)
	}
	return &stats, nil
}

// Close stops the cache janitor.
func (c *DishClient) Close() {
	c.cache.Stop()
}
