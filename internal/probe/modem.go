package probe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// ModemSignal is one signal report from the modem manager helper.
type ModemSignal struct {
	SignalPowerDBm float64 `json:"signal_power_dbm"`
	SINRDB         float64 `json:"sinr_db"`
	Carrier        string  `json:"carrier"`
	CellID         string  `json:"cell_id"`
}

type modemRequest struct {
	Modem string `json:"modem"`
	Query string `json:"query"`
}

// modemMinQueryInterval rate-limits signal queries per modem. Queries more
// frequent than this are served from the last report.
const modemMinQueryInterval = 5 * time.Second

// ModemClient talks to the modem manager helper over a single long-lived
// unix socket connection. One client exists per modem for the process
// lifetime; short-lived clients exhaust modem bearer contexts, so the
// connection is reused and only re-dialed (with backoff) after an error.
type ModemClient struct {
	log     *slog.Logger
	clock   clockwork.Clock
	sock    string
	modemID string

	mu        sync.Mutex
	conn      net.Conn
	rd        *bufio.Reader
	lastQuery time.Time
	last      *ModemSignal
}

func NewModemClient(log *slog.Logger, clock clockwork.Clock, sockPath, modemID string) *ModemClient {
	return &ModemClient{log: log, clock: clock, sock: sockPath, modemID: modemID}
}

// Signal returns the current signal report, querying the helper at most once
// per modemMinQueryInterval and serving the cached report otherwise. A query
// failure keeps (and returns) the previous report when one exists.
func (c *ModemClient) Signal(ctx context.Context) (*ModemSignal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.last != nil && now.Sub(c.lastQuery) < modemMinQueryInterval {
		return c.last, nil
	}

	sig, err := c.queryLocked(ctx)
	if err != nil {
		c.dropConnLocked()
		if c.last != nil {
			c.log.Debug("modem: query failed, serving last report", "modem", c.modemID, "error", err)
			return c.last, nil
		}
		return nil, err
	}
	c.lastQuery = now
	c.last = sig
	return sig, nil
}

func (c *ModemClient) queryLocked(ctx context.Context) (*ModemSignal, error) {
	if err := c.ensureConnLocked(ctx); err != nil {
		return nil, err
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Now().Add(2 * time.Second))
	}

	req, err := json.Marshal(modemRequest{Modem: c.modemID, Query: "signal"})
	if err != nil {
		return nil, fmt.Errorf("modem: marshal request: %w", err)
	}
	if _, err := c.conn.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("modem: write: %w", err)
	}

	line, err := c.rd.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("modem: read: %w", err)
	}
	var sig ModemSignal
	if err := json.Unmarshal(line, &sig); err != nil {
		return nil, fmt.Errorf("modem: decode: %w", err)
	}
	return &sig, nil
}

// ensureConnLocked dials the helper socket if not connected, with a short
// exponential backoff so a restarting helper doesn't burn the poll cycle.
func (c *ModemClient) ensureConnLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(func() error {
		d := net.Dialer{}
		conn, err := d.DialContext(ctx, "unix", c.sock)
		if err != nil {
			return err
		}
		c.conn = conn
		c.rd = bufio.NewReader(conn)
		return nil
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), 3))
}

func (c *ModemClient) dropConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.rd = nil
	}
}

// Close tears the persistent connection down.
func (c *ModemClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnLocked()
}
