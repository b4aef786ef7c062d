package dedup

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	sweepInterval  = time.Second
	reportInterval = 10 * time.Second
)

// Packet is one decapsulated IP packet from a tunnel input.
type Packet struct {
	Tunnel string
	Data   []byte
}

// ForwardFunc egresses a forwarded packet unchanged. The drop of a duplicate
// is transparent: a forwarded packet is byte-identical to its input.
type ForwardFunc func(pkt []byte) error

// Config carries the dedup engine's dependencies.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Forward  ForwardFunc
	Input    <-chan Packet
	Registry prometheus.Registerer

	Capacity int           // defaulted to DefaultCapacity
	TTL      time.Duration // defaulted to DefaultTTL
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Forward == nil {
		return errors.New("forward func is required")
	}
	if cfg.Input == nil {
		return errors.New("input channel is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return nil
}

// Engine is the controller-side first-arrival gate. Packets from every
// tunnel input funnel through one goroutine: fingerprint, table admit,
// forward or drop. Header bytes only; payload is never touched.
type Engine struct {
	log     *slog.Logger
	cfg     *Config
	clock   clockwork.Clock
	fp      *Fingerprinter
	table   *Table
	metrics *Metrics

	total      atomic.Uint64
	forwarded  atomic.Uint64
	duplicates atomic.Uint64
}

func NewEngine(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:     cfg.Logger,
		cfg:     cfg,
		clock:   cfg.Clock,
		fp:      NewFingerprinter(),
		table:   NewTable(cfg.Clock, cfg.Capacity, cfg.TTL),
		metrics: NewMetrics(cfg.Registry),
	}, nil
}

// Run processes packets until ctx is canceled, sweeping the table once per
// second and reporting counters every ten.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("dedup: engine started", "capacity", e.cfg.Capacity, "ttl", e.cfg.TTL)

	sweep := e.clock.NewTicker(sweepInterval)
	defer sweep.Stop()
	report := e.clock.NewTicker(reportInterval)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			e.report()
			e.log.Info("dedup: engine stopped")
			return nil
		case pkt := <-e.cfg.Input:
			e.Process(pkt)
		case <-sweep.Chan():
			e.table.Sweep()
			e.metrics.ActiveFlows.Set(float64(e.table.ActiveFlows()))
		case <-report.Chan():
			e.report()
		}
	}
}

// Process runs one packet through the gate.
func (e *Engine) Process(pkt Packet) {
	e.total.Add(1)
	e.metrics.Total.Inc()

	fp, ok := e.fp.Fingerprint(pkt.Data)
	if !ok {
		// Not an IP packet we can fingerprint; fail open.
		e.forward(pkt)
		return
	}
	if !e.table.Admit(fp) {
		e.duplicates.Add(1)
		e.metrics.Duplicates.Inc()
		return
	}
	e.forward(pkt)
}

func (e *Engine) forward(pkt Packet) {
	if err := e.cfg.Forward(pkt.Data); err != nil {
		e.log.Error("dedup: forward failed", "tunnel", pkt.Tunnel, "error", err)
		return
	}
	e.forwarded.Add(1)
	e.metrics.Forwarded.Inc()
}

// Counters returns the engine totals, for the periodic report and tests.
func (e *Engine) Counters() (total, forwarded, duplicates uint64, active int) {
	return e.total.Load(), e.forwarded.Load(), e.duplicates.Load(), e.table.ActiveFlows()
}

func (e *Engine) report() {
	total, fwd, dup, active := e.Counters()
	e.log.Info("dedup: stats", "total", total, "forwarded", fwd, "duplicates_dropped", dup, "active_flows", active)
}
