package probe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
	"github.com/jonboulle/clockwork"
)

// Prober runs a single reachability probe against target and reports RTT.
// A timeout or total loss returns ok=false with a nil error; errors are for
// probe setup failures only.
type Prober interface {
	Probe(ctx context.Context, target string) (rttMs float64, ok bool, err error)
}

// Result is a completed probe for one uplink, delivered to the engine's
// intake channel.
type Result struct {
	Uplink string
	Sample uplink.Sample
}

// Target binds an uplink name to its prober and probe address.
type Target struct {
	Name   string
	Prober Prober
	Addr   string
}

// PoolConfig carries the probe pool's dependencies and tunables.
type PoolConfig struct {
	Logger         *slog.Logger
	Clock          clockwork.Clock
	Interval       time.Duration // per-uplink probe cadence
	Timeout        time.Duration // hard per-probe deadline
	MaxConcurrency int
	Targets        []Target
	Chaos          *ChaosReader  // optional
	Results        chan<- Result // engine intake; sends never block the pool
}

func (cfg *PoolConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval is required")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout is required")
	}
	if cfg.MaxConcurrency <= 0 {
		return errors.New("max concurrency must be greater than 0")
	}
	if len(cfg.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	if cfg.Results == nil {
		return errors.New("results channel is required")
	}
	return nil
}

// Pool fans probes out across uplinks on a fixed cadence. Each uplink has at
// most one probe outstanding; a probe still in flight when the next tick
// lands is simply not re-launched. Worker fan-out is bounded by a pond pool.
type Pool struct {
	log *slog.Logger
	cfg *PoolConfig

	workers pond.Pool

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewPool(cfg *PoolConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		log:      cfg.Logger,
		cfg:      cfg,
		workers:  pond.NewPool(cfg.MaxConcurrency),
		inFlight: make(map[string]bool),
	}, nil
}

// Run probes every target once per interval until ctx is canceled, then
// drains outstanding probes.
func (p *Pool) Run(ctx context.Context) {
	p.log.Info("probe: pool started", "targets", len(p.cfg.Targets), "interval", p.cfg.Interval)

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// First cycle immediately; steady state follows the ticker.
	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.workers.StopAndWait()
			p.log.Debug("probe: pool stopped")
			return
		case <-ticker.Chan():
			p.cycle(ctx)
		}
	}
}

// cycle launches one probe per target that has none outstanding. The chaos
// file is read once per cycle so every uplink sees the same injection epoch.
func (p *Pool) cycle(ctx context.Context) {
	var chaos Chaos
	if p.cfg.Chaos != nil {
		chaos = p.cfg.Chaos.Load()
	}
	for _, tgt := range p.cfg.Targets {
		p.mu.Lock()
		if p.inFlight[tgt.Name] {
			p.mu.Unlock()
			continue
		}
		p.inFlight[tgt.Name] = true
		p.mu.Unlock()

		tgt := tgt
		p.workers.Submit(func() {
			defer func() {
				p.mu.Lock()
				p.inFlight[tgt.Name] = false
				p.mu.Unlock()
			}()
			p.runProbe(ctx, tgt, chaos)
		})
	}
}

func (p *Pool) runProbe(ctx context.Context, tgt Target, chaos Chaos) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	rtt, ok, err := tgt.Prober.Probe(ctx, tgt.Addr)
	if err != nil {
		// Setup errors count as misses; the aggregator's failure threshold
		// decides whether they matter.
		p.log.Debug("probe: error", "uplink", tgt.Name, "target", tgt.Addr, "error", err)
		ok = false
	}

	s := uplink.Sample{RTTMs: rtt, OK: ok, At: p.cfg.Clock.Now()}
	if chaos != nil && p.cfg.Chaos != nil {
		s = p.cfg.Chaos.Apply(chaos, tgt.Name, s)
	}

	select {
	case p.cfg.Results <- Result{Uplink: tgt.Name, Sample: s}:
	case <-ctx.Done():
	}
}
