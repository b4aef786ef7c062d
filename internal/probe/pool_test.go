package probe

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	rtt   float64
	ok    bool
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *fakeProber) Probe(ctx context.Context, target string) (float64, bool, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, false, nil
		}
	}
	return f.rtt, f.ok, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func TestProbe_PoolConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() *PoolConfig {
		return &PoolConfig{
			Logger:         testLogger(),
			Clock:          clockwork.NewRealClock(),
			Interval:       100 * time.Millisecond,
			Timeout:        2 * time.Second,
			MaxConcurrency: 4,
			Targets:        []Target{{Name: "cell_a", Prober: &fakeProber{}, Addr: "192.0.2.1"}},
			Results:        make(chan Result, 1),
		}
	}

	require.NoError(t, valid().Validate())

	mutations := map[string]func(*PoolConfig){
		"no_logger":      func(c *PoolConfig) { c.Logger = nil },
		"no_clock":       func(c *PoolConfig) { c.Clock = nil },
		"no_interval":    func(c *PoolConfig) { c.Interval = 0 },
		"no_timeout":     func(c *PoolConfig) { c.Timeout = 0 },
		"no_concurrency": func(c *PoolConfig) { c.MaxConcurrency = 0 },
		"no_targets":     func(c *PoolConfig) { c.Targets = nil },
		"no_results":     func(c *PoolConfig) { c.Results = nil },
	}
	for name, mutate := range mutations {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestProbe_PoolDeliversResults(t *testing.T) {
	t.Parallel()

	results := make(chan Result, 16)
	prober := &fakeProber{rtt: 42.5, ok: true}
	pool, err := NewPool(&PoolConfig{
		Logger:         testLogger(),
		Clock:          clockwork.NewRealClock(),
		Interval:       20 * time.Millisecond,
		Timeout:        time.Second,
		MaxConcurrency: 4,
		Targets:        []Target{{Name: "cell_a", Prober: prober, Addr: "192.0.2.1"}},
		Results:        results,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	var got Result
	select {
	case got = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("no probe result delivered")
	}
	require.Equal(t, "cell_a", got.Uplink)
	require.True(t, got.Sample.OK)
	require.Equal(t, 42.5, got.Sample.RTTMs)
	require.False(t, got.Sample.At.IsZero())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestProbe_PoolSingleOutstandingPerUplink(t *testing.T) {
	t.Parallel()

	results := make(chan Result, 64)
	// Probe takes much longer than the interval; only one may be in flight.
	slow := &fakeProber{rtt: 10, ok: true, delay: 300 * time.Millisecond}
	pool, err := NewPool(&PoolConfig{
		Logger:         testLogger(),
		Clock:          clockwork.NewRealClock(),
		Interval:       20 * time.Millisecond,
		Timeout:        time.Second,
		MaxConcurrency: 8,
		Targets:        []Target{{Name: "sl_a", Prober: slow, Addr: "192.0.2.2"}},
		Results:        results,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	// ~12 ticks elapsed but the probe takes 300ms: at most one launch
	// completed plus one more started.
	require.LessOrEqual(t, slow.calls.Load(), int64(2))
}

func TestProbe_PoolAppliesChaos(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	chaosPath := filepath.Join(dir, "chaos.json")
	require.NoError(t, os.WriteFile(chaosPath, []byte(`{"cell_a": {"rtt": 120}}`), 0o644))

	results := make(chan Result, 16)
	pool, err := NewPool(&PoolConfig{
		Logger:         testLogger(),
		Clock:          clockwork.NewRealClock(),
		Interval:       20 * time.Millisecond,
		Timeout:        time.Second,
		MaxConcurrency: 2,
		Targets:        []Target{{Name: "cell_a", Prober: &fakeProber{rtt: 80, ok: true}, Addr: "192.0.2.1"}},
		Chaos:          NewChaosReader(chaosPath, 1),
		Results:        results,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	select {
	case got := <-results:
		require.InDelta(t, 200.0, got.Sample.RTTMs, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no probe result delivered")
	}
}
