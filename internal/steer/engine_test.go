package steer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudmeshllc/pathsteer/internal/actuator"
	"github.com/cloudmeshllc/pathsteer/internal/command"
	"github.com/cloudmeshllc/pathsteer/internal/config"
	"github.com/cloudmeshllc/pathsteer/internal/journal"
	"github.com/cloudmeshllc/pathsteer/internal/probe"
	"github.com/cloudmeshllc/pathsteer/internal/status"
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type switchRec struct {
	name string
	at   time.Time
}

// fakeRoute scripts route-swap outcomes and records verified swaps.
type fakeRoute struct {
	clock clockwork.Clock

	mu       sync.Mutex
	failNext int
	switches []switchRec
}

func (f *fakeRoute) Switch(u *uplink.Uplink) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return actuator.ErrVerifyFailed
	}
	f.switches = append(f.switches, switchRec{name: u.Name, at: f.clock.Now()})
	return nil
}

func (f *fakeRoute) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.switches)
}

func (f *fakeRoute) last() switchRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.switches[len(f.switches)-1]
}

// fakeMirror implements actuator.Netlinker for the duplicator.
type fakeMirror struct {
	mu      sync.Mutex
	mirrors map[string]string
}

func newFakeMirror() *fakeMirror { return &fakeMirror{mirrors: map[string]string{}} }

func (f *fakeMirror) DefaultRouteReplace(string, net.IP, net.IP) error { return nil }
func (f *fakeMirror) DefaultRouteGet() (*actuator.DefaultRoute, error) {
	return nil, actuator.ErrRouteNotFound
}
func (f *fakeMirror) MirrorAdd(from, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirrors[from] = to
	return nil
}
func (f *fakeMirror) MirrorDel(from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mirrors, from)
	return nil
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *clockwork.FakeClock
	eng    *Engine
	route  *fakeRoute
	dup    *actuator.Duplicator
	result chan probe.Result
	cmdDir string
	cmdSeq int
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	enabled := true
	file := &config.Config{
		ServiceVIP:       "104.204.136.50",
		ServicePrefix:    "104.204.136.48/28",
		ServiceNamespace: "svc",
		Uplinks: []config.UplinkConfig{
			{Name: "cell_a", Kind: "lte", Enabled: &enabled, Interface: "wwan0", Namespace: "ns-cell-a",
				EgressVeth: "veth-cell-a", ServiceVeth: "svc-cell-a", ServiceGateway: "10.10.1.1"},
			{Name: "sl_a", Kind: "sat", Enabled: &enabled, Interface: "eth1", Namespace: "ns-sl-a",
				EgressVeth: "veth-sl-a", ServiceVeth: "svc-sl-a", ServiceGateway: "10.10.2.1"},
			{Name: "fa", Kind: "fiber", Enabled: &enabled, Interface: "eth0", Namespace: "ns-fa",
				EgressVeth: "veth-fa", ServiceVeth: "svc-fa", ServiceGateway: "10.10.3.1"},
		},
	}
	require.NoError(t, file.Validate())

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	clock := clockwork.NewFakeClock()

	jw, err := journal.New(log, clock, t.TempDir(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { jw.Close() })

	cmdDir := t.TempDir()
	queue := command.NewQueue(log, cmdDir, filepath.Join(cmdDir, "command"))

	route := &fakeRoute{clock: clock}
	dup := actuator.NewDuplicator(log, clock, newFakeMirror())
	results := make(chan probe.Result, 256)

	eng, err := New(&Config{
		Logger:    log,
		Clock:     clock,
		File:      file,
		Journal:   jw,
		Queue:     queue,
		Publisher: status.NewPublisher(filepath.Join(t.TempDir(), "status.json")),
		Route:     route,
		Dup:       dup,
		Results:   results,
		RunID:     "test",
	})
	require.NoError(t, err)

	// The dish reports online by default so the sat path is a viable target.
	eng.byName["sl_a"].Sat.Online = true

	return &harness{
		t:      t,
		ctx:    context.Background(),
		clock:  clock,
		eng:    eng,
		route:  route,
		dup:    dup,
		result: results,
		cmdDir: cmdDir,
	}
}

func (h *harness) feed(name string, rtt float64, ok bool) {
	h.result <- probe.Result{Uplink: name, Sample: uplink.Sample{RTTMs: rtt, OK: ok, At: h.clock.Now()}}
}

func (h *harness) feedN(name string, rtt float64, n int) {
	for i := 0; i < n; i++ {
		h.feed(name, rtt, true)
	}
}

// seedBaselines establishes reachability and stable baselines for all three
// uplinks: cell_a 80ms, sl_a 40ms, fa 12ms.
func (h *harness) seedBaselines() {
	h.feedN("cell_a", 80, 5)
	h.feedN("sl_a", 40, 5)
	h.feedN("fa", 12, 5)
	h.step(1)
}

// step runs n engine ticks, advancing the fake clock between them.
func (h *harness) step(n int) {
	for i := 0; i < n; i++ {
		h.eng.tick(h.ctx)
		h.clock.Advance(defaultTickInterval)
	}
}

func (h *harness) stepFor(d time.Duration) {
	h.step(int(d/defaultTickInterval) + 1)
}

func (h *harness) enqueue(line string) {
	h.cmdSeq++
	name := fmt.Sprintf("%d-%04d.cmd", 1700000000+h.cmdSeq, h.cmdSeq)
	require.NoError(h.t, os.WriteFile(filepath.Join(h.cmdDir, name), []byte(line+"\n"), 0o644))
}

func (h *harness) snap() *status.Snapshot {
	return h.eng.buildSnapshot(h.clock.Now())
}

func requireOneActive(t *testing.T, snap *status.Snapshot) {
	t.Helper()
	active := 0
	for _, u := range snap.Uplinks {
		if u.Active {
			active++
		}
	}
	require.Equal(t, 1, active, "exactly one uplink must be active")
}

func TestEngine_CleanCellularFailover(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	// Two-path scenario: cellular active, satellite standby.
	h.enqueue("disable:fa")
	h.step(1)

	snap := h.snap()
	require.Equal(t, "normal", snap.State)
	require.Equal(t, "cell_a", snap.ActiveUplink)
	requireOneActive(t, snap)

	// Inject a +120ms step on the active cellular path.
	h.feedN("cell_a", 200, 3)
	h.step(1)

	snap = h.snap()
	require.Equal(t, "protect", snap.State)
	require.Equal(t, "rtt_step", snap.LastTrigger)
	require.True(t, snap.DuplicationEnabled)
	requireOneActive(t, snap)
	engagedAt := h.dup.EngagedAt()

	// Preroll (500ms) + settle (50ms) must pass before any swap.
	h.stepFor(600 * time.Millisecond)

	snap = h.snap()
	require.Equal(t, "holding", snap.State)
	require.Equal(t, "sl_a", snap.ActiveUplink)
	requireOneActive(t, snap)
	require.Equal(t, 1, h.route.count())
	require.Equal(t, "sl_a", h.route.last().name)
	require.GreaterOrEqual(t, h.route.last().at.Sub(engagedAt), 50*time.Millisecond)

	// Hold 3s + clean 2s on a healthy satellite path, then clean exit.
	for i := 0; i < 35; i++ {
		h.feed("sl_a", 40, true)
		h.stepFor(100 * time.Millisecond)
	}

	snap = h.snap()
	require.Equal(t, "normal", snap.State)
	require.False(t, snap.DuplicationEnabled)
	require.Equal(t, "sl_a", snap.ActiveUplink)
	requireOneActive(t, snap)
}

func TestEngine_SatObstructionTrigger(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	// Two-path scenario on the satellite: sl_a active, cell_a standby.
	h.enqueue("disable:fa")
	h.step(1)
	h.enqueue("force:sl_a")
	h.step(1)
	h.enqueue("force:auto")
	h.step(1)
	// With the clear-sky bonus the satellite is the arbiter's own pick, so
	// releasing the lock leaves it active.
	require.Equal(t, "sl_a", h.snap().ActiveUplink)
	require.False(t, h.snap().OperatorForceLocked)

	// Dish predicts an obstruction in 3s.
	h.eng.mu.Lock()
	h.eng.byName["sl_a"].Sat.ObstructionETASeconds = 3
	h.eng.mu.Unlock()
	h.step(1)

	snap := h.snap()
	require.Equal(t, "starlink_obstruction", snap.LastTrigger)
	require.Equal(t, "protect", snap.State)

	// The arbiter moves off the satellite once the preroll elapses.
	h.stepFor(600 * time.Millisecond)
	snap = h.snap()
	require.Equal(t, "cell_a", snap.ActiveUplink)
	requireOneActive(t, snap)
}

func TestEngine_OperatorForceLock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("force:sl_a")
	h.step(1)

	snap := h.snap()
	require.Equal(t, "sl_a", snap.ActiveUplink)
	require.True(t, snap.OperatorForceLocked)
	require.Equal(t, "exec", snap.LastCmd.Result)
	require.Equal(t, "force=sl_a", snap.LastCmd.Detail)
	requireOneActive(t, snap)

	// Degrade the forced path hard: tripwire opens a window but the lock
	// prevents any move.
	before := h.route.count()
	h.feedN("sl_a", 300, 3)
	h.stepFor(time.Second)
	snap = h.snap()
	require.Equal(t, "sl_a", snap.ActiveUplink)
	require.Equal(t, before, h.route.count())

	// Releasing the lock re-arbitrates immediately.
	h.enqueue("force:auto")
	h.step(1)
	snap = h.snap()
	require.False(t, snap.OperatorForceLocked)
	require.Equal(t, "force=auto", snap.LastCmd.Detail)
	require.NotEqual(t, "sl_a", snap.ActiveUplink)
	requireOneActive(t, snap)
}

func TestEngine_FlapSuppression(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	// Open a protection window.
	h.enqueue("trigger")
	h.step(1)
	require.Equal(t, "protect", h.snap().State)
	h.stepFor(600 * time.Millisecond)
	require.Equal(t, "holding", h.snap().State)
	first := h.route.count()
	require.Equal(t, 1, first) // moved to the best path (fa)

	// Oscillate link quality every ~400ms; each reversal makes the other
	// path the arbiter's pick.
	flip := false
	for i := 0; i < 8; i++ {
		if flip {
			h.feedN("fa", 12, 3)
			h.feedN("sl_a", 400, 3)
		} else {
			h.feedN("fa", 400, 3)
			h.feedN("sl_a", 40, 3)
		}
		flip = !flip
		h.stepFor(400 * time.Millisecond)
	}

	snap := h.snap()
	require.True(t, snap.FlapSuppressed)
	require.Equal(t, 3, snap.SwitchesInWindow)
	require.LessOrEqual(t, h.route.count(), 3)
	requireOneActive(t, snap)
}

func TestEngine_SwitchVerifyFailureRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	// Every swap attempt fails verification for now.
	h.route.mu.Lock()
	h.route.failNext = 1 << 20
	h.route.mu.Unlock()

	h.enqueue("trigger")
	h.step(1)
	h.stepFor(600 * time.Millisecond)

	// Attempts were made and all failed: active unchanged, window held open.
	snap := h.snap()
	require.Equal(t, "cell_a", snap.ActiveUplink)
	require.Equal(t, "holding", snap.State)
	require.Equal(t, 0, h.route.count())

	// Once verification succeeds, the retry from HOLDING commits the swap.
	h.route.mu.Lock()
	h.route.failNext = 0
	h.route.mu.Unlock()
	h.step(2)

	snap = h.snap()
	require.Equal(t, 1, h.route.count())
	require.NotEqual(t, "cell_a", snap.ActiveUplink)
	requireOneActive(t, snap)
}

func TestEngine_ForceRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("force:cell_a") // already active: lock only
	h.step(1)
	require.True(t, h.snap().OperatorForceLocked)

	h.enqueue("force:auto")
	h.step(1)
	snap := h.snap()
	require.False(t, snap.OperatorForceLocked)
	// Arbiter-chosen active: fa has the lowest RTT.
	require.Equal(t, "fa", snap.ActiveUplink)
	requireOneActive(t, snap)
}

func TestEngine_ModeCommandsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("mode:tripwire")
	h.enqueue("mode:tripwire")
	h.step(1)

	snap := h.snap()
	require.Equal(t, "tripwire", snap.Mode)
	require.Equal(t, "normal", snap.State)
	// Both commands acked; the snapshot carries the second.
	require.Equal(t, "exec", snap.LastCmd.Result)
	require.Equal(t, "mode=tripwire", snap.LastCmd.Detail)
	require.Contains(t, snap.LastCmd.LastCmdID, "0002")
}

func TestEngine_TrainingModeSuppressesActuation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("mode:training")
	h.step(1)

	h.feedN("cell_a", 300, 3)
	h.stepFor(time.Second)

	snap := h.snap()
	require.Equal(t, "training", snap.Mode)
	require.Equal(t, "normal", snap.State)
	require.Equal(t, "rtt_step", snap.LastTrigger) // telemetry still records
	require.False(t, snap.DuplicationEnabled)
	require.Equal(t, 0, h.route.count())
}

func TestEngine_MirrorModeKeepsDuplication(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("mode:mirror")
	h.step(1)
	require.True(t, h.snap().DuplicationEnabled)

	// Run a full protection window; duplication must survive the exit.
	h.enqueue("trigger")
	h.step(1)
	h.stepFor(600 * time.Millisecond)
	for i := 0; i < 35; i++ {
		h.feed("fa", 12, true)
		h.stepFor(100 * time.Millisecond)
	}
	snap := h.snap()
	require.Equal(t, "normal", snap.State)
	require.True(t, snap.DuplicationEnabled)

	h.enqueue("mode:tripwire")
	h.step(1)
	require.False(t, h.snap().DuplicationEnabled)
}

func TestEngine_FailAndUnfail(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("fail:fa")
	h.step(1)
	snap := h.snap()
	for _, u := range snap.Uplinks {
		if u.Name == "fa" {
			require.True(t, u.ForceFailed)
			require.False(t, u.Reachable)
		}
	}

	// Sticky: successful probes do not resurrect a force-failed uplink.
	h.feedN("fa", 12, 3)
	h.step(1)
	for _, u := range h.snap().Uplinks {
		if u.Name == "fa" {
			require.False(t, u.Reachable)
		}
	}

	h.enqueue("unfail:fa")
	h.step(1)
	h.feedN("fa", 12, 1)
	h.step(1)
	for _, u := range h.snap().Uplinks {
		if u.Name == "fa" {
			require.True(t, u.Reachable)
		}
	}
}

func TestEngine_UnknownCommandAck(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("reboot")
	h.step(1)
	snap := h.snap()
	require.Equal(t, "fail", snap.LastCmd.Result)
	require.Equal(t, "unknown_cmd", snap.LastCmd.Detail)

	h.enqueue("force:nosuch")
	h.step(1)
	snap = h.snap()
	require.Equal(t, "fail", snap.LastCmd.Result)
	require.Equal(t, "unknown_uplink", snap.LastCmd.Detail)
}

func TestEngine_StatusPublishing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	statusPath := filepath.Join(dir, "status.json")

	h := newHarness(t)
	h.eng.cfg.Publisher = status.NewPublisher(statusPath)
	h.seedBaselines()
	h.stepFor(200 * time.Millisecond)

	snap, err := status.Read(statusPath)
	require.NoError(t, err)
	require.Equal(t, "test", snap.RunID)
	require.Len(t, snap.Uplinks, 3)
	requireOneActive(t, snap)
	require.NotEmpty(t, snap.TS)
}

func TestEngine_ControllerSwapCommand(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.seedBaselines()

	h.enqueue("c8000:1")
	h.step(1)
	snap := h.snap()
	require.Equal(t, 1, snap.Controller)
	require.Equal(t, "c8000=1", snap.LastCmd.Detail)
}
