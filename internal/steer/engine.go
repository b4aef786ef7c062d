package steer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cloudmeshllc/pathsteer/internal/actuator"
	"github.com/cloudmeshllc/pathsteer/internal/aggregate"
	"github.com/cloudmeshllc/pathsteer/internal/command"
	"github.com/cloudmeshllc/pathsteer/internal/config"
	"github.com/cloudmeshllc/pathsteer/internal/gps"
	"github.com/cloudmeshllc/pathsteer/internal/journal"
	"github.com/cloudmeshllc/pathsteer/internal/probe"
	"github.com/cloudmeshllc/pathsteer/internal/status"
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
	"github.com/jonboulle/clockwork"
)

const (
	defaultTickInterval = 10 * time.Millisecond
	statusInterval      = 100 * time.Millisecond
	riskInterval        = 250 * time.Millisecond
	gpsInterval         = time.Second
	metaInterval        = time.Second

	// Protection-window invariants.
	maxSwitchesPerWindow = 3
	cleanRTTMarginMs     = 30.0
	cleanLossMaxPct      = 2.0
)

// RouteSwitcher is the route actuator surface the engine drives.
type RouteSwitcher interface {
	Switch(target *uplink.Uplink) error
}

// MetaSource fetches kind-specific metadata (modem signal, dish stats) off
// the hot path. Refresh returns an apply closure the engine runs under its
// lock; on error prior values are kept.
type MetaSource interface {
	Refresh(ctx context.Context) (func(*uplink.Uplink), error)
}

// Config carries the engine's dependencies and tunables.
type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	File        *config.Config
	Journal     *journal.Writer
	Queue       *command.Queue
	Publisher   *status.Publisher
	GPS         *gps.Reader // nil when gps is disabled
	Route       RouteSwitcher
	Dup         *actuator.Duplicator
	ReturnRoute actuator.ReturnRouteSwitcher
	Results     <-chan probe.Result
	Meta        map[string]MetaSource // keyed by uplink name; optional
	RunID       string

	TickInterval time.Duration // defaulted
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.File == nil {
		return errors.New("config file is required")
	}
	if cfg.Journal == nil {
		return errors.New("journal is required")
	}
	if cfg.Queue == nil {
		return errors.New("command queue is required")
	}
	if cfg.Publisher == nil {
		return errors.New("status publisher is required")
	}
	if cfg.Route == nil {
		return errors.New("route actuator is required")
	}
	if cfg.Dup == nil {
		return errors.New("duplicator is required")
	}
	if cfg.ReturnRoute == nil {
		cfg.ReturnRoute = actuator.NopReturnRoute{}
	}
	if cfg.Results == nil {
		return errors.New("probe results channel is required")
	}
	if cfg.RunID == "" {
		return errors.New("run id is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	return nil
}

// Engine is the edge steering loop: one goroutine owns the state machine and
// runs probe intake, command ingress, tripwire, arbiter, protection tick,
// risk scoring, and status publishing in a fixed order each iteration.
// Duplication is always installed before a route swap is contemplated.
type Engine struct {
	log     *slog.Logger
	clock   clockwork.Clock
	cfg     *Config
	preroll time.Duration
	settle  time.Duration
	minHold time.Duration
	clean   time.Duration
	twCfg   TripwireConfig

	mu       sync.Mutex
	uplinks  []*uplink.Uplink
	byName   map[string]*uplink.Uplink
	mode     Mode
	state    State
	active   *uplink.Uplink
	lastTrig Trigger
	trigDet  string

	// suspect is the uplink whose degradation opened the current protection
	// window. The arbiter avoids it while any alternative is usable.
	suspect      *uplink.Uplink
	lastTeleTrig Trigger

	protectionEnteredAt time.Time
	cleanSince          time.Time
	switchesInWindow    int
	flapSuppressed      bool
	operatorLocked      bool
	pendingManual       bool
	controller          int

	globalRisk     float64
	recommendation Recommendation
	lastAck        *status.Ack
	gpsSnap        gps.Snapshot

	lastStatusAt time.Time
	lastRiskAt   time.Time
	lastGPSAt    time.Time
}

// New builds an engine from the loaded config. The first enabled uplink
// starts active; the arbiter re-evaluates that choice only inside a
// protection window or on force:auto.
func New(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		cfg:     cfg,
		preroll: time.Duration(cfg.File.PrerollMs) * time.Millisecond,
		settle:  time.Duration(cfg.File.DupSettleMs) * time.Millisecond,
		minHold: time.Duration(cfg.File.MinHoldSec) * time.Second,
		clean:   time.Duration(cfg.File.CleanExitSec) * time.Second,
		twCfg: TripwireConfig{
			RTTStepThresholdMs: cfg.File.RTTStepThresholdMs,
			ProbeMissCount:     cfg.File.ProbeMissCount,
			RSRPFloorDBm:       cfg.File.RSRPDropDBm,
			ObstructionETAMaxS: 5,
		},
		byName:         make(map[string]*uplink.Uplink),
		mode:           ModeTripwire,
		state:          StateNormal,
		recommendation: RecommendNormal,
	}

	for i, uc := range cfg.File.Uplinks {
		kind, err := uplink.ParseKind(uc.Kind)
		if err != nil {
			return nil, err
		}
		gw := net.ParseIP(uc.ServiceGateway)
		if gw == nil {
			return nil, fmt.Errorf("uplink %q: invalid service_gateway %q", uc.Name, uc.ServiceGateway)
		}
		u := uplink.New(uc.Name, kind, i)
		u.Interface = uc.Interface
		u.Namespace = uc.Namespace
		u.EgressVeth = uc.EgressVeth
		u.ServiceVeth = uc.ServiceVeth
		u.ServiceGateway = gw
		u.Enabled = uc.UplinkEnabled()
		e.uplinks = append(e.uplinks, u)
		e.byName[uc.Name] = u
	}

	for _, u := range e.uplinks {
		if u.Enabled {
			u.Active = true
			e.active = u
			break
		}
	}
	if e.active == nil {
		return nil, errors.New("no enabled uplink to start on")
	}
	return e, nil
}

// Run drives the loop until ctx is canceled, then tears protection down.
func (e *Engine) Run(ctx context.Context) error {
	e.cfg.Journal.Emit(journal.EventEngineStart, map[string]any{
		"active": e.active.Name, "uplinks": len(e.uplinks),
	})
	e.log.Info("engine: started", "active", e.active.Name, "tick", e.cfg.TickInterval)

	var wg sync.WaitGroup
	for name, src := range e.cfg.Meta {
		wg.Add(1)
		go e.metaLoop(ctx, &wg, name, src)
	}

	for ctx.Err() == nil {
		e.tick(ctx)
		select {
		case <-ctx.Done():
		case <-e.clock.After(e.cfg.TickInterval):
		}
	}
	wg.Wait()

	if err := e.cfg.Dup.Disable(); err != nil {
		e.log.Error("engine: disabling duplication on shutdown", "error", err)
	}
	e.cfg.Journal.Emit(journal.EventEngineStop, nil)
	e.log.Info("engine: stopped")
	return nil
}

// tick is one loop iteration. Intra-iteration order is fixed: probe intake,
// metric update, command ingress, tripwire, duplication, arbiter, route
// swap, protection tick, then the slower publish cadences.
func (e *Engine) tick(ctx context.Context) {
	now := e.clock.Now()

	e.drainResults()
	e.processCommands()
	e.tripwire(now)
	e.stepStateMachine(now)

	if now.Sub(e.lastRiskAt) >= riskInterval {
		e.lastRiskAt = now
		e.scoreRisk()
	}
	if e.cfg.GPS != nil && now.Sub(e.lastGPSAt) >= gpsInterval {
		e.lastGPSAt = now
		snap := e.cfg.GPS.Poll()
		e.mu.Lock()
		e.gpsSnap = snap
		e.mu.Unlock()
	}
	if now.Sub(e.lastStatusAt) >= statusInterval {
		e.lastStatusAt = now
		e.publish(now)
	}
}

// drainResults folds every queued probe result into the owning uplink.
func (e *Engine) drainResults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		select {
		case r := <-e.cfg.Results:
			u, ok := e.byName[r.Uplink]
			if !ok {
				continue
			}
			switch aggregate.Observe(u, r.Sample) {
			case aggregate.TransitionUp:
				e.cfg.Journal.Emit(journal.EventUplinkUp, map[string]any{"uplink": u.Name})
			case aggregate.TransitionDown:
				e.cfg.Journal.Emit(journal.EventUplinkDown, map[string]any{"uplink": u.Name, "consec_fails": u.ConsecFails})
			}
		default:
			return
		}
	}
}

// tripwire evaluates the fast path on the active uplink. In TRAINING mode
// triggers are recorded for telemetry but never actuated. While a protection
// window is open, firing is idempotent.
func (e *Engine) tripwire(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trig, detail := TriggerNone, ""
	if e.pendingManual {
		trig, detail = TriggerManual, "operator trigger"
		e.pendingManual = false
	} else if e.state == StateNormal || e.state == StatePrepare {
		trig, detail = EvaluateTripwire(e.active, e.twCfg)
	} else if e.mode == ModeTraining {
		trig, detail = EvaluateTripwire(e.active, e.twCfg)
	}
	if trig == TriggerNone {
		return
	}

	if e.mode == ModeTraining {
		e.lastTrig, e.trigDet = trig, detail
		if trig != e.lastTeleTrig {
			e.lastTeleTrig = trig
			e.cfg.Journal.Emit(journal.EventTripwire, map[string]any{
				"trigger": string(trig), "detail": detail, "uplink": e.active.Name, "actuated": false,
			})
		}
		return
	}
	if e.state != StateNormal && e.state != StatePrepare {
		return
	}

	e.lastTrig, e.trigDet = trig, detail
	e.lastTeleTrig = trig
	e.suspect = e.active
	e.state = StateProtect
	e.protectionEnteredAt = now
	e.cleanSince = time.Time{}
	e.switchesInWindow = 0
	e.flapSuppressed = false
	e.cfg.Journal.Emit(journal.EventTripwire, map[string]any{
		"trigger": string(trig), "detail": detail, "uplink": e.active.Name, "actuated": true,
	})
	e.log.Warn("tripwire: fired", "trigger", trig, "detail", detail, "uplink", e.active.Name)
}

// stepStateMachine advances PROTECT → SWITCHING → HOLDING → NORMAL.
// Actuation (mirror install, route swap) happens outside the engine lock.
func (e *Engine) stepStateMachine(now time.Time) {
	e.mu.Lock()
	state := e.state
	entered := e.protectionEnteredAt
	e.mu.Unlock()

	switch state {
	case StateProtect:
		e.ensureDuplication()
		if now.Sub(entered) >= e.preroll && (!e.cfg.Dup.Enabled() || e.cfg.Dup.Settled(e.settle)) {
			e.setState(StateSwitching)
		}

	case StateSwitching:
		e.arbitrate()
		// Failed or deferred swaps retry from HOLDING on later ticks.
		e.setState(StateHolding)

	case StateHolding:
		e.arbitrate()
		e.protectionTick(now)

	case StateNormal, StatePrepare:
		if e.modeIs(ModeMirror) && !e.cfg.Dup.Enabled() {
			e.ensureDuplication()
		}
	}
}

func (e *Engine) modeIs(m Mode) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode == m
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// ensureDuplication installs the mirror from the active uplink to the best
// backup. Install failure is reported but never blocks protection.
func (e *Engine) ensureDuplication() {
	e.mu.Lock()
	active := e.active
	backup := PickBackup(e.uplinks, e.active)
	e.mu.Unlock()

	if backup == nil {
		return
	}
	if e.cfg.Dup.Enabled() {
		return
	}
	if err := e.cfg.Dup.Enable(active.ServiceVeth, backup.ServiceVeth); err != nil {
		e.cfg.Journal.Emit(journal.EventDupFail, map[string]any{"from": active.Name, "to": backup.Name, "error": err.Error()})
		e.log.Error("duplication: install failed, protection proceeds unmirrored", "error", err)
		return
	}
	e.cfg.Journal.Emit(journal.EventDupEnable, map[string]any{"from": active.Name, "to": backup.Name})
}

// arbitrate picks the best uplink and moves the default route when the pick
// differs from the active path. Honors the operator lock and the per-window
// flap cap; enforces the duplication settle gate before any swap.
func (e *Engine) arbitrate() {
	e.mu.Lock()
	if e.operatorLocked {
		e.mu.Unlock()
		return
	}
	if e.switchesInWindow >= maxSwitchesPerWindow {
		if !e.flapSuppressed {
			e.flapSuppressed = true
			e.cfg.Journal.Emit(journal.EventFlapSuppress, map[string]any{"switches": e.switchesInWindow})
			e.log.Warn("arbiter: flap suppression engaged", "switches", e.switchesInWindow)
		}
		e.mu.Unlock()
		return
	}
	active := e.active
	target := PickTarget(e.uplinks)
	if e.suspect != nil {
		// Steer off the path that opened the window when anything else can
		// carry the traffic.
		if alt := PickBackup(e.uplinks, e.suspect); alt != nil {
			target = alt
		}
	}
	e.mu.Unlock()

	if target == nil || target == active {
		return
	}

	// The mirror must cover active -> target and have settled before the
	// swap becomes observable. A re-aim restarts the settle clock; the swap
	// then lands on a later tick.
	if e.cfg.Dup.Enabled() {
		if e.cfg.Dup.Backup() != target.ServiceVeth {
			if err := e.cfg.Dup.Enable(active.ServiceVeth, target.ServiceVeth); err != nil {
				e.cfg.Journal.Emit(journal.EventDupFail, map[string]any{"from": active.Name, "to": target.Name, "error": err.Error()})
			}
			if e.cfg.Dup.Enabled() {
				return
			}
		} else if !e.cfg.Dup.Settled(e.settle) {
			return
		}
	}

	if err := e.cfg.Route.Switch(target); err != nil {
		e.cfg.Journal.Emit(journal.EventSwitchFail, map[string]any{
			"from": active.Name, "to": target.Name, "error": err.Error(),
		})
		e.log.Error("arbiter: route swap failed", "target", target.Name, "error", err)
		return
	}

	e.mu.Lock()
	old := e.active
	old.Active = false
	target.Active = true
	e.active = target
	e.switchesInWindow++
	switches := e.switchesInWindow
	e.mu.Unlock()

	e.cfg.Journal.Emit(journal.EventSwitch, map[string]any{
		"from": old.Name, "to": target.Name, "switches_in_window": switches,
	})
	e.log.Info("arbiter: switched active uplink", "from", old.Name, "to", target.Name)
	e.cfg.ReturnRoute.SwitchReturnRoute(target.Name)

	// Keep the mirror sourced from the new active path for the rest of the
	// protection window.
	if e.cfg.Dup.Enabled() {
		if err := e.cfg.Dup.Enable(target.ServiceVeth, old.ServiceVeth); err != nil {
			e.cfg.Journal.Emit(journal.EventDupFail, map[string]any{"from": target.Name, "to": old.Name, "error": err.Error()})
		}
	}
}

// protectionTick tracks cleanliness during HOLDING and exits to NORMAL once
// both the hold and the clean-streak requirements are met.
func (e *Engine) protectionTick(now time.Time) {
	e.mu.Lock()
	active := e.active
	clean := active.ConsecFails == 0 &&
		active.RTTCurrentMs < active.RTTBaselineMs+cleanRTTMarginMs &&
		active.LossPercent() < cleanLossMaxPct
	if clean {
		if e.cleanSince.IsZero() {
			e.cleanSince = now
		}
	} else {
		e.cleanSince = time.Time{}
	}

	exit := now.Sub(e.protectionEnteredAt) >= e.minHold &&
		!e.cleanSince.IsZero() && now.Sub(e.cleanSince) >= e.clean
	var disableDup bool
	if exit {
		e.state = StateNormal
		e.flapSuppressed = false
		e.suspect = nil
		disableDup = e.mode != ModeMirror
		e.cfg.Journal.Emit(journal.EventProtectExit, map[string]any{
			"active": active.Name, "window_s": now.Sub(e.protectionEnteredAt).Seconds(),
		})
		e.log.Info("protection: clean exit to normal", "active", active.Name)
	}
	e.mu.Unlock()

	if disableDup {
		if err := e.cfg.Dup.Disable(); err != nil {
			e.log.Error("duplication: disable failed", "error", err)
		} else {
			e.cfg.Journal.Emit(journal.EventDupDisable, nil)
		}
	}
}

// scoreRisk refreshes per-uplink risk and the global recommendation.
func (e *Engine) scoreRisk() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, u := range e.uplinks {
		if !u.Enabled {
			u.RiskNow = 0
			continue
		}
		u.RiskNow = ScoreRisk(u)
	}
	e.globalRisk = e.active.RiskNow
	e.recommendation = Recommend(e.globalRisk)
}

// metaLoop refreshes one uplink's kind-specific metadata at a slow cadence.
func (e *Engine) metaLoop(ctx context.Context, wg *sync.WaitGroup, name string, src MetaSource) {
	defer wg.Done()
	ticker := e.clock.NewTicker(metaInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		apply, err := src.Refresh(cctx)
		cancel()
		if err != nil {
			// Metadata failure alone never marks an uplink unreachable.
			e.log.Debug("meta: refresh failed, keeping prior values", "uplink", name, "error", err)
			continue
		}
		e.mu.Lock()
		if u := e.byName[name]; u != nil {
			apply(u)
		}
		e.mu.Unlock()
	}
}
