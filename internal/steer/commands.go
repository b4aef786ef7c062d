package steer

import (
	"fmt"
	"strconv"

	"github.com/cloudmeshllc/pathsteer/internal/aggregate"
	"github.com/cloudmeshllc/pathsteer/internal/command"
	"github.com/cloudmeshllc/pathsteer/internal/journal"
	"github.com/cloudmeshllc/pathsteer/internal/status"
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// processCommands drains the operator queue and applies each directive.
// Every command, recognized or not, produces an ack visible in the next
// snapshot and a journal line.
func (e *Engine) processCommands() {
	for _, p := range e.cfg.Queue.Drain() {
		var ack status.Ack
		cmd, err := command.Parse(p.ID, p.Line)
		if err != nil {
			ack = status.Ack{LastCmdID: p.ID, Result: "fail", Detail: "unknown_cmd"}
		} else {
			ack = e.applyCommand(cmd)
		}

		e.mu.Lock()
		e.lastAck = &ack
		e.mu.Unlock()

		e.cfg.Journal.Emit(journal.EventCommand, map[string]any{
			"id": p.ID, "line": p.Line, "result": ack.Result, "detail": ack.Detail,
		})
		e.log.Info("command: processed", "id", p.ID, "line", p.Line, "result", ack.Result, "detail", ack.Detail)
	}
}

func (e *Engine) applyCommand(cmd command.Command) status.Ack {
	exec := func(detail string) status.Ack {
		return status.Ack{LastCmdID: cmd.ID, Result: "exec", Detail: detail}
	}
	fail := func(detail string) status.Ack {
		return status.Ack{LastCmdID: cmd.ID, Result: "fail", Detail: detail}
	}

	switch cmd.Op {
	case command.OpMode:
		e.setMode(Mode(cmd.Arg))
		return exec("mode=" + cmd.Arg)

	case command.OpTrigger:
		e.mu.Lock()
		e.pendingManual = true
		e.mu.Unlock()
		return exec("trigger")

	case command.OpForce:
		u := e.lookup(cmd.Arg)
		if u == nil {
			return fail("unknown_uplink")
		}
		if err := e.forceSwitch(u); err != nil {
			return fail("switch_fail")
		}
		return exec("force=" + cmd.Arg)

	case command.OpForceAuto:
		e.mu.Lock()
		e.operatorLocked = false
		e.switchesInWindow = 0
		e.flapSuppressed = false
		e.mu.Unlock()
		e.arbitrate()
		return exec("force=auto")

	case command.OpEnable:
		u := e.lookup(cmd.Arg)
		if u == nil {
			return fail("unknown_uplink")
		}
		e.mu.Lock()
		u.Enabled = true
		e.mu.Unlock()
		return exec("enable=" + cmd.Arg)

	case command.OpDisable:
		u := e.lookup(cmd.Arg)
		if u == nil {
			return fail("unknown_uplink")
		}
		e.mu.Lock()
		u.Enabled = false
		e.mu.Unlock()
		return exec("disable=" + cmd.Arg)

	case command.OpFail:
		u := e.lookup(cmd.Arg)
		if u == nil {
			return fail("unknown_uplink")
		}
		e.mu.Lock()
		aggregate.ForceFail(u)
		e.mu.Unlock()
		return exec("fail=" + cmd.Arg)

	case command.OpUnfail:
		u := e.lookup(cmd.Arg)
		if u == nil {
			return fail("unknown_uplink")
		}
		e.mu.Lock()
		aggregate.ReleaseForceFail(u)
		e.mu.Unlock()
		return exec("unfail=" + cmd.Arg)

	case command.OpControllerSwap:
		n, err := strconv.Atoi(cmd.Arg)
		if err != nil {
			return fail("unknown_cmd")
		}
		e.mu.Lock()
		e.controller = n
		e.mu.Unlock()
		e.cfg.ReturnRoute.SwitchReturnRoute(fmt.Sprintf("controller-%d", n))
		return exec("c8000=" + cmd.Arg)
	}
	return fail("unknown_cmd")
}

func (e *Engine) lookup(name string) *uplink.Uplink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byName[name]
}

// setMode applies a mode change. Entering training collapses the state
// machine to NORMAL and tears the mirror down; entering mirror raises the
// mirror immediately; returning to tripwire in NORMAL also tears it down.
func (e *Engine) setMode(m Mode) {
	e.mu.Lock()
	prev := e.mode
	e.mode = m
	var state State
	if m == ModeTraining {
		e.state = StateNormal
	}
	state = e.state
	e.mu.Unlock()

	if prev == m && m != ModeMirror {
		return
	}

	switch m {
	case ModeTraining:
		e.disableDup()
	case ModeMirror:
		e.ensureDuplication()
	case ModeTripwire:
		if state == StateNormal || state == StatePrepare {
			e.disableDup()
		}
	}
}

func (e *Engine) disableDup() {
	if !e.cfg.Dup.Enabled() {
		return
	}
	if err := e.cfg.Dup.Disable(); err != nil {
		e.log.Error("duplication: disable failed", "error", err)
		return
	}
	e.cfg.Journal.Emit(journal.EventDupDisable, nil)
}

// forceSwitch is the operator override path: set the lock, move the route
// if needed, and commit only on verified success.
func (e *Engine) forceSwitch(target *uplink.Uplink) error {
	e.mu.Lock()
	e.operatorLocked = true
	active := e.active
	e.mu.Unlock()

	if target == active {
		return nil
	}
	if err := e.cfg.Route.Switch(target); err != nil {
		e.cfg.Journal.Emit(journal.EventSwitchFail, map[string]any{
			"from": active.Name, "to": target.Name, "error": err.Error(), "forced": true,
		})
		return err
	}

	e.mu.Lock()
	old := e.active
	old.Active = false
	target.Active = true
	e.active = target
	e.mu.Unlock()

	e.cfg.Journal.Emit(journal.EventSwitch, map[string]any{
		"from": old.Name, "to": target.Name, "forced": true,
	})
	e.log.Info("command: forced active uplink", "from", old.Name, "to", target.Name)
	e.cfg.ReturnRoute.SwitchReturnRoute(target.Name)
	return nil
}
