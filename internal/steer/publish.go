package steer

import (
	"time"

	"github.com/cloudmeshllc/pathsteer/internal/status"
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// publish builds and atomically writes the full status snapshot.
func (e *Engine) publish(now time.Time) {
	snap := e.buildSnapshot(now)
	if err := e.cfg.Publisher.Publish(snap); err != nil {
		e.log.Error("status: publish failed", "error", err)
	}
}

func (e *Engine) buildSnapshot(now time.Time) *status.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := &status.Snapshot{
		TS:                  now.UTC().Format(time.RFC3339Nano),
		RunID:               e.cfg.RunID,
		Mode:                string(e.mode),
		State:               string(e.state),
		ActiveUplink:        e.active.Name,
		Controller:          e.controller,
		LastTrigger:         string(e.lastTrig),
		TriggerDetail:       e.trigDet,
		DuplicationEnabled:  e.cfg.Dup.Enabled(),
		DuplicationBackup:   e.cfg.Dup.Backup(),
		SwitchesInWindow:    e.switchesInWindow,
		FlapSuppressed:      e.flapSuppressed,
		GlobalRisk:          e.globalRisk,
		Recommendation:      string(e.recommendation),
		OperatorForceLocked: e.operatorLocked,
		LastCmd:             e.lastAck,
		GPS:                 e.gpsSnap,
	}

	if e.state == StateProtect || e.state == StateSwitching || e.state == StateHolding {
		if rem := e.minHold - now.Sub(e.protectionEnteredAt); rem > 0 {
			snap.HoldRemainingSec = rem.Seconds()
		}
		if e.cleanSince.IsZero() {
			snap.CleanRemainingSec = e.clean.Seconds()
		} else if rem := e.clean - now.Sub(e.cleanSince); rem > 0 {
			snap.CleanRemainingSec = rem.Seconds()
		}
	}

	for _, u := range e.uplinks {
		snap.Uplinks = append(snap.Uplinks, uplinkStatus(u))
	}
	return snap
}

func uplinkStatus(u *uplink.Uplink) status.UplinkStatus {
	us := status.UplinkStatus{
		Name:        u.Name,
		Kind:        string(u.Kind),
		Enabled:     u.Enabled,
		Reachable:   u.Reachable,
		ForceFailed: u.ForceFailed,
		Active:      u.Active,
		RTTMs:       u.RTTCurrentMs,
		BaselineMs:  u.RTTBaselineMs,
		JitterMs:    u.JitterMs,
		LossPct:     u.LossPercent(),
		Risk:        u.RiskNow,
		ConsecFail:  u.ConsecFails,
	}
	if u.LTE != nil {
		us.LTE = &status.LTEStatus{
			SignalPowerDBm: u.LTE.SignalPowerDBm,
			SINRDB:         u.LTE.SINRDB,
			Carrier:        u.LTE.Carrier,
			CellID:         u.LTE.CellID,
		}
	}
	if u.Sat != nil {
		us.Sat = &status.SatStatus{
			Online:                u.Sat.Online,
			Obstructed:            u.Sat.Obstructed,
			ObstructionPct:        u.Sat.ObstructionFraction * 100,
			DishLatencyMs:         u.Sat.DishLatencyMs,
			ObstructionETASeconds: u.Sat.ObstructionETASeconds,
		}
	}
	return us
}
