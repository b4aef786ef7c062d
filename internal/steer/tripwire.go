package steer

import (
	"fmt"

	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// Trigger names the condition that opened a protection window. The strings
// land in status.json and the journal, so they are contract.
type Trigger string

const (
	TriggerNone           Trigger = ""
	TriggerRTTStep        Trigger = "rtt_step"
	TriggerProbeMiss      Trigger = "probe_miss"
	TriggerLinkDown       Trigger = "link_down"
	TriggerRSRPDrop       Trigger = "rsrp_drop"
	TriggerSatObstruction Trigger = "starlink_obstruction"
	TriggerManual         Trigger = "manual"
)

// TripwireConfig holds the fast-path thresholds.
type TripwireConfig struct {
	RTTStepThresholdMs float64 // mean-of-3 over baseline step
	ProbeMissCount     int     // consecutive misses
	RSRPFloorDBm       float64 // LTE signal floor
	ObstructionETAMaxS float64 // predicted sat obstruction horizon
}

// rttStepSamples is the success window the step detector averages over.
const rttStepSamples = 3

// EvaluateTripwire checks the active uplink against every fast-path
// condition and returns the first trigger that fires, with a human detail
// string. Order determines which reason is recorded when several conditions
// are true at once; hard-down outranks soft degradation.
func EvaluateTripwire(u *uplink.Uplink, cfg TripwireConfig) (Trigger, string) {
	// Before the first probe lands there is no evidence either way; firing
	// LINK_DOWN on a cold start would open a protection window at boot.
	if u.History.Len() == 0 {
		return TriggerNone, ""
	}

	if !u.Usable() {
		return TriggerLinkDown, fmt.Sprintf("uplink %s not usable", u.Name)
	}

	if u.ConsecFails >= cfg.ProbeMissCount {
		return TriggerProbeMiss, fmt.Sprintf("%d consecutive probe misses", u.ConsecFails)
	}

	if rtts := u.History.LastSuccessRTTs(rttStepSamples); len(rtts) == rttStepSamples && u.RTTBaselineMs > 0 {
		var sum float64
		for _, r := range rtts {
			sum += r
		}
		mean := sum / rttStepSamples
		if step := mean - u.RTTBaselineMs; step >= cfg.RTTStepThresholdMs {
			return TriggerRTTStep, fmt.Sprintf("rtt step +%.0fms over %.0fms baseline", step, u.RTTBaselineMs)
		}
	}

	if u.Kind == uplink.KindLTE && u.LTE != nil && u.LTE.SignalPowerDBm != 0 && u.LTE.SignalPowerDBm < cfg.RSRPFloorDBm {
		return TriggerRSRPDrop, fmt.Sprintf("signal %.0f dBm below %.0f dBm floor", u.LTE.SignalPowerDBm, cfg.RSRPFloorDBm)
	}

	if u.Kind == uplink.KindSat && u.Sat != nil {
		if u.Sat.Obstructed {
			return TriggerSatObstruction, "dish obstructed"
		}
		if eta := u.Sat.ObstructionETASeconds; eta > 0 && eta < cfg.ObstructionETAMaxS {
			return TriggerSatObstruction, fmt.Sprintf("obstruction predicted in %.1fs", eta)
		}
	}

	return TriggerNone, ""
}
