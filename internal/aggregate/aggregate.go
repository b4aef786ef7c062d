package aggregate

import (
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

const (
	// baselineAlpha is the EMA smoothing factor for the RTT baseline.
	// Only successful probes feed the baseline.
	baselineAlpha = 0.05

	// jitterAlpha smooths the absolute RTT delta between successive successes.
	jitterAlpha = 0.2

	// lossWindow is the probe count over which loss fraction is computed.
	lossWindow = 20

	// unreachableAfter is the consecutive-failure count an uplink may reach
	// and stay reachable; the next failure after it marks it unreachable.
	unreachableAfter = 5
)

// Transition reports a reachability change caused by a probe result.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionUp
	TransitionDown
)

// Observe folds one probe sample into the uplink's rolling metrics and
// history, returning any reachability transition. The caller holds the
// engine lock.
func Observe(u *uplink.Uplink, s uplink.Sample) Transition {
	prevRTT := u.RTTCurrentMs
	hadRTT := len(u.History.LastSuccessRTTs(1)) > 0

	u.History.Push(s)
	u.LossFraction = u.History.FailureFraction(lossWindow)

	if s.OK {
		u.RTTCurrentMs = s.RTTMs
		if u.RTTBaselineMs == 0 {
			u.RTTBaselineMs = s.RTTMs
		} else {
			u.RTTBaselineMs += baselineAlpha * (s.RTTMs - u.RTTBaselineMs)
		}
		if hadRTT {
			delta := s.RTTMs - prevRTT
			if delta < 0 {
				delta = -delta
			}
			u.JitterMs += jitterAlpha * (delta - u.JitterMs)
		}
		u.ConsecFails = 0
		if !u.Reachable && !u.ForceFailed {
			u.Reachable = true
			return TransitionUp
		}
		return TransitionNone
	}

	u.ConsecFails++
	if u.Reachable && u.ConsecFails > unreachableAfter {
		u.Reachable = false
		return TransitionDown
	}
	return TransitionNone
}

// ForceFail marks an uplink operator-failed. A force-failed uplink is never
// reachable until released.
func ForceFail(u *uplink.Uplink) {
	u.ForceFailed = true
	u.Reachable = false
}

// ReleaseForceFail clears the operator failure. Reachability recovers on the
// next successful probe, not immediately.
func ReleaseForceFail(u *uplink.Uplink) {
	u.ForceFailed = false
}
