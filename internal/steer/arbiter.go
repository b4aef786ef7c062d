package steer

import (
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// Arbiter scoring bonuses.
const (
	scoreBase           = 100.0
	scoreRiskWeight     = 50.0
	scoreLossWeight     = 10.0
	scoreSatClearBonus  = 20.0
	scoreLTEStrongBonus = 15.0
	scoreLTEStrongDBm   = -90.0
)

// ScoreUplink computes the arbiter's selection score. Higher is better.
func ScoreUplink(u *uplink.Uplink) float64 {
	score := scoreBase - u.RTTCurrentMs - scoreRiskWeight*u.RiskNow - scoreLossWeight*u.LossPercent()
	if u.Kind == uplink.KindSat && u.Sat != nil && u.Sat.Online && !u.Sat.Obstructed {
		score += scoreSatClearBonus
	}
	if u.Kind == uplink.KindLTE && u.LTE != nil && u.LTE.SignalPowerDBm != 0 && u.LTE.SignalPowerDBm > scoreLTEStrongDBm {
		score += scoreLTEStrongBonus
	}
	return score
}

// PickTarget returns the best usable uplink, ties broken by lowest index.
// Returns nil when nothing is usable.
func PickTarget(uplinks []*uplink.Uplink) *uplink.Uplink {
	var best *uplink.Uplink
	var bestScore float64
	for _, u := range uplinks {
		if !u.Usable() {
			continue
		}
		score := ScoreUplink(u)
		if best == nil || score > bestScore || (score == bestScore && u.Index < best.Index) {
			best = u
			bestScore = score
		}
	}
	return best
}

// PickBackup returns the best usable uplink other than exclude, for the
// duplication mirror's destination. Nil when there is no second path.
func PickBackup(uplinks []*uplink.Uplink, exclude *uplink.Uplink) *uplink.Uplink {
	var best *uplink.Uplink
	var bestScore float64
	for _, u := range uplinks {
		if u == exclude || !u.Usable() {
			continue
		}
		score := ScoreUplink(u)
		if best == nil || score > bestScore || (score == bestScore && u.Index < best.Index) {
			best = u
			bestScore = score
		}
	}
	return best
}
