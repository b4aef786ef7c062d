package steer

import (
	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// Risk blend weights. The scorer is a deliberate feature blend, not a
// trained model; the runtime stays explainable and the training logger
// captures the raw features for offline work.
const (
	riskRTTInflationWeight = 0.3
	riskRTTInflationRatio  = 1.5

	riskLossTier1Pct    = 5.0
	riskLossTier1Bonus  = 0.3
	riskLossTier2Pct    = 20.0
	riskLossTier2Bonus  = 0.4
	riskLossTier3Pct    = 50.0
	riskLossTier3Bonus  = 0.5
	riskPerConsecFail   = 0.2
	riskConsecFailCap   = 5
	riskPerObstructPct  = 0.01
	riskLTEWeakSignal   = 0.4
	riskLTEWeakFloorDBm = -110.0

	recommendProtectAt = 0.7
	recommendPrepareAt = 0.4
)

// ScoreRisk computes the uplink's current-risk estimate in [0,1].
func ScoreRisk(u *uplink.Uplink) float64 {
	var risk float64

	if u.RTTBaselineMs > 0 && u.RTTCurrentMs > riskRTTInflationRatio*u.RTTBaselineMs {
		risk += riskRTTInflationWeight
	}

	switch loss := u.LossPercent(); {
	case loss > riskLossTier3Pct:
		risk += riskLossTier3Bonus
	case loss > riskLossTier2Pct:
		risk += riskLossTier2Bonus
	case loss > riskLossTier1Pct:
		risk += riskLossTier1Bonus
	}

	fails := u.ConsecFails
	if fails > riskConsecFailCap {
		fails = riskConsecFailCap
	}
	risk += riskPerConsecFail * float64(fails)

	if u.Kind == uplink.KindSat && u.Sat != nil {
		risk += riskPerObstructPct * (u.Sat.ObstructionFraction * 100)
	}
	if u.Kind == uplink.KindLTE && u.LTE != nil && u.LTE.SignalPowerDBm != 0 && u.LTE.SignalPowerDBm < riskLTEWeakFloorDBm {
		risk += riskLTEWeakSignal
	}

	if risk > 1 {
		risk = 1
	}
	if risk < 0 {
		risk = 0
	}
	return risk
}

// Recommend maps a risk level to the scorer's advisory state.
func Recommend(risk float64) Recommendation {
	switch {
	case risk >= recommendProtectAt:
		return RecommendProtect
	case risk >= recommendPrepareAt:
		return RecommendPrepare
	default:
		return RecommendNormal
	}
}
