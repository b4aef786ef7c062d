package uplink

import (
	"fmt"
	"net"
	"time"
)

// Kind identifies the physical transport behind an uplink.
type Kind string

const (
	KindLTE   Kind = "lte"
	KindSat   Kind = "sat"
	KindFiber Kind = "fiber"
)

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLTE, KindSat, KindFiber:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown uplink kind: %q", s)
}

// LTEInfo holds modem-reported radio metrics, refreshed by the slow poller.
type LTEInfo struct {
	SignalPowerDBm float64 `json:"signal_power_dbm"`
	SINRDB         float64 `json:"sinr_db"`
	Carrier        string  `json:"carrier"`
	CellID         string  `json:"cell_id"`
}

// SatInfo holds dish-reported state, refreshed by the slow poller.
type SatInfo struct {
	Online                bool    `json:"online"`
	Obstructed            bool    `json:"obstructed"`
	ObstructionFraction   float64 `json:"obstruction_fraction"`
	DishLatencyMs         float64 `json:"dish_latency_ms"`
	ObstructionETASeconds float64 `json:"obstruction_eta_s"`
}

// Uplink is the per-path record owned by the steering engine. The probe pool
// writes metrics and history, the arbiter writes Active, and the command
// ingress writes Enabled/ForceFailed; all under the engine's lock.
type Uplink struct {
	// Identity, fixed at config load.
	Name           string
	Kind           Kind
	Index          int
	Interface      string
	Namespace      string
	EgressVeth     string
	ServiceVeth    string
	ServiceGateway net.IP

	// Live state.
	Enabled     bool
	Reachable   bool
	ForceFailed bool
	Active      bool

	// Rolling metrics maintained by the aggregator.
	RTTCurrentMs  float64
	RTTBaselineMs float64
	JitterMs      float64
	LossFraction  float64
	ConsecFails   int

	// Kind-specific metadata; nil for kinds that don't carry it.
	LTE *LTEInfo
	Sat *SatInfo

	// Current-risk estimate in [0,1], written by the risk scorer.
	RiskNow float64

	History Ring
}

// New constructs an uplink with kind-specific metadata allocated and
// history empty. Reachability starts false until the first probe succeeds.
func New(name string, kind Kind, index int) *Uplink {
	u := &Uplink{
		Name:    name,
		Kind:    kind,
		Index:   index,
		Enabled: true,
	}
	switch kind {
	case KindLTE:
		u.LTE = &LTEInfo{}
	case KindSat:
		u.Sat = &SatInfo{}
	}
	return u
}

// Usable reports whether the arbiter may consider this uplink as a target.
func (u *Uplink) Usable() bool {
	return u.Enabled && u.Reachable && !u.ForceFailed
}

// LossPercent returns the loss fraction scaled to percent.
func (u *Uplink) LossPercent() float64 {
	return u.LossFraction * 100
}

// Sample is a single probe result.
type Sample struct {
	RTTMs float64
	OK    bool
	At    time.Time
}

// ringSize bounds per-uplink history. The ring is in-memory only and starts
// empty on every process start.
const ringSize = 64

// Ring is a fixed-capacity append-only probe history with modulo indexing.
// Old entries are overwritten in place once the window wraps.
type Ring struct {
	samples [ringSize]Sample
	next    int
	count   int
}

// Push appends a sample, overwriting the oldest once full.
func (r *Ring) Push(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
}

// Len returns the number of samples currently held.
func (r *Ring) Len() int { return r.count }

// Last returns the n most recent samples, newest first. It returns fewer
// than n when the ring holds fewer.
func (r *Ring) Last(n int) []Sample {
	if n > r.count {
		n = r.count
	}
	out := make([]Sample, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + ringSize) % ringSize
		out = append(out, r.samples[idx])
	}
	return out
}

// LastSuccessRTTs returns the RTTs of the n most recent successful samples,
// newest first, scanning at most the full ring.
func (r *Ring) LastSuccessRTTs(n int) []float64 {
	out := make([]float64, 0, n)
	for i := 1; i <= r.count && len(out) < n; i++ {
		idx := (r.next - i + ringSize) % ringSize
		if r.samples[idx].OK {
			out = append(out, r.samples[idx].RTTMs)
		}
	}
	return out
}

// FailureFraction returns failed/total over the n most recent samples.
// With no samples it returns 0.
func (r *Ring) FailureFraction(n int) float64 {
	if n > r.count {
		n = r.count
	}
	if n == 0 {
		return 0
	}
	failed := 0
	for i := 1; i <= n; i++ {
		idx := (r.next - i + ringSize) % ringSize
		if !r.samples[idx].OK {
			failed++
		}
	}
	return float64(failed) / float64(n)
}
