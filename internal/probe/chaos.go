package probe

import (
	"encoding/json"
	"math/rand"
	"os"

	"github.com/cloudmeshllc/pathsteer/internal/uplink"
)

// ChaosSpec is a per-uplink perturbation read from chaos.json. RTT and jitter
// are additive milliseconds; Loss is a probability in [0,1] of converting a
// successful probe into a miss.
type ChaosSpec struct {
	RTTMs    float64 `json:"rtt"`
	JitterMs float64 `json:"jitter"`
	Loss     float64 `json:"loss"`
}

// Chaos maps uplink name to its active perturbation.
type Chaos map[string]ChaosSpec

// ChaosReader re-reads chaos.json once per probe cycle. An absent or
// malformed file means no injection; chaos must never take the engine down.
type ChaosReader struct {
	path string
	rng  *rand.Rand
}

func NewChaosReader(path string, seed int64) *ChaosReader {
	return &ChaosReader{path: path, rng: rand.New(rand.NewSource(seed))}
}

// Load reads the current chaos file. Returns nil when no injection is active.
func (r *ChaosReader) Load() Chaos {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil
	}
	var c Chaos
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	return c
}

// Apply perturbs a probe sample for the named uplink. The perturbed sample is
// what the aggregator and tripwire see; injection is indistinguishable from a
// real degradation downstream of this point.
func (r *ChaosReader) Apply(c Chaos, name string, s uplink.Sample) uplink.Sample {
	inj, ok := c[name]
	if !ok {
		return s
	}
	if s.OK && inj.Loss > 0 && r.rng.Float64() < inj.Loss {
		s.OK = false
		s.RTTMs = 0
		return s
	}
	if s.OK {
		s.RTTMs += inj.RTTMs
		if inj.JitterMs > 0 {
			s.RTTMs += (r.rng.Float64()*2 - 1) * inj.JitterMs
		}
		if s.RTTMs < 0 {
			s.RTTMs = 0
		}
	}
	return s
}
