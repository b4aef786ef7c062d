package aggregate

import (
	"testing"
	"time"

	"github.com/cloudmeshllc/pathsteer/internal/uplink"
	"github.com/stretchr/testify/require"
)

func sample(rtt float64, ok bool) uplink.Sample {
	return uplink.Sample{RTTMs: rtt, OK: ok, At: time.Now()}
}

func TestAggregate_Observe(t *testing.T) {
	t.Parallel()

	t.Run("first_success_seeds_baseline_and_marks_up", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		tr := Observe(u, sample(80, true))
		require.Equal(t, TransitionUp, tr)
		require.True(t, u.Reachable)
		require.Equal(t, 80.0, u.RTTCurrentMs)
		require.Equal(t, 80.0, u.RTTBaselineMs)
		require.Equal(t, 0, u.ConsecFails)
	})

	t.Run("baseline_moves_slowly", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		Observe(u, sample(80, true))
		Observe(u, sample(180, true))
		// 80 + 0.05*(180-80) = 85
		require.InDelta(t, 85.0, u.RTTBaselineMs, 1e-9)
		require.Equal(t, 180.0, u.RTTCurrentMs)
	})

	t.Run("failures_do_not_touch_baseline", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		Observe(u, sample(80, true))
		for i := 0; i < 3; i++ {
			Observe(u, sample(0, false))
		}
		require.InDelta(t, 80.0, u.RTTBaselineMs, 1e-9)
		require.Equal(t, 3, u.ConsecFails)
		require.True(t, u.Reachable)
	})

	t.Run("unreachable_after_six_consecutive_failures", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		Observe(u, sample(80, true))
		var tr Transition
		for i := 0; i < 6; i++ {
			tr = Observe(u, sample(0, false))
		}
		require.Equal(t, TransitionDown, tr)
		require.False(t, u.Reachable)
	})

	t.Run("success_resets_failures_and_recovers", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		Observe(u, sample(80, true))
		for i := 0; i < 6; i++ {
			Observe(u, sample(0, false))
		}
		require.False(t, u.Reachable)
		tr := Observe(u, sample(90, true))
		require.Equal(t, TransitionUp, tr)
		require.True(t, u.Reachable)
		require.Equal(t, 0, u.ConsecFails)
	})

	t.Run("force_failed_stays_down_on_success", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		Observe(u, sample(80, true))
		ForceFail(u)
		require.False(t, u.Reachable)

		tr := Observe(u, sample(80, true))
		require.Equal(t, TransitionNone, tr)
		require.False(t, u.Reachable)

		// Release restores reachability via the next good probe.
		ReleaseForceFail(u)
		require.False(t, u.Reachable)
		tr = Observe(u, sample(80, true))
		require.Equal(t, TransitionUp, tr)
		require.True(t, u.Reachable)
	})

	t.Run("loss_fraction_over_window", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		for i := 0; i < 10; i++ {
			Observe(u, sample(80, true))
		}
		for i := 0; i < 10; i++ {
			Observe(u, sample(0, false))
		}
		require.InDelta(t, 0.5, u.LossFraction, 1e-9)
	})

	t.Run("jitter_tracks_rtt_deltas", func(t *testing.T) {
		t.Parallel()
		u := uplink.New("cell_a", uplink.KindLTE, 0)
		Observe(u, sample(80, true))
		require.Equal(t, 0.0, u.JitterMs)
		Observe(u, sample(100, true))
		// 0 + 0.2*(20-0) = 4
		require.InDelta(t, 4.0, u.JitterMs, 1e-9)
	})
}
