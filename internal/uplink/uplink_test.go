package uplink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUplink_Ring(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sample := func(rtt float64, ok bool) Sample {
		return Sample{RTTMs: rtt, OK: ok, At: now}
	}

	t.Run("push_and_last_order", func(t *testing.T) {
		t.Parallel()
		var r Ring
		r.Push(sample(10, true))
		r.Push(sample(20, true))
		r.Push(sample(30, false))

		require.Equal(t, 3, r.Len())
		last := r.Last(2)
		require.Len(t, last, 2)
		require.Equal(t, 30.0, last[0].RTTMs) // newest first
		require.Equal(t, 20.0, last[1].RTTMs)
	})

	t.Run("wraps_at_capacity", func(t *testing.T) {
		t.Parallel()
		var r Ring
		for i := 0; i < ringSize+5; i++ {
			r.Push(sample(float64(i), true))
		}
		require.Equal(t, ringSize, r.Len())
		last := r.Last(1)
		require.Equal(t, float64(ringSize+4), last[0].RTTMs)
	})

	t.Run("last_success_rtts_skips_failures", func(t *testing.T) {
		t.Parallel()
		var r Ring
		r.Push(sample(10, true))
		r.Push(sample(0, false))
		r.Push(sample(30, true))
		r.Push(sample(0, false))

		rtts := r.LastSuccessRTTs(3)
		require.Equal(t, []float64{30, 10}, rtts)
	})

	t.Run("failure_fraction_window", func(t *testing.T) {
		t.Parallel()
		var r Ring
		require.Equal(t, 0.0, r.FailureFraction(20))
		for i := 0; i < 10; i++ {
			r.Push(sample(10, i%2 == 0))
		}
		require.InDelta(t, 0.5, r.FailureFraction(10), 1e-9)
		// Window larger than content uses what's there.
		require.InDelta(t, 0.5, r.FailureFraction(20), 1e-9)
	})
}

func TestUplink_New(t *testing.T) {
	t.Parallel()

	lte := New("cell_a", KindLTE, 0)
	require.NotNil(t, lte.LTE)
	require.Nil(t, lte.Sat)
	require.True(t, lte.Enabled)
	require.False(t, lte.Reachable)

	sat := New("sl_a", KindSat, 1)
	require.NotNil(t, sat.Sat)
	require.Nil(t, sat.LTE)

	fiber := New("fa", KindFiber, 2)
	require.Nil(t, fiber.LTE)
	require.Nil(t, fiber.Sat)
}

func TestUplink_Usable(t *testing.T) {
	t.Parallel()

	u := New("cell_a", KindLTE, 0)
	u.Reachable = true
	require.True(t, u.Usable())

	u.ForceFailed = true
	require.False(t, u.Usable())

	u.ForceFailed = false
	u.Enabled = false
	require.False(t, u.Usable())
}

func TestParseKind(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"lte", "sat", "fiber"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		require.Equal(t, Kind(s), k)
	}
	_, err := ParseKind("dsl")
	require.Error(t, err)
}
