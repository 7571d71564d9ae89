package money

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLateCharges(t *testing.T) {
	cases := []struct {
		name     string
		original int64
		fine     float64
		daily    float64
		days     int
		want     int64
	}{
		{"no days late", 10_000, 2.0, 0.033, 0, 0},
		{"fine only", 10_000, 2.0, 0, 1, 200},
		{"fine plus five days interest rounds half up", 10_000, 2.0, 0.033, 5, 217},
		{"interest does not compound", 10_000, 0, 0.1, 30, 300},
		{"zero original", 0, 2.0, 0.033, 10, 0},
		{"negative days clamped", 10_000, 2.0, 0.033, -3, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, LateCharges(tc.original, tc.fine, tc.daily, tc.days))
		})
	}
}

func TestLateChargesIsIdempotentOverRecomputation(t *testing.T) {
	// Recomputing for the same day must yield the same surcharge, not grow it.
	first := LateCharges(50_000, 2.0, 0.033, 12)
	second := LateCharges(50_000, 2.0, 0.033, 12)
	require.Equal(t, first, second)
}

func TestTotal(t *testing.T) {
	require.Equal(t, int64(10_217), Total(10_000, 0, 217))
	require.Equal(t, int64(9_000), Total(10_000, 1_000, 0))
	require.Equal(t, int64(0), Total(1_000, 5_000, 0), "discount larger than original clamps at zero")
}

func TestDaysLate(t *testing.T) {
	due := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	require.Equal(t, 0, DaysLate(due, due))
	require.Equal(t, 0, DaysLate(due, due.Add(23*time.Hour)), "same calendar day is not late")
	require.Equal(t, 1, DaysLate(due, due.Add(24*time.Hour)))
	require.Equal(t, 5, DaysLate(due, time.Date(2026, 3, 15, 18, 30, 0, 0, time.UTC)))
	require.Equal(t, 0, DaysLate(due, due.AddDate(0, 0, -2)))
}

func TestRoundCents(t *testing.T) {
	require.Equal(t, int64(217), RoundCents(216.5))
	require.Equal(t, int64(216), RoundCents(216.49))
	require.Equal(t, int64(-217), RoundCents(-216.5))
}
