// Package money holds the pure arithmetic used by the invoice ledger.
// All amounts are integer cents.
package money

import (
	"math"
	"time"
)

// RoundCents rounds a fractional cent value half away from zero.
func RoundCents(v float64) int64 {
	if v < 0 {
		return -int64(math.Floor(-v + 0.5))
	}
	return int64(math.Floor(v + 0.5))
}

// Total computes the collectible amount of an invoice.
// A discount larger than original plus surcharge clamps the total at zero.
func Total(original, discount, surcharge int64) int64 {
	total := original - discount + surcharge
	if total < 0 {
		return 0
	}
	return total
}

// LateCharges computes the overdue surcharge for an invoice: a one-time fine
// plus simple (non-compounding) daily interest on the original amount.
// Rounding happens once, on the combined value.
func LateCharges(originalCents int64, finePercent, dailyInterestPercent float64, daysLate int) int64 {
	if daysLate <= 0 || originalCents <= 0 {
		return 0
	}
	base := float64(originalCents)
	fine := base * finePercent / 100
	interest := base * dailyInterestPercent / 100 * float64(daysLate)
	return RoundCents(fine + interest)
}

// DaysLate returns the number of whole calendar days between the due date
// and asOf, clamped at zero. Both are compared at UTC midnight.
func DaysLate(dueDate, asOf time.Time) int {
	due := truncateDay(dueDate)
	now := truncateDay(asOf)
	if !now.After(due) {
		return 0
	}
	return int(now.Sub(due) / (24 * time.Hour))
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
