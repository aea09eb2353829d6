// Package writedown computes how much of a borrower position's outstanding
// principal should be marked down based on repayment lateness.
package writedown

import "math/big"

// Schedule holds the lateness thresholds that shape the writedown curve.
type Schedule struct {
	// GracePeriodDays is the lateness below which no writedown applies.
	GracePeriodDays uint64
	// MaxDaysLate is the lateness at which the full principal is written
	// down.
	MaxDaysLate uint64
}

// Calculate returns the writedown percent in [0, 100] and the absolute
// amount, never exceeding the remaining principal. The percent scales
// linearly from zero at the end of the grace period to 100 at MaxDaysLate.
// The function is pure so the same path serves both the mutating writedown
// and its read-only estimate.
func (s Schedule) Calculate(principalRemaining *big.Int, daysLate uint64) (uint64, *big.Int) {
	principal := new(big.Int)
	if principalRemaining != nil && principalRemaining.Sign() > 0 {
		principal.Set(principalRemaining)
	}
	percent := s.Percent(daysLate)
	if percent == 0 || principal.Sign() == 0 {
		return percent, big.NewInt(0)
	}
	amount := new(big.Int).Mul(principal, new(big.Int).SetUint64(percent))
	amount.Quo(amount, big.NewInt(100))
	if amount.Cmp(principal) > 0 {
		amount.Set(principal)
	}
	return percent, amount
}

// Percent returns only the writedown percent for the given lateness.
func (s Schedule) Percent(daysLate uint64) uint64 {
	if daysLate <= s.GracePeriodDays {
		return 0
	}
	if s.MaxDaysLate <= s.GracePeriodDays || daysLate >= s.MaxDaysLate {
		return 100
	}
	late := daysLate - s.GracePeriodDays
	window := s.MaxDaysLate - s.GracePeriodDays
	percent := late * 100 / window
	if percent > 100 {
		percent = 100
	}
	return percent
}
