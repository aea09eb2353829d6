// Package reserve splits incoming interest and yield between the protocol
// reserve and the pool.
package reserve

import (
	"errors"
	"math/big"
)

// ErrZeroDenominator signals a misconfigured reserve denominator. The split
// is never silently skipped; a zero denominator is a configuration fault.
var ErrZeroDenominator = errors.New("reserve splitter: zero denominator")

// Allocation is the outcome of splitting an amount: the reserve cut and the
// remainder credited to the pool.
type Allocation struct {
	Reserve *big.Int
	Pool    *big.Int
}

// Split divides amount by the configured denominator. Integer division
// truncates toward zero, so the remainder always accrues to the pool side.
func Split(amount *big.Int, denominator uint64) (Allocation, error) {
	if denominator == 0 {
		return Allocation{}, ErrZeroDenominator
	}
	total := new(big.Int)
	if amount != nil {
		total.Set(amount)
	}
	if total.Sign() <= 0 {
		return Allocation{Reserve: big.NewInt(0), Pool: total}, nil
	}
	cut := new(big.Int).Quo(total, new(big.Int).SetUint64(denominator))
	remainder := new(big.Int).Sub(total, cut)
	return Allocation{Reserve: cut, Pool: remainder}, nil
}
