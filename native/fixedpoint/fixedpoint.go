// Package fixedpoint owns every conversion between the three fixed-point
// scales the protocol touches: the stable asset (6 fractional digits), the
// share claim (18) and the external yield market (8). Raw integers of
// different scales never mix outside this package; all conversions multiply
// before dividing so no precision is lost ahead of the final truncation.
package fixedpoint

import (
	"errors"
	"math/big"
)

const (
	// StableDecimals is the fractional precision of the stable-value asset.
	StableDecimals = 6
	// ShareDecimals is the fractional precision of the fungible claim.
	ShareDecimals = 18
	// MarketDecimals is the fractional precision of the external yield
	// market's own unit.
	MarketDecimals = 8
)

var (
	sharePriceScale   = pow10(ShareDecimals)
	stableShareFactor = pow10(ShareDecimals - StableDecimals)

	// The market quotes its exchange rate so that converting to the stable
	// scale divides by 10^(18+6-8) and then by 10^2. The observed market
	// behaviour differs from its documented convention; the constant is
	// pinned to the observed behaviour for interoperability and must not be
	// changed without reconfirming against the live market.
	marketRateDivisor = pow10(ShareDecimals + StableDecimals - MarketDecimals)
	marketRateAdjust  = big.NewInt(100)
)

// ErrNoOutstandingShares is returned when a share-price computation would
// divide by a zero claim-token supply.
var ErrNoOutstandingShares = errors.New("fixedpoint: no outstanding shares")

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Stable is an amount in the stable asset's base units.
type Stable struct {
	v *big.Int
}

// NewStable wraps a raw integer as a stable-scale amount. The input is
// cloned; a nil input is zero.
func NewStable(v *big.Int) Stable {
	return Stable{v: new(big.Int).Set(valueOrZero(v))}
}

// BigInt returns a copy of the underlying integer.
func (a Stable) BigInt() *big.Int { return new(big.Int).Set(valueOrZero(a.v)) }

// Sign reports the sign of the amount.
func (a Stable) Sign() int { return valueOrZero(a.v).Sign() }

// Cmp compares two stable amounts.
func (a Stable) Cmp(b Stable) int { return valueOrZero(a.v).Cmp(valueOrZero(b.v)) }

// Add returns a + b.
func (a Stable) Add(b Stable) Stable {
	return Stable{v: new(big.Int).Add(valueOrZero(a.v), valueOrZero(b.v))}
}

// Sub returns a - b.
func (a Stable) Sub(b Stable) Stable {
	return Stable{v: new(big.Int).Sub(valueOrZero(a.v), valueOrZero(b.v))}
}

func (a Stable) String() string { return valueOrZero(a.v).String() }

// Share is an amount in claim-token base units.
type Share struct {
	v *big.Int
}

// NewShare wraps a raw integer as a share-scale amount. The input is cloned;
// a nil input is zero.
func NewShare(v *big.Int) Share {
	return Share{v: new(big.Int).Set(valueOrZero(v))}
}

// BigInt returns a copy of the underlying integer.
func (s Share) BigInt() *big.Int { return new(big.Int).Set(valueOrZero(s.v)) }

// Sign reports the sign of the amount.
func (s Share) Sign() int { return valueOrZero(s.v).Sign() }

// Cmp compares two share amounts.
func (s Share) Cmp(t Share) int { return valueOrZero(s.v).Cmp(valueOrZero(t.v)) }

// Add returns s + t.
func (s Share) Add(t Share) Share {
	return Share{v: new(big.Int).Add(valueOrZero(s.v), valueOrZero(t.v))}
}

// Sub returns s - t.
func (s Share) Sub(t Share) Share {
	return Share{v: new(big.Int).Sub(valueOrZero(s.v), valueOrZero(t.v))}
}

func (s Share) String() string { return valueOrZero(s.v).String() }

// MarketUnit is an amount in the external yield market's base units.
type MarketUnit struct {
	v *big.Int
}

// NewMarketUnit wraps a raw integer as a market-scale amount. The input is
// cloned; a nil input is zero.
func NewMarketUnit(v *big.Int) MarketUnit {
	return MarketUnit{v: new(big.Int).Set(valueOrZero(v))}
}

// BigInt returns a copy of the underlying integer.
func (m MarketUnit) BigInt() *big.Int { return new(big.Int).Set(valueOrZero(m.v)) }

// Sign reports the sign of the amount.
func (m MarketUnit) Sign() int { return valueOrZero(m.v).Sign() }

func (m MarketUnit) String() string { return valueOrZero(m.v).String() }

// StableToShare converts a stable amount to share scale. The conversion is
// exact: the scale gap is a pure power of ten.
func StableToShare(a Stable) Share {
	return Share{v: new(big.Int).Mul(valueOrZero(a.v), stableShareFactor)}
}

// ShareToStable converts a share amount to stable scale, truncating the
// sub-stable dust toward zero.
func ShareToStable(s Share) Stable {
	return Stable{v: new(big.Int).Quo(valueOrZero(s.v), stableShareFactor)}
}

// MarketToStable converts a market-unit amount to stable scale using the
// market's externally supplied exchange rate. Multiplication happens first;
// the two divisors are the pinned observed-convention constants.
func MarketToStable(m MarketUnit, exchangeRate *big.Int) Stable {
	out := new(big.Int).Mul(valueOrZero(m.v), valueOrZero(exchangeRate))
	out.Quo(out, marketRateDivisor)
	out.Quo(out, marketRateAdjust)
	return Stable{v: out}
}

// InitialSharePrice returns the bootstrap share price of 1.0 in 18-decimal
// fixed point.
func InitialSharePrice() *big.Int {
	return new(big.Int).Set(sharePriceScale)
}

// SharePriceScale returns the fixed-point scale of share prices.
func SharePriceScale() *big.Int {
	return new(big.Int).Set(sharePriceScale)
}

// SharePriceDelta computes the share-price movement produced by crediting or
// debiting a stable amount against the outstanding claim supply:
// amount_in_share_scale * scale / totalShares.
func SharePriceDelta(amount Stable, totalShares Share) (*big.Int, error) {
	if totalShares.Sign() == 0 {
		return nil, ErrNoOutstandingShares
	}
	delta := new(big.Int).Mul(StableToShare(amount).v, sharePriceScale)
	delta.Quo(delta, totalShares.v)
	return delta, nil
}

// SharesForAmount converts a stable deposit into claim shares at the given
// share price.
func SharesForAmount(amount Stable, sharePrice *big.Int) (Share, error) {
	price := valueOrZero(sharePrice)
	if price.Sign() == 0 {
		return Share{}, ErrNoOutstandingShares
	}
	shares := new(big.Int).Mul(StableToShare(amount).v, sharePriceScale)
	shares.Quo(shares, price)
	return Share{v: shares}, nil
}

// AmountForShares converts claim shares back into a stable amount at the
// given share price.
func AmountForShares(shares Share, sharePrice *big.Int) Stable {
	value := new(big.Int).Mul(valueOrZero(shares.v), valueOrZero(sharePrice))
	value.Quo(value, sharePriceScale)
	return ShareToStable(Share{v: value})
}
