package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State captures the persistent accounting for a capital pool. SharePrice is
// 18-decimal fixed point and monotonic non-decreasing except when a loss is
// distributed. ExternalYieldClaim is the stable amount currently deployed in
// the external yield market, zero while idle.
type State struct {
	SharePrice         *big.Int
	ExternalYieldClaim *big.Int
}

// Clone returns a deep copy of the pool state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := &State{}
	if s.SharePrice != nil {
		clone.SharePrice = new(big.Int).Set(s.SharePrice)
	}
	if s.ExternalYieldClaim != nil {
		clone.ExternalYieldClaim = new(big.Int).Set(s.ExternalYieldClaim)
	}
	return clone
}

// ClaimToken is the external fungible claim minted against deposits. The
// token owns share custody; the pool only mints, burns and reads it.
type ClaimToken interface {
	MintTo(addr common.Address, amount *big.Int) error
	BurnFrom(addr common.Address, amount *big.Int) error
	BalanceOf(addr common.Address) (*big.Int, error)
	TotalSupply() (*big.Int, error)
}

// Config carries the pool's protocol parameters. It is passed to the engine
// by reference; there is no process-wide parameter lookup.
type Config struct {
	// TotalFundsLimit caps the value-normalized claim supply, in stable
	// units. Zero disables the cap.
	TotalFundsLimit *big.Int
	// TransactionLimit caps single deposits and withdrawals, in stable
	// units. Zero disables the cap.
	TransactionLimit *big.Int
	// ReserveDenominator sets the protocol cut of collected interest.
	ReserveDenominator uint64
	// WithdrawFeeDenominator sets the reserve cut of withdrawals.
	WithdrawFeeDenominator uint64
	// ReserveAddress receives all reserve cuts.
	ReserveAddress common.Address
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := &Config{
		ReserveDenominator:     c.ReserveDenominator,
		WithdrawFeeDenominator: c.WithdrawFeeDenominator,
		ReserveAddress:         c.ReserveAddress,
	}
	if c.TotalFundsLimit != nil {
		clone.TotalFundsLimit = new(big.Int).Set(c.TotalFundsLimit)
	}
	if c.TransactionLimit != nil {
		clone.TransactionLimit = new(big.Int).Set(c.TransactionLimit)
	}
	return clone
}
