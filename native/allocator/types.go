package allocator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State captures the persistent accounting for the allocator pool. On top of
// the share-price bookkeeping it tracks the aggregate principal deployed into
// borrower pools and the writedowns recognized against it.
type State struct {
	SharePrice            *big.Int
	ExternalYieldClaim    *big.Int
	TotalLoansOutstanding *big.Int
	TotalWritedowns       *big.Int
}

// Clone returns a deep copy of the allocator state.
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
	if s.TotalLoansOutstanding != nil {
		clone.TotalLoansOutstanding = new(big.Int).Set(s.TotalLoansOutstanding)
	}
	if s.TotalWritedowns != nil {
		clone.TotalWritedowns = new(big.Int).Set(s.TotalWritedowns)
	}
	return clone
}

// PositionInfo mirrors the position registry's record of a tokenized claim
// on a borrower pool.
type PositionInfo struct {
	Pool              common.Address
	PrincipalAmount   *big.Int
	PrincipalRedeemed *big.Int
}

// PositionRegistry resolves tokenized borrower-pool positions.
type PositionRegistry interface {
	GetTokenInfo(positionID uint64) (PositionInfo, error)
	OwnerOf(positionID uint64) (common.Address, error)
	ValidPool(addr common.Address) (bool, error)
}

// CreditLine exposes the lateness data of a borrower pool's credit line.
type CreditLine interface {
	DaysLate(asOf int64) (uint64, error)
}

// BorrowerPool is a tranched borrower pool the allocator can fund. Deposit
// pulls approved funds and returns the minted position id.
type BorrowerPool interface {
	Deposit(trancheID uint64, amount *big.Int) (uint64, error)
	Withdraw(positionID uint64, amount *big.Int) (interest, principal *big.Int, err error)
	WithdrawMax(positionID uint64) (interest, principal *big.Int, err error)
	CreditLine() (CreditLine, error)
}

// PoolResolver turns a borrower pool address into a callable handle.
type PoolResolver interface {
	BorrowerPool(addr common.Address) (BorrowerPool, error)
}

// AllocationStrategy decides how much the allocator commits to a borrower
// pool.
type AllocationStrategy interface {
	Invest(pool, borrowerPool common.Address) (*big.Int, error)
	EstimateInvestment(pool, borrowerPool common.Address) (*big.Int, error)
}

// Config carries the allocator pool's protocol parameters.
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
	// LatenessGracePeriodDays is the lateness below which no writedown
	// applies.
	LatenessGracePeriodDays uint64
	// LatenessMaxDays is the lateness at which principal is fully written
	// down.
	LatenessMaxDays uint64
	// ReserveAddress receives all reserve cuts.
	ReserveAddress common.Address
}

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := &Config{
		ReserveDenominator:      c.ReserveDenominator,
		WithdrawFeeDenominator:  c.WithdrawFeeDenominator,
		LatenessGracePeriodDays: c.LatenessGracePeriodDays,
		LatenessMaxDays:         c.LatenessMaxDays,
		ReserveAddress:          c.ReserveAddress,
	}
	if c.TotalFundsLimit != nil {
		clone.TotalFundsLimit = new(big.Int).Set(c.TotalFundsLimit)
	}
	if c.TransactionLimit != nil {
		clone.TransactionLimit = new(big.Int).Set(c.TransactionLimit)
	}
	return clone
}
