// Package sweep moves a pool's idle stable balance into and out of an
// external yield-bearing money market. The sweeper has exactly two reachable
// states, keyed by the pool's recorded claim: Idle (claim == 0) and Deployed
// (claim > 0).
package sweep

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditpool/native/fixedpoint"
)

var (
	// ErrAlreadyDeployed rejects a sweep-in while a claim is outstanding;
	// the existing claim must be re-normalized before adding more.
	ErrAlreadyDeployed = errors.New("yield sweep: claim already deployed")
	// ErrNotDeployed rejects a sweep-out with no outstanding claim.
	ErrNotDeployed = errors.New("yield sweep: no deployed claim")
	// ErrInvalidAmount rejects a non-positive sweep-in amount.
	ErrInvalidAmount = errors.New("yield sweep: amount must be positive")
	// ErrMarketCall wraps a non-zero error code returned by the external
	// market. The enclosing operation aborts with no effects retained.
	ErrMarketCall = errors.New("yield sweep: market call failed")
	// ErrRedemptionMismatch is a fatal invariant violation: the redeemed
	// balance delta diverged from the rate-implied expectation, which means
	// external-market manipulation or an accounting bug. It is never retried.
	ErrRedemptionMismatch = errors.New("yield sweep: redeemed amount diverged from expected")
)

// Asset is the stable-value token held by the pool. Transfer moves funds out
// of the pool's own account; TransferFrom pulls from a third party.
type Asset interface {
	BalanceOf(addr common.Address) (*big.Int, error)
	Transfer(to common.Address, amount *big.Int) error
	TransferFrom(from, to common.Address, amount *big.Int) error
	Approve(spender common.Address, amount *big.Int) error
	TotalSupply() (*big.Int, error)
	Decimals() (uint8, error)
}

// Market is the external yield-bearing money market. Mint and Redeem return
// the market's error code; zero means success.
type Market interface {
	Mint(amount *big.Int) (uint64, error)
	Redeem(amount *big.Int) (uint64, error)
	ExchangeRateCurrent() (*big.Int, error)
	BalanceOf(addr common.Address) (*big.Int, error)
	Address() common.Address
}

// Result reports the outcome of a sweep-out.
type Result struct {
	// Redeemed is the stable amount returned by the market.
	Redeemed *big.Int
	// Interest is the yield recognized on the round trip:
	// redeemed minus the claim at deployment.
	Interest *big.Int
}

// Sweeper executes sweeps for a single pool account.
type Sweeper struct {
	asset   Asset
	market  Market
	account common.Address
}

// New constructs a sweeper bound to the pool's asset account.
func New(asset Asset, market Market, account common.Address) *Sweeper {
	return &Sweeper{asset: asset, market: market, account: account}
}

// SweepIn deploys amount into the market and returns the new claim. Legal
// only from the Idle state.
func (s *Sweeper) SweepIn(claim, amount *big.Int) (*big.Int, error) {
	if claim != nil && claim.Sign() != 0 {
		return nil, ErrAlreadyDeployed
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.asset.Approve(s.market.Address(), amount); err != nil {
		return nil, fmt.Errorf("yield sweep: approve market: %w", err)
	}
	code, err := s.market.Mint(amount)
	if err != nil {
		return nil, fmt.Errorf("yield sweep: mint: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: mint code %d", ErrMarketCall, code)
	}
	return new(big.Int).Set(amount), nil
}

// SweepOut redeems the entire deployed claim. It reads the market's current
// exchange rate, computes the expected redemption from the market-unit
// balance, performs the redemption, and verifies the actual stable balance
// delta equals the expectation before recognizing any interest.
func (s *Sweeper) SweepOut(claim *big.Int) (Result, error) {
	if claim == nil || claim.Sign() == 0 {
		return Result{}, ErrNotDeployed
	}
	rate, err := s.market.ExchangeRateCurrent()
	if err != nil {
		return Result{}, fmt.Errorf("yield sweep: exchange rate: %w", err)
	}
	units, err := s.market.BalanceOf(s.account)
	if err != nil {
		return Result{}, fmt.Errorf("yield sweep: market balance: %w", err)
	}
	expected := fixedpoint.MarketToStable(fixedpoint.NewMarketUnit(units), rate)

	before, err := s.asset.BalanceOf(s.account)
	if err != nil {
		return Result{}, fmt.Errorf("yield sweep: balance before redeem: %w", err)
	}
	code, err := s.market.Redeem(units)
	if err != nil {
		return Result{}, fmt.Errorf("yield sweep: redeem: %w", err)
	}
	if code != 0 {
		return Result{}, fmt.Errorf("%w: redeem code %d", ErrMarketCall, code)
	}
	after, err := s.asset.BalanceOf(s.account)
	if err != nil {
		return Result{}, fmt.Errorf("yield sweep: balance after redeem: %w", err)
	}

	redeemed := new(big.Int).Sub(after, before)
	if redeemed.Cmp(expected.BigInt()) != 0 {
		return Result{}, fmt.Errorf("%w: got %s want %s", ErrRedemptionMismatch, redeemed, expected)
	}
	interest := new(big.Int).Sub(redeemed, claim)
	if interest.Sign() < 0 {
		// A money market cannot redeem below the deployed claim without
		// external misbehaviour; treat a shortfall like a mismatch.
		return Result{}, fmt.Errorf("%w: redeemed %s below claim %s", ErrRedemptionMismatch, redeemed, claim)
	}
	return Result{Redeemed: redeemed, Interest: interest}, nil
}
