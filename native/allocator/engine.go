package allocator

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditpool/core/events"
	nativecommon "creditpool/native/common"
	"creditpool/native/fixedpoint"
	"creditpool/native/pool"
	"creditpool/native/reserve"
	"creditpool/native/sweep"
	"creditpool/native/writedown"
)

var (
	errNilState          = errors.New("allocator engine: state not configured")
	errNilAsset          = errors.New("allocator engine: asset not configured")
	errNilClaimToken     = errors.New("allocator engine: claim token not configured")
	errNilConfig         = errors.New("allocator engine: config not configured")
	errNilMarket         = errors.New("allocator engine: yield market not configured")
	errNilRegistry       = errors.New("allocator engine: position registry not configured")
	errNilStrategy       = errors.New("allocator engine: allocation strategy not configured")
	errNilResolver       = errors.New("allocator engine: pool resolver not configured")
	errInvalidAmount     = errors.New("allocator engine: amount must be positive")
	errOverTxLimit       = errors.New("allocator engine: amount exceeds transaction limit")
	errOverFundsLimit    = errors.New("allocator engine: deposit exceeds total funds limit")
	errInsufficientShare = errors.New("allocator engine: insufficient share balance")
	errNoIdleBalance     = errors.New("allocator engine: no idle balance to sweep")
	errInvalidPool       = errors.New("allocator engine: borrower pool not approved")
	errZeroInvestment    = errors.New("allocator engine: strategy returned zero investment")
	errNotPositionHolder = errors.New("allocator engine: caller pool does not hold position")
	errWritedownBound    = errors.New("allocator engine: writedowns exceed outstanding loans")
)

const moduleName = "allocator"

// seniorTranche is the tranche id the allocator funds in borrower pools.
const seniorTranche = 1

type engineState interface {
	GetPool() (*State, error)
	PutPool(*State) error
	GetWritedown(borrowerPool common.Address) (*big.Int, error)
	PutWritedown(borrowerPool common.Address, amount *big.Int) error
}

// Engine orchestrates the allocator pool: the same share-price, sweep and
// reserve primitives as the capital pool, layered with investment into
// borrower-pool positions and per-position writedown bookkeeping.
type Engine struct {
	state    engineState
	asset    sweep.Asset
	claims   pool.ClaimToken
	market   sweep.Market
	registry PositionRegistry
	strategy AllocationStrategy
	resolver PoolResolver
	account  common.Address
	cfg      *Config
	policy   nativecommon.CapabilityPolicy
	pauses   nativecommon.PauseView
	guard    nativecommon.CallGuard
	emitter  events.Emitter
	nowFn    func() int64
}

// NewEngine constructs an allocator engine bound to the pool's own asset
// account.
func NewEngine(account common.Address) *Engine {
	return &Engine{
		account: account,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAsset wires the stable-value asset handle.
func (e *Engine) SetAsset(asset sweep.Asset) { e.asset = asset }

// SetClaimToken wires the fungible claim token handle.
func (e *Engine) SetClaimToken(claims pool.ClaimToken) { e.claims = claims }

// SetYieldMarket wires the external yield market handle.
func (e *Engine) SetYieldMarket(market sweep.Market) { e.market = market }

// SetPositionRegistry wires the tokenized position registry.
func (e *Engine) SetPositionRegistry(registry PositionRegistry) { e.registry = registry }

// SetStrategy wires the allocation strategy consulted on invest.
func (e *Engine) SetStrategy(strategy AllocationStrategy) { e.strategy = strategy }

// SetPoolResolver wires the borrower pool resolver.
func (e *Engine) SetPoolResolver(resolver PoolResolver) { e.resolver = resolver }

// SetConfig hands the engine its protocol parameters by reference.
func (e *Engine) SetConfig(cfg *Config) {
	if e == nil {
		return
	}
	e.cfg = cfg.Clone()
}

// SetPolicy wires the capability policy checked on privileged operations.
func (e *Engine) SetPolicy(policy nativecommon.CapabilityPolicy) { e.policy = policy }

// SetPauses wires the module pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used for lateness math. Primarily for
// tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// Account returns the allocator pool's own asset account.
func (e *Engine) Account() common.Address { return e.account }

// Deposit transfers amount in from the provider and mints claim shares at
// the current share price.
func (e *Engine) Deposit(provider common.Address, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := e.withinTxLimit(amount); err != nil {
		return nil, err
	}

	st, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	shares, err := fixedpoint.SharesForAmount(fixedpoint.NewStable(amount), st.SharePrice)
	if err != nil {
		return nil, err
	}
	supply, err := e.claims.TotalSupply()
	if err != nil {
		return nil, fmt.Errorf("allocator engine: claim supply: %w", err)
	}
	if !e.withinFundsLimit(fixedpoint.NewShare(supply).Add(shares), st.SharePrice) {
		return nil, errOverFundsLimit
	}

	if err := e.asset.TransferFrom(provider, e.account, amount); err != nil {
		return nil, fmt.Errorf("allocator engine: transfer in: %w", err)
	}
	if err := e.claims.MintTo(provider, shares.BigInt()); err != nil {
		return nil, fmt.Errorf("allocator engine: mint shares: %w", err)
	}
	// Re-check the limit against the live supply after the external mint.
	// A failure here fails the whole operation and the enclosing
	// transaction rolls back the transfer and mint with it.
	supplyAfter, err := e.claims.TotalSupply()
	if err != nil {
		return nil, fmt.Errorf("allocator engine: claim supply: %w", err)
	}
	if !e.withinFundsLimit(fixedpoint.NewShare(supplyAfter), st.SharePrice) {
		return nil, errOverFundsLimit
	}

	e.emit(events.DepositMade{Pool: e.account, Provider: provider, Amount: cloneBigInt(amount), Shares: shares.BigInt()})
	return shares.BigInt(), nil
}

// Withdraw redeems usdcAmount of stable value, forcing a yield sweep-out
// first so the payout prices against the idle balance.
func (e *Engine) Withdraw(provider common.Address, usdcAmount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if usdcAmount == nil || usdcAmount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := e.withinTxLimit(usdcAmount); err != nil {
		return nil, err
	}

	st, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	if err := e.normalizeYield(st); err != nil {
		return nil, err
	}
	shares, err := fixedpoint.SharesForAmount(fixedpoint.NewStable(usdcAmount), st.SharePrice)
	if err != nil {
		return nil, err
	}
	return e.withdrawLocked(st, provider, fixedpoint.NewStable(usdcAmount), shares)
}

// WithdrawInShares redeems an exact share amount at the current share price.
func (e *Engine) WithdrawInShares(provider common.Address, shareAmount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return nil, err
	}
	defer release()

	if shareAmount == nil || shareAmount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	st, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	if err := e.normalizeYield(st); err != nil {
		return nil, err
	}
	shares := fixedpoint.NewShare(shareAmount)
	amount := fixedpoint.AmountForShares(shares, st.SharePrice)
	if amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := e.withinTxLimit(amount.BigInt()); err != nil {
		return nil, err
	}
	return e.withdrawLocked(st, provider, amount, shares)
}

func (e *Engine) withdrawLocked(st *State, provider common.Address, amount fixedpoint.Stable, shares fixedpoint.Share) (*big.Int, error) {
	held, err := e.claims.BalanceOf(provider)
	if err != nil {
		return nil, fmt.Errorf("allocator engine: claim balance: %w", err)
	}
	if fixedpoint.NewShare(held).Cmp(shares) < 0 {
		return nil, errInsufficientShare
	}
	split, err := reserve.Split(amount.BigInt(), e.cfg.WithdrawFeeDenominator)
	if err != nil {
		return nil, err
	}
	if err := e.asset.Transfer(provider, split.Pool); err != nil {
		return nil, fmt.Errorf("allocator engine: transfer out: %w", err)
	}
	if split.Reserve.Sign() > 0 {
		if err := e.asset.Transfer(e.cfg.ReserveAddress, split.Reserve); err != nil {
			return nil, fmt.Errorf("allocator engine: reserve transfer: %w", err)
		}
	}
	if err := e.claims.BurnFrom(provider, shares.BigInt()); err != nil {
		return nil, fmt.Errorf("allocator engine: burn shares: %w", err)
	}
	if err := e.state.PutPool(st); err != nil {
		return nil, err
	}
	e.emit(events.WithdrawalMade{
		Pool:           e.account,
		Provider:       provider,
		UserAmount:     cloneBigInt(split.Pool),
		ReserveAmount:  cloneBigInt(split.Reserve),
		SharesRedeemed: shares.BigInt(),
	})
	if split.Reserve.Sign() > 0 {
		e.emit(events.ReserveFundsCollected{Pool: e.account, Amount: cloneBigInt(split.Reserve)})
	}
	return split.Pool, nil
}

// Invest commits strategy-sized capital to an approved borrower pool and
// records the principal as outstanding. The position id minted by the
// borrower pool is returned with the committed amount.
func (e *Engine) Invest(caller, borrowerPool common.Address) (uint64, *big.Int, error) {
	if err := e.ready(); err != nil {
		return 0, nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return 0, nil, err
	}
	if err := nativecommon.Authorize(e.policy, caller, nativecommon.CapInvest); err != nil {
		return 0, nil, err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return 0, nil, err
	}
	defer release()

	valid, err := e.registry.ValidPool(borrowerPool)
	if err != nil {
		return 0, nil, fmt.Errorf("allocator engine: validate pool: %w", err)
	}
	if !valid {
		return 0, nil, errInvalidPool
	}

	st, err := e.ensurePool()
	if err != nil {
		return 0, nil, err
	}
	if err := e.normalizeYield(st); err != nil {
		return 0, nil, err
	}

	amount, err := e.strategy.Invest(e.account, borrowerPool)
	if err != nil {
		return 0, nil, fmt.Errorf("allocator engine: strategy: %w", err)
	}
	if amount == nil || amount.Sign() <= 0 {
		return 0, nil, errZeroInvestment
	}

	target, err := e.resolver.BorrowerPool(borrowerPool)
	if err != nil {
		return 0, nil, fmt.Errorf("allocator engine: resolve pool: %w", err)
	}
	if err := e.asset.Approve(borrowerPool, amount); err != nil {
		return 0, nil, fmt.Errorf("allocator engine: approve pool: %w", err)
	}
	positionID, err := target.Deposit(seniorTranche, amount)
	if err != nil {
		return 0, nil, fmt.Errorf("allocator engine: fund pool: %w", err)
	}

	st.TotalLoansOutstanding = new(big.Int).Add(st.TotalLoansOutstanding, amount)
	if err := e.state.PutPool(st); err != nil {
		return 0, nil, err
	}
	e.emit(events.InvestmentMade{Pool: e.account, BorrowerPool: borrowerPool, PositionID: positionID, Amount: cloneBigInt(amount)})
	return positionID, cloneBigInt(amount), nil
}

// EstimateInvestment reports how much the strategy would commit to the
// borrower pool without moving funds.
func (e *Engine) EstimateInvestment(borrowerPool common.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.strategy.EstimateInvestment(e.account, borrowerPool)
}

// Redeem collects the redeemable interest and principal of a position held
// by the allocator and socializes the interest into the share price.
func (e *Engine) Redeem(positionID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	st, err := e.ensurePool()
	if err != nil {
		return err
	}
	if err := e.normalizeYield(st); err != nil {
		return err
	}

	info, err := e.registry.GetTokenInfo(positionID)
	if err != nil {
		return fmt.Errorf("allocator engine: token info: %w", err)
	}
	target, err := e.resolver.BorrowerPool(info.Pool)
	if err != nil {
		return fmt.Errorf("allocator engine: resolve pool: %w", err)
	}
	interest, principal, err := target.WithdrawMax(positionID)
	if err != nil {
		return fmt.Errorf("allocator engine: withdraw position: %w", err)
	}
	interest = cloneBigInt(interest)
	principal = cloneBigInt(principal)
	if new(big.Int).Add(interest, principal).Sign() <= 0 {
		return errInvalidAmount
	}

	// Funds land in the allocator's own account, so the collect elides the
	// transfer and only splits and reprices.
	if err := e.collectLocked(st, e.account, interest, principal); err != nil {
		return err
	}
	st.TotalLoansOutstanding = saturatingSub(st.TotalLoansOutstanding, principal)
	if err := e.state.PutPool(st); err != nil {
		return err
	}
	e.emit(events.PositionRedeemed{Pool: e.account, PositionID: positionID, Interest: interest, Principal: principal})
	return nil
}

// Writedown marks down the pool's claim on a borrower position according to
// its lateness, applying only the delta against the previously recorded
// writedown for that borrower pool. A call where both the old and new
// writedown are zero is a silent no-op.
func (e *Engine) Writedown(positionID uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	owner, err := e.registry.OwnerOf(positionID)
	if err != nil {
		return fmt.Errorf("allocator engine: position owner: %w", err)
	}
	if owner != e.account {
		return errNotPositionHolder
	}

	info, percent, amount, err := e.assessWritedown(positionID)
	if err != nil {
		return err
	}
	prev, err := e.state.GetWritedown(info.Pool)
	if err != nil {
		return err
	}
	prev = cloneBigInt(prev)
	if prev.Sign() == 0 && amount.Sign() == 0 {
		return nil
	}

	st, err := e.ensurePool()
	if err != nil {
		return err
	}
	if err := e.normalizeYield(st); err != nil {
		return err
	}

	// delta > 0 is a recovery, delta < 0 a further loss.
	delta := new(big.Int).Sub(prev, amount)
	writedowns := new(big.Int).Set(st.TotalWritedowns)
	if delta.Sign() > 0 {
		writedowns = saturatingSub(writedowns, delta)
	} else {
		writedowns.Add(writedowns, new(big.Int).Neg(delta))
	}
	if writedowns.Cmp(st.TotalLoansOutstanding) > 0 {
		return errWritedownBound
	}

	if err := e.distributeLocked(st, delta); err != nil {
		return err
	}
	st.TotalWritedowns = writedowns
	if err := e.state.PutWritedown(info.Pool, amount); err != nil {
		return err
	}
	if err := e.state.PutPool(st); err != nil {
		return err
	}
	e.emit(events.WritedownMade{
		Pool:         e.account,
		BorrowerPool: info.Pool,
		PositionID:   positionID,
		Percent:      percent,
		Amount:       cloneBigInt(amount),
		Delta:        delta,
	})
	return nil
}

// CalculateWritedown is the read-only variant of Writedown: it reports the
// percent and amount that a writedown call would record, without mutating
// any state.
func (e *Engine) CalculateWritedown(positionID uint64) (uint64, *big.Int, error) {
	if err := e.ready(); err != nil {
		return 0, nil, err
	}
	_, percent, amount, err := e.assessWritedown(positionID)
	if err != nil {
		return 0, nil, err
	}
	return percent, amount, nil
}

func (e *Engine) assessWritedown(positionID uint64) (PositionInfo, uint64, *big.Int, error) {
	info, err := e.registry.GetTokenInfo(positionID)
	if err != nil {
		return PositionInfo{}, 0, nil, fmt.Errorf("allocator engine: token info: %w", err)
	}
	target, err := e.resolver.BorrowerPool(info.Pool)
	if err != nil {
		return PositionInfo{}, 0, nil, fmt.Errorf("allocator engine: resolve pool: %w", err)
	}
	creditLine, err := target.CreditLine()
	if err != nil {
		return PositionInfo{}, 0, nil, fmt.Errorf("allocator engine: credit line: %w", err)
	}
	daysLate, err := creditLine.DaysLate(e.now())
	if err != nil {
		return PositionInfo{}, 0, nil, fmt.Errorf("allocator engine: lateness: %w", err)
	}
	principalRemaining := saturatingSub(cloneBigInt(info.PrincipalAmount), cloneBigInt(info.PrincipalRedeemed))
	schedule := writedown.Schedule{
		GracePeriodDays: e.cfg.LatenessGracePeriodDays,
		MaxDaysLate:     e.cfg.LatenessMaxDays,
	}
	percent, amount := schedule.Calculate(principalRemaining, daysLate)
	return info, percent, amount, nil
}

// CollectInterestAndPrincipal pulls repayment proceeds into the pool; same
// semantics as the capital pool primitive.
func (e *Engine) CollectInterestAndPrincipal(caller, from common.Address, interest, principal *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := nativecommon.Authorize(e.policy, caller, nativecommon.CapCollect); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	st, err := e.ensurePool()
	if err != nil {
		return err
	}
	if err := e.collectLocked(st, from, interest, principal); err != nil {
		return err
	}
	return e.state.PutPool(st)
}

func (e *Engine) collectLocked(st *State, from common.Address, interest, principal *big.Int) error {
	interest = cloneBigInt(interest)
	principal = cloneBigInt(principal)
	if interest.Sign() < 0 || principal.Sign() < 0 {
		return errInvalidAmount
	}
	total := new(big.Int).Add(interest, principal)
	if total.Sign() <= 0 {
		return errInvalidAmount
	}
	split, err := reserve.Split(interest, e.cfg.ReserveDenominator)
	if err != nil {
		return err
	}
	if from != e.account {
		if err := e.asset.TransferFrom(from, e.account, total); err != nil {
			return fmt.Errorf("allocator engine: transfer in: %w", err)
		}
	}
	if split.Reserve.Sign() > 0 {
		if err := e.asset.Transfer(e.cfg.ReserveAddress, split.Reserve); err != nil {
			return fmt.Errorf("allocator engine: reserve transfer: %w", err)
		}
	}
	if split.Pool.Sign() > 0 {
		supply, err := e.claims.TotalSupply()
		if err != nil {
			return fmt.Errorf("allocator engine: claim supply: %w", err)
		}
		delta, err := fixedpoint.SharePriceDelta(fixedpoint.NewStable(split.Pool), fixedpoint.NewShare(supply))
		if err != nil {
			return err
		}
		st.SharePrice = new(big.Int).Add(st.SharePrice, delta)
	}
	if interest.Sign() > 0 {
		e.emit(events.InterestCollected{
			Pool:          e.account,
			From:          from,
			Amount:        cloneBigInt(interest),
			ReserveAmount: cloneBigInt(split.Reserve),
			PoolAmount:    cloneBigInt(split.Pool),
		})
	}
	if principal.Sign() > 0 {
		e.emit(events.PrincipalCollected{Pool: e.account, From: from, Amount: cloneBigInt(principal)})
	}
	if split.Reserve.Sign() > 0 {
		e.emit(events.ReserveFundsCollected{Pool: e.account, Amount: cloneBigInt(split.Reserve)})
	}
	return nil
}

// DistributeLosses adjusts the share price for a loss or recovery outside
// the writedown flow.
func (e *Engine) DistributeLosses(caller common.Address, delta *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := nativecommon.Authorize(e.policy, caller, nativecommon.CapDistribute); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	st, err := e.ensurePool()
	if err != nil {
		return err
	}
	if err := e.normalizeYield(st); err != nil {
		return err
	}
	if err := e.distributeLocked(st, delta); err != nil {
		return err
	}
	return e.state.PutPool(st)
}

func (e *Engine) distributeLocked(st *State, delta *big.Int) error {
	delta = cloneBigInt(delta)
	if delta.Sign() == 0 {
		return nil
	}
	supply, err := e.claims.TotalSupply()
	if err != nil {
		return fmt.Errorf("allocator engine: claim supply: %w", err)
	}
	magnitude := new(big.Int).Abs(delta)
	priceDelta, err := fixedpoint.SharePriceDelta(fixedpoint.NewStable(magnitude), fixedpoint.NewShare(supply))
	if err != nil {
		return err
	}
	if delta.Sign() > 0 {
		st.SharePrice = new(big.Int).Add(st.SharePrice, priceDelta)
	} else {
		st.SharePrice = saturatingSub(st.SharePrice, priceDelta)
	}
	e.emit(events.LossesDistributed{Pool: e.account, Delta: delta, SharePrice: cloneBigInt(st.SharePrice)})
	return nil
}

// SweepToYieldMarket deploys the pool's entire idle balance into the
// external yield market.
func (e *Engine) SweepToYieldMarket(caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.market == nil {
		return errNilMarket
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := nativecommon.Authorize(e.policy, caller, nativecommon.CapSweep); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	st, err := e.ensurePool()
	if err != nil {
		return err
	}
	idle, err := e.asset.BalanceOf(e.account)
	if err != nil {
		return fmt.Errorf("allocator engine: idle balance: %w", err)
	}
	if idle.Sign() <= 0 {
		return errNoIdleBalance
	}
	claim, err := e.sweeper().SweepIn(st.ExternalYieldClaim, idle)
	if err != nil {
		return err
	}
	st.ExternalYieldClaim = claim
	if err := e.state.PutPool(st); err != nil {
		return err
	}
	e.emit(events.SweepDeployed{Pool: e.account, Amount: cloneBigInt(claim)})
	return nil
}

// SweepFromYieldMarket redeems the deployed claim and recognizes the yield
// earned.
func (e *Engine) SweepFromYieldMarket(caller common.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if e.market == nil {
		return errNilMarket
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := nativecommon.Authorize(e.policy, caller, nativecommon.CapSweep); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	st, err := e.ensurePool()
	if err != nil {
		return err
	}
	if st.ExternalYieldClaim == nil || st.ExternalYieldClaim.Sign() == 0 {
		return sweep.ErrNotDeployed
	}
	if err := e.normalizeYield(st); err != nil {
		return err
	}
	return e.state.PutPool(st)
}

// SharePrice returns the pool's current share price in 18-decimal fixed
// point.
func (e *Engine) SharePrice() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	st, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	return cloneBigInt(st.SharePrice), nil
}

// Assets returns idle balance plus the deployed claim plus loans outstanding
// net of writedowns.
func (e *Engine) Assets() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	st, err := e.ensurePool()
	if err != nil {
		return nil, err
	}
	idle, err := e.asset.BalanceOf(e.account)
	if err != nil {
		return nil, fmt.Errorf("allocator engine: idle balance: %w", err)
	}
	total := new(big.Int).Add(idle, cloneBigInt(st.ExternalYieldClaim))
	total.Add(total, cloneBigInt(st.TotalLoansOutstanding))
	total.Sub(total, cloneBigInt(st.TotalWritedowns))
	if total.Sign() < 0 {
		return big.NewInt(0), nil
	}
	return total, nil
}

func (e *Engine) normalizeYield(st *State) error {
	if st.ExternalYieldClaim == nil || st.ExternalYieldClaim.Sign() == 0 {
		return nil
	}
	if e.market == nil {
		return errNilMarket
	}
	res, err := e.sweeper().SweepOut(st.ExternalYieldClaim)
	if err != nil {
		return err
	}
	st.ExternalYieldClaim = big.NewInt(0)
	if res.Interest.Sign() > 0 {
		if err := e.collectLocked(st, e.account, res.Interest, big.NewInt(0)); err != nil {
			return err
		}
	}
	e.emit(events.SweepRedeemed{Pool: e.account, Redeemed: cloneBigInt(res.Redeemed), Interest: cloneBigInt(res.Interest)})
	return nil
}

func (e *Engine) sweeper() *sweep.Sweeper {
	return sweep.New(e.asset, e.market, e.account)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.asset == nil {
		return errNilAsset
	}
	if e.claims == nil {
		return errNilClaimToken
	}
	if e.registry == nil {
		return errNilRegistry
	}
	if e.strategy == nil {
		return errNilStrategy
	}
	if e.resolver == nil {
		return errNilResolver
	}
	if e.cfg == nil {
		return errNilConfig
	}
	return nil
}

func (e *Engine) ensurePool() (*State, error) {
	st, err := e.state.GetPool()
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &State{}
	}
	// Only a nil price marks an uninitialized pool. A stored zero is a
	// total loss; re-bootstrapping it would hand wiped-out shares a claim
	// on later deposits. Value returns only through an explicit recovery.
	if st.SharePrice == nil {
		st.SharePrice = fixedpoint.InitialSharePrice()
	}
	if st.ExternalYieldClaim == nil {
		st.ExternalYieldClaim = big.NewInt(0)
	}
	if st.TotalLoansOutstanding == nil {
		st.TotalLoansOutstanding = big.NewInt(0)
	}
	if st.TotalWritedowns == nil {
		st.TotalWritedowns = big.NewInt(0)
	}
	return st, nil
}

func (e *Engine) withinTxLimit(amount *big.Int) error {
	if e.cfg.TransactionLimit == nil || e.cfg.TransactionLimit.Sign() == 0 {
		return nil
	}
	if amount.Cmp(e.cfg.TransactionLimit) > 0 {
		return errOverTxLimit
	}
	return nil
}

func (e *Engine) withinFundsLimit(supply fixedpoint.Share, sharePrice *big.Int) bool {
	if e.cfg.TotalFundsLimit == nil || e.cfg.TotalFundsLimit.Sign() == 0 {
		return true
	}
	normalized := new(big.Int).Mul(supply.BigInt(), sharePrice)
	normalized.Quo(normalized, fixedpoint.SharePriceScale())
	limit := fixedpoint.StableToShare(fixedpoint.NewStable(e.cfg.TotalFundsLimit))
	return normalized.Cmp(limit.BigInt()) <= 0
}

func (e *Engine) emit(event events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(event)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func saturatingSub(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}
