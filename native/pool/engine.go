package pool

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditpool/core/events"
	nativecommon "creditpool/native/common"
	"creditpool/native/fixedpoint"
	"creditpool/native/reserve"
	"creditpool/native/sweep"
)

var (
	errNilState          = errors.New("pool engine: state not configured")
	errNilAsset          = errors.New("pool engine: asset not configured")
	errNilClaimToken     = errors.New("pool engine: claim token not configured")
	errNilConfig         = errors.New("pool engine: config not configured")
	errNilMarket         = errors.New("pool engine: yield market not configured")
	errInvalidAmount     = errors.New("pool engine: amount must be positive")
	errOverTxLimit       = errors.New("pool engine: amount exceeds transaction limit")
	errOverFundsLimit    = errors.New("pool engine: deposit exceeds total funds limit")
	errInsufficientShare = errors.New("pool engine: insufficient share balance")
	errNoIdleBalance     = errors.New("pool engine: no idle balance to sweep")
)

const moduleName = "pool"

type engineState interface {
	GetPool() (*State, error)
	PutPool(*State) error
}

// Engine owns the accounting state of a single-tranche capital pool and
// exposes the deposit, withdrawal, collection and sweep transitions. All
// mutating operations are all-or-nothing: engine state is persisted only
// after every external call has succeeded.
type Engine struct {
	state   engineState
	asset   sweep.Asset
	claims  ClaimToken
	market  sweep.Market
	account common.Address
	cfg     *Config
	policy  nativecommon.CapabilityPolicy
	pauses  nativecommon.PauseView
	guard   nativecommon.CallGuard
	emitter events.Emitter
}

// NewEngine constructs a pool engine bound to the pool's own asset account.
func NewEngine(account common.Address) *Engine {
	return &Engine{account: account, emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetAsset wires the stable-value asset handle.
func (e *Engine) SetAsset(asset sweep.Asset) { e.asset = asset }

// SetClaimToken wires the fungible claim token handle.
func (e *Engine) SetClaimToken(claims ClaimToken) { e.claims = claims }

// SetYieldMarket wires the external yield market handle.
func (e *Engine) SetYieldMarket(market sweep.Market) { e.market = market }

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

// Account returns the pool's own asset account.
func (e *Engine) Account() common.Address { return e.account }

// Deposit transfers amount in from the provider and mints claim shares at
// the current share price. The operation fails whole: a failed transfer
// leaves no shares minted and no state retained.
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
		return nil, fmt.Errorf("pool engine: claim supply: %w", err)
	}
	if !e.withinFundsLimit(fixedpoint.NewShare(supply).Add(shares), st.SharePrice) {
		return nil, errOverFundsLimit
	}

	if err := e.asset.TransferFrom(provider, e.account, amount); err != nil {
		return nil, fmt.Errorf("pool engine: transfer in: %w", err)
	}
	if err := e.claims.MintTo(provider, shares.BigInt()); err != nil {
		return nil, fmt.Errorf("pool engine: mint shares: %w", err)
	}

	// The mint is an external call; re-check the limit against the live
	// supply instead of trusting the pre-call arithmetic. A failure here
	// fails the whole operation and the enclosing transaction rolls back
	// the transfer and mint with it; nothing is compensated in-line.
	supplyAfter, err := e.claims.TotalSupply()
	if err != nil {
		return nil, fmt.Errorf("pool engine: claim supply: %w", err)
	}
	if !e.withinFundsLimit(fixedpoint.NewShare(supplyAfter), st.SharePrice) {
		return nil, errOverFundsLimit
	}

	e.emit(events.DepositMade{Pool: e.account, Provider: provider, Amount: cloneBigInt(amount), Shares: shares.BigInt()})
	return shares.BigInt(), nil
}

// Withdraw redeems usdcAmount of stable value. The reserve cut is deducted
// from the amount paid out, never from the shares burned.
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

// WithdrawInShares redeems an exact share amount, paying out its stable
// value at the current share price.
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
		return nil, fmt.Errorf("pool engine: claim balance: %w", err)
	}
	if fixedpoint.NewShare(held).Cmp(shares) < 0 {
		return nil, errInsufficientShare
	}

	split, err := reserve.Split(amount.BigInt(), e.cfg.WithdrawFeeDenominator)
	if err != nil {
		return nil, err
	}
	if err := e.asset.Transfer(provider, split.Pool); err != nil {
		return nil, fmt.Errorf("pool engine: transfer out: %w", err)
	}
	if split.Reserve.Sign() > 0 {
		if err := e.asset.Transfer(e.cfg.ReserveAddress, split.Reserve); err != nil {
			return nil, fmt.Errorf("pool engine: reserve transfer: %w", err)
		}
	}
	if err := e.claims.BurnFrom(provider, shares.BigInt()); err != nil {
		return nil, fmt.Errorf("pool engine: burn shares: %w", err)
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

// CollectInterestAndPrincipal pulls repayment proceeds into the pool. The
// interest portion passes through the reserve splitter and credits the share
// price; principal is forwarded untouched. When from is the pool itself the
// transfer is elided.
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
			return fmt.Errorf("pool engine: transfer in: %w", err)
		}
	}
	if split.Reserve.Sign() > 0 {
		if err := e.asset.Transfer(e.cfg.ReserveAddress, split.Reserve); err != nil {
			return fmt.Errorf("pool engine: reserve transfer: %w", err)
		}
	}
	if split.Pool.Sign() > 0 {
		supply, err := e.claims.TotalSupply()
		if err != nil {
			return fmt.Errorf("pool engine: claim supply: %w", err)
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

// DistributeLosses adjusts the share price for a loss (negative delta) or a
// recovery (positive delta) using saturating arithmetic.
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
		return fmt.Errorf("pool engine: claim supply: %w", err)
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
		return fmt.Errorf("pool engine: idle balance: %w", err)
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

// SweepFromYieldMarket redeems the deployed claim, recognizes the yield
// earned and returns the pool to the idle state.
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

// Drawdown transfers principal out to a borrower. Principal leaving the pool
// is not a loss event, so the share price is untouched.
func (e *Engine) Drawdown(caller, to common.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	if err := nativecommon.Authorize(e.policy, caller, nativecommon.CapDrawdown); err != nil {
		return err
	}
	release, err := e.guard.Enter()
	if err != nil {
		return err
	}
	defer release()

	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}

	st, err := e.ensurePool()
	if err != nil {
		return err
	}
	if err := e.normalizeYield(st); err != nil {
		return err
	}
	if err := e.asset.Transfer(to, amount); err != nil {
		return fmt.Errorf("pool engine: transfer out: %w", err)
	}
	if err := e.state.PutPool(st); err != nil {
		return err
	}
	e.emit(events.DrawdownMade{Pool: e.account, To: to, Amount: cloneBigInt(amount)})
	return nil
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

// Assets returns the pool's total stable holdings: idle balance plus the
// deployed yield-market claim.
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
		return nil, fmt.Errorf("pool engine: idle balance: %w", err)
	}
	return new(big.Int).Add(idle, cloneBigInt(st.ExternalYieldClaim)), nil
}

// normalizeYield forces a sweep-out when a claim is deployed, so every
// share-price-sensitive operation prices against the idle balance only.
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
