package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditpool/core/types"
)

const (
	TypeDepositMade           = "pool.deposit_made"
	TypeWithdrawalMade        = "pool.withdrawal_made"
	TypeInterestCollected     = "pool.interest_collected"
	TypePrincipalCollected    = "pool.principal_collected"
	TypeReserveFundsCollected = "pool.reserve_funds_collected"
	TypeLossesDistributed     = "pool.losses_distributed"
	TypeSweepDeployed         = "pool.sweep_deployed"
	TypeSweepRedeemed         = "pool.sweep_redeemed"
	TypeDrawdownMade          = "pool.drawdown_made"
)

// DepositMade records a capital provider deposit and the shares minted for it.
type DepositMade struct {
	Pool     common.Address
	Provider common.Address
	Amount   *big.Int
	Shares   *big.Int
}

func (DepositMade) EventType() string { return TypeDepositMade }

func (e DepositMade) Event() *types.Event {
	return &types.Event{
		Type: TypeDepositMade,
		Attributes: map[string]string{
			"pool":     formatAddress(e.Pool),
			"provider": formatAddress(e.Provider),
			"amount":   formatAmount(e.Amount),
			"shares":   formatAmount(e.Shares),
		},
	}
}

// WithdrawalMade records a withdrawal split between the provider and the
// protocol reserve, plus the shares burned to fund it.
type WithdrawalMade struct {
	Pool           common.Address
	Provider       common.Address
	UserAmount     *big.Int
	ReserveAmount  *big.Int
	SharesRedeemed *big.Int
}

func (WithdrawalMade) EventType() string { return TypeWithdrawalMade }

func (e WithdrawalMade) Event() *types.Event {
	return &types.Event{
		Type: TypeWithdrawalMade,
		Attributes: map[string]string{
			"pool":          formatAddress(e.Pool),
			"provider":      formatAddress(e.Provider),
			"userAmount":    formatAmount(e.UserAmount),
			"reserveAmount": formatAmount(e.ReserveAmount),
			"shares":        formatAmount(e.SharesRedeemed),
		},
	}
}

// InterestCollected records interest received by the pool and how it was
// split between the reserve cut and the share-price credit.
type InterestCollected struct {
	Pool          common.Address
	From          common.Address
	Amount        *big.Int
	ReserveAmount *big.Int
	PoolAmount    *big.Int
}

func (InterestCollected) EventType() string { return TypeInterestCollected }

func (e InterestCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeInterestCollected,
		Attributes: map[string]string{
			"pool":          formatAddress(e.Pool),
			"from":          formatAddress(e.From),
			"amount":        formatAmount(e.Amount),
			"reserveAmount": formatAmount(e.ReserveAmount),
			"poolAmount":    formatAmount(e.PoolAmount),
		},
	}
}

// PrincipalCollected records principal returned to the pool. Principal does
// not move the share price.
type PrincipalCollected struct {
	Pool   common.Address
	From   common.Address
	Amount *big.Int
}

func (PrincipalCollected) EventType() string { return TypePrincipalCollected }

func (e PrincipalCollected) Event() *types.Event {
	return &types.Event{
		Type: TypePrincipalCollected,
		Attributes: map[string]string{
			"pool":   formatAddress(e.Pool),
			"from":   formatAddress(e.From),
			"amount": formatAmount(e.Amount),
		},
	}
}

// ReserveFundsCollected records funds routed to the protocol reserve.
type ReserveFundsCollected struct {
	Pool   common.Address
	Amount *big.Int
}

func (ReserveFundsCollected) EventType() string { return TypeReserveFundsCollected }

func (e ReserveFundsCollected) Event() *types.Event {
	return &types.Event{
		Type: TypeReserveFundsCollected,
		Attributes: map[string]string{
			"pool":   formatAddress(e.Pool),
			"amount": formatAmount(e.Amount),
		},
	}
}

// LossesDistributed records a share-price adjustment from a loss or recovery.
// Delta is negative for losses and positive for recoveries.
type LossesDistributed struct {
	Pool       common.Address
	Delta      *big.Int
	SharePrice *big.Int
}

func (LossesDistributed) EventType() string { return TypeLossesDistributed }

func (e LossesDistributed) Event() *types.Event {
	return &types.Event{
		Type: TypeLossesDistributed,
		Attributes: map[string]string{
			"pool":       formatAddress(e.Pool),
			"delta":      formatAmount(e.Delta),
			"sharePrice": formatAmount(e.SharePrice),
		},
	}
}

// SweepDeployed records idle balance moved into the external yield market.
type SweepDeployed struct {
	Pool   common.Address
	Amount *big.Int
}

func (SweepDeployed) EventType() string { return TypeSweepDeployed }

func (e SweepDeployed) Event() *types.Event {
	return &types.Event{
		Type: TypeSweepDeployed,
		Attributes: map[string]string{
			"pool":   formatAddress(e.Pool),
			"amount": formatAmount(e.Amount),
		},
	}
}

// SweepRedeemed records a redemption from the external yield market and the
// interest recognized on the round trip.
type SweepRedeemed struct {
	Pool     common.Address
	Redeemed *big.Int
	Interest *big.Int
}

func (SweepRedeemed) EventType() string { return TypeSweepRedeemed }

func (e SweepRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypeSweepRedeemed,
		Attributes: map[string]string{
			"pool":     formatAddress(e.Pool),
			"redeemed": formatAmount(e.Redeemed),
			"interest": formatAmount(e.Interest),
		},
	}
}

// DrawdownMade records principal leaving the pool toward a borrower.
type DrawdownMade struct {
	Pool   common.Address
	To     common.Address
	Amount *big.Int
}

func (DrawdownMade) EventType() string { return TypeDrawdownMade }

func (e DrawdownMade) Event() *types.Event {
	return &types.Event{
		Type: TypeDrawdownMade,
		Attributes: map[string]string{
			"pool":   formatAddress(e.Pool),
			"to":     formatAddress(e.To),
			"amount": formatAmount(e.Amount),
		},
	}
}
