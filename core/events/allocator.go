package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"creditpool/core/types"
)

const (
	TypeInvestmentMade   = "allocator.investment_made"
	TypePositionRedeemed = "allocator.position_redeemed"
	TypeWritedownMade    = "allocator.writedown_made"
)

// InvestmentMade records capital committed to a borrower pool position.
type InvestmentMade struct {
	Pool         common.Address
	BorrowerPool common.Address
	PositionID   uint64
	Amount       *big.Int
}

func (InvestmentMade) EventType() string { return TypeInvestmentMade }

func (e InvestmentMade) Event() *types.Event {
	return &types.Event{
		Type: TypeInvestmentMade,
		Attributes: map[string]string{
			"pool":         formatAddress(e.Pool),
			"borrowerPool": formatAddress(e.BorrowerPool),
			"positionId":   uintToString(e.PositionID),
			"amount":       formatAmount(e.Amount),
		},
	}
}

// PositionRedeemed records interest and principal recovered from a borrower
// pool position.
type PositionRedeemed struct {
	Pool       common.Address
	PositionID uint64
	Interest   *big.Int
	Principal  *big.Int
}

func (PositionRedeemed) EventType() string { return TypePositionRedeemed }

func (e PositionRedeemed) Event() *types.Event {
	return &types.Event{
		Type: TypePositionRedeemed,
		Attributes: map[string]string{
			"pool":       formatAddress(e.Pool),
			"positionId": uintToString(e.PositionID),
			"interest":   formatAmount(e.Interest),
			"principal":  formatAmount(e.Principal),
		},
	}
}

// WritedownMade records a writedown adjustment on a borrower pool position.
// Delta is positive when a repayment recovered previously written-down value.
type WritedownMade struct {
	Pool         common.Address
	BorrowerPool common.Address
	PositionID   uint64
	Percent      uint64
	Amount       *big.Int
	Delta        *big.Int
}

func (WritedownMade) EventType() string { return TypeWritedownMade }

func (e WritedownMade) Event() *types.Event {
	return &types.Event{
		Type: TypeWritedownMade,
		Attributes: map[string]string{
			"pool":         formatAddress(e.Pool),
			"borrowerPool": formatAddress(e.BorrowerPool),
			"positionId":   uintToString(e.PositionID),
			"percent":      uintToString(e.Percent),
			"amount":       formatAmount(e.Amount),
			"delta":        formatAmount(e.Delta),
		},
	}
}
