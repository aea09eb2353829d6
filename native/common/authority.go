package common

import (
	"errors"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Capability names a privileged operation class on a pool.
type Capability string

const (
	CapCollect    Capability = "collect"
	CapDistribute Capability = "distribute"
	CapSweep      Capability = "sweep"
	CapDrawdown   Capability = "drawdown"
	CapInvest     Capability = "invest"
)

// ErrUnauthorized is returned when a caller lacks the capability an operation
// requires.
var ErrUnauthorized = errors.New("caller lacks required capability")

// CapabilityPolicy decides whether a caller holds a capability. The policy is
// injected into each engine; the accounting code never embeds role logic.
type CapabilityPolicy interface {
	Allowed(caller ethcommon.Address, capability Capability) bool
}

// Authorize rejects the call unless the policy grants the capability. A nil
// policy fails closed: privileged operations are unreachable until a policy
// is wired.
func Authorize(policy CapabilityPolicy, caller ethcommon.Address, capability Capability) error {
	if policy == nil {
		return ErrUnauthorized
	}
	if !policy.Allowed(caller, capability) {
		return ErrUnauthorized
	}
	return nil
}
