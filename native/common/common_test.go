package common

import (
	"errors"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

type stubPauses map[string]bool

func (s stubPauses) IsPaused(module string) bool { return s[module] }

func TestGuardPausedModule(t *testing.T) {
	pauses := stubPauses{"pool": true}
	if err := Guard(pauses, "pool"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(pauses, "allocator"); err != nil {
		t.Fatalf("unexpected error for unpaused module: %v", err)
	}
}

func TestGuardNilViewAllows(t *testing.T) {
	if err := Guard(nil, "pool"); err != nil {
		t.Fatalf("nil view should allow, got %v", err)
	}
	if err := Guard(stubPauses{}, ""); err != nil {
		t.Fatalf("empty module should allow, got %v", err)
	}
}

func TestCallGuardRejectsNestedEntry(t *testing.T) {
	var guard CallGuard
	release, err := guard.Enter()
	if err != nil {
		t.Fatalf("first entry: %v", err)
	}
	if _, err := guard.Enter(); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected ErrReentrantCall, got %v", err)
	}
	release()
	release2, err := guard.Enter()
	if err != nil {
		t.Fatalf("entry after release: %v", err)
	}
	release2()
}

type stubPolicy struct {
	caller ethcommon.Address
	caps   map[Capability]bool
}

func (p stubPolicy) Allowed(caller ethcommon.Address, capability Capability) bool {
	return caller == p.caller && p.caps[capability]
}

func TestAuthorize(t *testing.T) {
	admin := ethcommon.HexToAddress("0x0000000000000000000000000000000000000001")
	other := ethcommon.HexToAddress("0x0000000000000000000000000000000000000002")
	policy := stubPolicy{caller: admin, caps: map[Capability]bool{CapSweep: true}}

	if err := Authorize(policy, admin, CapSweep); err != nil {
		t.Fatalf("expected grant, got %v", err)
	}
	if err := Authorize(policy, admin, CapDrawdown); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for missing capability, got %v", err)
	}
	if err := Authorize(policy, other, CapSweep); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for other caller, got %v", err)
	}
}

func TestAuthorizeNilPolicyFailsClosed(t *testing.T) {
	admin := ethcommon.HexToAddress("0x0000000000000000000000000000000000000001")
	if err := Authorize(nil, admin, CapCollect); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized with nil policy, got %v", err)
	}
}
