package common

import (
	"errors"
	"sync/atomic"
)

// ErrReentrantCall is returned when an operation re-enters a pool whose guard
// is already held. External collaborators (token transfers, the yield market)
// may call back into the pool mid-operation; nested entry is rejected
// unconditionally rather than queued.
var ErrReentrantCall = errors.New("reentrant call rejected")

// CallGuard is a scoped per-pool lock. Every state-mutating operation acquires
// it on entry and releases it on every exit path, including failures.
type CallGuard struct {
	busy atomic.Bool
}

// Enter acquires the guard and returns the release function. The release
// function must be deferred immediately by the caller.
func (g *CallGuard) Enter() (func(), error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	return func() { g.busy.Store(false) }, nil
}
