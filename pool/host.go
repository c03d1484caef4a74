// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

// Host is the runtime the pool stakes through.  Requests submitted to the
// host are asynchronous, their outcome is reported later through
// RewardDistributor.ResolveAction.
type Host interface {
	// TotalBalance returns the pool's total balance as reported by the
	// validator, including any burned value not yet forwarded.
	TotalBalance(ctx context.Context) (*uint256.Int, error)

	// Submit issues the provided action.
	Submit(ctx context.Context, action *Action) error

	// AdjustBalance applies a change of the pool balance made by a
	// committed call to the balance last read from the host.  Hosts reading
	// the balance live have nothing to adjust.
	AdjustBalance(increase, decrease *uint256.Int)
}

// Clock provides the current time in nanoseconds.
type Clock interface {
	Now() uint64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current unix time in nanoseconds.
func (SystemClock) Now() uint64 {
	return uint64(time.Now().UnixNano())
}

// RelayHost is a Host fed by an external relayer.  The relayer reports the
// validator balance and picks up submitted actions, then reports each
// action's outcome as a callback.
//
// A reported balance reflects every call committed before it.  Calls
// committed after the report shift the reported balance by the amount they
// moved until the relayer reports again.
type RelayHost struct {
	mtx       sync.RWMutex
	balance   *uint256.Int
	submitted uint64
}

// NewRelayHost creates a relay host without a reported balance.
func NewRelayHost() *RelayHost {
	return &RelayHost{}
}

// SetBalance records the validator balance reported by the relayer.
func (h *RelayHost) SetBalance(balance *uint256.Int) {
	h.mtx.Lock()
	h.balance = new(uint256.Int).Set(balance)
	h.mtx.Unlock()
}

// AdjustBalance shifts the reported balance by a change committed after the
// report.  The balance never drops below zero.  Nothing is adjusted before
// the first report.
func (h *RelayHost) AdjustBalance(increase, decrease *uint256.Int) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.balance == nil {
		return
	}
	h.balance = shiftBalance(h.balance, increase, decrease)
}

// shiftBalance returns balance + increase - decrease, saturating at zero and
// at the maximum amount.
func shiftBalance(balance, increase, decrease *uint256.Int) *uint256.Int {
	shifted, overflow := new(uint256.Int).AddOverflow(balance, increase)
	if overflow {
		shifted.SetAllOne()
	}
	if shifted.Lt(decrease) {
		return zero()
	}
	return shifted.Sub(shifted, decrease)
}

// TotalBalance returns the last reported balance.
func (h *RelayHost) TotalBalance(ctx context.Context) (*uint256.Int, error) {
	const funcName = "RelayHost.TotalBalance"
	if err := ctx.Err(); err != nil {
		desc := fmt.Sprintf("%s: %v", funcName, err)
		return nil, errors.PoolError(errors.ContextCancelled, desc)
	}
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	if h.balance == nil {
		desc := fmt.Sprintf("%s: no balance reported by the relayer", funcName)
		return nil, errors.PoolError(errors.Disconnected, desc)
	}
	return new(uint256.Int).Set(h.balance), nil
}

// Submit accepts an action for the relayer.  Submitted actions are
// persisted by the distributor and listed until resolved, so the relay only
// counts them.
func (h *RelayHost) Submit(ctx context.Context, action *Action) error {
	const funcName = "RelayHost.Submit"
	if err := ctx.Err(); err != nil {
		desc := fmt.Sprintf("%s: %v", funcName, err)
		return errors.PoolError(errors.ContextCancelled, desc)
	}
	h.mtx.Lock()
	h.submitted++
	h.mtx.Unlock()
	log.Debugf("Relaying %s action %d for %s (%s)", action.Kind, action.ID,
		action.Account, action.Amount.Dec())
	return nil
}

// Submitted returns the number of actions handed to the relayer.
func (h *RelayHost) Submitted() uint64 {
	h.mtx.RLock()
	defer h.mtx.RUnlock()
	return h.submitted
}
