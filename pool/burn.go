// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"github.com/holiman/uint256"
)

// BurnSink accumulates the burned portion of validator rewards until it is
// forwarded out of the pool.  Burned value never backs shares.
//
// Forwarding is a two step process: BeginForward moves the outstanding
// amount in flight and the host callback either completes or aborts it.
type BurnSink struct {
	outstanding uint256.Int
	inFlight    uint256.Int
	recorded    uint256.Int
	forwarded   uint256.Int
}

// Record adds a newly burned amount.
func (b *BurnSink) Record(amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	outstanding, err := addAmounts(&b.outstanding, amount)
	if err != nil {
		return err
	}
	recorded, err := addAmounts(&b.recorded, amount)
	if err != nil {
		return err
	}
	b.outstanding = *outstanding
	b.recorded = *recorded
	return nil
}

// Outstanding returns the burned amount still held by the pool and not yet
// handed to the host.
func (b *BurnSink) Outstanding() *uint256.Int {
	return new(uint256.Int).Set(&b.outstanding)
}

// InFlight returns the burned amount awaiting a host callback.
func (b *BurnSink) InFlight() *uint256.Int {
	return new(uint256.Int).Set(&b.inFlight)
}

// TotalRecorded returns every amount ever burned.
func (b *BurnSink) TotalRecorded() *uint256.Int {
	return new(uint256.Int).Set(&b.recorded)
}

// Forwarded returns the burned amount confirmed to have left the pool.
func (b *BurnSink) Forwarded() *uint256.Int {
	return new(uint256.Int).Set(&b.forwarded)
}

// Held returns the burned amount still part of the pool's observed balance.
func (b *BurnSink) Held() *uint256.Int {
	return new(uint256.Int).Add(&b.outstanding, &b.inFlight)
}

// BeginForward moves the outstanding amount in flight and returns it.  A
// zero result means there is nothing to forward.
func (b *BurnSink) BeginForward() *uint256.Int {
	amount := new(uint256.Int).Set(&b.outstanding)
	if amount.IsZero() {
		return amount
	}
	b.inFlight.Add(&b.inFlight, amount)
	b.outstanding.Clear()
	return amount
}

// completeForward marks an in-flight amount as having left the pool.
func (b *BurnSink) completeForward(amount *uint256.Int) error {
	inFlight, err := subAmounts(&b.inFlight, amount)
	if err != nil {
		return err
	}
	forwarded, err := addAmounts(&b.forwarded, amount)
	if err != nil {
		return err
	}
	b.inFlight = *inFlight
	b.forwarded = *forwarded
	return nil
}

// abortForward returns an in-flight amount to outstanding.
func (b *BurnSink) abortForward(amount *uint256.Int) error {
	inFlight, err := subAmounts(&b.inFlight, amount)
	if err != nil {
		return err
	}
	outstanding, err := addAmounts(&b.outstanding, amount)
	if err != nil {
		return err
	}
	b.inFlight = *inFlight
	b.outstanding = *outstanding
	return nil
}

// absorbLoss removes up to loss from the outstanding amount and returns the
// amount absorbed.
func (b *BurnSink) absorbLoss(loss *uint256.Int) *uint256.Int {
	absorbed := minAmount(loss, &b.outstanding)
	b.outstanding.Sub(&b.outstanding, absorbed)
	return absorbed
}

// restore replaces the sink contents, used when loading persisted state.
func (b *BurnSink) restore(outstanding, inFlight, recorded, forwarded *uint256.Int) {
	b.outstanding = *outstanding
	b.inFlight = *inFlight
	b.recorded = *recorded
	b.forwarded = *forwarded
}
