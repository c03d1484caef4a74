// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

// nanosPerSecond is used to express emission rates per second.
var nanosPerSecond = uint256.NewInt(1e9)

// FarmAccountState tracks an account's position in a single farm.
type FarmAccountState struct {
	// RewardSnapshot is the farm accumulator at the account's last
	// settlement.
	RewardSnapshot *uint256.Int

	// Pending is the reward accrued and not yet claimed.
	Pending *uint256.Int
}

// Farm linearly emits a fixed reward amount over [StartDate, EndDate] to the
// pool's shareholders in proportion to their shares.
//
// The farm keeps a single reward-per-share accumulator scaled by RewardScale.
// Accounts reconcile against it lazily: an account's reward is its shares
// multiplied by the accumulator growth since its snapshot.
type Farm struct {
	ID        uint64
	Name      string
	TokenID   string
	Funder    string
	Amount    *uint256.Int
	StartDate uint64
	EndDate   uint64

	AccRewardPerShare *uint256.Int
	LastUpdateTime    uint64
	DistributedTotal  *uint256.Int

	// ForgoneTotal is emission that elapsed while no shares existed.  The
	// funder may reclaim it once the farm has ended.
	ForgoneTotal *uint256.Int
	Reclaimed    bool

	accounts map[string]*FarmAccountState
}

// farmProgress is the accumulator state of a farm at a point in time.
type farmProgress struct {
	acc         *uint256.Int
	lastUpdate  uint64
	distributed *uint256.Int
	forgone     *uint256.Int
}

// newFarm creates a farm with a fresh accumulator.
func newFarm(id uint64, name, tokenID, funder string, amount *uint256.Int, start, end uint64) *Farm {
	return &Farm{
		ID:                id,
		Name:              name,
		TokenID:           tokenID,
		Funder:            funder,
		Amount:            new(uint256.Int).Set(amount),
		StartDate:         start,
		EndDate:           end,
		AccRewardPerShare: zero(),
		LastUpdateTime:    start,
		DistributedTotal:  zero(),
		ForgoneTotal:      zero(),
		accounts:          make(map[string]*FarmAccountState),
	}
}

// EmissionRate returns the reward emitted per second.
func (f *Farm) EmissionRate() *uint256.Int {
	rate, err := mulDiv(f.Amount, nanosPerSecond,
		uint256.NewInt(f.EndDate-f.StartDate))
	if err != nil {
		return zero()
	}
	return rate
}

// IsActive returns whether the farm still emits at the provided time.
func (f *Farm) IsActive(now uint64) bool {
	return now < f.EndDate
}

// Remaining returns the amount not yet distributed or forgone.
func (f *Farm) Remaining() *uint256.Int {
	spent := new(uint256.Int).Add(f.DistributedTotal, f.ForgoneTotal)
	if spent.Gt(f.Amount) {
		return zero()
	}
	return new(uint256.Int).Sub(f.Amount, spent)
}

// scheduled returns the cumulative emission due at time t, which must lie
// within the farm window.  The schedule reaches Amount exactly at EndDate so
// the final interval always emits the remainder.
func (f *Farm) scheduled(t uint64) (*uint256.Int, error) {
	if t >= f.EndDate {
		return new(uint256.Int).Set(f.Amount), nil
	}
	return mulDiv(f.Amount, uint256.NewInt(t-f.StartDate),
		uint256.NewInt(f.EndDate-f.StartDate))
}

// clamp bounds now to the farm window.
func (f *Farm) clamp(now uint64) uint64 {
	switch {
	case now < f.StartDate:
		return f.StartDate
	case now > f.EndDate:
		return f.EndDate
	}
	return now
}

// progressAt computes the accumulator state at now given the total share
// count without mutating the farm.  Both touch and the read-only reward
// projection go through it so a projection always matches a settlement at
// the same instant.
func (f *Farm) progressAt(now uint64, totalShares *uint256.Int) (*farmProgress, error) {
	p := &farmProgress{
		acc:         new(uint256.Int).Set(f.AccRewardPerShare),
		lastUpdate:  f.LastUpdateTime,
		distributed: new(uint256.Int).Set(f.DistributedTotal),
		forgone:     new(uint256.Int).Set(f.ForgoneTotal),
	}
	effective := f.clamp(now)
	if effective <= f.LastUpdateTime {
		return p, nil
	}

	from, err := f.scheduled(f.LastUpdateTime)
	if err != nil {
		return nil, err
	}
	to, err := f.scheduled(effective)
	if err != nil {
		return nil, err
	}
	emitted := new(uint256.Int).Sub(to, from)
	if remaining := f.Remaining(); emitted.Gt(remaining) {
		emitted = remaining
	}

	p.lastUpdate = effective
	if totalShares.IsZero() {
		p.forgone.Add(p.forgone, emitted)
		return p, nil
	}

	perShare, err := mulDiv(emitted, RewardScale, totalShares)
	if err != nil {
		return nil, err
	}
	acc, err := addAmounts(p.acc, perShare)
	if err != nil {
		return nil, err
	}
	p.acc = acc
	p.distributed.Add(p.distributed, emitted)
	return p, nil
}

// touch advances the accumulator to now.
func (f *Farm) touch(now uint64, totalShares *uint256.Int) error {
	p, err := f.progressAt(now, totalShares)
	if err != nil {
		return err
	}
	f.AccRewardPerShare = p.acc
	f.LastUpdateTime = p.lastUpdate
	f.DistributedTotal = p.distributed
	f.ForgoneTotal = p.forgone
	return nil
}

// accrued returns shares * (acc - snapshot) / RewardScale.
func accrued(shares, acc, snapshot *uint256.Int) (*uint256.Int, error) {
	const funcName = "accrued"
	if acc.Lt(snapshot) {
		desc := fmt.Sprintf("%s: accumulator %s is behind snapshot %s",
			funcName, acc.Dec(), snapshot.Dec())
		return nil, errors.PoolError(errors.ArithmeticOverflow, desc)
	}
	if shares.IsZero() || acc.Eq(snapshot) {
		return zero(), nil
	}
	growth := new(uint256.Int).Sub(acc, snapshot)
	return mulDiv(shares, growth, RewardScale)
}

// settleAccount touches the farm and moves the account's accrued reward
// into pending.  shares must be the account's share count before any change
// the caller is about to apply.
func (f *Farm) settleAccount(account string, shares *uint256.Int, now uint64, totalShares *uint256.Int) error {
	if err := f.touch(now, totalShares); err != nil {
		return err
	}
	state, ok := f.accounts[account]
	if !ok {
		// An account without state has not changed its shares since the
		// farm was created, so its snapshot is the initial accumulator.
		state = &FarmAccountState{
			RewardSnapshot: zero(),
			Pending:        zero(),
		}
	}
	reward, err := accrued(shares, f.AccRewardPerShare, state.RewardSnapshot)
	if err != nil {
		return err
	}
	pending, err := addAmounts(state.Pending, reward)
	if err != nil {
		return err
	}
	f.accounts[account] = &FarmAccountState{
		RewardSnapshot: new(uint256.Int).Set(f.AccRewardPerShare),
		Pending:        pending,
	}
	return nil
}

// claim settles the account and returns its pending reward, zeroing it.
func (f *Farm) claim(account string, shares *uint256.Int, now uint64, totalShares *uint256.Int) (*uint256.Int, error) {
	if err := f.settleAccount(account, shares, now, totalShares); err != nil {
		return nil, err
	}
	state := f.accounts[account]
	amount := state.Pending
	state.Pending = zero()
	return amount, nil
}

// restorePending adds amount back to the account's pending reward.
func (f *Farm) restorePending(account string, amount *uint256.Int) error {
	state, ok := f.accounts[account]
	if !ok {
		state = &FarmAccountState{
			RewardSnapshot: new(uint256.Int).Set(f.AccRewardPerShare),
			Pending:        zero(),
		}
	}
	pending, err := addAmounts(state.Pending, amount)
	if err != nil {
		return err
	}
	state.Pending = pending
	f.accounts[account] = state
	return nil
}

// unclaimedReward projects the account's claimable reward at now without
// mutating the farm.
func (f *Farm) unclaimedReward(account string, shares *uint256.Int, now uint64, totalShares *uint256.Int) (*uint256.Int, error) {
	p, err := f.progressAt(now, totalShares)
	if err != nil {
		return nil, err
	}
	snapshot, pending := zero(), zero()
	if state, ok := f.accounts[account]; ok {
		snapshot, pending = state.RewardSnapshot, state.Pending
	}
	reward, err := accrued(shares, p.acc, snapshot)
	if err != nil {
		return nil, err
	}
	return addAmounts(pending, reward)
}

// AccountState returns a copy of the account's state in the farm.
func (f *Farm) AccountState(account string) (FarmAccountState, bool) {
	state, ok := f.accounts[account]
	if !ok {
		return FarmAccountState{}, false
	}
	return FarmAccountState{
		RewardSnapshot: new(uint256.Int).Set(state.RewardSnapshot),
		Pending:        new(uint256.Int).Set(state.Pending),
	}, true
}

// Accounts returns the accounts holding state in the farm in lexical order.
func (f *Farm) Accounts() []string {
	ids := make([]string, 0, len(f.accounts))
	for id := range f.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// hasPending returns whether the account has unclaimed settled reward.
func (f *Farm) hasPending(account string) bool {
	state, ok := f.accounts[account]
	return ok && !state.Pending.IsZero()
}

// dropAccount removes the account's state.  Callers must only drop accounts
// without shares or pending reward.
func (f *Farm) dropAccount(account string) {
	delete(f.accounts, account)
}
