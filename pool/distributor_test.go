// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"testing"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

// between returns whether lo < v < hi with the bounds in whole units.
func between(v *uint256.Int, lo, hi uint64) bool {
	return v.Gt(toYocto(lo)) && v.Lt(toYocto(hi))
}

// farmMsg returns a funding transfer message for the provided window.
func farmMsg(name string, start, end uint64) string {
	return fmt.Sprintf(`{"name":%q,"start_date":"%d","end_date":"%d"}`,
		name, start, end)
}

// settleReward deposits 10000 units for xID and settles a 1000 unit reward.
func settleReward(t *testing.T, d *RewardDistributor, host *testHost) *Settlement {
	t.Helper()
	ctx := context.Background()
	_, err := d.DepositAndStake(ctx, xID, toYocto(10000))
	if err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	host.setBalance(toYocto(11005))
	s, err := d.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	return s
}

func testRewardSettlement(t *testing.T) {
	d, host, _ := newTestDistributor(t)

	s := settleReward(t, d, host)
	if !s.Reward.Eq(toYocto(1000)) {
		t.Fatalf("expected a reward of 1000, got %s", s.Reward.Dec())
	}
	if !s.Burned.Eq(toYocto(300)) {
		t.Fatalf("expected 300 burned, got %s", s.Burned.Dec())
	}
	if !s.Fee.Eq(toYocto(70)) {
		t.Fatalf("expected a fee of 70, got %s", s.Fee.Dec())
	}
	if !s.Distributed.Eq(toYocto(630)) {
		t.Fatalf("expected 630 distributed, got %s", s.Distributed.Dec())
	}

	owner := d.AccountTotalBalance(ownerID)
	if !between(owner, 69, 71) {
		t.Fatalf("unexpected owner balance %s", owner.Dec())
	}
	delegator := d.AccountTotalBalance(xID)
	if !between(delegator, 10629, 10630) {
		t.Fatalf("unexpected delegator balance %s", delegator.Dec())
	}

	// Every unit of the observed balance is owned by an account or awaiting
	// its burn, up to a unit of rounding per account.
	info := d.PoolInfo()
	sum := new(uint256.Int).Add(owner, delegator)
	sum.Add(sum, d.AccountTotalBalance(poolID))
	sum.Add(sum, info.BurnOutstanding)
	sum.Add(sum, info.BurnInFlight)
	total := toYocto(11005)
	if sum.Gt(total) {
		t.Fatalf("balances %s exceed the observed total %s", sum.Dec(),
			total.Dec())
	}
	if new(uint256.Int).Sub(total, sum).Gt(uint256.NewInt(3)) {
		t.Fatalf("balances %s lost more than rounding of %s", sum.Dec(),
			total.Dec())
	}
	if !info.LastTotalBalance.Eq(total) {
		t.Fatalf("expected last total balance %s, got %s", total.Dec(),
			info.LastTotalBalance.Dec())
	}

	// The burn is forwarded once settled.
	burn := host.last()
	if burn == nil || burn.Kind != ActionBurn || burn.Account != burnID {
		t.Fatalf("expected a burn action, got %v", burn)
	}
	if !burn.Amount.Eq(toYocto(300)) || !info.BurnInFlight.Eq(toYocto(300)) {
		t.Fatalf("expected 300 in flight, got %s", info.BurnInFlight.Dec())
	}

	// Settling the same balance again is a no-op.
	s, err := d.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Reward.IsZero() || !s.Slashed.IsZero() {
		t.Fatalf("expected an empty settlement, got reward %s slashed %s",
			s.Reward.Dec(), s.Slashed.Dec())
	}
}

func testFarmScenario(t *testing.T) {
	ctx := context.Background()
	d, host, clock := newTestDistributor(t)
	settleReward(t, d, host)

	amount := toYocto(50000)
	start, end := 3*nanosPerSec, 8*nanosPerSec
	farm, err := d.OnFundingTransfer(ctx, tokenID, ownerID, amount,
		farmMsg("Test", start, end))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}
	if farm.ID != 0 {
		t.Fatalf("expected farm id 0, got %d", farm.ID)
	}

	unclaimed := func(account string) *uint256.Int {
		t.Helper()
		v, err := d.UnclaimedReward(account, farm.ID)
		if err != nil {
			t.Fatalf("UnclaimedReward error: %v", err)
		}
		return v
	}

	// Nothing is emitted before the farm starts.
	clock.set(2 * nanosPerSec)
	if r := unclaimed(xID); !r.IsZero() {
		t.Fatalf("expected no reward before start, got %s", r.Dec())
	}

	clock.set(5 * nanosPerSec)
	r1 := unclaimed(xID)
	if !between(r1, 19000, 20000) {
		t.Fatalf("unexpected reward after 2s: %s", r1.Dec())
	}
	if again := unclaimed(xID); !again.Eq(r1) {
		t.Fatalf("repeated read returned %s, want %s", again.Dec(), r1.Dec())
	}

	clock.set(6 * nanosPerSec)
	r2 := unclaimed(xID)
	if !between(r2, 29000, 30000) || !r2.Gt(r1) {
		t.Fatalf("unexpected reward after 3s: %s", r2.Dec())
	}

	// A settlement mid-window does not change the projection.
	clock.set(7 * nanosPerSec)
	before := unclaimed(xID)
	if _, err := d.Ping(ctx); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if after := unclaimed(xID); !after.Eq(before) {
		t.Fatalf("projection moved from %s to %s across a ping",
			before.Dec(), after.Dec())
	}

	clock.set(9 * nanosPerSec)
	r3 := unclaimed(xID)
	if !between(r3, 49640, 49650) || !r3.Gt(r2) {
		t.Fatalf("unexpected final delegator reward: %s", r3.Dec())
	}
	r4 := unclaimed(ownerID)
	if !between(r4, 325, 327) {
		t.Fatalf("unexpected final owner reward: %s", r4.Dec())
	}

	// Claiming everything never pays out more than the farm amount.
	sum := new(uint256.Int)
	for _, account := range []string{xID, ownerID, poolID} {
		projected := unclaimed(account)
		claimed, err := d.Claim(ctx, account, farm.ID)
		if err != nil {
			t.Fatalf("Claim error: %v", err)
		}
		if !claimed.Eq(projected) {
			t.Fatalf("%s claimed %s, projected %s", account, claimed.Dec(),
				projected.Dec())
		}
		sum.Add(sum, claimed)
	}
	if sum.Gt(amount) {
		t.Fatalf("claimed %s exceeds farm amount %s", sum.Dec(), amount.Dec())
	}
	if new(uint256.Int).Sub(amount, sum).Gt(uint256.NewInt(1e6)) {
		t.Fatalf("claimed %s lost more than rounding of %s", sum.Dec(),
			amount.Dec())
	}

	active := d.ActiveFarms()
	if len(active) != 0 {
		t.Fatalf("expected no active farms, got %d", len(active))
	}
}

func testSettleBeforeMutate(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDistributor(t)

	_, err := d.OnFundingTransfer(ctx, tokenID, ownerID, toYocto(1000),
		farmMsg("halves", 0, 10*nanosPerSec))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}
	if _, err := d.DepositAndStake(ctx, xID, toYocto(1000)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}

	// A late joiner does not earn emission from before its deposit.
	clock.set(5 * nanosPerSec)
	if _, err := d.DepositAndStake(ctx, yID, toYocto(1000)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	r, err := d.UnclaimedReward(yID, 0)
	if err != nil {
		t.Fatalf("UnclaimedReward error: %v", err)
	}
	if !r.IsZero() {
		t.Fatalf("expected no reward right after joining, got %s", r.Dec())
	}

	// The earlier holder keeps what it earned at the smaller share total.
	clock.set(10 * nanosPerSec)
	rx, err := d.UnclaimedReward(xID, 0)
	if err != nil {
		t.Fatalf("UnclaimedReward error: %v", err)
	}
	if !between(rx, 746, 748) {
		t.Fatalf("unexpected early holder reward %s", rx.Dec())
	}
	ry, err := d.UnclaimedReward(yID, 0)
	if err != nil {
		t.Fatalf("UnclaimedReward error: %v", err)
	}
	if !between(ry, 249, 250) {
		t.Fatalf("unexpected late joiner reward %s", ry.Dec())
	}

	info, err := d.Account(xID)
	if err != nil {
		t.Fatalf("Account error: %v", err)
	}
	if len(info.Farms) != 1 || !info.Farms[0].Unclaimed.Eq(rx) {
		t.Fatalf("unexpected account farms %+v", info.Farms)
	}
}

func testWithdraw(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)

	_, err := d.DepositAndStake(ctx, xID, zero())
	if !errors.Is(err, errors.InvalidAmount) {
		t.Fatalf("expected an invalid amount error, got %v", err)
	}

	minted, err := d.DepositAndStake(ctx, xID, toYocto(100))
	if err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	burned, err := d.Withdraw(ctx, xID, toYocto(100))
	if err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	if !burned.Eq(minted) {
		t.Fatalf("expected %s shares burned, got %s", minted.Dec(),
			burned.Dec())
	}
	action := host.last()
	if action.Kind != ActionUnstake || !action.Amount.Eq(toYocto(100)) {
		t.Fatalf("unexpected action %+v", action)
	}

	_, err = d.Withdraw(ctx, xID, toYocto(1))
	if !errors.Is(err, errors.InsufficientBalance) {
		t.Fatalf("expected an insufficient balance error, got %v", err)
	}

	// After a reward the whole balance can be withdrawn.
	settleReward(t, d, host)
	balance := d.AccountTotalBalance(xID)
	if _, err := d.Withdraw(ctx, xID, balance); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	if left := d.AccountTotalBalance(xID); !left.IsZero() {
		t.Fatalf("expected nothing left, got %s", left.Dec())
	}
}

func testCallAtomicity(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDistributor(t)

	farm, err := d.OnFundingTransfer(ctx, tokenID, ownerID, toYocto(1000),
		farmMsg("atomic", 0, 10*nanosPerSec))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}
	if _, err := d.DepositAndStake(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	before := d.PoolInfo()

	// The failing withdrawal settles the farm before failing, which must
	// not survive the call.
	clock.set(5 * nanosPerSec)
	_, err = d.Withdraw(ctx, xID, toYocto(1000))
	if !errors.Is(err, errors.InsufficientBalance) {
		t.Fatalf("expected an insufficient balance error, got %v", err)
	}
	after := d.PoolInfo()
	if !after.TotalShares.Eq(before.TotalShares) ||
		!after.TotalStakedBalance.Eq(before.TotalStakedBalance) ||
		!after.LastTotalBalance.Eq(before.LastTotalBalance) {
		t.Fatalf("failed call changed the pool totals")
	}
	farms := d.Farms()
	if farms[farm.ID].LastUpdateTime != 0 {
		t.Fatalf("failed call advanced the farm to %d",
			farms[farm.ID].LastUpdateTime)
	}
	if len(d.PendingActions()) != 1 {
		t.Fatalf("expected only the stake action to be pending")
	}
}

func testClaim(t *testing.T) {
	ctx := context.Background()
	d, host, clock := newTestDistributor(t)

	_, err := d.OnFundingTransfer(ctx, tokenID, ownerID, toYocto(1000),
		farmMsg("claim", 0, 10*nanosPerSec))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}
	if _, err := d.DepositAndStake(ctx, xID, toYocto(1000)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}

	clock.set(10 * nanosPerSec)
	claimed, err := d.Claim(ctx, xID, 0)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if !between(claimed, 995, 996) {
		t.Fatalf("unexpected claim %s", claimed.Dec())
	}
	action := host.last()
	if action.Kind != ActionClaim || action.FarmID != 0 ||
		action.TokenID != tokenID || !action.Amount.Eq(claimed) {
		t.Fatalf("unexpected claim action %+v", action)
	}

	// A second claim pays nothing and issues nothing.
	submitted := len(host.submitted)
	claimed, err = d.Claim(ctx, xID, 0)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if !claimed.IsZero() || len(host.submitted) != submitted {
		t.Fatalf("expected an empty claim, got %s", claimed.Dec())
	}

	_, err = d.Claim(ctx, xID, 7)
	if !errors.Is(err, errors.FarmNotFound) {
		t.Fatalf("expected a farm not found error, got %v", err)
	}
	_, err = d.UnclaimedReward(xID, 7)
	if !errors.Is(err, errors.FarmNotFound) {
		t.Fatalf("expected a farm not found error, got %v", err)
	}
}

func testResolveStake(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)

	if _, err := d.DepositAndStake(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	stake := host.last()
	res, err := d.ResolveAction(ctx, stake.ID, true)
	if err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	if !res.Success || res.Compensation != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(d.PendingActions()) != 0 {
		t.Fatalf("expected no pending actions")
	}

	// A failed stake is withdrawn and refunded.
	if _, err := d.DepositAndStake(ctx, xID, toYocto(50)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	stake = host.last()
	res, err = d.ResolveAction(ctx, stake.ID, false)
	if err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	refund := res.Compensation
	if refund == nil || refund.Kind != ActionRefund ||
		!refund.Amount.Eq(toYocto(50)) || refund.Account != xID {
		t.Fatalf("unexpected compensation %+v", refund)
	}
	if host.last() != refund {
		t.Fatalf("expected the refund to be submitted")
	}
	if b := d.AccountTotalBalance(xID); !b.Eq(toYocto(100)) {
		t.Fatalf("expected balance 100 after compensation, got %s", b.Dec())
	}
	if last := d.PoolInfo().LastTotalBalance; !last.Eq(toYocto(105)) {
		t.Fatalf("expected last total balance 105, got %s", last.Dec())
	}

	_, err = d.ResolveAction(ctx, stake.ID, true)
	if !errors.Is(err, errors.ActionNotFound) {
		t.Fatalf("expected an action not found error, got %v", err)
	}
}

func testResolveUnstake(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)

	if _, err := d.DepositAndStake(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	if _, err := d.Withdraw(ctx, xID, toYocto(40)); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	unstake := host.last()
	res, err := d.ResolveAction(ctx, unstake.ID, false)
	if err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	if res.Compensation != nil {
		t.Fatalf("unexpected compensation %+v", res.Compensation)
	}
	if b := d.AccountTotalBalance(xID); !b.Eq(toYocto(100)) {
		t.Fatalf("expected balance 100 after compensation, got %s", b.Dec())
	}
	info := d.PoolInfo()
	if !info.TotalStakedBalance.Eq(toYocto(105)) ||
		!info.LastTotalBalance.Eq(toYocto(105)) {
		t.Fatalf("unexpected totals %s/%s", info.TotalStakedBalance.Dec(),
			info.LastTotalBalance.Dec())
	}
}

func testResolveClaim(t *testing.T) {
	ctx := context.Background()
	d, host, clock := newTestDistributor(t)

	_, err := d.OnFundingTransfer(ctx, tokenID, ownerID, toYocto(1000),
		farmMsg("claim", 0, 10*nanosPerSec))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}
	if _, err := d.DepositAndStake(ctx, xID, toYocto(1000)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}

	clock.set(4 * nanosPerSec)
	claimed, err := d.Claim(ctx, xID, 0)
	if err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if _, err := d.ResolveAction(ctx, host.last().ID, false); err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	r, err := d.UnclaimedReward(xID, 0)
	if err != nil {
		t.Fatalf("UnclaimedReward error: %v", err)
	}
	if !r.Eq(claimed) {
		t.Fatalf("expected %s restored, got %s", claimed.Dec(), r.Dec())
	}
}

func testBurnForwarding(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)
	settleReward(t, d, host)

	burn := host.last()
	if _, err := d.ResolveAction(ctx, burn.ID, true); err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	info := d.PoolInfo()
	if !info.BurnForwarded.Eq(toYocto(300)) || !info.BurnInFlight.IsZero() {
		t.Fatalf("unexpected burn state forwarded %s in flight %s",
			info.BurnForwarded.Dec(), info.BurnInFlight.Dec())
	}
	if !info.LastTotalBalance.Eq(toYocto(10705)) {
		t.Fatalf("expected last total balance 10705, got %s",
			info.LastTotalBalance.Dec())
	}

	// The host balance drops by the burn, which is not slashing.
	host.setBalance(toYocto(10705))
	s, err := d.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Slashed.IsZero() || !s.Reward.IsZero() {
		t.Fatalf("unexpected settlement reward %s slashed %s",
			s.Reward.Dec(), s.Slashed.Dec())
	}

	// A failed forward returns the burn to outstanding.
	host.setBalance(toYocto(10805))
	if _, err := d.Ping(ctx); err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	burn = host.last()
	if burn.Kind != ActionBurn || !burn.Amount.Eq(toYocto(30)) {
		t.Fatalf("unexpected burn action %+v", burn)
	}
	if _, err := d.ResolveAction(ctx, burn.ID, false); err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	info = d.PoolInfo()
	if !info.BurnOutstanding.Eq(toYocto(30)) || !info.BurnInFlight.IsZero() {
		t.Fatalf("unexpected burn state outstanding %s in flight %s",
			info.BurnOutstanding.Dec(), info.BurnInFlight.Dec())
	}
	if !info.BurnRecorded.Eq(toYocto(330)) {
		t.Fatalf("expected 330 recorded, got %s", info.BurnRecorded.Dec())
	}
}

func testSubmitFailure(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)
	host.failSubmit = true

	if _, err := d.DepositAndStake(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	if b := d.AccountTotalBalance(xID); !b.IsZero() {
		t.Fatalf("expected the deposit to be compensated, got %s", b.Dec())
	}
	if n := len(d.PendingActions()); n != 0 {
		t.Fatalf("expected no pending actions, got %d", n)
	}
	if last := d.PoolInfo().LastTotalBalance; !last.Eq(toYocto(5)) {
		t.Fatalf("expected last total balance 5, got %s", last.Dec())
	}
}

func testReclaim(t *testing.T) {
	ctx := context.Background()
	d, host, clock := newTestDistributorWithStake(t, nil)

	_, err := d.OnFundingTransfer(ctx, tokenID, yID, toYocto(100),
		farmMsg("forgone", 0, 4*nanosPerSec))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}

	// Nobody is staked for the first half of the window.
	clock.set(2 * nanosPerSec)
	if _, err := d.DepositAndStake(ctx, xID, toYocto(10)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}

	clock.set(3 * nanosPerSec)
	_, err = d.Reclaim(ctx, yID, 0)
	if !errors.Is(err, errors.FarmActive) {
		t.Fatalf("expected a farm active error, got %v", err)
	}

	clock.set(5 * nanosPerSec)
	_, err = d.Reclaim(ctx, xID, 0)
	if !errors.Is(err, errors.Unauthorized) {
		t.Fatalf("expected an unauthorized error, got %v", err)
	}
	reclaimed, err := d.Reclaim(ctx, yID, 0)
	if err != nil {
		t.Fatalf("Reclaim error: %v", err)
	}
	if !reclaimed.Eq(toYocto(50)) {
		t.Fatalf("expected 50 reclaimed, got %s", reclaimed.Dec())
	}
	_, err = d.Reclaim(ctx, yID, 0)
	if !errors.Is(err, errors.InvalidAmount) {
		t.Fatalf("expected an invalid amount error, got %v", err)
	}

	// A failed reclaim may be retried.
	if _, err := d.ResolveAction(ctx, host.last().ID, false); err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	if _, err := d.Reclaim(ctx, yID, 0); err != nil {
		t.Fatalf("Reclaim error: %v", err)
	}

	// The staked half is fully claimable.
	r, err := d.UnclaimedReward(xID, 0)
	if err != nil {
		t.Fatalf("UnclaimedReward error: %v", err)
	}
	if !r.Eq(toYocto(50)) {
		t.Fatalf("expected 50 unclaimed, got %s", r.Dec())
	}
}

func testSlashing(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)

	if _, err := d.DepositAndStake(ctx, xID, toYocto(1000)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	host.setBalance(amt("904500000000000000000000000"))
	s, err := d.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Slashed.Eq(amt("100500000000000000000000000")) {
		t.Fatalf("unexpected slashed amount %s", s.Slashed.Dec())
	}
	if b := d.AccountTotalBalance(xID); !b.Eq(toYocto(900)) {
		t.Fatalf("expected a haircut balance of 900, got %s", b.Dec())
	}
	info := d.PoolInfo()
	if info.Slashings != 1 {
		t.Fatalf("expected 1 slashing, got %d", info.Slashings)
	}
	if !info.TotalShares.Eq(toYocto(1005)) {
		t.Fatalf("slashing changed the share total to %s",
			info.TotalShares.Dec())
	}
}

func testReload(t *testing.T) {
	ctx := context.Background()
	d, host, clock := newTestDistributor(t)
	settleReward(t, d, host)
	_, err := d.OnFundingTransfer(ctx, tokenID, ownerID, toYocto(1000),
		farmMsg("reload", 0, 10*nanosPerSec))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}
	clock.set(3 * nanosPerSec)
	if _, err := d.DepositAndStake(ctx, yID, toYocto(500)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	clock.set(6 * nanosPerSec)

	reloaded, err := NewRewardDistributor(d.cfg)
	if err != nil {
		t.Fatalf("NewRewardDistributor error: %v", err)
	}
	want, got := d.PoolInfo(), reloaded.PoolInfo()
	if !got.TotalShares.Eq(want.TotalShares) ||
		!got.TotalStakedBalance.Eq(want.TotalStakedBalance) ||
		!got.LastTotalBalance.Eq(want.LastTotalBalance) ||
		!got.BurnInFlight.Eq(want.BurnInFlight) ||
		got.Accounts != want.Accounts || got.Farms != want.Farms ||
		got.PendingActions != want.PendingActions {
		t.Fatalf("reloaded pool %+v differs from %+v", got, want)
	}
	for _, account := range []string{xID, yID, ownerID, poolID} {
		w, err := d.UnclaimedReward(account, 0)
		if err != nil {
			t.Fatalf("UnclaimedReward error: %v", err)
		}
		g, err := reloaded.UnclaimedReward(account, 0)
		if err != nil {
			t.Fatalf("UnclaimedReward error: %v", err)
		}
		if !g.Eq(w) {
			t.Fatalf("%s: reloaded reward %s, want %s", account, g.Dec(),
				w.Dec())
		}
	}
	wantActions, gotActions := d.PendingActions(), reloaded.PendingActions()
	for i := range wantActions {
		if gotActions[i].ID != wantActions[i].ID ||
			gotActions[i].Kind != wantActions[i].Kind ||
			!gotActions[i].Amount.Eq(wantActions[i].Amount) {
			t.Fatalf("reloaded action %+v, want %+v", gotActions[i],
				wantActions[i])
		}
	}

	// New actions continue the id sequence.
	if _, err := reloaded.DepositAndStake(ctx, yID, toYocto(1)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	if id := host.last().ID; id != wantActions[len(wantActions)-1].ID+1 {
		t.Fatalf("unexpected action id %d", id)
	}
}

func testAccountCleanup(t *testing.T) {
	ctx := context.Background()
	d, _, clock := newTestDistributor(t)

	_, err := d.OnFundingTransfer(ctx, tokenID, ownerID, toYocto(1000),
		farmMsg("cleanup", 0, 10*nanosPerSec))
	if err != nil {
		t.Fatalf("OnFundingTransfer error: %v", err)
	}
	if _, err := d.DepositAndStake(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	if _, err := d.DepositAndStake(ctx, yID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}

	// x leaves immediately with nothing pending, y leaves with reward
	// pending.
	if _, err := d.Withdraw(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	clock.set(5 * nanosPerSec)
	if _, err := d.Withdraw(ctx, yID, toYocto(100)); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}

	stored := func() map[string]*accountRecord {
		snap, err := db.loadState()
		if err != nil {
			t.Fatalf("loadState error: %v", err)
		}
		accounts := make(map[string]*accountRecord)
		for _, acc := range snap.accounts {
			accounts[acc.ID] = acc
		}
		return accounts
	}
	accounts := stored()
	if _, ok := accounts[xID]; ok {
		t.Fatalf("expected %s to be removed", xID)
	}
	rec, ok := accounts[yID]
	if !ok {
		t.Fatalf("expected %s to be kept for its pending reward", yID)
	}
	if rec.Shares != "0" || rec.Farms[0].Pending == "0" {
		t.Fatalf("unexpected record %+v", rec)
	}

	// Claiming the pending reward removes the account.
	if _, err := d.Claim(ctx, yID, 0); err != nil {
		t.Fatalf("Claim error: %v", err)
	}
	if _, ok := stored()[yID]; ok {
		t.Fatalf("expected %s to be removed after claiming", yID)
	}
}

func testFundingTransferErrors(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDistributor(t)

	tests := []struct {
		name   string
		amount *uint256.Int
		msg    string
		want   errors.ErrorKind
	}{{
		name:   "malformed message",
		amount: toYocto(1),
		msg:    `{"name":"x"`,
		want:   errors.Parse,
	}, {
		name:   "non numeric date",
		amount: toYocto(1),
		msg:    `{"name":"x","start_date":"soon","end_date":"10"}`,
		want:   errors.Parse,
	}, {
		name:   "empty window",
		amount: toYocto(1),
		msg:    farmMsg("x", 10, 10),
		want:   errors.InvalidWindow,
	}, {
		name:   "zero amount",
		amount: zero(),
		msg:    farmMsg("x", 0, 10),
		want:   errors.InvalidAmount,
	}}

	for _, test := range tests {
		_, err := d.OnFundingTransfer(ctx, tokenID, ownerID, test.amount,
			test.msg)
		if !errors.Is(err, test.want) {
			t.Fatalf("%s: expected %v, got %v", test.name, test.want, err)
		}
	}

	for want := uint64(0); want < 2; want++ {
		farm, err := d.OnFundingTransfer(ctx, tokenID, ownerID, toYocto(1),
			farmMsg("ok", 0, 10))
		if err != nil {
			t.Fatalf("OnFundingTransfer error: %v", err)
		}
		if farm.ID != want {
			t.Fatalf("expected farm id %d, got %d", want, farm.ID)
		}
	}
}

// expectEmpty pings and fails unless nothing was settled.
func expectEmpty(t *testing.T, d *RewardDistributor) {
	t.Helper()
	s, err := d.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Reward.IsZero() || !s.Slashed.IsZero() {
		t.Fatalf("expected an empty settlement, got reward %s slashed %s",
			s.Reward.Dec(), s.Slashed.Dec())
	}
}

func testPingBetweenReports(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)

	if _, err := d.DepositAndStake(ctx, xID, toYocto(10000)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	host.setBalance(toYocto(10005))
	expectEmpty(t, d)

	// A withdrawal settled before the relayer reports again is no reward.
	if _, err := d.Withdraw(ctx, xID, toYocto(4000)); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	expectEmpty(t, d)
	if b := d.AccountTotalBalance(xID); !b.Eq(toYocto(6000)) {
		t.Fatalf("expected a balance of 6000, got %s", b.Dec())
	}
	host.setBalance(toYocto(6005))
	expectEmpty(t, d)

	// A deposit settled before the relayer reports again is no slashing.
	if _, err := d.DepositAndStake(ctx, yID, toYocto(1000)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	expectEmpty(t, d)
	host.setBalance(toYocto(7005))
	expectEmpty(t, d)
	if b := d.AccountTotalBalance(yID); !b.Eq(toYocto(1000)) {
		t.Fatalf("expected a balance of 1000, got %s", b.Dec())
	}

	// Only a real balance increase is reward.
	host.setBalance(toYocto(7105))
	s, err := d.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Reward.Eq(toYocto(100)) || !s.Burned.Eq(toYocto(30)) {
		t.Fatalf("unexpected settlement reward %s burned %s",
			s.Reward.Dec(), s.Burned.Dec())
	}
	if d.PoolInfo().Slashings != 0 {
		t.Fatalf("expected no slashing")
	}
}

func testCompensatedBalance(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)
	host.setBalance(toYocto(5))

	// A failed stake is refunded and leaves the balance where it was.
	if _, err := d.DepositAndStake(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	res, err := d.ResolveAction(ctx, host.last().ID, false)
	if err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	if res.Compensation == nil || res.Compensation.Kind != ActionRefund {
		t.Fatalf("expected a refund, got %+v", res.Compensation)
	}
	expectEmpty(t, d)

	// A failed refund leaves the deposit in the pool as reward.
	if _, err := d.ResolveAction(ctx, res.Compensation.ID, false); err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	s, err := d.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Reward.Eq(toYocto(100)) {
		t.Fatalf("expected a reward of 100, got %s", s.Reward.Dec())
	}

	// A failed unstake returns the withdrawal to the balance.
	if _, err := d.DepositAndStake(ctx, yID, toYocto(50)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	if _, err := d.Withdraw(ctx, yID, toYocto(40)); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}
	if _, err := d.ResolveAction(ctx, host.last().ID, false); err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	expectEmpty(t, d)
	if b := d.AccountTotalBalance(yID); !between(b, 49, 51) {
		t.Fatalf("expected the withdrawal to be restored, got %s", b.Dec())
	}
}

func testFullSlash(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newTestDistributor(t)

	if _, err := d.DepositAndStake(ctx, xID, toYocto(100)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	stake := host.last()
	host.setBalance(zero())
	s, err := d.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Slashed.Eq(toYocto(105)) {
		t.Fatalf("expected 105 slashed, got %s", s.Slashed.Dec())
	}

	// Worthless shares have no price to deposit or withdraw at.
	_, err = d.DepositAndStake(ctx, yID, toYocto(10))
	if !errors.Is(err, errors.PoolDepleted) {
		t.Fatalf("expected a pool depleted error, got %v", err)
	}
	_, err = d.Withdraw(ctx, xID, toYocto(1))
	if !errors.Is(err, errors.InsufficientBalance) {
		t.Fatalf("expected an insufficient balance error, got %v", err)
	}

	// The slashed deposit has nothing left to refund.
	res, err := d.ResolveAction(ctx, stake.ID, false)
	if err != nil {
		t.Fatalf("ResolveAction error: %v", err)
	}
	if res.Compensation != nil {
		t.Fatalf("unexpected compensation %+v", res.Compensation)
	}

	// A reward restores the share price.
	host.setBalance(toYocto(10))
	s, err = d.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}
	if !s.Reward.Eq(toYocto(10)) || s.Distributed.IsZero() {
		t.Fatalf("unexpected settlement %+v", s)
	}
	if b := d.AccountTotalBalance(xID); b.IsZero() {
		t.Fatalf("expected the reward to back the slashed shares")
	}
	if _, err := d.DepositAndStake(ctx, yID, toYocto(10)); err != nil {
		t.Fatalf("DepositAndStake error: %v", err)
	}
	if b := d.AccountTotalBalance(yID); !between(b, 9, 11) {
		t.Fatalf("unexpected balance after the pool recovered %s", b.Dec())
	}
}
