// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

// Settlement describes the outcome of settling the pool against a newly
// observed total balance.
type Settlement struct {
	// Reward is the balance increase since the previous settlement.
	Reward *uint256.Int

	// Burned is the portion of the reward recorded in the burn sink.
	Burned *uint256.Int

	// Fee is the owner's portion of the post-burn reward.
	Fee *uint256.Int

	// OwnerShares is the number of shares minted to the owner.
	OwnerShares *uint256.Int

	// Distributed is the portion of the reward credited to every share.
	Distributed *uint256.Int

	// Slashed is the balance decrease since the previous settlement.
	Slashed *uint256.Int
}

// newSettlement returns a settlement with every amount zeroed.
func newSettlement() *Settlement {
	return &Settlement{
		Reward:      zero(),
		Burned:      zero(),
		Fee:         zero(),
		OwnerShares: zero(),
		Distributed: zero(),
		Slashed:     zero(),
	}
}

// StakePool applies deposits, withdrawals and validator reward events to the
// share ledger.
//
// At rest the pool satisfies
//
//	totalStakedBalance + burned value still held == lastTotalBalance
//
// so every unit of the observed balance is either backing shares or awaiting
// its burn.
type StakePool struct {
	ledger           *ShareLedger
	burn             *BurnSink
	owner            string
	rewardFee        Ratio
	burnFee          Ratio
	lastTotalBalance uint256.Int
}

// NewStakePool creates an empty stake pool.  The owner receives the reward
// fee as shares.
func NewStakePool(owner string, rewardFee, burnFee Ratio) (*StakePool, error) {
	if err := rewardFee.Validate(); err != nil {
		return nil, err
	}
	if err := burnFee.Validate(); err != nil {
		return nil, err
	}
	return &StakePool{
		ledger:    NewShareLedger(),
		burn:      new(BurnSink),
		owner:     owner,
		rewardFee: rewardFee,
		burnFee:   burnFee,
	}, nil
}

// Ledger returns the pool's share ledger.
func (p *StakePool) Ledger() *ShareLedger {
	return p.ledger
}

// Burn returns the pool's burn sink.
func (p *StakePool) Burn() *BurnSink {
	return p.burn
}

// Owner returns the account receiving the reward fee.
func (p *StakePool) Owner() string {
	return p.owner
}

// RewardFee returns the owner's fraction of the post-burn reward.
func (p *StakePool) RewardFee() Ratio {
	return p.rewardFee
}

// BurnFee returns the burned fraction of every reward.
func (p *StakePool) BurnFee() Ratio {
	return p.burnFee
}

// LastTotalBalance returns the balance observed at the last settlement,
// adjusted by the deposits and withdrawals applied since.
func (p *StakePool) LastTotalBalance() *uint256.Int {
	return new(uint256.Int).Set(&p.lastTotalBalance)
}

// Deposit stakes amount for the account and returns the minted shares.
func (p *StakePool) Deposit(account string, amount *uint256.Int) (*uint256.Int, error) {
	last, err := addAmounts(&p.lastTotalBalance, amount)
	if err != nil {
		return nil, err
	}
	shares, err := p.ledger.Deposit(account, amount)
	if err != nil {
		return nil, err
	}
	p.lastTotalBalance = *last
	return shares, nil
}

// Withdraw unstakes amount for the account and returns the burned shares.
func (p *StakePool) Withdraw(account string, amount *uint256.Int) (*uint256.Int, error) {
	last, err := subAmounts(&p.lastTotalBalance, amount)
	if err != nil {
		return nil, err
	}
	shares, err := p.ledger.Withdraw(account, amount)
	if err != nil {
		return nil, err
	}
	p.lastTotalBalance = *last
	return shares, nil
}

// Settle attributes the difference between the newly observed total balance
// and the last observed one.
//
// A reward is split in three: the burn fraction goes to the burn sink, the
// owner fee is taken from what remains and the rest raises the price of
// every share.  The fee is converted to owner shares after the remainder is
// distributed so the owner holds exactly the fee in value.
//
// A decrease is treated as slashing and is applied as a haircut on the
// staked balance without touching shares.
func (p *StakePool) Settle(newTotalBalance *uint256.Int) (*Settlement, error) {
	const funcName = "StakePool.Settle"
	s := newSettlement()
	switch newTotalBalance.Cmp(&p.lastTotalBalance) {
	case 0:
		return s, nil
	case -1:
		s.Slashed.Sub(&p.lastTotalBalance, newTotalBalance)
		p.applyLoss(s.Slashed)
		p.lastTotalBalance.Set(newTotalBalance)
		desc := fmt.Sprintf("%s: observed balance %s is below the last "+
			"settled balance, %s applied as a haircut", funcName,
			newTotalBalance.Dec(), s.Slashed.Dec())
		log.Warn(errors.PoolError(errors.SlashingDetected, desc))
		return s, nil
	}

	s.Reward.Sub(newTotalBalance, &p.lastTotalBalance)

	burned, err := p.burnFee.Apply(s.Reward)
	if err != nil {
		return nil, err
	}
	net, err := subAmounts(s.Reward, burned)
	if err != nil {
		return nil, err
	}

	if p.ledger.totalShares.IsZero() {
		// Nobody to share with, the owner takes the whole post-burn reward
		// at the bootstrap price.
		if err := p.ledger.mint(p.owner, net); err != nil {
			return nil, err
		}
		if err := p.ledger.addBalance(net); err != nil {
			return nil, err
		}
		if err := p.burn.Record(burned); err != nil {
			return nil, err
		}
		s.Burned = burned
		s.Fee = net
		s.OwnerShares = new(uint256.Int).Set(net)
		p.lastTotalBalance.Set(newTotalBalance)
		return s, nil
	}

	fee, err := p.rewardFee.Apply(net)
	if err != nil {
		return nil, err
	}
	distributed, err := subAmounts(net, fee)
	if err != nil {
		return nil, err
	}
	if err := p.ledger.addBalance(distributed); err != nil {
		return nil, err
	}
	if p.ledger.Depleted() {
		// The shares still have no price, so the fee cannot be converted
		// and is distributed as well.
		if err := p.ledger.addBalance(fee); err != nil {
			return nil, err
		}
		if err := p.burn.Record(burned); err != nil {
			return nil, err
		}
		s.Burned = burned
		s.Distributed = net
		p.lastTotalBalance.Set(newTotalBalance)
		return s, nil
	}
	ownerShares, err := p.ledger.SharesForDeposit(fee)
	if err != nil {
		return nil, err
	}
	if err := p.ledger.mint(p.owner, ownerShares); err != nil {
		return nil, err
	}
	if err := p.ledger.addBalance(fee); err != nil {
		return nil, err
	}
	if err := p.burn.Record(burned); err != nil {
		return nil, err
	}

	s.Burned = burned
	s.Fee = fee
	s.OwnerShares = ownerShares
	s.Distributed = distributed
	p.lastTotalBalance.Set(newTotalBalance)
	return s, nil
}

// applyLoss removes loss from the staked balance, then from burned value
// still held by the pool.
func (p *StakePool) applyLoss(loss *uint256.Int) {
	applied := p.ledger.haircut(loss)
	rest := new(uint256.Int).Sub(loss, applied)
	if rest.IsZero() {
		return
	}
	absorbed := p.burn.absorbLoss(rest)
	rest.Sub(rest, absorbed)
	if !rest.IsZero() {
		log.Errorf("unable to attribute %s of slashed balance", rest.Dec())
	}
}

// completeBurn records a forwarded burn as having left the pool balance.
func (p *StakePool) completeBurn(amount *uint256.Int) error {
	last, err := subAmounts(&p.lastTotalBalance, amount)
	if err != nil {
		return err
	}
	if err := p.burn.completeForward(amount); err != nil {
		return err
	}
	p.lastTotalBalance = *last
	return nil
}

// refundDeposit reverses a deposit whose stake failed.  It burns the shares
// worth amount, or every share the account holds when those are worth less,
// and returns the value to refund along with the burned shares.
func (p *StakePool) refundDeposit(account string, amount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	held := p.ledger.SharesOf(account)
	if held.IsZero() {
		return zero(), zero(), nil
	}
	if p.ledger.Depleted() {
		// The deposit was slashed away with the rest of the balance.
		return zero(), zero(), nil
	}
	shares, err := p.ledger.SharesForWithdrawal(amount)
	if err != nil {
		return nil, nil, err
	}
	value := new(uint256.Int).Set(amount)
	if shares.Gt(held) {
		shares = held
		value, err = p.ledger.ValueOfShares(held)
		if err != nil {
			return nil, nil, err
		}
	}
	last, err := subAmounts(&p.lastTotalBalance, value)
	if err != nil {
		return nil, nil, err
	}
	total, err := subAmounts(&p.ledger.totalStakedBalance, value)
	if err != nil {
		return nil, nil, err
	}
	if err := p.ledger.burn(account, shares); err != nil {
		return nil, nil, err
	}
	p.ledger.totalStakedBalance = *total
	p.lastTotalBalance = *last
	return value, shares, nil
}

// restoreWithdrawal reverses a withdrawal whose unstake failed by depositing
// the amount back at the current price.  When the amount is worth less than
// a share, or the shares have no price, it raises the balance backing every
// share instead.
func (p *StakePool) restoreWithdrawal(account string, amount *uint256.Int) (*uint256.Int, error) {
	if !p.ledger.Depleted() {
		shares, err := p.ledger.SharesForDeposit(amount)
		if err != nil {
			return nil, err
		}
		if !shares.IsZero() {
			return p.Deposit(account, amount)
		}
	}
	last, err := addAmounts(&p.lastTotalBalance, amount)
	if err != nil {
		return nil, err
	}
	if err := p.ledger.addBalance(amount); err != nil {
		return nil, err
	}
	p.lastTotalBalance = *last
	return zero(), nil
}
