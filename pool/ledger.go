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

// ShareLedger maps accounts to stake shares and converts between shares and
// staked balance using the pool-wide price total staked balance / total
// shares.
//
// Deposits round the minted shares down and withdrawals round the burned
// shares up, so repeated deposit and withdraw cycles can never extract more
// than was contributed.
type ShareLedger struct {
	totalShares        uint256.Int
	totalStakedBalance uint256.Int
	accounts           map[string]*uint256.Int
}

// NewShareLedger creates an empty share ledger.
func NewShareLedger() *ShareLedger {
	return &ShareLedger{
		accounts: make(map[string]*uint256.Int),
	}
}

// TotalShares returns the number of shares in existence.
func (l *ShareLedger) TotalShares() *uint256.Int {
	return new(uint256.Int).Set(&l.totalShares)
}

// TotalStakedBalance returns the balance backing all shares.
func (l *ShareLedger) TotalStakedBalance() *uint256.Int {
	return new(uint256.Int).Set(&l.totalStakedBalance)
}

// SharesOf returns the shares held by the provided account.
func (l *ShareLedger) SharesOf(account string) *uint256.Int {
	shares, ok := l.accounts[account]
	if !ok {
		return zero()
	}
	return new(uint256.Int).Set(shares)
}

// Accounts returns all accounts holding shares in lexical order.
func (l *ShareLedger) Accounts() []string {
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValueOfShares returns floor(shares * total staked balance / total shares).
func (l *ShareLedger) ValueOfShares(shares *uint256.Int) (*uint256.Int, error) {
	if l.totalShares.IsZero() || shares.IsZero() {
		return zero(), nil
	}
	return mulDiv(shares, &l.totalStakedBalance, &l.totalShares)
}

// BalanceOf returns the staked balance owned by the provided account.
func (l *ShareLedger) BalanceOf(account string) *uint256.Int {
	shares, ok := l.accounts[account]
	if !ok {
		return zero()
	}
	// The share count never exceeds the total, so the value is bounded by
	// the total staked balance and cannot overflow.
	balance, err := l.ValueOfShares(shares)
	if err != nil {
		log.Errorf("unable to value shares of %s: %v", account, err)
		return zero()
	}
	return balance
}

// SharesForDeposit returns the shares minted for a deposit of amount at the
// current price, rounded down.  The first deposit into an empty ledger mints
// shares one to one.  A ledger whose shares are backed by nothing, after a
// slash took its whole balance, has no price and accepts no deposits until a
// reward restores it.
func (l *ShareLedger) SharesForDeposit(amount *uint256.Int) (*uint256.Int, error) {
	const funcName = "SharesForDeposit"
	if l.totalShares.IsZero() {
		return new(uint256.Int).Set(amount), nil
	}
	if l.totalStakedBalance.IsZero() {
		desc := fmt.Sprintf("%s: %s shares are backed by no balance",
			funcName, l.totalShares.Dec())
		return nil, errors.PoolError(errors.PoolDepleted, desc)
	}
	return mulDiv(amount, &l.totalShares, &l.totalStakedBalance)
}

// Depleted returns whether shares exist without any balance backing them.
func (l *ShareLedger) Depleted() bool {
	return !l.totalShares.IsZero() && l.totalStakedBalance.IsZero()
}

// SharesForWithdrawal returns the shares burned to withdraw amount at the
// current price, rounded up.
func (l *ShareLedger) SharesForWithdrawal(amount *uint256.Int) (*uint256.Int, error) {
	const funcName = "SharesForWithdrawal"
	if l.totalShares.IsZero() {
		desc := fmt.Sprintf("%s: no shares in the pool", funcName)
		return nil, errors.PoolError(errors.InsufficientBalance, desc)
	}
	if l.totalStakedBalance.IsZero() {
		desc := fmt.Sprintf("%s: no staked balance to withdraw", funcName)
		return nil, errors.PoolError(errors.InsufficientBalance, desc)
	}
	return mulDivCeil(amount, &l.totalShares, &l.totalStakedBalance)
}

// Deposit credits amount to the account and returns the shares minted.
func (l *ShareLedger) Deposit(account string, amount *uint256.Int) (*uint256.Int, error) {
	const funcName = "ShareLedger.Deposit"
	if amount.IsZero() {
		desc := fmt.Sprintf("%s: deposit amount must be positive", funcName)
		return nil, errors.PoolError(errors.InvalidAmount, desc)
	}
	shares, err := l.SharesForDeposit(amount)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		desc := fmt.Sprintf("%s: deposit of %s is worth no shares",
			funcName, amount.Dec())
		return nil, errors.PoolError(errors.InvalidAmount, desc)
	}
	totalBalance, err := addAmounts(&l.totalStakedBalance, amount)
	if err != nil {
		return nil, err
	}
	if err := l.mint(account, shares); err != nil {
		return nil, err
	}
	l.totalStakedBalance = *totalBalance
	return shares, nil
}

// Withdraw debits amount from the account and returns the shares burned.
func (l *ShareLedger) Withdraw(account string, amount *uint256.Int) (*uint256.Int, error) {
	const funcName = "ShareLedger.Withdraw"
	if amount.IsZero() {
		desc := fmt.Sprintf("%s: withdrawal amount must be positive", funcName)
		return nil, errors.PoolError(errors.InvalidAmount, desc)
	}
	shares, err := l.SharesForWithdrawal(amount)
	if err != nil {
		return nil, err
	}
	held := l.SharesOf(account)
	if shares.Gt(held) {
		desc := fmt.Sprintf("%s: withdrawing %s requires %s shares, "+
			"account %s holds %s", funcName, amount.Dec(), shares.Dec(),
			account, held.Dec())
		return nil, errors.PoolError(errors.InsufficientBalance, desc)
	}
	totalBalance, err := subAmounts(&l.totalStakedBalance, amount)
	if err != nil {
		return nil, err
	}
	if err := l.burn(account, shares); err != nil {
		return nil, err
	}
	l.totalStakedBalance = *totalBalance
	return shares, nil
}

// mint credits shares to the account without changing the staked balance.
func (l *ShareLedger) mint(account string, shares *uint256.Int) error {
	if shares.IsZero() {
		return nil
	}
	total, err := addAmounts(&l.totalShares, shares)
	if err != nil {
		return err
	}
	held, err := addAmounts(l.SharesOf(account), shares)
	if err != nil {
		return err
	}
	l.totalShares = *total
	l.accounts[account] = held
	return nil
}

// burn debits shares from the account without changing the staked balance.
// Accounts left without shares are removed.
func (l *ShareLedger) burn(account string, shares *uint256.Int) error {
	if shares.IsZero() {
		return nil
	}
	held, err := subAmounts(l.SharesOf(account), shares)
	if err != nil {
		return err
	}
	total, err := subAmounts(&l.totalShares, shares)
	if err != nil {
		return err
	}
	l.totalShares = *total
	if held.IsZero() {
		delete(l.accounts, account)
		return nil
	}
	l.accounts[account] = held
	return nil
}

// addBalance raises the staked balance without minting shares, increasing
// the price of every share.
func (l *ShareLedger) addBalance(amount *uint256.Int) error {
	total, err := addAmounts(&l.totalStakedBalance, amount)
	if err != nil {
		return err
	}
	l.totalStakedBalance = *total
	return nil
}

// haircut lowers the staked balance by up to loss without touching shares
// and returns the amount actually removed.
func (l *ShareLedger) haircut(loss *uint256.Int) *uint256.Int {
	applied := minAmount(loss, &l.totalStakedBalance)
	l.totalStakedBalance.Sub(&l.totalStakedBalance, applied)
	return applied
}

// restore replaces the ledger contents, used when loading persisted state.
func (l *ShareLedger) restore(totalShares, totalBalance *uint256.Int, accounts map[string]*uint256.Int) {
	l.totalShares = *totalShares
	l.totalStakedBalance = *totalBalance
	l.accounts = accounts
}
