// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

// DistributorConfig contains all of the configuration values which should be
// provided when creating a new instance of RewardDistributor.
type DistributorConfig struct {
	// DB represents the pool database.
	DB Database
	// Host stakes deposits and carries out transfers.
	Host Host
	// Clock provides the current time.
	Clock Clock
	// Owner receives the reward fee.
	Owner string
	// PoolAccount holds the initial stake of the pool.
	PoolAccount string
	// BurnAccount receives forwarded burns.
	BurnAccount string
	// RewardFee is the owner's fraction of the post-burn reward.
	RewardFee Ratio
	// BurnFee is the burned fraction of every reward.
	BurnFee Ratio
	// InitialBalance is staked for PoolAccount when the database is
	// initialized.
	InitialBalance *uint256.Int
}

// RewardDistributor is the entry point of every pool operation.  It
// serializes calls, settles farms before any share change and persists the
// outcome of every call atomically.
//
// Each call mutates the in-memory state and then commits the records it
// touched in a single database transaction.  When a call fails at any point
// the in-memory state is reloaded from the database so no partial state
// survives the call.  Host requests are submitted only after their state
// change is committed.
type RewardDistributor struct {
	cfg *DistributorConfig
	mtx sync.Mutex

	pool         *StakePool
	registry     *Registry
	actions      map[uint64]*Action
	nextActionID uint64

	slashings   uint64
	settlements uint64

	// Records touched by the current call.
	dirtyAccounts map[string]struct{}
	dirtyFarms    map[uint64]struct{}
	newActions    []*Action
	doneActions   []uint64

	// Pool balance moved by the current call, applied to the host balance
	// once committed.
	balanceIncrease *uint256.Int
	balanceDecrease *uint256.Int
}

// NewRewardDistributor loads the pool state from the database, initializing
// it on first use.
func NewRewardDistributor(cfg *DistributorConfig) (*RewardDistributor, error) {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	d := &RewardDistributor{cfg: cfg}
	snap, err := d.load()
	if err != nil {
		return nil, err
	}
	if snap.pool != nil {
		log.Infof("Loaded pool state: %d accounts, %d farms, %d pending "+
			"actions", len(d.pool.ledger.accounts), d.registry.Len(),
			len(d.actions))
		return d, nil
	}

	err = d.update(func(now uint64) error {
		initial := cfg.InitialBalance
		if initial == nil || initial.IsZero() {
			return nil
		}
		return d.changeShares(cfg.PoolAccount, now, func() error {
			_, err := d.pool.Deposit(cfg.PoolAccount, initial)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Initialized pool with %s staked for %s",
		d.pool.ledger.totalStakedBalance.Dec(), cfg.PoolAccount)
	return d, nil
}

// load replaces the in-memory state with the persisted state.
func (d *RewardDistributor) load() (*stateSnapshot, error) {
	pool, err := NewStakePool(d.cfg.Owner, d.cfg.RewardFee, d.cfg.BurnFee)
	if err != nil {
		return nil, err
	}
	registry := NewRegistry()
	actions := make(map[uint64]*Action)

	snap, err := d.cfg.DB.loadState()
	if err != nil {
		return nil, err
	}

	var nextActionID uint64
	if snap.pool != nil {
		sortFarmRecords(snap.farms)
		farms := make([]*Farm, 0, len(snap.farms))
		for _, rec := range snap.farms {
			farm, err := decodeFarm(rec)
			if err != nil {
				return nil, err
			}
			farms = append(farms, farm)
		}
		if err := registry.restore(farms); err != nil {
			return nil, err
		}
		if err := decodePool(pool, registry, snap.pool, snap.accounts); err != nil {
			return nil, err
		}
		for _, rec := range snap.actions {
			action, err := decodeAction(rec)
			if err != nil {
				return nil, err
			}
			actions[action.ID] = action
		}
		nextActionID = snap.pool.NextActionID
	}

	d.pool = pool
	d.registry = registry
	d.actions = actions
	d.nextActionID = nextActionID
	return snap, nil
}

// update runs fn against the in-memory state and commits the result.  Any
// failure restores the last committed state.  The caller must hold the
// distributor lock.
func (d *RewardDistributor) update(fn func(now uint64) error) error {
	d.dirtyAccounts = make(map[string]struct{})
	d.dirtyFarms = make(map[uint64]struct{})
	d.newActions = nil
	d.doneActions = nil
	d.balanceIncrease = zero()
	d.balanceDecrease = zero()

	err := fn(d.cfg.Clock.Now())
	if err == nil {
		err = d.commit()
	}
	if err != nil {
		if _, rerr := d.load(); rerr != nil {
			log.Errorf("unable to reload pool state: %v", rerr)
		}
		return err
	}
	if !d.balanceIncrease.Eq(d.balanceDecrease) {
		d.cfg.Host.AdjustBalance(d.balanceIncrease, d.balanceDecrease)
	}
	return nil
}

// moveBalance records a change of the pool balance made by the current
// call.
func (d *RewardDistributor) moveBalance(increase, decrease *uint256.Int) {
	if increase != nil {
		d.balanceIncrease.Add(d.balanceIncrease, increase)
	}
	if decrease != nil {
		d.balanceDecrease.Add(d.balanceDecrease, decrease)
	}
}

// commit persists every record touched by the current call.
func (d *RewardDistributor) commit() error {
	cs := &changeSet{pool: encodePool(d.pool, d.nextActionID)}
	farms := d.registry.Farms()

	accounts := make([]string, 0, len(d.dirtyAccounts))
	for id := range d.dirtyAccounts {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	for _, id := range accounts {
		if d.pool.ledger.SharesOf(id).IsZero() && !d.hasPending(id) {
			for _, farm := range farms {
				farm.dropAccount(id)
			}
			cs.deletedAccounts = append(cs.deletedAccounts, id)
			continue
		}
		cs.accounts = append(cs.accounts, encodeAccount(id, d.pool.ledger, farms))
	}

	for _, farm := range farms {
		if _, ok := d.dirtyFarms[farm.ID]; ok {
			cs.farms = append(cs.farms, encodeFarm(farm))
		}
	}
	for _, action := range d.newActions {
		cs.actions = append(cs.actions, encodeAction(action))
	}
	cs.deletedActions = d.doneActions

	return d.cfg.DB.commit(cs)
}

// hasPending returns whether the account has unclaimed reward in any farm.
func (d *RewardDistributor) hasPending(account string) bool {
	for _, farm := range d.registry.farms {
		if farm.hasPending(account) {
			return true
		}
	}
	return false
}

// settleFarms settles the account in every farm at its current share count.
func (d *RewardDistributor) settleFarms(account string, now uint64) error {
	shares := d.pool.ledger.SharesOf(account)
	totalShares := d.pool.ledger.TotalShares()
	for _, farm := range d.registry.farms {
		err := farm.settleAccount(account, shares, now, totalShares)
		if err != nil {
			return err
		}
		d.dirtyFarms[farm.ID] = struct{}{}
	}
	d.dirtyAccounts[account] = struct{}{}
	return nil
}

// changeShares is the only path through which an account's shares change:
// it settles every farm for the account before applying mutate.
func (d *RewardDistributor) changeShares(account string, now uint64, mutate func() error) error {
	if err := d.settleFarms(account, now); err != nil {
		return err
	}
	return mutate()
}

// newAction allocates an action to be persisted with the current call.
func (d *RewardDistributor) newAction(kind ActionKind, account string, amount *uint256.Int, now uint64) *Action {
	action := &Action{
		ID:        d.nextActionID,
		Kind:      kind,
		Account:   account,
		Amount:    new(uint256.Int).Set(amount),
		Shares:    zero(),
		CreatedOn: now,
	}
	d.nextActionID++
	d.actions[action.ID] = action
	d.newActions = append(d.newActions, action)
	return action
}

// submit hands committed actions to the host.  A submission error is
// handled exactly like a failed callback.  The caller must hold the
// distributor lock.
func (d *RewardDistributor) submit(ctx context.Context, actions ...*Action) {
	for _, action := range actions {
		err := d.cfg.Host.Submit(ctx, action)
		if err == nil {
			continue
		}
		log.Errorf("unable to submit %s action %d: %v", action.Kind,
			action.ID, err)
		if _, rerr := d.resolve(ctx, action.ID, false); rerr != nil {
			log.Errorf("unable to compensate %s action %d: %v",
				action.Kind, action.ID, rerr)
		}
	}
}

// DepositAndStake stakes amount for the account and returns the minted
// shares.  The stake request is submitted to the host once the deposit is
// committed.
func (d *RewardDistributor) DepositAndStake(ctx context.Context, account string, amount *uint256.Int) (*uint256.Int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var shares *uint256.Int
	var action *Action
	err := d.update(func(now uint64) error {
		err := d.changeShares(account, now, func() error {
			var err error
			shares, err = d.pool.Deposit(account, amount)
			return err
		})
		if err != nil {
			return err
		}
		action = d.newAction(ActionStake, account, amount, now)
		action.Shares = new(uint256.Int).Set(shares)
		d.moveBalance(amount, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("%s deposited %s for %s shares", account, amount.Dec(),
		shares.Dec())
	d.submit(ctx, action)
	return shares, nil
}

// Withdraw unstakes amount for the account and returns the burned shares.
// The unstake request is submitted to the host once the withdrawal is
// committed.
func (d *RewardDistributor) Withdraw(ctx context.Context, account string, amount *uint256.Int) (*uint256.Int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var shares *uint256.Int
	var action *Action
	err := d.update(func(now uint64) error {
		err := d.changeShares(account, now, func() error {
			var err error
			shares, err = d.pool.Withdraw(account, amount)
			return err
		})
		if err != nil {
			return err
		}
		action = d.newAction(ActionUnstake, account, amount, now)
		action.Shares = new(uint256.Int).Set(shares)
		d.moveBalance(nil, amount)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debugf("%s withdrew %s for %s shares", account, amount.Dec(),
		shares.Dec())
	d.submit(ctx, action)
	return shares, nil
}

// Ping settles the reward accrued since the last settlement and advances
// every active farm.  Outstanding burned reward is forwarded to the burn
// account afterwards.
//
// The host balance is read under the distributor lock so it accounts for
// every call committed before the settlement.
func (d *RewardDistributor) Ping(ctx context.Context) (*Settlement, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	balance, err := d.cfg.Host.TotalBalance(ctx)
	if err != nil {
		return nil, err
	}

	var settlement *Settlement
	var burn *Action
	err = d.update(func(now uint64) error {
		totalShares := d.pool.ledger.TotalShares()
		for _, farm := range d.registry.ListActive(now) {
			if err := farm.touch(now, totalShares); err != nil {
				return err
			}
			d.dirtyFarms[farm.ID] = struct{}{}
		}

		// Fee shares change the owner's share count.
		err := d.changeShares(d.pool.owner, now, func() error {
			var err error
			settlement, err = d.pool.Settle(balance)
			return err
		})
		if err != nil {
			return err
		}

		if d.pool.burn.inFlight.IsZero() {
			amount := d.pool.burn.BeginForward()
			if !amount.IsZero() {
				burn = d.newAction(ActionBurn, d.cfg.BurnAccount, amount, now)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.settlements++
	if !settlement.Slashed.IsZero() {
		d.slashings++
	}
	if !settlement.Reward.IsZero() {
		log.Infof("Settled reward %s: burned %s, fee %s (%s shares), "+
			"distributed %s", settlement.Reward.Dec(),
			settlement.Burned.Dec(), settlement.Fee.Dec(),
			settlement.OwnerShares.Dec(), settlement.Distributed.Dec())
	}
	if burn != nil {
		d.submit(ctx, burn)
	}
	return settlement, nil
}

// AccountTotalBalance returns the staked balance owned by the account.
func (d *RewardDistributor) AccountTotalBalance(account string) *uint256.Int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.pool.ledger.BalanceOf(account)
}

// UnclaimedReward returns the reward the account would receive by claiming
// from the farm now.
func (d *RewardDistributor) UnclaimedReward(account string, farmID uint64) (*uint256.Int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	farm, err := d.registry.Farm(farmID)
	if err != nil {
		return nil, err
	}
	return farm.unclaimedReward(account, d.pool.ledger.SharesOf(account),
		d.cfg.Clock.Now(), &d.pool.ledger.totalShares)
}

// Claim settles the account in the farm and transfers its pending reward.
func (d *RewardDistributor) Claim(ctx context.Context, account string, farmID uint64) (*uint256.Int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var amount *uint256.Int
	var action *Action
	err := d.update(func(now uint64) error {
		farm, err := d.registry.Farm(farmID)
		if err != nil {
			return err
		}
		amount, err = farm.claim(account, d.pool.ledger.SharesOf(account),
			now, d.pool.ledger.TotalShares())
		if err != nil {
			return err
		}
		d.dirtyFarms[farm.ID] = struct{}{}
		d.dirtyAccounts[account] = struct{}{}
		if amount.IsZero() {
			return nil
		}
		action = d.newAction(ActionClaim, account, amount, now)
		action.FarmID = farm.ID
		action.TokenID = farm.TokenID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if action != nil {
		log.Debugf("%s claimed %s %s from farm %d", account, amount.Dec(),
			action.TokenID, farmID)
		d.submit(ctx, action)
	}
	return amount, nil
}

// OnFundingTransfer creates a farm from a funding transfer of amount of
// tokenID.  The message carries the farm name and window.
func (d *RewardDistributor) OnFundingTransfer(ctx context.Context, tokenID, sender string, amount *uint256.Int, msg string) (*Farm, error) {
	parsed, err := ParseFarmMessage(msg)
	if err != nil {
		return nil, err
	}

	d.mtx.Lock()
	defer d.mtx.Unlock()

	var farm *Farm
	err = d.update(func(now uint64) error {
		var err error
		farm, err = d.registry.CreateFarm(parsed.Name, tokenID, sender,
			amount, parsed.StartDate, parsed.EndDate)
		if err != nil {
			return err
		}
		d.dirtyFarms[farm.ID] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Created farm %d %q: %s %s from %s over [%d, %d]", farm.ID,
		farm.Name, amount.Dec(), tokenID, sender, farm.StartDate,
		farm.EndDate)
	return farm, nil
}

// Reclaim returns the emission a farm forwent while no shares existed to the
// farm's funder.  It is only possible once the farm has ended.
func (d *RewardDistributor) Reclaim(ctx context.Context, caller string, farmID uint64) (*uint256.Int, error) {
	const funcName = "Reclaim"
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var action *Action
	err := d.update(func(now uint64) error {
		farm, err := d.registry.Farm(farmID)
		if err != nil {
			return err
		}
		if caller != farm.Funder {
			desc := fmt.Sprintf("%s: %s did not fund farm %d", funcName,
				caller, farmID)
			return errors.PoolError(errors.Unauthorized, desc)
		}
		if farm.IsActive(now) {
			desc := fmt.Sprintf("%s: farm %d ends at %d", funcName, farmID,
				farm.EndDate)
			return errors.PoolError(errors.FarmActive, desc)
		}
		if err := farm.touch(now, d.pool.ledger.TotalShares()); err != nil {
			return err
		}
		d.dirtyFarms[farm.ID] = struct{}{}
		if farm.Reclaimed || farm.ForgoneTotal.IsZero() {
			desc := fmt.Sprintf("%s: farm %d has nothing to reclaim",
				funcName, farmID)
			return errors.PoolError(errors.InvalidAmount, desc)
		}
		farm.Reclaimed = true
		action = d.newAction(ActionReclaim, farm.Funder, farm.ForgoneTotal, now)
		action.FarmID = farm.ID
		action.TokenID = farm.TokenID
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.submit(ctx, action)
	return new(uint256.Int).Set(action.Amount), nil
}

// ResolveAction applies the outcome of a host request.  A failed request is
// compensated by reversing the state change made when it was issued.
func (d *RewardDistributor) ResolveAction(ctx context.Context, id uint64, success bool) (*ActionResult, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.resolve(ctx, id, success)
}

// resolve implements ResolveAction.  The caller must hold the distributor
// lock.
func (d *RewardDistributor) resolve(ctx context.Context, id uint64, success bool) (*ActionResult, error) {
	const funcName = "ResolveAction"
	var result *ActionResult
	err := d.update(func(now uint64) error {
		action, ok := d.actions[id]
		if !ok {
			desc := fmt.Sprintf("%s: no pending action with id %d",
				funcName, id)
			return errors.PoolError(errors.ActionNotFound, desc)
		}
		delete(d.actions, id)
		d.doneActions = append(d.doneActions, id)
		result = &ActionResult{Action: action, Success: success}

		if success {
			if action.Kind == ActionBurn {
				d.moveBalance(nil, action.Amount)
				return d.pool.completeBurn(action.Amount)
			}
			return nil
		}

		compensation, err := d.compensate(action, now)
		if err != nil {
			return err
		}
		result.Compensation = compensation
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !success {
		log.Warnf("%s action %d for %s (%s) failed", result.Action.Kind,
			id, result.Action.Account, result.Action.Amount.Dec())
	}
	if result.Compensation != nil {
		d.submit(ctx, result.Compensation)
	}
	return result, nil
}

// compensate reverses the state change of a failed action, returning any
// follow-up action to submit.
func (d *RewardDistributor) compensate(action *Action, now uint64) (*Action, error) {
	switch action.Kind {
	case ActionStake:
		var refund, shares *uint256.Int
		err := d.changeShares(action.Account, now, func() error {
			var err error
			refund, shares, err = d.pool.refundDeposit(action.Account,
				action.Amount)
			return err
		})
		if err != nil || refund.IsZero() {
			return nil, err
		}
		d.moveBalance(nil, refund)
		compensation := d.newAction(ActionRefund, action.Account, refund, now)
		compensation.Shares = shares
		return compensation, nil

	case ActionUnstake:
		d.moveBalance(action.Amount, nil)
		return nil, d.changeShares(action.Account, now, func() error {
			_, err := d.pool.restoreWithdrawal(action.Account, action.Amount)
			return err
		})

	case ActionClaim:
		farm, err := d.registry.Farm(action.FarmID)
		if err != nil {
			return nil, err
		}
		d.dirtyFarms[farm.ID] = struct{}{}
		d.dirtyAccounts[action.Account] = struct{}{}
		return nil, farm.restorePending(action.Account, action.Amount)

	case ActionBurn:
		return nil, d.pool.burn.abortForward(action.Amount)

	case ActionReclaim:
		farm, err := d.registry.Farm(action.FarmID)
		if err != nil {
			return nil, err
		}
		farm.Reclaimed = false
		d.dirtyFarms[farm.ID] = struct{}{}
		return nil, nil

	case ActionRefund:
		// The deposit stays in the pool balance and is picked up as reward
		// by the next settlement.
		d.moveBalance(action.Amount, nil)
		log.Errorf("refund of %s to %s failed", action.Amount.Dec(),
			action.Account)
		return nil, nil
	}

	desc := fmt.Sprintf("compensate: unknown action kind %q", action.Kind)
	return nil, errors.PoolError(errors.Unsupported, desc)
}
