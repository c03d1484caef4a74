// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"net/http"
	"sort"

	"github.com/holiman/uint256"
)

// Database describes all of the functionality needed by a stake pool
// database implementation.
//
// State is written in change sets: every call on the distributor commits
// the records it touched in a single transaction, so a failed call never
// leaves partial state behind.
type Database interface {
	// Utils
	HTTPBackup(w http.ResponseWriter) error
	Backup(fileName string) error
	Close() error

	// State
	loadState() (*stateSnapshot, error)
	commit(cs *changeSet) error
}

// poolRecord is the persisted form of the pool totals.  Amounts are stored
// as decimal strings.
type poolRecord struct {
	TotalShares        string `json:"totalshares"`
	TotalStakedBalance string `json:"totalstakedbalance"`
	LastTotalBalance   string `json:"lasttotalbalance"`
	BurnOutstanding    string `json:"burnoutstanding"`
	BurnInFlight       string `json:"burninflight"`
	BurnRecorded       string `json:"burnrecorded"`
	BurnForwarded      string `json:"burnforwarded"`
	NextActionID       uint64 `json:"nextactionid"`
}

// farmAccountRecord is the persisted form of a FarmAccountState.
type farmAccountRecord struct {
	RewardSnapshot string `json:"rewardsnapshot"`
	Pending        string `json:"pending"`
}

// accountRecord is the persisted form of an account: its shares and its
// state in every farm.
type accountRecord struct {
	ID     string                       `json:"id"`
	Shares string                       `json:"shares"`
	Farms  map[uint64]farmAccountRecord `json:"farms"`
}

// farmRecord is the persisted form of a Farm without its account states.
type farmRecord struct {
	ID                uint64 `json:"id"`
	Name              string `json:"name"`
	TokenID           string `json:"tokenid"`
	Funder            string `json:"funder"`
	Amount            string `json:"amount"`
	StartDate         uint64 `json:"startdate"`
	EndDate           uint64 `json:"enddate"`
	AccRewardPerShare string `json:"accrewardpershare"`
	LastUpdateTime    uint64 `json:"lastupdatetime"`
	DistributedTotal  string `json:"distributedtotal"`
	ForgoneTotal      string `json:"forgonetotal"`
	Reclaimed         bool   `json:"reclaimed"`
}

// actionRecord is the persisted form of an Action.
type actionRecord struct {
	ID        uint64 `json:"id"`
	Kind      string `json:"kind"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Shares    string `json:"shares"`
	FarmID    uint64 `json:"farmid"`
	TokenID   string `json:"tokenid"`
	CreatedOn uint64 `json:"createdon"`
}

// stateSnapshot is the complete persisted state.  A nil pool record denotes
// an uninitialized database.
type stateSnapshot struct {
	pool     *poolRecord
	accounts []*accountRecord
	farms    []*farmRecord
	actions  []*actionRecord
}

// changeSet is the set of records written by a single call.
type changeSet struct {
	pool            *poolRecord
	accounts        []*accountRecord
	deletedAccounts []string
	farms           []*farmRecord
	actions         []*actionRecord
	deletedActions  []uint64
}

// isEmpty returns whether the change set writes nothing.
func (cs *changeSet) isEmpty() bool {
	return cs.pool == nil && len(cs.accounts) == 0 &&
		len(cs.deletedAccounts) == 0 && len(cs.farms) == 0 &&
		len(cs.actions) == 0 && len(cs.deletedActions) == 0
}

// encodeFarm returns the persisted form of the farm.
func encodeFarm(f *Farm) *farmRecord {
	return &farmRecord{
		ID:                f.ID,
		Name:              f.Name,
		TokenID:           f.TokenID,
		Funder:            f.Funder,
		Amount:            f.Amount.Dec(),
		StartDate:         f.StartDate,
		EndDate:           f.EndDate,
		AccRewardPerShare: f.AccRewardPerShare.Dec(),
		LastUpdateTime:    f.LastUpdateTime,
		DistributedTotal:  f.DistributedTotal.Dec(),
		ForgoneTotal:      f.ForgoneTotal.Dec(),
		Reclaimed:         f.Reclaimed,
	}
}

// decodeFarm creates a farm from its persisted form.
func decodeFarm(r *farmRecord) (*Farm, error) {
	amount, err := decodeAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	acc, err := decodeAmount(r.AccRewardPerShare)
	if err != nil {
		return nil, err
	}
	distributed, err := decodeAmount(r.DistributedTotal)
	if err != nil {
		return nil, err
	}
	forgone, err := decodeAmount(r.ForgoneTotal)
	if err != nil {
		return nil, err
	}
	f := newFarm(r.ID, r.Name, r.TokenID, r.Funder, amount, r.StartDate,
		r.EndDate)
	f.AccRewardPerShare = acc
	f.LastUpdateTime = r.LastUpdateTime
	f.DistributedTotal = distributed
	f.ForgoneTotal = forgone
	f.Reclaimed = r.Reclaimed
	return f, nil
}

// encodeAction returns the persisted form of the action.
func encodeAction(a *Action) *actionRecord {
	shares := "0"
	if a.Shares != nil {
		shares = a.Shares.Dec()
	}
	return &actionRecord{
		ID:        a.ID,
		Kind:      string(a.Kind),
		Account:   a.Account,
		Amount:    a.Amount.Dec(),
		Shares:    shares,
		FarmID:    a.FarmID,
		TokenID:   a.TokenID,
		CreatedOn: a.CreatedOn,
	}
}

// decodeAction creates an action from its persisted form.
func decodeAction(r *actionRecord) (*Action, error) {
	amount, err := decodeAmount(r.Amount)
	if err != nil {
		return nil, err
	}
	shares, err := decodeAmount(r.Shares)
	if err != nil {
		return nil, err
	}
	return &Action{
		ID:        r.ID,
		Kind:      ActionKind(r.Kind),
		Account:   r.Account,
		Amount:    amount,
		Shares:    shares,
		FarmID:    r.FarmID,
		TokenID:   r.TokenID,
		CreatedOn: r.CreatedOn,
	}, nil
}

// encodeAccount gathers the account's shares and farm states.
func encodeAccount(id string, ledger *ShareLedger, farms []*Farm) *accountRecord {
	rec := &accountRecord{
		ID:     id,
		Shares: ledger.SharesOf(id).Dec(),
		Farms:  make(map[uint64]farmAccountRecord),
	}
	for _, farm := range farms {
		state, ok := farm.accounts[id]
		if !ok {
			continue
		}
		rec.Farms[farm.ID] = farmAccountRecord{
			RewardSnapshot: state.RewardSnapshot.Dec(),
			Pending:        state.Pending.Dec(),
		}
	}
	return rec
}

// encodePool returns the persisted form of the pool totals.
func encodePool(p *StakePool, nextActionID uint64) *poolRecord {
	return &poolRecord{
		TotalShares:        p.ledger.totalShares.Dec(),
		TotalStakedBalance: p.ledger.totalStakedBalance.Dec(),
		LastTotalBalance:   p.lastTotalBalance.Dec(),
		BurnOutstanding:    p.burn.outstanding.Dec(),
		BurnInFlight:       p.burn.inFlight.Dec(),
		BurnRecorded:       p.burn.recorded.Dec(),
		BurnForwarded:      p.burn.forwarded.Dec(),
		NextActionID:       nextActionID,
	}
}

// decodePool restores the pool totals and every account into p and the
// registry's farms, which must already be restored.
func decodePool(p *StakePool, reg *Registry, rec *poolRecord, accounts []*accountRecord) error {
	amounts := make([]*uint256.Int, 0, 7)
	for _, s := range []string{rec.TotalShares, rec.TotalStakedBalance,
		rec.LastTotalBalance, rec.BurnOutstanding, rec.BurnInFlight,
		rec.BurnRecorded, rec.BurnForwarded} {
		amt, err := decodeAmount(s)
		if err != nil {
			return err
		}
		amounts = append(amounts, amt)
	}

	shares := make(map[string]*uint256.Int, len(accounts))
	for _, acc := range accounts {
		held, err := decodeAmount(acc.Shares)
		if err != nil {
			return err
		}
		if !held.IsZero() {
			shares[acc.ID] = held
		}
		for farmID, st := range acc.Farms {
			farm, err := reg.Farm(farmID)
			if err != nil {
				return err
			}
			snapshot, err := decodeAmount(st.RewardSnapshot)
			if err != nil {
				return err
			}
			pending, err := decodeAmount(st.Pending)
			if err != nil {
				return err
			}
			farm.accounts[acc.ID] = &FarmAccountState{
				RewardSnapshot: snapshot,
				Pending:        pending,
			}
		}
	}

	p.ledger.restore(amounts[0], amounts[1], shares)
	p.lastTotalBalance = *amounts[2]
	p.burn.restore(amounts[3], amounts[4], amounts[5], amounts[6])
	return nil
}

// sortFarmRecords orders farm records by id.
func sortFarmRecords(farms []*farmRecord) {
	sort.Slice(farms, func(i, j int) bool {
		return farms[i].ID < farms[j].ID
	})
}
