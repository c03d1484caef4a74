// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"net/http"
	"sort"

	"github.com/holiman/uint256"
)

// PoolInfo is a point in time summary of the pool.
type PoolInfo struct {
	Owner              string
	RewardFee          Ratio
	BurnFee            Ratio
	TotalShares        *uint256.Int
	TotalStakedBalance *uint256.Int
	LastTotalBalance   *uint256.Int
	BurnOutstanding    *uint256.Int
	BurnInFlight       *uint256.Int
	BurnRecorded       *uint256.Int
	BurnForwarded      *uint256.Int
	Accounts           int
	Farms              int
	PendingActions     int
	Settlements        uint64
	Slashings          uint64
}

// FarmInfo is a point in time copy of a farm.
type FarmInfo struct {
	ID                uint64
	Name              string
	TokenID           string
	Funder            string
	Amount            *uint256.Int
	StartDate         uint64
	EndDate           uint64
	EmissionRate      *uint256.Int
	AccRewardPerShare *uint256.Int
	LastUpdateTime    uint64
	DistributedTotal  *uint256.Int
	ForgoneTotal      *uint256.Int
	Reclaimed         bool
	Active            bool
}

// AccountFarmInfo is an account's position in a farm.
type AccountFarmInfo struct {
	FarmID    uint64
	TokenID   string
	Unclaimed *uint256.Int
}

// AccountInfo is a point in time summary of an account.
type AccountInfo struct {
	ID            string
	Shares        *uint256.Int
	StakedBalance *uint256.Int
	Farms         []AccountFarmInfo
}

// PoolInfo returns a summary of the pool.
func (d *RewardDistributor) PoolInfo() *PoolInfo {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return &PoolInfo{
		Owner:              d.pool.owner,
		RewardFee:          d.pool.rewardFee,
		BurnFee:            d.pool.burnFee,
		TotalShares:        d.pool.ledger.TotalShares(),
		TotalStakedBalance: d.pool.ledger.TotalStakedBalance(),
		LastTotalBalance:   d.pool.LastTotalBalance(),
		BurnOutstanding:    d.pool.burn.Outstanding(),
		BurnInFlight:       d.pool.burn.InFlight(),
		BurnRecorded:       d.pool.burn.TotalRecorded(),
		BurnForwarded:      d.pool.burn.Forwarded(),
		Accounts:           len(d.pool.ledger.accounts),
		Farms:              d.registry.Len(),
		PendingActions:     len(d.actions),
		Settlements:        d.settlements,
		Slashings:          d.slashings,
	}
}

// farmInfo copies the farm.
func farmInfo(f *Farm, now uint64) FarmInfo {
	return FarmInfo{
		ID:                f.ID,
		Name:              f.Name,
		TokenID:           f.TokenID,
		Funder:            f.Funder,
		Amount:            new(uint256.Int).Set(f.Amount),
		StartDate:         f.StartDate,
		EndDate:           f.EndDate,
		EmissionRate:      f.EmissionRate(),
		AccRewardPerShare: new(uint256.Int).Set(f.AccRewardPerShare),
		LastUpdateTime:    f.LastUpdateTime,
		DistributedTotal:  new(uint256.Int).Set(f.DistributedTotal),
		ForgoneTotal:      new(uint256.Int).Set(f.ForgoneTotal),
		Reclaimed:         f.Reclaimed,
		Active:            f.IsActive(now),
	}
}

// Farms returns every farm ordered by id.
func (d *RewardDistributor) Farms() []FarmInfo {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	now := d.cfg.Clock.Now()
	farms := make([]FarmInfo, 0, d.registry.Len())
	for _, farm := range d.registry.farms {
		farms = append(farms, farmInfo(farm, now))
	}
	return farms
}

// ActiveFarms returns the farms still emitting.
func (d *RewardDistributor) ActiveFarms() []FarmInfo {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	now := d.cfg.Clock.Now()
	var farms []FarmInfo
	for _, farm := range d.registry.ListActive(now) {
		farms = append(farms, farmInfo(farm, now))
	}
	return farms
}

// Account returns a summary of the account including its unclaimed reward
// in every farm it takes part in.
func (d *RewardDistributor) Account(id string) (*AccountInfo, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	now := d.cfg.Clock.Now()
	shares := d.pool.ledger.SharesOf(id)
	info := &AccountInfo{
		ID:            id,
		Shares:        shares,
		StakedBalance: d.pool.ledger.BalanceOf(id),
	}
	for _, farm := range d.registry.farms {
		if _, ok := farm.accounts[id]; !ok && shares.IsZero() {
			continue
		}
		unclaimed, err := farm.unclaimedReward(id, shares, now,
			&d.pool.ledger.totalShares)
		if err != nil {
			return nil, err
		}
		info.Farms = append(info.Farms, AccountFarmInfo{
			FarmID:    farm.ID,
			TokenID:   farm.TokenID,
			Unclaimed: unclaimed,
		})
	}
	return info, nil
}

// PendingActions returns the actions awaiting a host callback ordered by id.
func (d *RewardDistributor) PendingActions() []Action {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	actions := make([]Action, 0, len(d.actions))
	for _, action := range d.actions {
		actions = append(actions, *action)
	}
	sort.Slice(actions, func(i, j int) bool {
		return actions[i].ID < actions[j].ID
	})
	return actions
}

// HTTPBackup streams a backup of the database.
func (d *RewardDistributor) HTTPBackup(w http.ResponseWriter) error {
	return d.cfg.DB.HTTPBackup(w)
}
