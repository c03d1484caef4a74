// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

// FarmMessage is the metadata attached to a funding transfer that creates a
// farm.  Dates are nanosecond timestamps encoded as decimal strings.
type FarmMessage struct {
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// ParsedFarmMessage is a decoded and validated FarmMessage.
type ParsedFarmMessage struct {
	Name      string
	StartDate uint64
	EndDate   uint64
}

// ParseFarmMessage decodes the metadata of a funding transfer.
func ParseFarmMessage(msg string) (*ParsedFarmMessage, error) {
	const funcName = "ParseFarmMessage"
	var m FarmMessage
	dec := json.NewDecoder(strings.NewReader(msg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		desc := fmt.Sprintf("%s: unable to decode farm message: %v",
			funcName, err)
		return nil, errors.PoolError(errors.Parse, desc)
	}
	start, err := strconv.ParseUint(m.StartDate, 10, 64)
	if err != nil {
		desc := fmt.Sprintf("%s: invalid start date %q: %v", funcName,
			m.StartDate, err)
		return nil, errors.PoolError(errors.Parse, desc)
	}
	end, err := strconv.ParseUint(m.EndDate, 10, 64)
	if err != nil {
		desc := fmt.Sprintf("%s: invalid end date %q: %v", funcName,
			m.EndDate, err)
		return nil, errors.PoolError(errors.Parse, desc)
	}
	return &ParsedFarmMessage{
		Name:      m.Name,
		StartDate: start,
		EndDate:   end,
	}, nil
}

// Registry owns every farm.  Farm ids are sequential and farms are never
// removed, so an id indexes the farm list directly.
type Registry struct {
	farms []*Farm
}

// NewRegistry creates an empty farm registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// CreateFarm appends a farm emitting amount of tokenID over [start, end].
func (r *Registry) CreateFarm(name, tokenID, funder string, amount *uint256.Int, start, end uint64) (*Farm, error) {
	const funcName = "CreateFarm"
	if start >= end {
		desc := fmt.Sprintf("%s: farm window [%d, %d] is empty", funcName,
			start, end)
		return nil, errors.PoolError(errors.InvalidWindow, desc)
	}
	if amount.IsZero() {
		desc := fmt.Sprintf("%s: farm amount must be positive", funcName)
		return nil, errors.PoolError(errors.InvalidAmount, desc)
	}
	if amount.Gt(maxU128) {
		desc := fmt.Sprintf("%s: farm amount %s exceeds 128 bits",
			funcName, amount.Dec())
		return nil, errors.PoolError(errors.InvalidAmount, desc)
	}
	farm := newFarm(uint64(len(r.farms)), name, tokenID, funder, amount,
		start, end)
	r.farms = append(r.farms, farm)
	return farm, nil
}

// Farm returns the farm with the provided id.
func (r *Registry) Farm(id uint64) (*Farm, error) {
	const funcName = "Registry.Farm"
	if id >= uint64(len(r.farms)) {
		desc := fmt.Sprintf("%s: no farm with id %d", funcName, id)
		return nil, errors.PoolError(errors.FarmNotFound, desc)
	}
	return r.farms[id], nil
}

// Farms returns every farm ordered by id.
func (r *Registry) Farms() []*Farm {
	farms := make([]*Farm, len(r.farms))
	copy(farms, r.farms)
	return farms
}

// ListActive returns the farms still emitting at now.
func (r *Registry) ListActive(now uint64) []*Farm {
	var active []*Farm
	for _, farm := range r.farms {
		if farm.IsActive(now) {
			active = append(active, farm)
		}
	}
	return active
}

// Len returns the number of farms ever created.
func (r *Registry) Len() int {
	return len(r.farms)
}

// restore replaces the registry contents with farms ordered by id.
func (r *Registry) restore(farms []*Farm) error {
	const funcName = "Registry.restore"
	for i, farm := range farms {
		if farm.ID != uint64(i) {
			desc := fmt.Sprintf("%s: farm id %d found at position %d",
				funcName, farm.ID, i)
			return errors.DBError(errors.Decode, desc)
		}
	}
	r.farms = farms
	return nil
}
