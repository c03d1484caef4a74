// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"github.com/holiman/uint256"
)

// ActionKind identifies the kind of host request an action represents.
type ActionKind string

const (
	// ActionStake stakes a deposit with the validator.
	ActionStake = ActionKind("stake")

	// ActionUnstake unstakes a withdrawal and returns it to the account.
	ActionUnstake = ActionKind("unstake")

	// ActionClaim transfers claimed farm reward to the account.
	ActionClaim = ActionKind("claim")

	// ActionBurn forwards burned reward out of the pool.
	ActionBurn = ActionKind("burn")

	// ActionReclaim returns forgone farm emission to the funder.
	ActionReclaim = ActionKind("reclaim")

	// ActionRefund returns a deposit whose stake failed.
	ActionRefund = ActionKind("refund")
)

// Action is a host request awaiting its callback.  The state change that
// caused it is applied optimistically when it is issued and compensated if
// the callback reports failure.
type Action struct {
	ID      uint64
	Kind    ActionKind
	Account string
	Amount  *uint256.Int

	// Shares is the share count minted or burned by a stake or unstake.
	Shares *uint256.Int

	// FarmID and TokenID are set for claim and reclaim actions.
	FarmID  uint64
	TokenID string

	CreatedOn uint64
}

// ActionResult reports the outcome of resolving an action.
type ActionResult struct {
	Action       *Action
	Success      bool
	Compensation *Action
}
