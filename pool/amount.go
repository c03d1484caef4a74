// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

var (
	// RewardScale is the fixed-point factor applied to farm reward-per-share
	// accumulators so that division by the total share count keeps enough
	// precision for small stakers.
	RewardScale = uint256.MustFromDecimal("1000000000000000000000000")

	// maxU128 is the largest amount the pool accepts from callers.  Amounts
	// are held in 256 bits so products of two amounts never leave range
	// before a division.
	maxU128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128),
		uint256.NewInt(1))
)

// zero returns a fresh zero amount.
func zero() *uint256.Int {
	return new(uint256.Int)
}

// overflowError returns an ArithmeticOverflow error for the named operation.
func overflowError(funcName string, op string) error {
	desc := fmt.Sprintf("%s: arithmetic overflow in %s", funcName, op)
	return errors.PoolError(errors.ArithmeticOverflow, desc)
}

// addAmounts returns x + y.
func addAmounts(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, overflowError("addAmounts", fmt.Sprintf("%s + %s",
			x.Dec(), y.Dec()))
	}
	return z, nil
}

// subAmounts returns x - y.  An underflow is reported as an overflow since
// it can only be the result of a broken invariant.
func subAmounts(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, overflowError("subAmounts", fmt.Sprintf("%s - %s",
			x.Dec(), y.Dec()))
	}
	return z, nil
}

// mulDiv returns floor(x * y / d) using a 512-bit intermediate product.
func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	const funcName = "mulDiv"
	if d.IsZero() {
		desc := fmt.Sprintf("%s: division by zero", funcName)
		return nil, errors.PoolError(errors.DivideByZero, desc)
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, overflowError(funcName, fmt.Sprintf("%s * %s / %s",
			x.Dec(), y.Dec(), d.Dec()))
	}
	return z, nil
}

// mulDivCeil returns ceil(x * y / d).
func mulDivCeil(x, y, d *uint256.Int) (*uint256.Int, error) {
	z, err := mulDiv(x, y, d)
	if err != nil {
		return nil, err
	}
	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return z, nil
	}
	return addAmounts(z, uint256.NewInt(1))
}

// minAmount returns a copy of the smaller of x and y.
func minAmount(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// ParseAmount decodes a decimal amount as supplied by callers.  Amounts must
// fit in 128 bits.
func ParseAmount(s string) (*uint256.Int, error) {
	const funcName = "ParseAmount"
	s = strings.TrimSpace(s)
	if s == "" {
		desc := fmt.Sprintf("%s: empty amount", funcName)
		return nil, errors.PoolError(errors.Parse, desc)
	}
	amt, err := uint256.FromDecimal(s)
	if err != nil {
		desc := fmt.Sprintf("%s: unable to parse amount %q: %v",
			funcName, s, err)
		return nil, errors.PoolError(errors.Parse, desc)
	}
	if amt.Gt(maxU128) {
		desc := fmt.Sprintf("%s: amount %s exceeds 128 bits", funcName, s)
		return nil, errors.PoolError(errors.InvalidAmount, desc)
	}
	return amt, nil
}

// decodeAmount decodes a stored decimal amount.
func decodeAmount(s string) (*uint256.Int, error) {
	amt, err := uint256.FromDecimal(s)
	if err != nil {
		desc := fmt.Sprintf("decodeAmount: unable to decode %q: %v", s, err)
		return nil, errors.DBError(errors.Decode, desc)
	}
	return amt, nil
}
