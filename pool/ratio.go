// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/nesilp/staking-farm/errors"
)

// Ratio is a fraction in [0, 1] used for the owner fee and the burn split.
type Ratio struct {
	Numerator   uint32 `json:"numerator"`
	Denominator uint32 `json:"denominator"`
}

// Validate asserts the ratio has a non-zero denominator and does not exceed
// one.
func (r Ratio) Validate() error {
	const funcName = "Ratio.Validate"
	if r.Denominator == 0 || r.Numerator > r.Denominator {
		desc := fmt.Sprintf("%s: ratio %d/%d is not within [0, 1]",
			funcName, r.Numerator, r.Denominator)
		return errors.PoolError(errors.InvalidRatio, desc)
	}
	return nil
}

// Apply returns floor(value * numerator / denominator).
func (r Ratio) Apply(value *uint256.Int) (*uint256.Int, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Numerator == 0 || value.IsZero() {
		return zero(), nil
	}
	return mulDiv(value, uint256.NewInt(uint64(r.Numerator)),
		uint256.NewInt(uint64(r.Denominator)))
}

// String returns the ratio in "n/d" form.
func (r Ratio) String() string {
	return fmt.Sprintf("%d/%d", r.Numerator, r.Denominator)
}

// ParseRatio decodes a ratio in "n/d" form.
func ParseRatio(s string) (Ratio, error) {
	const funcName = "ParseRatio"
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		desc := fmt.Sprintf("%s: ratio %q is not of the form n/d",
			funcName, s)
		return Ratio{}, errors.PoolError(errors.Parse, desc)
	}
	num, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		desc := fmt.Sprintf("%s: invalid numerator in %q: %v",
			funcName, s, err)
		return Ratio{}, errors.PoolError(errors.Parse, desc)
	}
	den, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		desc := fmt.Sprintf("%s: invalid denominator in %q: %v",
			funcName, s, err)
		return Ratio{}, errors.PoolError(errors.Parse, desc)
	}
	r := Ratio{Numerator: uint32(num), Denominator: uint32(den)}
	return r, r.Validate()
}
