// Copyright (c) 2019-2021 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package errors

import "errors"

// ErrorKind identifies a kind of error.  It has full support for errors.Is and
// errors.As, so the caller can directly check against an error kind when
// determining the reason for an error.
type ErrorKind string

// These constants are used to identify a specific error.
const (
	// ------------------------------------------
	// Errors related to database operations.
	// ------------------------------------------

	// ValueNotFound indicates no value found.
	ValueNotFound = ErrorKind("ValueNotFound")

	// ValueFound indicates a value was found.
	ValueFound = ErrorKind("ValueFound")

	// StorageNotFound indicates a missing storage error.
	StorageNotFound = ErrorKind("StorageNotFound")

	// CreateStorage indicates a storage creation error.
	CreateStorage = ErrorKind("CreateStorage")

	// DBOpen indicates a database open error.
	DBOpen = ErrorKind("DBOpen")

	// DBClose indicates a database close error.
	DBClose = ErrorKind("DBClose")

	// DBUpgrade indicates a database upgrade error.
	DBUpgrade = ErrorKind("DBUpgrade")

	// PersistEntry indicates a database persistence error.
	PersistEntry = ErrorKind("PersistEntry")

	// DeleteEntry indicates a database entry delete error.
	DeleteEntry = ErrorKind("DeleteEntry")

	// FetchEntry indicates a database entry fetching error.
	FetchEntry = ErrorKind("FetchEntry")

	// Backup indicates database backup error.
	Backup = ErrorKind("Backup")

	// Parse indicates a parsing error.
	Parse = ErrorKind("Parse")

	// Decode indicates a decoding error.
	Decode = ErrorKind("Decode")

	// Unsupported indicates unsupported functionality.
	Unsupported = ErrorKind("Unsupported")

	// ------------------------------------------
	// Errors related to pool operations.
	// ------------------------------------------

	// InvalidRatio indicates a fee or burn fraction outside of [0, 1].
	InvalidRatio = ErrorKind("InvalidRatio")

	// InvalidWindow indicates a farm window whose start is not before its
	// end.
	InvalidWindow = ErrorKind("InvalidWindow")

	// InvalidAmount indicates a zero or otherwise unusable amount.
	InvalidAmount = ErrorKind("InvalidAmount")

	// InsufficientBalance indicates a withdrawal exceeding the value of
	// the account's shares.
	InsufficientBalance = ErrorKind("InsufficientBalance")

	// PoolDepleted indicates shares exist while the staked balance backing
	// them is zero, so no share price is defined.
	PoolDepleted = ErrorKind("PoolDepleted")

	// ArithmeticOverflow indicates an amount calculation overflowed.
	ArithmeticOverflow = ErrorKind("ArithmeticOverflow")

	// DivideByZero indicates a division by zero error.
	DivideByZero = ErrorKind("DivideByZero")

	// SlashingDetected indicates the observed pool balance decreased since
	// the last settlement.
	SlashingDetected = ErrorKind("SlashingDetected")

	// FarmNotFound indicates an unknown farm id.
	FarmNotFound = ErrorKind("FarmNotFound")

	// FarmActive indicates an operation that requires an ended farm.
	FarmActive = ErrorKind("FarmActive")

	// ActionNotFound indicates a host callback for an unknown action.
	ActionNotFound = ErrorKind("ActionNotFound")

	// Unauthorized indicates the caller may not perform the operation.
	Unauthorized = ErrorKind("Unauthorized")

	// Disconnected indicates a disconnected resource.
	Disconnected = ErrorKind("Disconnected")

	// ContextCancelled indicates a context cancellation related error.
	ContextCancelled = ErrorKind("ContextCancelled")
)

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// Error identifies an error. It has full support for errors.Is and
// errors.As, so the caller can ascertain the specific reason for
// the error by checking the underlying error.
type Error struct {
	Description string
	Err         error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	return e.Description
}

// Unwrap returns the underlying wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// PoolError creates an Error given a set of arguments. This should only be
// used when creating errors related to the staking pool and its farms.
func PoolError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}

// DBError creates an Error given a set of arguments. This should only be
// used when creating errors related to the database.
func DBError(kind ErrorKind, desc string) Error {
	return Error{Err: kind, Description: desc}
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// KindOf returns the ErrorKind wrapped by err, or an empty kind when err does
// not carry one.
func KindOf(err error) ErrorKind {
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return ""
}
