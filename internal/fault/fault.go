// Package fault provides the classed errors returned by the ledger.
//
// Every failure surfaced to a caller belongs to exactly one class so that
// transports can map it to a status without string matching.
package fault

import (
	"errors"
	"fmt"
)

// error base
type GenericError string

// the error classes
type ValidationError GenericError
type InsufficientFundsError GenericError
type NotAdminError GenericError
type ArithmeticError GenericError
type NotFoundError GenericError

// common errors - keep in alphabetic order
var (
	ErrAccountRequired      = ValidationError("account is required")
	ErrAlreadyExists        = ValidationError("record already exists")
	ErrArrayLengthMismatch  = ValidationError("destinations and amounts must have the same length")
	ErrCallerRequired       = ValidationError("caller is required")
	ErrEmptyBatch           = ValidationError("batch has no transfers")
	ErrFloatsNotPermitted   = ValidationError("Floats are not permitted")
	ErrIdempotencyKeyNeeded = ValidationError("idempotency key is required")
	ErrIdentifierRequired   = ValidationError("identifier is required")
	ErrInsufficientFunds    = InsufficientFundsError("The origin account doesn't have funds to pay")
	ErrInvalidAmount        = ValidationError("Invalid amount")
	ErrNotAdmin             = NotAdminError("caller is not the admin")
	ErrNotFound             = NotFoundError("record not found")
	ErrNotHandled           = NotAdminError("account is not handled by the operator")
	ErrNotOperator          = NotAdminError("caller is not an operator")
	ErrOverflow             = ArithmeticError("arithmetic overflow")
	ErrRecipientRequired    = ValidationError("tax recipient is required")
	ErrReservationTooLarge  = InsufficientFundsError("The origin account doesn't have enough reserved funds")
	ErrSelfRevoke           = ValidationError("admin cannot revoke itself")
	ErrTaxAboveMax          = ValidationError("tax rate exceeds the maximum")
	ErrTaxExceedsAmount     = ValidationError("tax amount exceeds settled amount")
	ErrTaxShiftAboveMax     = ValidationError("tax shift exceeds the maximum")
	ErrTimestampRequired    = ValidationError("timestamp is required")
	ErrUnderflow            = ArithmeticError("arithmetic underflow")
	ErrUnknownCommand       = ValidationError("unknown command type")
	ErrUnknownEngagement    = ValidationError("unknown engagement kind")
	ErrUnknownRole          = ValidationError("unknown role")
	ErrVestingClosed        = ValidationError("vesting program is terminated")
	ErrVestingDuplicate     = ValidationError("Member already added")
	ErrVestingExhausted     = ValidationError("There is no more tokens to transfer to this wallet")
	ErrVestingNotDue        = ValidationError("You need to wait the next withdrawal period")
	ErrVestingPending       = ValidationError("All withdrawals have yet to take place")
	ErrVestingTooSmall      = ValidationError("vesting amount is smaller than its drop count")
)

// the error interface base method
func (e GenericError) Error() string { return string(e) }

// the error interface methods
func (e ValidationError) Error() string        { return string(e) }
func (e InsufficientFundsError) Error() string { return string(e) }
func (e NotAdminError) Error() string          { return string(e) }
func (e ArithmeticError) Error() string        { return string(e) }
func (e NotFoundError) Error() string          { return string(e) }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...interface{}) error {
	return ValidationError(fmt.Sprintf(format, args...))
}

// NotFoundf builds a NotFoundError with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return NotFoundError(fmt.Sprintf(format, args...))
}

// determine the class of an error, looking through wrapping
func IsErrValidation(e error) bool        { var t ValidationError; return errors.As(e, &t) }
func IsErrInsufficientFunds(e error) bool { var t InsufficientFundsError; return errors.As(e, &t) }
func IsErrNotAdmin(e error) bool          { var t NotAdminError; return errors.As(e, &t) }
func IsErrArithmetic(e error) bool        { var t ArithmeticError; return errors.As(e, &t) }
func IsErrNotFound(e error) bool          { var t NotFoundError; return errors.As(e, &t) }

// IsBusiness reports whether e is one of the ledger's classed errors, as
// opposed to an infrastructure failure.
func IsBusiness(e error) bool {
	return IsErrValidation(e) || IsErrInsufficientFunds(e) || IsErrNotAdmin(e) ||
		IsErrArithmetic(e) || IsErrNotFound(e)
}

// Class returns a short label for metrics and logs.
func Class(e error) string {
	switch {
	case e == nil:
		return "ok"
	case IsErrValidation(e):
		return "validation"
	case IsErrInsufficientFunds(e):
		return "insufficient_funds"
	case IsErrNotAdmin(e):
		return "not_admin"
	case IsErrArithmetic(e):
		return "arithmetic"
	case IsErrNotFound(e):
		return "not_found"
	default:
		return "internal"
	}
}
