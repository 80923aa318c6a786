package service

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindState
	KindConflict
	KindNotFound
	KindUpstream
)

// Error is a business failure the handlers can map onto a status code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

// Is matches on Code so wrapped copies still compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrOrderNotFound         = newError(KindNotFound, "ORDER_NOT_FOUND", "order not found")
	ErrPaymentNotFound       = newError(KindNotFound, "PAYMENT_NOT_FOUND", "payment not found")
	ErrUnauthenticated       = newError(KindUnauthorized, "UNAUTHORIZED", "authentication required")
	ErrNotOrderOwner         = newError(KindForbidden, "FORBIDDEN", "order belongs to another user")
	ErrOrderNotCancellable   = newError(KindState, "ORDER_NOT_CANCELLABLE", "order can no longer be cancelled")
	ErrAlreadyCancelled      = newError(KindState, "ALREADY_CANCELLED", "order is already cancelled")
	ErrCancelInProgress      = newError(KindConflict, "CANCEL_IN_PROGRESS", "cancellation already in progress")
	ErrConcurrentUpdate      = newError(KindConflict, "CONCURRENT_UPDATE", "order was modified concurrently")
	ErrInvalidTransition     = newError(KindState, "INVALID_STATUS_TRANSITION", "status transition not allowed")
	ErrPaymentInProgress     = newError(KindConflict, "PAYMENT_IN_PROGRESS", "payment verification already in progress")
	ErrAmountMismatch        = newError(KindValidation, "AMOUNT_MISMATCH", "amount does not match the order total")
	ErrPaymentNotCancellable = newError(KindState, "INVALID_STATE", "only completed payments can be cancelled")
	ErrPGUnavailable         = newError(KindUpstream, "PG_UNAVAILABLE", "payment gateway unavailable")
)

func validationError(format string, args ...interface{}) *Error {
	return newError(KindValidation, "VALIDATION_ERROR", fmt.Sprintf(format, args...))
}

// KindOf classifies err; anything that is not a *Error is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
