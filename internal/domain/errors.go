package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrForbidden            = errors.New("forbidden")
	ErrPriceBelowMinimum    = errors.New("price below minimum")
	ErrDurationBelowMinimum = errors.New("duration below minimum")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrPaymentFailed        = errors.New("payment failed")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrCompletionRejected   = errors.New("completion rejected")
	ErrConflict             = errors.New("conflict")
)

// PaymentError carries the ledger's reason for a failed transfer.
type PaymentError struct {
	Op      string
	Account string
	Amount  int64
	Reason  string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment failed: %s %d for %s: %s", e.Op, e.Amount, e.Account, e.Reason)
}

func (e *PaymentError) Is(target error) bool {
	return target == ErrPaymentFailed
}
