package engine

import (
	"errors"
	"fmt"
)

// Business failures are returned as typed outcomes for the chat layer to
// render; they are never folded into ErrStorageUnavailable and vice versa.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrPlanInactive       = errors.New("plan is not active")
	ErrNotFound           = errors.New("not found")
	ErrExpired            = errors.New("expired")
	ErrExhausted          = errors.New("exhausted")
	ErrAlreadyRedeemed    = errors.New("already redeemed")
	ErrConcurrentConflict = errors.New("concurrent conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
