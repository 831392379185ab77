package service

import (
	"errors"
	"fmt"
)

// Error kinds reported to callers. Detail is attached by wrapping, so callers
// classify with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrAlreadyClaimed      = errors.New("delivery already claimed")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOperationFailed     = errors.New("operation failed")
)

// businessErrors are definitive outcomes; they are never retried and never
// wrapped as ErrOperationFailed.
var businessErrors = []error{
	ErrValidation,
	ErrNotFound,
	ErrForbidden,
	ErrInvalidState,
	ErrInvalidTransition,
	ErrAlreadyClaimed,
	ErrInvalidAmount,
	ErrInsufficientBalance,
}

func isBusiness(err error) bool {
	for _, b := range businessErrors {
		if errors.Is(err, b) {
			return true
		}
	}
	return false
}

// operationFailed marks err as an aborted unit of work unless it already
// carries a business kind.
func operationFailed(err error) error {
	if err == nil || isBusiness(err) || errors.Is(err, ErrOperationFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrOperationFailed, err)
}
