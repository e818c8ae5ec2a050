package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTransportDead indicates the downstream client can no longer be written to.
	ErrTransportDead = errors.New("downstream transport is dead")
)

// ValidationError rejects a turn before any streaming starts.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError wraps a failure of an external provider (embedding, retrieval, model, cache).
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a ProviderError. Returns nil for a nil err.
func NewProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// ModelMismatchError is returned when a cached context is bound to a different model.
type ModelMismatchError struct {
	Fingerprint string
	Bound       string
	Requested   string
}

func (e *ModelMismatchError) Error() string {
	return fmt.Sprintf("model mismatch: cached context is bound to %s, requested %s; switch to %s or request a fresh cache",
		e.Bound, e.Requested, e.Bound)
}

// IsProviderError reports whether err is or wraps a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsModelMismatch reports whether err is or wraps a ModelMismatchError.
func IsModelMismatch(err error) bool {
	var me *ModelMismatchError
	return errors.As(err, &me)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
