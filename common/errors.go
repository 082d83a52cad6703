// Package common error kinds. Every failure that crosses a component
// boundary carries a stable kind tag so logs and the portal can classify
// failures without parsing message text.
package common

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable classification tag attached to errors.
type ErrorKind string

const (
	KindConfig            ErrorKind = "config_error"
	KindCredentialMissing ErrorKind = "credential_missing"
	KindTokenRefresh      ErrorKind = "token_refresh_failed"
	KindRemoteNetwork     ErrorKind = "remote_network_error"
	KindRemoteValidation  ErrorKind = "remote_validation"
	KindInventoryBlocked  ErrorKind = "inventory_blocked"
	KindDuplicate         ErrorKind = "duplicate_detected"
	KindSpillMerge        ErrorKind = "spill_merge_error"
	KindArchive           ErrorKind = "archive_error"
	KindDispatchStart     ErrorKind = "dispatch_start_failure"
	KindLockHeld          ErrorKind = "lock_held"
)

// KindedError wraps an error with a classification kind.
type KindedError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindedError) Unwrap() error {
	return e.Err
}

// WithKind tags err with the given kind. Returns nil when err is nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &KindedError{Kind: kind, Err: err}
}

// Kindf tags a new formatted error with the given kind.
func Kindf(kind ErrorKind, format string, args ...interface{}) error {
	return &KindedError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind tag from err, or "" when untagged.
func KindOf(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}
