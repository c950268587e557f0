// Package errors defines the failure taxonomy shared across catalogd.
//
// Callers classify failures with errors.As / errors.Is against the types
// and sentinels here rather than matching on message text.
package errors

import (
	"errors"
	"fmt"
)

// Re-exported stdlib helpers so callers import a single errors package.
var (
	As     = errors.As
	Is     = errors.Is
	New    = errors.New
	Unwrap = errors.Unwrap
)

// ErrProvisioningTimedOut reports that a billing subscription did not
// reach the ACTIVE state before the polling deadline.
var ErrProvisioningTimedOut = errors.New("provisioning timed out waiting for subscriptions to become active")

// ErrNotFound reports that a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ConfigurationError reports an invalid or incomplete deployment
// configuration, detected before any external call is made.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for a config key.
func NewConfigurationError(key, reason string) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: reason}
}

// CredentialError reports that the delegated identity could not be
// established for a script invocation.
type CredentialError struct {
	Principal string
	Err       error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential error for %s: %v", e.Principal, e.Err)
	}
	return fmt.Sprintf("credential error for %s", e.Principal)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ExternalOperationError reports a failure raised by an external system
// (the desktop broker SDK, the directory, or the billing service).
// Kind carries the machine-readable classification used by per-call
// ignore lists.
type ExternalOperationError struct {
	Kind   string
	Detail string
}

func (e *ExternalOperationError) Error() string {
	return fmt.Sprintf("external operation failed: %s: %s", e.Kind, e.Detail)
}

// NewExternalOperationError builds an ExternalOperationError.
func NewExternalOperationError(kind, detail string) *ExternalOperationError {
	return &ExternalOperationError{Kind: kind, Detail: detail}
}

// CountMismatchError reports that a provisioning step yielded a
// different number of results than requested.
type CountMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("count mismatch for %s: want %d, got %d", e.What, e.Want, e.Got)
}

// DecodeError reports a response from an external service that does not
// match the expected shape.
type DecodeError struct {
	Source string
	Field  string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s response: field %q: %v", e.Source, e.Field, e.Err)
	}
	return fmt.Sprintf("decode %s response: field %q missing or wrong type", e.Source, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Err }
