package remote

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code reported by a store backend.
type Code string

// Codes shared across backends. Backends may report additional codes; callers
// should treat unknown codes as transport-level failures.
const (
	CodeContainerNotFound   Code = "ContainerNotFound"
	CodeResourceNotFound    Code = "ResourceNotFound"
	CodeConditionNotMet     Code = "ConditionNotMet"
	CodeLeaseAlreadyPresent Code = "LeaseAlreadyPresent"
	CodeNotSupported        Code = "NotSupported"
)

// Error is a store-level failure carrying the service's error code. Transport
// failures are wrapped unchanged and never translated into an Error.
type Error struct {
	Code       Code
	StatusCode int
	Message    string
	Err        error
}

// Error ...
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap ...
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the store error code carried by err, or "" if err is not
// a store-level failure.
func ErrorCode(err error) Code {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return storeErr.Code
	}
	return ""
}

// IsNotFound reports whether err means the target container or resource is
// absent.
func IsNotFound(err error) bool {
	code := ErrorCode(err)
	return code == CodeContainerNotFound || code == CodeResourceNotFound
}

// IsConditionNotMet reports whether err is a server-side precondition
// mismatch.
func IsConditionNotMet(err error) bool {
	return ErrorCode(err) == CodeConditionNotMet
}

// IsLeaseConflict reports whether err means the resource is already leased.
func IsLeaseConflict(err error) bool {
	return ErrorCode(err) == CodeLeaseAlreadyPresent
}
