package common

import (
	"errors"
	"fmt"
)

// AppError carries a stable code alongside a human message and the wrapped
// cause. Codes end up in the journal and in diagnostic records.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Failure taxonomy. Matched with errors.Is at stage boundaries.
var (
	// ErrClaimConflict: another instance won the claim rename. Not a failure,
	// the scanner simply moves on.
	ErrClaimConflict = errors.New("already claimed by another instance")

	// ErrUnstableInput: the file is still being written; the claim is
	// deferred to a later scan.
	ErrUnstableInput = errors.New("input file not yet stable")

	// ErrExtraction: every extraction strategy, including the default
	// fallback, failed for a page.
	ErrExtraction = errors.New("page extraction failed")

	// ErrOCR: recognition failed or returned invalid output for a page.
	// Always escalated to job-level failure.
	ErrOCR = errors.New("ocr failed")

	// ErrAssembly: merge or archival conversion failed; partial artifacts
	// are discarded.
	ErrAssembly = errors.New("document assembly failed")

	// ErrMissingCapability: a required external program is absent or
	// version-incompatible. Fatal at startup.
	ErrMissingCapability = errors.New("missing external capability")
)

// NewAppError builds an AppError wrapping cause.
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// WrapError annotates err with message, preserving the chain.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
