// Package errors provides error wrapping utilities for context-aware error messages
// and the error taxonomy shared by the provisioning pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Taxonomy of pipeline failures. Match with errors.Is.
var (
	// ErrNotFound means a board image or symbol is absent. Never retried.
	ErrNotFound = stderrors.New("not found")
	// ErrInvalid means the data does not have the expected structure.
	ErrInvalid = stderrors.New("invalid")
	// ErrSizeMismatch means a payload does not fit the symbol it targets.
	ErrSizeMismatch = stderrors.New("size mismatch")
	// ErrUndefined means the symbol is imported, not defined in the image.
	ErrUndefined = stderrors.New("symbol undefined")
	// ErrUnpatchable means the symbol has no file-backed location to write.
	ErrUnpatchable = stderrors.New("symbol unpatchable")
	// ErrConnectionFailed means the network or probe could not be reached.
	ErrConnectionFailed = stderrors.New("connection failed")
	// ErrSerial means the serial port could not be opened or written.
	ErrSerial = stderrors.New("serial error")
	// ErrResetFailed means the debug probe could not reset the target.
	ErrResetFailed = stderrors.New("reset failed")
	// ErrUnsupported means the board has no probe device mapping.
	ErrUnsupported = stderrors.New("unsupported board")
	// ErrFlashFailed means the probe failed while programming the target.
	ErrFlashFailed = stderrors.New("flash failed")
	// ErrInvalidKeySize means the key is not the size the device expects.
	ErrInvalidKeySize = stderrors.New("invalid key size")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, "NotFound"},
	{ErrSizeMismatch, "SizeMismatch"},
	{ErrInvalidKeySize, "InvalidKeySize"},
	{ErrInvalid, "Invalid"},
	{ErrUndefined, "Undefined"},
	{ErrUnpatchable, "Unpatchable"},
	{ErrConnectionFailed, "ConnectionFailed"},
	{ErrSerial, "SerialError"},
	{ErrResetFailed, "ResetFailed"},
	{ErrUnsupported, "Unsupported"},
	{ErrFlashFailed, "FlashFailed"},
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Mark attaches a taxonomy sentinel to err while keeping err in the chain.
func Mark(kind error, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Kind returns the taxonomy name of err, or "Internal" if it carries none.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if stderrors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// New returns an error that formats as the given text.
func New(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// StatusError is a non-success response status from a remote store.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}
