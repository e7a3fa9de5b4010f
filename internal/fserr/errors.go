// Package fserr defines the error taxonomy for member filesystem operations.
package fserr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an object the host confirmed absent.
	ErrNotFound = errors.New("object not found")

	// ErrNotConnected reports a missing live session (after any permitted
	// reconnection attempt).
	ErrNotConnected = errors.New("not connected")

	// ErrNotImplemented reports an operation this provider does not serve.
	ErrNotImplemented = errors.New("not implemented")
)

// TransferError reports a failed content download or upload for a reason
// other than absence.
type TransferError struct {
	Op  string // "download" or "upload"
	URI string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URI, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Transfer wraps err as a TransferError for the given operation and resource.
func Transfer(op, uri string, err error) error {
	return &TransferError{Op: op, URI: uri, Err: err}
}

// AsTransfer checks if an error is a TransferError and returns it.
func AsTransfer(err error) (*TransferError, bool) {
	var te *TransferError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
