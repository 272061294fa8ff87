package vectorlsh

import (
	"errors"
	"fmt"
)

// Error-kind sentinels, signalled at every component API boundary and
// matched with errors.Is against the StoreError wrapper below.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrOutOfRange         = errors.New("out of range")
	ErrCorruption         = errors.New("corruption")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrNotFound           = errors.New("not found")
	ErrTransientIO        = errors.New("transient io error")
	ErrConflict           = errors.New("conflict")
	ErrOutOfMemory        = errors.New("out of memory")
)

// StoreError wraps an error-kind sentinel with operation context, mirroring
// the façade's contextual-message-plus-neutral-return propagation policy.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("vectorlsh: %v", e.Err)
	}
	return fmt.Sprintf("vectorlsh: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return errors.Is(e.Err, target) }

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
