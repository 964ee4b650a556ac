package network

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPath    = errors.New("path is not absolute")
	ErrSourceNotFound = errors.New("override source not found")
	ErrMountOperation = errors.New("mount operation failed")
	ErrInvalidName    = errors.New("invalid name")
	ErrHostExists     = errors.New("host already exists")
	ErrHostNotFound   = errors.New("host not found")
	ErrLink           = errors.New("link error")
	ErrBridge         = errors.New("bridge error")
)

func newErrorInvalidPath(errStr string) error {
	return fmt.Errorf("%w : %s", ErrInvalidPath, errStr)
}

func newErrorSourceNotFound(errStr string) error {
	return fmt.Errorf("%w : %s", ErrSourceNotFound, errStr)
}

// newErrorMountOperation keeps cause in the chain so callers can still match
// e.g. mounthelper.ErrHelperStartup.
func newErrorMountOperation(cause error) error {
	return fmt.Errorf("%w : %w", ErrMountOperation, cause)
}

func newErrorLink(errStr string) error {
	return fmt.Errorf("%w : %s", ErrLink, errStr)
}

func newErrorBridge(errStr string) error {
	return fmt.Errorf("%w : %s", ErrBridge, errStr)
}

func newErrorInvalidName(errStr string) error {
	return fmt.Errorf("%w : %s", ErrInvalidName, errStr)
}

func newErrorHostExists(errStr string) error {
	return fmt.Errorf("%w : %s", ErrHostExists, errStr)
}

func newErrorHostNotFound(errStr string) error {
	return fmt.Errorf("%w : %s", ErrHostNotFound, errStr)
}
