package platform

import (
	"os/exec"
	"syscall"

	"github.com/pkg/errors"
)

// ExitStatus extracts the exit status carried by err, normalised to the
// shell convention.
func ExitStatus(err error) (int, bool) {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, false
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return NormalizeSignalStatus(int(ws.Signal())), true
	}
	return exitErr.ExitCode(), true
}

// NormalizeSignalStatus maps a terminating signal to its shell exit status.
func NormalizeSignalStatus(signo int) int {
	return 128 + signo
}

// IsReservedStatus reports whether status is one of the reserved sentinels.
func IsReservedStatus(status int) bool {
	return status == StatusTimedOut || status == StatusInterrupted
}
