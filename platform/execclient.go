// Package platform wraps process execution: blocking capture, streaming with
// process-group cancellation, detached helper processes and signals.
package platform

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Reserved completion statuses. Real statuses are normalised to [0,255]
// (a signalled child reports 128+signo), so these never collide.
const (
	StatusTimedOut    = -1
	StatusInterrupted = -2
)

// DefaultGrace is how long a cancelled process group gets to exit before the
// next, stronger signal is sent.
const DefaultGrace = 2 * time.Second

var (
	ErrCommandTimeout = errors.New("command timed out")
	ErrInterrupted    = errors.New("command interrupted")
)

// ExecClient runs external commands.
type ExecClient interface {
	// ExecuteCommand blocks until the command exits and returns its combined
	// stdout/stderr. A non-zero exit is returned as an error carrying the
	// exit status (see ExitStatus); a deadline is returned as ErrCommandTimeout.
	ExecuteCommand(ctx context.Context, name string, args ...string) (string, error)
	// StreamCommand runs the command in its own process group, copying
	// combined output to w line by line. It returns the exit status, or one
	// of the reserved statuses when ctx ends first.
	StreamCommand(ctx context.Context, w io.Writer, name string, args ...string) (int, error)
	// StartProcess launches a detached process whose output goes to logPath.
	StartProcess(logPath string, name string, args ...string) (Process, error)
	// Signal delivers sig to pid. Signal 0 probes for existence.
	Signal(pid int, sig unix.Signal) error
}

// Process is a launched child that is reaped in the background.
type Process interface {
	Pid() int
	// Exited reports whether the child has been reaped.
	Exited() bool
	Done() <-chan struct{}
}

// IsNoSuchProcess reports whether err means the signalled pid is gone.
func IsNoSuchProcess(err error) bool {
	return errors.Is(err, unix.ESRCH)
}
