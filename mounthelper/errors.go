package mounthelper

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var ErrHelperStartup = errors.New("mount helper failed to start")

var (
	errHandshakePending = errors.New("handshake pending")
	errHelperExited     = errors.New("helper exited before handshake")
)

// StartupError reports an anchor that never completed its handshake. Log is
// whatever the helper wrote before giving up.
type StartupError struct {
	Host string
	Log  string
	Err  error
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("mount helper for %s failed to start: %v", e.Host, e.Err)
	if log := strings.TrimSpace(e.Log); log != "" {
		msg += ": " + log
	}
	return msg
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

func (e *StartupError) Is(target error) bool {
	return target == ErrHelperStartup
}
