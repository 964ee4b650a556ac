// Package nsenter runs shell commands inside a host's network namespace, or
// inside the network and mount namespaces of an anchor process.
package nsenter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/netemu/mmns/platform"
	"go.uber.org/zap"
)

const DefaultShell = "bash"

var ErrNamespaceEntry = errors.New("namespace entry failed")

func newErrorNamespaceEntry(errStr string) error {
	return fmt.Errorf("%w : %s", ErrNamespaceEntry, errStr)
}

// Request is one command to run. A nil Output selects capture mode; otherwise
// output is streamed to Output line by line.
type Request struct {
	Command string
	Output  io.Writer
}

// Result of a command. Output is only filled in capture mode. Status is the
// command's exit status or one of the platform reserved statuses.
type Result struct {
	Output string
	Status int
}

// Service enters namespaces on behalf of a host.
type Service interface {
	// ExecNet runs req inside the named network namespace only.
	ExecNet(ctx context.Context, netns string, req Request) (Result, error)
	// ExecNetMount runs req inside the mount and network namespaces held
	// by anchorPID.
	ExecNetMount(ctx context.Context, anchorPID int, req Request) (Result, error)
}

// NetCommand returns argv running argv inside the named network namespace.
func NetCommand(netns string, argv ...string) []string {
	return append([]string{"ip", "netns", "exec", netns}, argv...)
}

// NetMountCommand returns argv running argv inside the mount and network
// namespaces of pid.
func NetMountCommand(pid int, argv ...string) []string {
	return append([]string{"nsenter", "--target", strconv.Itoa(pid), "--mount", "--net", "--"}, argv...)
}

type service struct {
	exec   platform.ExecClient
	shell  string
	logger *zap.Logger
}

func NewService(exec platform.ExecClient, shell string, logger *zap.Logger) Service {
	if shell == "" {
		shell = DefaultShell
	}
	return &service{exec: exec, shell: shell, logger: logger}
}

func (s *service) ExecNet(ctx context.Context, netns string, req Request) (Result, error) {
	return s.run(ctx, NetCommand(netns, s.shell, "-c", req.Command), req)
}

func (s *service) ExecNetMount(ctx context.Context, anchorPID int, req Request) (Result, error) {
	if anchorPID <= 0 {
		return Result{}, newErrorNamespaceEntry("invalid anchor pid " + strconv.Itoa(anchorPID))
	}
	return s.run(ctx, NetMountCommand(anchorPID, s.shell, "-c", req.Command), req)
}

func (s *service) run(ctx context.Context, argv []string, req Request) (Result, error) {
	if req.Output != nil {
		head := &headWriter{w: req.Output}
		status, err := s.exec.StreamCommand(ctx, head, argv[0], argv[1:]...)
		if err != nil {
			if platform.IsReservedStatus(status) {
				return Result{Status: status}, err
			}
			return Result{}, newErrorNamespaceEntry(err.Error())
		}
		if status != 0 && entryRefused(head.String()) {
			s.logger.Debug("namespace entry refused", zap.Strings("argv", argv[:len(argv)-1]), zap.String("output", head.String()))
			return Result{Status: status}, newErrorNamespaceEntry(strings.TrimSpace(head.String()))
		}
		return Result{Status: status}, nil
	}

	out, err := s.exec.ExecuteCommand(ctx, argv[0], argv[1:]...)
	if err == nil {
		return Result{Output: out}, nil
	}
	if errors.Is(err, platform.ErrCommandTimeout) {
		return Result{Output: out, Status: platform.StatusTimedOut}, err
	}
	if errors.Is(err, platform.ErrInterrupted) {
		return Result{Output: out, Status: platform.StatusInterrupted}, err
	}
	if status, ok := platform.ExitStatus(err); ok {
		if entryRefused(out) {
			s.logger.Debug("namespace entry refused", zap.Strings("argv", argv[:len(argv)-1]), zap.String("output", out))
			return Result{Output: out, Status: status}, newErrorNamespaceEntry(strings.TrimSpace(out))
		}
		return Result{Output: out, Status: status}, nil
	}
	return Result{}, newErrorNamespaceEntry(err.Error())
}

// entryRefused recognises the diagnostics printed by nsenter and ip when they
// cannot join the requested namespace, before the user command ever runs.
func entryRefused(out string) bool {
	return strings.HasPrefix(out, "nsenter: ") ||
		strings.HasPrefix(out, "Cannot open network namespace") ||
		strings.HasPrefix(out, "setting the network namespace")
}

// headLen bounds how much streamed output is kept for entryRefused.
const headLen = 256

// headWriter forwards everything to w and keeps the first headLen bytes.
type headWriter struct {
	w    io.Writer
	head []byte
}

func (h *headWriter) Write(p []byte) (int, error) {
	if room := headLen - len(h.head); room > 0 {
		if room > len(p) {
			room = len(p)
		}
		h.head = append(h.head, p[:room]...)
	}
	return h.w.Write(p)
}

func (h *headWriter) String() string {
	line, _, _ := strings.Cut(string(h.head), "\n")
	return line
}
