//go:build linux
// +build linux

package platform

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const readBufferSize = 64 * 1024

var newline = []byte{'\n'}

type execClient struct {
	grace  time.Duration
	logger *zap.Logger
}

// NewExecClient returns the ExecClient backed by os/exec. A non-positive
// grace selects DefaultGrace.
func NewExecClient(logger *zap.Logger, grace time.Duration) ExecClient {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &execClient{grace: grace, logger: logger}
}

func (p *execClient) ExecuteCommand(ctx context.Context, name string, args ...string) (string, error) {
	p.logger.Debug("executing command", zap.String("cmd", name), zap.Strings("args", args))

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid, unix.SIGKILL)
	}
	// Backgrounded grandchildren may keep the output pipe open forever.
	cmd.WaitDelay = p.grace

	err := cmd.Run()
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return out.String(), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return out.String(), errors.Wrapf(ErrCommandTimeout, "%s %s", name, strings.Join(args, " "))
		}
		return out.String(), errors.Wrapf(ErrInterrupted, "%s %s", name, strings.Join(args, " "))
	}
	return out.String(), errors.Wrapf(err, "failed to execute %s", name)
}

func (p *execClient) StreamCommand(ctx context.Context, w io.Writer, name string, args ...string) (int, error) {
	p.logger.Debug("streaming command", zap.String("cmd", name), zap.Strings("args", args))

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, errors.Wrap(err, "stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return 0, errors.Wrapf(err, "failed to start %s", name)
	}
	pid := cmd.Process.Pid

	waitDone := make(chan error, 1)
	go func() {
		forwardLines(w, stdout, p.logger)
		// Wait closes the pipe, so it must come after the last read.
		waitDone <- cmd.Wait()
	}()

	select {
	case err := <-waitDone:
		if err == nil {
			return 0, nil
		}
		if status, ok := ExitStatus(err); ok {
			return status, nil
		}
		return 0, errors.Wrapf(err, "failed to wait for %s", name)
	case <-ctx.Done():
	}

	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		p.logger.Info("command timed out, terminating process group", zap.Int("pgid", pid))
		p.stopGroup(pid, waitDone, unix.SIGTERM, unix.SIGKILL)
		return StatusTimedOut, errors.Wrapf(ErrCommandTimeout, "%s", name)
	}

	p.logger.Info("command interrupted, stopping process group", zap.Int("pgid", pid))
	p.stopGroup(pid, waitDone, unix.SIGINT, unix.SIGTERM)
	return StatusInterrupted, errors.Wrapf(ErrInterrupted, "%s", name)
}

// forwardLines copies r to w until EOF. Complete lines are forwarded as they
// arrive; a line longer than the read buffer is forwarded in pieces so the
// pipe keeps draining.
func forwardLines(w io.Writer, r io.Reader, logger *zap.Logger) {
	reader := bufio.NewReaderSize(r, readBufferSize)
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if err != io.EOF {
				logger.Debug("stopped reading output", zap.Error(err))
			}
			return
		}
		if _, err := w.Write(chunk); err != nil {
			logger.Debug("dropping output", zap.Error(err))
		}
		if !isPrefix {
			if _, err := w.Write(newline); err != nil {
				logger.Debug("dropping output", zap.Error(err))
			}
		}
	}
}

// stopGroup sends first to the group, escalating to second if the group has
// not exited within the grace window.
func (p *execClient) stopGroup(pgid int, done <-chan error, first, second unix.Signal) {
	if err := killGroup(pgid, first); err != nil && !IsNoSuchProcess(err) {
		p.logger.Warn("failed to signal process group", zap.Int("pgid", pgid), zap.Error(err))
	}
	select {
	case <-done:
		return
	case <-time.After(p.grace):
	}
	if err := killGroup(pgid, second); err != nil && !IsNoSuchProcess(err) {
		p.logger.Warn("failed to signal process group", zap.Int("pgid", pgid), zap.Error(err))
	}
	select {
	case <-done:
	case <-time.After(p.grace):
		p.logger.Warn("process group did not exit", zap.Int("pgid", pgid))
	}
}

func (p *execClient) StartProcess(logPath string, name string, args ...string) (Process, error) {
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create process log")
	}
	defer logFile.Close()

	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", name)
	}
	p.logger.Debug("started process", zap.Int("pid", cmd.Process.Pid), zap.String("cmd", name))

	proc := &process{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		// Reaping keeps a dead helper from lingering as a zombie that still
		// answers signal 0.
		_ = cmd.Wait()
		proc.exited.Store(true)
		close(proc.done)
	}()
	return proc, nil
}

func (p *execClient) Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

type process struct {
	pid    int
	exited atomic.Bool
	done   chan struct{}
}

func (p *process) Pid() int              { return p.pid }
func (p *process) Exited() bool          { return p.exited.Load() }
func (p *process) Done() <-chan struct{} { return p.done }

func killGroup(pgid int, sig unix.Signal) error {
	return unix.Kill(-pgid, sig)
}
