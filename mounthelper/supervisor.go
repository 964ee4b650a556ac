// Package mounthelper keeps the anchor process that holds a host's private
// mount namespace open, and the ledger of overrides bound inside it.
package mounthelper

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/avast/retry-go/v3"
	"github.com/netemu/mmns/metrics"
	"github.com/netemu/mmns/nsenter"
	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultRunDir       = "/run/mmns"
	DefaultPollAttempts = 30
	DefaultPollInterval = 100 * time.Millisecond
)

type Config struct {
	// Host names the network namespace the anchor is started in.
	Host         string
	RunDir       string
	Shell        string
	PollAttempts uint
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.RunDir == "" {
		c.RunDir = DefaultRunDir
	}
	if c.Shell == "" {
		c.Shell = nsenter.DefaultShell
	}
	if c.PollAttempts == 0 {
		c.PollAttempts = DefaultPollAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// HandshakePaths returns the pid handshake file and the startup log for host.
func HandshakePaths(runDir, host string) (pidPath, logPath string) {
	return filepath.Join(runDir, "helper_"+host+".pid"), filepath.Join(runDir, "helper_"+host+".log")
}

// Supervisor owns one host's anchor process. Death is only detected by the
// probe in IsAlive, which every caller runs right before using the pid.
// Supervisor is not safe for concurrent use; the owning host serialises.
type Supervisor struct {
	cfg    Config
	exec   platform.ExecClient
	fs     afero.Fs
	ledger *Ledger
	logger *zap.Logger

	proc platform.Process
	pid  int
}

func NewSupervisor(cfg Config, exec platform.ExecClient, fs afero.Fs, logger *zap.Logger) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{
		cfg:    cfg,
		exec:   exec,
		fs:     fs,
		ledger: NewLedger(),
		logger: logger.With(zap.String("host", cfg.Host)),
	}
}

// PID returns the last known anchor pid, zero when there is none. Callers
// wanting a usable pid go through IsAlive or Ensure.
func (s *Supervisor) PID() int {
	return s.pid
}

func (s *Supervisor) Ledger() *Ledger {
	return s.ledger
}

// IsAlive probes the anchor with signal 0. Any failure marks it dead, which
// also empties the ledger since its binds died with the namespace.
func (s *Supervisor) IsAlive() bool {
	if s.pid == 0 {
		return false
	}
	if s.proc != nil && s.proc.Exited() {
		s.markDead(errHelperExited)
		return false
	}
	if err := s.exec.Signal(s.pid, 0); err != nil {
		s.markDead(err)
		return false
	}
	return true
}

func (s *Supervisor) markDead(cause error) {
	lost := s.ledger.Reset()
	targets := make([]string, 0, len(lost))
	for _, e := range lost {
		targets = append(targets, e.Target)
	}
	s.logger.Warn("mount helper is dead",
		zap.Int("pid", s.pid),
		zap.Strings("lostOverrides", targets),
		zap.Error(cause))

	metrics.AnchorDeaths.WithLabelValues(s.cfg.Host).Inc()
	metrics.Overrides.WithLabelValues(s.cfg.Host).Set(0)
	s.pid = 0
	s.proc = nil
}

// Ensure returns the pid of a live anchor, starting a new one when there is
// none or the previous one died.
func (s *Supervisor) Ensure(ctx context.Context) (int, error) {
	if s.IsAlive() {
		return s.pid, nil
	}
	return s.start(ctx)
}

func (s *Supervisor) start(ctx context.Context) (int, error) {
	if err := s.fs.MkdirAll(s.cfg.RunDir, 0o755); err != nil {
		return 0, &StartupError{Host: s.cfg.Host, Err: errors.Wrap(err, "failed to create run dir")}
	}
	pidPath, logPath := HandshakePaths(s.cfg.RunDir, s.cfg.Host)
	if err := s.fs.Remove(pidPath); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
		s.logger.Debug("failed to remove stale handshake", zap.String("path", pidPath), zap.Error(err))
	}

	script := fmt.Sprintf(`echo $$ > %s && echo "mount helper started" && exec sleep infinity`, shellescape.Quote(pidPath))
	argv := nsenter.NetCommand(s.cfg.Host, "unshare", "--mount", "--propagation", "private", s.cfg.Shell, "-c", script)
	proc, err := s.exec.StartProcess(logPath, argv[0], argv[1:]...)
	if err != nil {
		return 0, &StartupError{Host: s.cfg.Host, Log: s.readLog(logPath), Err: err}
	}

	pid, err := s.awaitHandshake(ctx, proc, pidPath)
	if err != nil {
		if !proc.Exited() {
			if killErr := s.exec.Signal(proc.Pid(), unix.SIGKILL); killErr != nil && !platform.IsNoSuchProcess(killErr) {
				s.logger.Warn("failed to kill unresponsive helper", zap.Int("pid", proc.Pid()), zap.Error(killErr))
			}
		}
		return 0, &StartupError{Host: s.cfg.Host, Log: s.readLog(logPath), Err: err}
	}

	if err := s.fs.Remove(pidPath); err != nil {
		s.logger.Debug("failed to remove handshake", zap.String("path", pidPath), zap.Error(err))
	}
	s.pid = pid
	s.proc = proc
	metrics.AnchorStarts.WithLabelValues(s.cfg.Host).Inc()
	s.logger.Info("started mount helper", zap.Int("pid", pid))
	return pid, nil
}

// awaitHandshake polls for the pid the helper writes about itself. A helper
// that exits first ends the wait early.
func (s *Supervisor) awaitHandshake(ctx context.Context, proc platform.Process, pidPath string) (int, error) {
	var pid int
	err := retry.Do(
		func() error {
			if data, err := afero.ReadFile(s.fs, pidPath); err == nil {
				if v, convErr := strconv.Atoi(strings.TrimSpace(string(data))); convErr == nil && v > 0 {
					pid = v
					return nil
				}
			}
			if proc.Exited() {
				return retry.Unrecoverable(errHelperExited)
			}
			return errHandshakePending
		},
		retry.Attempts(s.cfg.PollAttempts),
		retry.Delay(s.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		if proc.Exited() {
			return 0, errHelperExited
		}
		if ctx.Err() != nil {
			return 0, errors.Wrap(ctx.Err(), "handshake aborted")
		}
		return 0, errors.Errorf("no handshake after %d attempts", s.cfg.PollAttempts)
	}
	return pid, nil
}

func (s *Supervisor) readLog(logPath string) string {
	data, err := afero.ReadFile(s.fs, logPath)
	if err != nil {
		return ""
	}
	return string(data)
}

// Terminate stops the anchor. It is a no-op when there is none.
func (s *Supervisor) Terminate() error {
	if s.pid == 0 {
		return nil
	}
	pid := s.pid
	s.pid = 0
	s.proc = nil
	s.ledger.Reset()
	metrics.Overrides.WithLabelValues(s.cfg.Host).Set(0)

	if err := s.exec.Signal(pid, unix.SIGTERM); err != nil && !platform.IsNoSuchProcess(err) {
		return errors.Wrapf(err, "failed to terminate mount helper %d", pid)
	}
	s.logger.Info("terminated mount helper", zap.Int("pid", pid))
	return nil
}
