// Package shell is the interactive mmns prompt: it routes "<host> <command>"
// lines to the emulated hosts.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/netemu/mmns/mounthelper"
	"github.com/netemu/mmns/platform"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const (
	DefaultPrompt  = "mmns> "
	DefaultTimeout = 30 * time.Second
	allHosts       = "all"
)

var builtins = []string{allHosts, "exit", "help", "mounts", "nodes", "quit", "timeout"}

// Host is the part of network.Host the prompt drives.
type Host interface {
	Name() string
	Cmd(ctx context.Context, command string, timeout time.Duration) (string, error)
	CmdStream(ctx context.Context, command string, timeout time.Duration, w io.Writer) (int, error)
	Overrides() []mounthelper.Entry
	MountTable(ctx context.Context) ([]string, error)
}

type Options struct {
	Prompt  string
	Timeout time.Duration
	// HistoryPath receives every entered line; empty disables history.
	HistoryPath string
}

type Shell struct {
	hosts   map[string]Host
	names   []string
	timeout time.Duration
	opts    Options
	fs      afero.Fs
	logger  *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	restore func()
}

func New(hosts []Host, fs afero.Fs, opts Options, logger *zap.Logger) *Shell {
	if opts.Prompt == "" {
		opts.Prompt = DefaultPrompt
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	s := &Shell{
		hosts:   make(map[string]Host, len(hosts)),
		timeout: opts.Timeout,
		opts:    opts,
		fs:      fs,
		logger:  logger,
	}
	for _, h := range hosts {
		s.hosts[h.Name()] = h
		s.names = append(s.names, h.Name())
	}
	sort.Strings(s.names)
	return s
}

// Run reads lines from in until exit, end of input or ctx is done. A
// terminal gets line editing and tab completion; anything else is read line
// by line. SIGINT cancels the running command.
func (s *Shell) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sigCh:
				s.Interrupt()
			case <-done:
				return
			}
		}
	}()

	fmt.Fprintln(out, "Entering mini CLI. Type 'exit' to quit.")
	defer fmt.Fprintln(out, "Exiting CLI...")

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return s.runTerminal(ctx, f, out)
	}
	return s.runLines(ctx, in, out)
}

func (s *Shell) runLines(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, s.opts.Prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		if s.handle(ctx, scanner.Text(), out) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Shell) runTerminal(ctx context.Context, f *os.File, out io.Writer) error {
	fd := int(f.Fd())
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{f, out}, s.opts.Prompt)
	t.AutoCompleteCallback = s.autoComplete

	for {
		// Raw mode only while editing, so Ctrl-C during a command still
		// raises SIGINT.
		state, err := term.MakeRaw(fd)
		if err != nil {
			return errors.Wrap(err, "failed to set terminal raw mode")
		}
		s.setRestore(func() {
			if err := term.Restore(fd, state); err != nil {
				s.logger.Warn("failed to restore terminal", zap.Error(err))
			}
		})
		line, readErr := t.ReadLine()
		s.Close()
		if readErr != nil {
			fmt.Fprintln(out)
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return errors.Wrap(readErr, "failed to read line")
		}
		if s.handle(ctx, line, out) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Shell) setRestore(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restore = fn
}

// Close puts the terminal back into the mode it had before the prompt took
// it over. It is safe to call from another goroutine while Run is blocked
// reading input.
func (s *Shell) Close() {
	s.mu.Lock()
	restore := s.restore
	s.restore = nil
	s.mu.Unlock()
	if restore != nil {
		restore()
	}
}

// Interrupt cancels the running command, if any, and reports whether there
// was one.
func (s *Shell) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel(platform.ErrInterrupted)
	return true
}

func (s *Shell) commandContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	return ctx, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel(nil)
	}
}

// handle executes one line and reports whether the prompt should exit.
func (s *Shell) handle(ctx context.Context, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	s.appendHistory(line)

	switch line {
	case "exit", "quit":
		return true
	case "help":
		s.printHelp(out)
		return false
	case "nodes":
		fmt.Fprintln(out, "Available nodes:")
		for _, name := range s.names {
			fmt.Fprintf(out, "  - %s\n", name)
		}
		return false
	}

	target, command, found := strings.Cut(line, " ")
	command = strings.TrimSpace(command)
	switch {
	case target == "timeout":
		s.setTimeout(command, out)
	case !found || command == "":
		fmt.Fprintln(out, "Usage: <node|all> <command>")
	case target == "mounts":
		s.showMounts(ctx, command, out)
	case target == allHosts:
		s.runAll(ctx, command, out)
	default:
		s.runOne(ctx, target, command, out)
	}
	return false
}

func (s *Shell) setTimeout(arg string, out io.Writer) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		fmt.Fprintln(out, "Usage: timeout <seconds>")
		return
	}
	s.timeout = time.Duration(n) * time.Second
	fmt.Fprintf(out, "Default timeout set to %ds\n", n)
}

func (s *Shell) timeoutLabel() string {
	return fmt.Sprintf("%ds", int(s.timeout/time.Second))
}

func (s *Shell) runOne(ctx context.Context, name, command string, out io.Writer) {
	h, ok := s.hosts[name]
	if !ok {
		fmt.Fprintf(out, "Unknown node: %s\n", name)
		fmt.Fprintf(out, "Available nodes: %s\n", strings.Join(s.names, ", "))
		return
	}

	cctx, release := s.commandContext(ctx)
	defer release()
	status, err := h.CmdStream(cctx, command, s.timeout, out)
	switch {
	case status == platform.StatusTimedOut:
		fmt.Fprintf(out, "\n[timeout] Command timed out after %s\n", s.timeoutLabel())
	case status == platform.StatusInterrupted:
		fmt.Fprintln(out, "\n[interrupted] Stopping command...")
	case err != nil:
		s.logger.Warn("command failed", zap.String("host", name), zap.Error(err))
		fmt.Fprintf(out, "[%s] error: %v\n", name, err)
	case status != 0:
		fmt.Fprintf(out, "[exit code: %d]\n", status)
	}
}

// runAll runs command on every host in name order, printing each host's
// output once it completes.
func (s *Shell) runAll(ctx context.Context, command string, out io.Writer) {
	cctx, release := s.commandContext(ctx)
	defer release()
	for _, name := range s.names {
		output, err := s.hosts[name].Cmd(cctx, command, s.timeout)
		switch {
		case errors.Is(err, platform.ErrCommandTimeout):
			fmt.Fprintf(out, "[%s] [TIMEOUT after %s]\n", name, s.timeoutLabel())
		case errors.Is(err, platform.ErrInterrupted) || errors.Is(context.Cause(cctx), platform.ErrInterrupted):
			fmt.Fprintf(out, "\n[%s] Interrupted\n", name)
			return
		case err != nil:
			fmt.Fprintf(out, "[%s] error: %v\n", name, err)
		case output != "":
			fmt.Fprintf(out, "[%s] %s", name, output)
			if !strings.HasSuffix(output, "\n") {
				fmt.Fprintln(out)
			}
		}
	}
}

func (s *Shell) showMounts(ctx context.Context, name string, out io.Writer) {
	h, ok := s.hosts[name]
	if !ok {
		fmt.Fprintf(out, "Unknown node: %s\n", name)
		return
	}
	fmt.Fprintf(out, "[%s] Mount overrides:\n", name)
	overrides := h.Overrides()
	if len(overrides) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for _, e := range overrides {
		fmt.Fprintf(out, "  %s <- %s\n", e.Target, e.Source)
	}
	lines, err := h.MountTable(ctx)
	if err != nil {
		fmt.Fprintf(out, "[%s] error: %v\n", name, err)
		return
	}
	if len(lines) > 0 {
		fmt.Fprintf(out, "[%s] Actual mounts in namespace:\n", name)
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
	}
}

func (s *Shell) printHelp(out io.Writer) {
	t := s.timeoutLabel()
	fmt.Fprintf(out, `Available commands:
  <node> <command>  - Run command on specific node
  all <command>     - Run command on all nodes
  nodes             - List all nodes
  mounts <node>     - Show mount overrides of a node
  timeout <n>       - Set default timeout to n seconds (current: %s)
  exit/quit         - Exit CLI
  help              - Show this help

Notes:
  - Single node commands show output in real-time
  - 'all' commands wait for completion before showing output
  - Commands timeout after %s by default
  - Press Ctrl-C to interrupt a running command
`, t, t)
}

func (s *Shell) appendHistory(line string) {
	if s.opts.HistoryPath == "" {
		return
	}
	f, err := s.fs.OpenFile(s.opts.HistoryPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		s.logger.Debug("failed to open history", zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		s.logger.Debug("failed to write history", zap.Error(err))
	}
}

// Complete returns the host names and builtins starting with prefix.
func (s *Shell) Complete(prefix string) []string {
	var matches []string
	for _, opt := range append(append([]string(nil), s.names...), builtins...) {
		if strings.HasPrefix(opt, prefix) {
			matches = append(matches, opt)
		}
	}
	sort.Strings(matches)
	return matches
}

// autoComplete completes the first word of the line on Tab, up to the
// longest prefix shared by every candidate.
func (s *Shell) autoComplete(line string, pos int, key rune) (string, int, bool) {
	if key != '\t' || strings.Contains(line[:pos], " ") {
		return "", 0, false
	}
	matches := s.Complete(line[:pos])
	if len(matches) == 0 {
		return "", 0, false
	}
	completion := matches[0]
	for _, m := range matches[1:] {
		for !strings.HasPrefix(m, completion) {
			completion = completion[:len(completion)-1]
		}
	}
	if len(matches) == 1 {
		completion += " "
	}
	return completion + line[pos:], len(completion), true
}
