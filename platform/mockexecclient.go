package platform

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var ErrMockExec = errors.New("mock exec error")

type (
	ExecCommandFunc   func(name string, args ...string) (string, error)
	StreamCommandFunc func(w io.Writer, name string, args ...string) (int, error)
	StartProcessFunc  func(logPath string, name string, args ...string) (Process, error)
)

// SentSignal records one Signal call on the mock.
type SentSignal struct {
	Pid    int
	Signal unix.Signal
}

// MockExecClient is an ExecClient that records invocations. Process liveness
// for Signal is driven by SetAlive.
type MockExecClient struct {
	mu            sync.Mutex
	returnError   bool
	execCommand   ExecCommandFunc
	streamCommand StreamCommandFunc
	startProcess  StartProcessFunc
	alive         map[int]bool
	commands      []string
	signals       []SentSignal
}

func NewMockExecClient(returnError bool) *MockExecClient {
	return &MockExecClient{
		returnError: returnError,
		alive:       make(map[int]bool),
	}
}

func (e *MockExecClient) SetExecCommand(fn ExecCommandFunc)     { e.execCommand = fn }
func (e *MockExecClient) SetStreamCommand(fn StreamCommandFunc) { e.streamCommand = fn }
func (e *MockExecClient) SetStartProcess(fn StartProcessFunc)   { e.startProcess = fn }

// SetAlive marks pid as running or gone for signal 0 probes.
func (e *MockExecClient) SetAlive(pid int, alive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive[pid] = alive
}

// Commands returns every executed, streamed or started command line.
func (e *MockExecClient) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

func (e *MockExecClient) Signals() []SentSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SentSignal(nil), e.signals...)
}

func (e *MockExecClient) record(name string, args []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, strings.TrimSpace(name+" "+strings.Join(args, " ")))
}

func (e *MockExecClient) ExecuteCommand(_ context.Context, name string, args ...string) (string, error) {
	e.record(name, args)
	if e.returnError {
		return "", ErrMockExec
	}
	if e.execCommand != nil {
		return e.execCommand(name, args...)
	}
	return "", nil
}

func (e *MockExecClient) StreamCommand(_ context.Context, w io.Writer, name string, args ...string) (int, error) {
	e.record(name, args)
	if e.returnError {
		return 0, ErrMockExec
	}
	if e.streamCommand != nil {
		return e.streamCommand(w, name, args...)
	}
	return 0, nil
}

func (e *MockExecClient) StartProcess(logPath string, name string, args ...string) (Process, error) {
	e.record(name, args)
	if e.returnError {
		return nil, ErrMockExec
	}
	if e.startProcess != nil {
		return e.startProcess(logPath, name, args...)
	}
	return nil, fmt.Errorf("%w : no start function", ErrMockExec)
}

func (e *MockExecClient) Signal(pid int, sig unix.Signal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, SentSignal{Pid: pid, Signal: sig})
	if !e.alive[pid] {
		return unix.ESRCH
	}
	if sig == unix.SIGTERM || sig == unix.SIGKILL {
		e.alive[pid] = false
	}
	return nil
}

// MockProcess is a Process whose exit is triggered by Exit.
type MockProcess struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{pid: pid, done: make(chan struct{})}
}

func (p *MockProcess) Pid() int              { return p.pid }
func (p *MockProcess) Done() <-chan struct{} { return p.done }

func (p *MockProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *MockProcess) Exit() {
	p.once.Do(func() { close(p.done) })
}
