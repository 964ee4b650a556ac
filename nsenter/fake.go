package nsenter

import (
	"context"
	"io"
	"sync"
)

// Invocation records one call on Fake. AnchorPID is zero for ExecNet.
type Invocation struct {
	Netns     string
	AnchorPID int
	Command   string
	Streamed  bool
}

// Fake is a Service that records invocations instead of entering namespaces.
// Handler, when set, scripts the result; in stream mode the result Output is
// written to the request writer.
type Fake struct {
	mu          sync.Mutex
	invocations []Invocation
	Handler     func(inv Invocation) (Result, error)
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) ExecNet(_ context.Context, netns string, req Request) (Result, error) {
	return f.do(Invocation{Netns: netns, Command: req.Command, Streamed: req.Output != nil}, req.Output)
}

func (f *Fake) ExecNetMount(_ context.Context, anchorPID int, req Request) (Result, error) {
	return f.do(Invocation{AnchorPID: anchorPID, Command: req.Command, Streamed: req.Output != nil}, req.Output)
}

func (f *Fake) do(inv Invocation, w io.Writer) (Result, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	handler := f.Handler
	f.mu.Unlock()

	var (
		res Result
		err error
	)
	if handler != nil {
		res, err = handler(inv)
	}
	if w != nil && res.Output != "" {
		_, _ = io.WriteString(w, res.Output)
		res.Output = ""
	}
	return res, err
}

func (f *Fake) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.invocations...)
}

func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invocations = nil
}
