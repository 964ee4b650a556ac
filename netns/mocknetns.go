package netns

import (
	"errors"
	"fmt"
	"sync"
)

var ErrorMock = errors.New("mock netns error")

func newErrorMock(errStr string) error {
	return fmt.Errorf("%s: %w", errStr, ErrorMock)
}

// Method selectors for NewMock.
const (
	GetFromName = iota + 1
	NewNamed
	DeleteNamed
	Exists
	Close
)

// MockNetns keeps an in-memory set of namespace names and fails the
// selected method with failMessage.
type MockNetns struct {
	mu          sync.Mutex
	failMethod  int
	failMessage string
	named       map[string]bool
}

func NewMock(failMethod int, failMessage string) *MockNetns {
	return &MockNetns{
		failMethod:  failMethod,
		failMessage: failMessage,
		named:       make(map[string]bool),
	}
}

// GetFromName returns a fake descriptor for an existing namespace.
func (f *MockNetns) GetFromName(name string) (uintptr, error) {
	if f.failMethod == GetFromName {
		return 0, newErrorMock(f.failMessage)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.named[name] {
		return 0, newErrorMock("no such namespace " + name)
	}
	return 1, nil
}

func (f *MockNetns) NewNamed(name string) error {
	if f.failMethod == NewNamed {
		return newErrorMock(f.failMessage)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.named[name] {
		return newErrorMock("file exists")
	}
	f.named[name] = true
	return nil
}

func (f *MockNetns) DeleteNamed(name string) error {
	if f.failMethod == DeleteNamed {
		return newErrorMock(f.failMessage)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.named, name)
	return nil
}

func (f *MockNetns) Exists(name string) (bool, error) {
	if f.failMethod == Exists {
		return false, newErrorMock(f.failMessage)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.named[name], nil
}

func (f *MockNetns) Close(uintptr) error {
	if f.failMethod == Close {
		return newErrorMock(f.failMessage)
	}
	return nil
}
