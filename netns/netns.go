// Package netns manages named network namespaces under /var/run/netns.
package netns

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"github.com/vishvananda/netns"
)

type Netns struct{}

func NewNetns() *Netns {
	return &Netns{}
}

// GetFromName opens the namespace called name. The caller closes the
// returned descriptor.
func (f *Netns) GetFromName(name string) (uintptr, error) {
	nsHandle, err := netns.GetFromName(name)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open ns %s", name)
	}
	return uintptr(nsHandle), nil
}

// NewNamed creates a persistent namespace called name. netns.NewNamed moves
// the calling thread into the new namespace, so the thread is pinned and
// switched back before returning.
func (f *Netns) NewNamed(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return errors.Wrap(err, "failed to get current ns handle")
	}
	defer origin.Close()

	created, err := netns.NewNamed(name)
	if err != nil {
		// NewNamed may fail after unsharing.
		_ = netns.Set(origin)
		return errors.Wrapf(err, "failed to create ns %s", name)
	}
	defer created.Close()

	return errors.Wrap(netns.Set(origin), "failed to switch back to origin ns")
}

func (f *Netns) DeleteNamed(name string) error {
	return netns.DeleteNamed(name)
}

func (f *Netns) Exists(name string) (bool, error) {
	handle, err := netns.GetFromName(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, handle.Close()
}

func (f *Netns) Close(fileDescriptor uintptr) error {
	handle := netns.NsHandle(fileDescriptor)
	return handle.Close()
}
