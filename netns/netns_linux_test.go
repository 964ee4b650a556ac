//go:build linux
// +build linux

package netns

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"
)

func TestCloseReleasesDescriptor(t *testing.T) {
	current, err := netns.Get()
	if err != nil {
		t.Skipf("cannot open own network namespace: %v", err)
	}

	n := NewNetns()
	require.NoError(t, n.Close(uintptr(current)))
}

func TestExistsMissingNamespace(t *testing.T) {
	exists, err := NewNetns().Exists("mmns-missing-ns")
	require.NoError(t, err)
	require.False(t, exists)
}
