package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestCleanupRejectsMissingConfig(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"cleanup", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	err := cmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "tilde slash", path: "~/.mmns_history", want: filepath.Join(home, ".mmns_history")},
		{name: "bare tilde", path: "~", want: home},
		{name: "absolute", path: "/var/lib/mmns/history", want: "/var/lib/mmns/history"},
		{name: "tilde user form untouched", path: "~bob/history", want: "~bob/history"},
		{name: "empty", path: "", want: ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, expandHome(tt.path))
		})
	}
}
