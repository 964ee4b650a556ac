package netns

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockNetns(t *testing.T) {
	m := NewMock(0, "")
	require.NoError(t, m.NewNamed("h1"))
	require.ErrorIs(t, m.NewNamed("h1"), ErrorMock)

	exists, err := m.Exists("h1")
	require.NoError(t, err)
	require.True(t, exists)
	fd, err := m.GetFromName("h1")
	require.NoError(t, err)
	require.NoError(t, m.Close(fd))

	require.NoError(t, m.DeleteNamed("h1"))
	exists, err = m.Exists("h1")
	require.NoError(t, err)
	require.False(t, exists)
	_, err = m.GetFromName("h1")
	require.ErrorIs(t, err, ErrorMock)
}

func TestMockNetnsFailMethod(t *testing.T) {
	tests := []struct {
		name       string
		failMethod int
		call       func(m *MockNetns) error
	}{
		{name: "GetFromName", failMethod: GetFromName, call: func(m *MockNetns) error { _, err := m.GetFromName("h1"); return err }},
		{name: "NewNamed", failMethod: NewNamed, call: func(m *MockNetns) error { return m.NewNamed("h2") }},
		{name: "DeleteNamed", failMethod: DeleteNamed, call: func(m *MockNetns) error { return m.DeleteNamed("h1") }},
		{name: "Exists", failMethod: Exists, call: func(m *MockNetns) error { _, err := m.Exists("h1"); return err }},
		{name: "Close", failMethod: Close, call: func(m *MockNetns) error { return m.Close(1) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := NewMock(tt.failMethod, "boom")
			m.named["h1"] = true
			err := tt.call(m)
			require.ErrorIs(t, err, ErrorMock)
			require.Contains(t, err.Error(), "boom")
		})
	}
}
