package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMock() *Mock {
	return NewMock(Format{Encoding: S16NE, RateHz: 48000, Channels: 2}, 4, 4*4800, 4*96000)
}

func TestMockWriteFillsBuffer(t *testing.T) {
	m := newTestMock()
	n, err := m.Write(func(buf []byte) (int, error) { return len(buf), nil }, 40000)
	require.NoError(t, err)
	require.Equal(t, 40000, n)

	avail, err := m.Avail()
	require.NoError(t, err)
	require.Equal(t, (4*96000-40000)/4, avail)
}

func TestMockWriteRespectsFreeSpace(t *testing.T) {
	m := newTestMock()
	m.Fill(4 * 96000) // full

	n, err := m.Write(func(buf []byte) (int, error) { return len(buf), nil }, 1000)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMockRewindRespectsLimit(t *testing.T) {
	m := newTestMock()
	m.Fill(4000)
	m.SetRewindLimit(500)

	got, err := m.Rewind(1000)
	require.NoError(t, err)
	require.Equal(t, 500, got)
}

func TestMockScriptedError(t *testing.T) {
	m := newTestMock()
	wantErr := errors.New("boom")
	m.SetNextError(wantErr)

	_, err := m.Write(func(buf []byte) (int, error) { return len(buf), nil }, 100)
	require.Equal(t, wantErr, err)

	// Error only fires once.
	n, err := m.Write(func(buf []byte) (int, error) { return len(buf), nil }, 100)
	require.NoError(t, err)
	require.Equal(t, 100, n)
}

func TestMockDrainFreesSpace(t *testing.T) {
	m := newTestMock()
	m.Fill(4000)
	m.Drain(1000)

	avail, err := m.Avail()
	require.NoError(t, err)
	require.Equal(t, (4*96000-3000)/4, avail)
}
