package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPagePinUnpinFloorsAtZero(t *testing.T) {
	p := New(16)
	require.Equal(t, uint32(0), p.PinCount())

	p.Unpin()
	require.Equal(t, uint32(0), p.PinCount(), "unpinning an already-unpinned page must not underflow")

	p.Pin()
	p.Pin()
	require.Equal(t, uint32(2), p.PinCount())
	p.Unpin()
	require.Equal(t, uint32(1), p.PinCount())
}

func TestPageResetClearsStateAndData(t *testing.T) {
	p := New(8)
	p.SetID(7)
	p.Pin()
	p.SetDirty(true)
	p.SetData([]byte("deadbeef"))

	p.Reset()

	require.Equal(t, InvalidPageID, p.ID())
	require.Equal(t, uint32(0), p.PinCount())
	require.False(t, p.IsDirty())
	for _, b := range p.Data() {
		require.Equal(t, byte(0), b)
	}
}

func TestPageSetDataCopiesIntoFixedBuffer(t *testing.T) {
	p := New(4)
	p.SetData([]byte("ab"))
	require.Equal(t, []byte{'a', 'b', 0, 0}, p.Data())
}

func TestPageLatchExcludesConcurrentWriters(t *testing.T) {
	p := New(4)
	p.Lock()
	require.False(t, p.TryLock(), "a second exclusive lock must not be acquirable while the first is held")
	p.Unlock()
	require.True(t, p.TryLock())
	p.Unlock()
}
