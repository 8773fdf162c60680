package replacer

import "testing"

import "github.com/stretchr/testify/require"

func TestLRUReplacerVictimOrder(t *testing.T) {
	r := NewLRUReplacer(10)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(3)
	require.Equal(t, 3, r.Size())

	id, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, id)

	id, ok = r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, id)

	require.Equal(t, 1, r.Size())
}

func TestLRUReplacerPinRemovesCandidate(t *testing.T) {
	r := NewLRUReplacer(10)
	r.Unpin(1)
	r.Unpin(2)
	r.Pin(1)

	require.Equal(t, 1, r.Size())
	id, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 2, id)
}

func TestLRUReplacerDuplicateUnpinIsNoop(t *testing.T) {
	r := NewLRUReplacer(10)
	r.Unpin(1)
	r.Unpin(2)
	r.Unpin(1) // already a candidate; must not move to the back

	id, ok := r.Victim()
	require.True(t, ok)
	require.Equal(t, 1, id, "duplicate Unpin must not reorder an existing candidate")
}

func TestLRUReplacerEmptyVictim(t *testing.T) {
	r := NewLRUReplacer(4)
	_, ok := r.Victim()
	require.False(t, ok)
}

func TestLRUReplacerPinUnknownFrameIsNoop(t *testing.T) {
	r := NewLRUReplacer(4)
	r.Pin(99)
	require.Equal(t, 0, r.Size())
}
