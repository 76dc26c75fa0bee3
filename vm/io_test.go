package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIOArenaRequiresSnapshotBeforeFreeze(t *testing.T) {
	a := newIOArena(2)
	require.False(t, a.hasSnapshotSincePreviousRun())
	a.putSnapshot([]byte("s"))
	require.True(t, a.hasSnapshotSincePreviousRun())
	a.swapAndFreeze()
	require.False(t, a.hasSnapshotSincePreviousRun(), "the flag must reset on freeze, requiring a new snapshot next cycle")
}

func TestIOArenaLastWriteWinsOnDuplicateCompositeKey(t *testing.T) {
	a := newIOArena(4)
	a.putSnapshot([]byte("snap"))
	a.putStream(1, []byte("first"))
	a.putStream(1, []byte("second")) // same (kind,port) key, appended later
	a.swapAndFreeze()

	payload, ok := a.readPort(kindStream, 1, 0)
	require.True(t, ok)
	require.Equal(t, "second", string(payload), "duplicate composite keys must resolve to the later append")
}

func TestIOArenaReadPortMissOnUnwrittenPort(t *testing.T) {
	a := newIOArena(1)
	a.putSnapshot(nil)
	a.swapAndFreeze()
	_, ok := a.readPort(kindStream, 5, 0)
	require.False(t, ok)
}

func TestIOArenaDistinguishesEventAuxFromPort(t *testing.T) {
	a := newIOArena(1)
	a.putSnapshot(nil)
	a.putEvent(2, 10, []byte("a"))
	a.putEvent(2, 11, []byte("b"))
	a.swapAndFreeze()

	pa, ok := a.readPort(kindEvent, 2, 10)
	require.True(t, ok)
	require.Equal(t, "a", string(pa))

	pb, ok := a.readPort(kindEvent, 2, 11)
	require.True(t, ok)
	require.Equal(t, "b", string(pb))
}

func TestIOArenaTouchedBitmapResetsEachIteration(t *testing.T) {
	a := newIOArena(3)
	a.markTouched(1)
	require.True(t, a.isTouched(1))
	require.False(t, a.isTouched(0))

	a.putSnapshot(nil)
	a.swapAndFreeze()
	require.False(t, a.isTouched(1), "the touched bitmap must clear on every freeze")
}

func TestIOArenaMarkTouchedOutOfRangeIsANoop(t *testing.T) {
	a := newIOArena(1)
	require.NotPanics(t, func() { a.markTouched(50) })
	require.False(t, a.isTouched(50))
}
