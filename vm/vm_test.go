package vm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func int32ToBytesLE(v int32) []byte {
	b := make([]byte, 4)
	uint32ToBytes(uint32(v), b)
	return b
}

func uint16ToBytesLE(v uint16) []byte {
	b := make([]byte, 2)
	uint16ToBytes(v, b)
	return b
}

// buildAccumulatorImage hand-assembles a minimal program image modelled on
// spec.md's Scenario A: a single cart-I/O Int32 static that the entry method
// increments by one on every call (rather than adding the iteration number).
// No classes beyond the (fieldless) root, no virt table, no locals.
//
//	void Entry(ReferenceID this, Int32 iteration) {
//	    cartCounter = cartCounter + 1;
//	}
func buildAccumulatorImage(t *testing.T) []byte {
	t.Helper()

	var programDesc []byte
	programDesc = append(programDesc, uint16ToBytesLE(1)...)       // cart_io_count
	programDesc = append(programDesc, int32ToBytesLE(0)...)        // cart_io_offsets[0] = byte 0 of statics region
	programDesc = append(programDesc, uint16ToBytesLE(1)...)       // class_count
	programDesc = append(programDesc, uint16ToBytesLE(0)...)       // class 0 TotalSize
	programDesc = append(programDesc, byte(0))                     // class 0 FieldCount
	programDesc = append(programDesc, int32ToBytesLE(0)...)        // class 0 LayoutOffset

	var methodMeta []byte
	methodMeta = append(methodMeta, byte(0))                              // ReturnType (unused for void entry)
	methodMeta = append(methodMeta, uint16ToBytesLE(uint16(int16(-1)))...) // ReturnClass
	methodMeta = append(methodMeta, uint16ToBytesLE(2)...)                // nArgs
	methodMeta = append(methodMeta, byte(ReferenceID))
	methodMeta = append(methodMeta, uint16ToBytesLE(0)...)
	methodMeta = append(methodMeta, byte(Int32))
	methodMeta = append(methodMeta, uint16ToBytesLE(0)...)
	methodMeta = append(methodMeta, uint16ToBytesLE(0)...) // nVars
	methodMeta = append(methodMeta, int32ToBytesLE(2)...)  // MaxStack

	var code []byte
	code = append(code, byte(Ldsfld))
	code = append(code, int32ToBytesLE(0)...)
	code = append(code, byte(LdcI4))
	code = append(code, int32ToBytesLE(1)...)
	code = append(code, byte(Add))
	code = append(code, byte(Stsfld))
	code = append(code, int32ToBytesLE(0)...)
	code = append(code, byte(Ret))

	metaOffset := int32(2 + 8) // methodCount(2) + one index entry(8)
	codeOffset := metaOffset + int32(len(methodMeta))

	var codeChunk []byte
	codeChunk = append(codeChunk, uint16ToBytesLE(1)...) // method_count
	codeChunk = append(codeChunk, int32ToBytesLE(metaOffset)...)
	codeChunk = append(codeChunk, int32ToBytesLE(codeOffset)...)
	codeChunk = append(codeChunk, methodMeta...)
	codeChunk = append(codeChunk, code...)

	var staticsDesc []byte
	staticsDesc = append(staticsDesc, uint16ToBytesLE(1)...)
	staticsDesc = append(staticsDesc, byte(Int32))
	staticsDesc = append(staticsDesc, uint16ToBytesLE(uint16(int16(-1)))...)

	var meta []byte
	meta = append(meta, int32ToBytesLE(1000)...)                   // OperationIntervalUs
	meta = append(meta, int32ToBytesLE(0)...)                      // EntryMethodOffset: method id 0
	meta = append(meta, int32ToBytesLE(int32(len(programDesc)))...)
	meta = append(meta, int32ToBytesLE(int32(len(codeChunk)))...)
	meta = append(meta, int32ToBytesLE(0)...) // VirtChunkSize
	meta = append(meta, int32ToBytesLE(int32(len(staticsDesc)))...)
	meta = append(meta, int32ToBytesLE(0)...) // RootClassID

	raw := make([]byte, 0, len(meta)+len(programDesc)+len(codeChunk)+len(staticsDesc))
	raw = append(raw, meta...)
	raw = append(raw, programDesc...)
	raw = append(raw, codeChunk...)
	raw = append(raw, staticsDesc...)
	return raw
}

func newAccumulatorVM(t *testing.T) *VM {
	t.Helper()
	vm := NewVM(4096, NopCallbacks{}, zap.NewNop())
	interval, err := vm.SetProgram(buildAccumulatorImage(t))
	require.NoError(t, err)
	require.Equal(t, 1000*time.Microsecond, interval)
	return vm
}

func TestRunWithoutSnapshotIsRejected(t *testing.T) {
	vm := newAccumulatorVM(t)
	_, err := vm.Run(1)
	require.ErrorIs(t, err, errRunWithoutSnapshot)
}

func TestRunExecutesEntryAndUploadsTouchedCartIO(t *testing.T) {
	vm := newAccumulatorVM(t)

	vm.PutSnapshotBuffer([]byte{})
	result, err := vm.Run(1)
	require.NoError(t, err)
	require.Equal(t, 1, result.Iteration)

	lower, err := vm.GetLowerMemory()
	require.NoError(t, err)

	n, err := vm.GetLowerMemorySize()
	require.NoError(t, err)
	require.Equal(t, len(lower), n)

	require.Equal(t, int32(1), int32FromBytes(lower[0:4]), "iteration header")
	require.Equal(t, uint16(0), uint16FromBytes(lower[4:6]), "cart id")
	require.Equal(t, byte(Int32), lower[6], "type tag")
	require.Equal(t, int32(1), int32FromBytes(lower[7:11]), "accumulated value after one tick")
}

func TestRunAccumulatesAcrossIterationsDeterministically(t *testing.T) {
	vm := newAccumulatorVM(t)

	for i := 1; i <= 3; i++ {
		vm.PutSnapshotBuffer([]byte{})
		_, err := vm.Run(i)
		require.NoError(t, err)
	}
	lower, err := vm.GetLowerMemory()
	require.NoError(t, err)
	require.Equal(t, int32(3), int32FromBytes(lower[7:11]))

	// Determinism: replaying the identical program from scratch with the
	// identical input sequence reaches the identical state.
	replay := newAccumulatorVM(t)
	for i := 1; i <= 3; i++ {
		replay.PutSnapshotBuffer([]byte{})
		_, err := replay.Run(i)
		require.NoError(t, err)
	}
	replayLower, err := replay.GetLowerMemory()
	require.NoError(t, err)
	require.Equal(t, lower, replayLower)
}

func TestPutUpperMemorySeedsCartIOWithoutMarkingTouched(t *testing.T) {
	vm := newAccumulatorVM(t)

	var upper []byte
	upper = append(upper, int32ToBytesLE(0)...) // iteration header, unused here
	upper = append(upper, uint16ToBytesLE(0)...) // cart id 0
	upper = append(upper, byte(Int32))
	upper = append(upper, int32ToBytesLE(41)...)
	require.NoError(t, vm.PutUpperMemory(upper))

	lower, err := vm.GetLowerMemory()
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, lower, "seeding via put_upper_memory alone must not mark the slot touched")

	vm.PutSnapshotBuffer([]byte{})
	_, err = vm.Run(1)
	require.NoError(t, err)

	lower, err = vm.GetLowerMemory()
	require.NoError(t, err)
	require.Equal(t, int32(42), int32FromBytes(lower[7:11]), "entry method increments the seeded value by one")
}

func TestRunStalledWhenNoNewCyclicIOArrived(t *testing.T) {
	vm := newAccumulatorVM(t)

	vm.PutSnapshotBuffer([]byte("x"))
	first, err := vm.Run(1)
	require.NoError(t, err)
	require.False(t, first.Stalled)

	vm.PutSnapshotBuffer([]byte("x"))
	second, err := vm.Run(2)
	require.NoError(t, err)
	require.True(t, second.Stalled, "identical processing-buffer signature across iterations should surface as stalled")
}
