package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const pointClassID = 5

// interpTestVM builds a throwaway VM wired just enough to exercise
// assignVal/autoBox/autoCopyInline directly, without a full program image.
func interpTestVM(arenaSize int) *VM {
	img := &Image{
		Classes: make([]ClassDesc, pointClassID+1),
	}
	img.Classes[pointClassID] = ClassDesc{
		TotalSize: 8, // Int32 X, Int32 Y
		Fields: []FieldDesc{
			{TypeCode: Int32, Offset: 0, Aux: -1},
			{TypeCode: Int32, Offset: 4, Aux: -1},
		},
	}
	return &VM{
		image:     img,
		heap:      NewHeap(make([]byte, arenaSize)),
		logger:    zap.NewNop(),
		callbacks: NopCallbacks{},
	}
}

func pointBytes(x, y int32) []byte {
	b := make([]byte, 8)
	uint32ToBytes(uint32(x), b[0:4])
	uint32ToBytes(uint32(y), b[4:8])
	return b
}

// Scenario C from spec.md §8: assigning an inline (JumpAddress-typed) value
// must copy contents, never alias storage.

func TestAutoCopyInlineDoesNotAliasSource(t *testing.T) {
	vm := interpTestVM(4096)
	fr := &Frame{}
	srcIdx := fr.materializeInline(pointClassID, pointBytes(1, 2))
	dstIdx := fr.materializeInline(pointClassID, pointBytes(0, 0))

	dstSlot := SlotJumpAddress(dstIdx)
	srcSlot := SlotJumpAddress(srcIdx)
	err := vm.assignVal(fr, JumpAddress, dstSlot[1:], JumpAddress, srcSlot[1:])
	require.NoError(t, err)
	require.Equal(t, fr.Inline[srcIdx], fr.Inline[dstIdx])

	// Mutate the source's backing buffer in place; the destination must be
	// unaffected since autoCopyInline must have copied bytes, not aliased
	// the slice.
	fr.Inline[srcIdx][0] = 0xff
	require.NotEqual(t, fr.Inline[srcIdx][0], fr.Inline[dstIdx][0])
}

func TestAutoCopyInlineRejectsClassMismatch(t *testing.T) {
	vm := interpTestVM(4096)
	vm.image.Classes = append(vm.image.Classes, ClassDesc{TotalSize: 8})
	otherClassID := uint16(len(vm.image.Classes) - 1)

	fr := &Frame{}
	srcIdx := fr.materializeInline(otherClassID, pointBytes(1, 2))
	dstIdx := fr.materializeInline(pointClassID, pointBytes(0, 0))

	dstSlot := SlotJumpAddress(dstIdx)
	srcSlot := SlotJumpAddress(srcIdx)
	err := vm.assignVal(fr, JumpAddress, dstSlot[1:], JumpAddress, srcSlot[1:])
	require.ErrorIs(t, err, errCopyValIncompatible)
}

func TestAutoBoxAllocatesIndependentHeapCopy(t *testing.T) {
	vm := interpTestVM(4096)
	fr := &Frame{}
	srcIdx := fr.materializeInline(pointClassID, pointBytes(3, 4))

	var dst [4]byte
	srcSlot := SlotJumpAddress(srcIdx)
	err := vm.assignVal(fr, ReferenceID, dst[:], JumpAddress, srcSlot[1:])
	require.NoError(t, err)

	id := uint32FromBytes(dst[:])
	require.NotZero(t, id)

	classID, err := vm.heap.ObjectClassID(id)
	require.NoError(t, err)
	require.Equal(t, uint16(pointClassID), classID)

	fOff, err := vm.heap.ObjectFieldOffset(id, 0)
	require.NoError(t, err)
	require.Equal(t, int32(3), int32FromBytes(vm.heap.mem[fOff:]))

	// Mutating the frame's inline buffer afterward must not affect the
	// already-boxed heap copy.
	fr.Inline[srcIdx][0] = 0xff
	require.Equal(t, int32(3), int32FromBytes(vm.heap.mem[fOff:]))
}

func TestAutoCopyInlineFromHeapObject(t *testing.T) {
	vm := interpTestVM(4096)
	id, err := vm.heap.NewObject(vm.image, pointClassID, 0)
	require.NoError(t, err)
	fOff, err := vm.heap.ObjectFieldOffset(id, 0)
	require.NoError(t, err)
	copy(vm.heap.mem[fOff:fOff+8], pointBytes(7, 8))

	fr := &Frame{}
	dstIdx := fr.materializeInline(pointClassID, pointBytes(0, 0))
	dstSlot := SlotJumpAddress(dstIdx)

	var src [4]byte
	uint32ToBytes(id, src[:])
	err = vm.assignVal(fr, JumpAddress, dstSlot[1:], ReferenceID, src[:])
	require.NoError(t, err)
	require.Equal(t, pointBytes(7, 8), fr.Inline[dstIdx])
}

func TestAssignValFallsThroughToCopyValForPrimitives(t *testing.T) {
	vm := interpTestVM(4096)
	var dst [4]byte
	srcSlot := SlotInt32(42)
	err := vm.assignVal(&Frame{}, Int32, dst[:4], Int32, srcSlot[1:])
	require.NoError(t, err)
	require.Equal(t, int32(42), int32FromBytes(dst[:]))
}
