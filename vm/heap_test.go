package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testImageTwoClasses() *Image {
	return &Image{
		Classes: []ClassDesc{
			{ // class 0: Node { ReferenceID next; Int32 value; }
				TotalSize: 8,
				Fields: []FieldDesc{
					{TypeCode: ReferenceID, Offset: 0, Aux: -1},
					{TypeCode: Int32, Offset: 4, Aux: -1},
				},
			},
			{ // class 1: Leaf { Int32 value; } -- no reference fields
				TotalSize: 4,
				Fields: []FieldDesc{
					{TypeCode: Int32, Offset: 0, Aux: -1},
				},
			},
		},
	}
}

func TestHeapNewObjectZeroesPayloadAndAssignsSequentialIDs(t *testing.T) {
	img := testImageTwoClasses()
	h := NewHeap(make([]byte, 4096))

	id1, err := h.NewObject(img, 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id1)

	id2, err := h.NewObject(img, 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(2), id2)

	classID, err := h.ObjectClassID(id1)
	require.NoError(t, err)
	require.Equal(t, uint16(1), classID)

	fOff, err := h.ObjectFieldOffset(id1, 0)
	require.NoError(t, err)
	require.Equal(t, int32(0), int32FromBytes(h.mem[fOff:]))
}

func TestHeapNewObjectEagerlyInstantiatesReferenceFields(t *testing.T) {
	img := &Image{
		Classes: []ClassDesc{
			{
				TotalSize: 4,
				Fields: []FieldDesc{
					{TypeCode: ReferenceID, Offset: 0, Aux: 1}, // eagerly new()'s class 1
				},
			},
			{TotalSize: 0},
		},
	}
	h := NewHeap(make([]byte, 4096))

	id, err := h.NewObject(img, 0, 0)
	require.NoError(t, err)

	fOff, err := h.ObjectFieldOffset(id, 0)
	require.NoError(t, err)
	nested := uint32FromBytes(h.mem[fOff:])
	require.NotZero(t, nested, "reference field with Aux >= 0 must be eagerly default-constructed")

	nestedClass, err := h.ObjectClassID(nested)
	require.NoError(t, err)
	require.Equal(t, uint16(1), nestedClass)
}

func TestHeapAllocRefusesToCrossBoundary(t *testing.T) {
	img := testImageTwoClasses()
	h := NewHeap(make([]byte, 16))

	// class 1 needs 3(header) + 4(payload) = 7 bytes; boundary at 12 leaves
	// only [12,16) = 4 bytes usable.
	_, err := h.NewObject(img, 1, 12)
	require.ErrorIs(t, err, errHeapExhausted)
}

func TestHeapNewArrayAndElemOffset(t *testing.T) {
	h := NewHeap(make([]byte, 4096))
	id, err := h.NewArray(Int32, 3, 0)
	require.NoError(t, err)

	elemType, length, _, err := h.ArrayInfo(id)
	require.NoError(t, err)
	require.Equal(t, Int32, elemType)
	require.Equal(t, int32(3), length)

	off, et, err := h.ArrayElemOffset(id, 1)
	require.NoError(t, err)
	require.Equal(t, Int32, et)
	uint32ToBytes(42, h.mem[off:off+4])

	off0, _, err := h.ArrayElemOffset(id, 0)
	require.NoError(t, err)
	require.Zero(t, int32FromBytes(h.mem[off0:]))

	_, _, err = h.ArrayElemOffset(id, 3)
	require.ErrorIs(t, err, errArrayBounds)
}

func TestHeapNewStringRoundTrip(t *testing.T) {
	h := NewHeap(make([]byte, 4096))
	id, err := h.NewString([]byte("hello"), 0)
	require.NoError(t, err)

	b, err := h.StringBytes(id)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))
}

func TestHeapNewObjectFromBytesSkipsEagerInit(t *testing.T) {
	img := &Image{
		Classes: []ClassDesc{
			{TotalSize: 4, Fields: []FieldDesc{{TypeCode: Int32, Offset: 0, Aux: -1}}},
		},
	}
	h := NewHeap(make([]byte, 4096))
	var content [4]byte
	uint32ToBytes(99, content[:])

	id, err := h.NewObjectFromBytes(img, 0, content[:], 0)
	require.NoError(t, err)

	classID, err := h.ObjectClassID(id)
	require.NoError(t, err)
	require.Equal(t, uint16(0), classID)

	fOff, err := h.ObjectFieldOffset(id, 0)
	require.NoError(t, err)
	require.Equal(t, int32(99), int32FromBytes(h.mem[fOff:]))
}
