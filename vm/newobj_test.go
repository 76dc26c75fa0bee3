package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// TestNewobjPassesConstructorArgumentsWithoutStackCorruption drives Newobj
// through real bytecode dispatch (execFrame), not a direct assignVal call,
// for a class whose constructor declares a parameter. Before the fix,
// Newobj pushed the new id on top of the caller-supplied ctor args and
// reused invokeMethod's Call/Callvirt convention (args then this); that
// shifted every argument by one slot. Ground truth for the side-channel
// convention: original_source/MCURuntime/mcu_runtime.c's vm_push_stack.
func TestNewobjPassesConstructorArgumentsWithoutStackCorruption(t *testing.T) {
	img := &Image{
		Classes: []ClassDesc{{TotalSize: 0}},
		Methods: []MethodDesc{
			{ // ctor(Int32 v) { this.static0 = v; }
				ArgTypes: []FieldDesc{{TypeCode: Int32}},
				MaxStack: 1,
				Code: append(append(
					[]byte{byte(Ldarg)}, int32ToBytesLE(0)...),
					append([]byte{byte(Stsfld)}, int32ToBytesLE(0)...)...,
				),
			},
		},
		Statics: []StaticDesc{{TypeCode: Int32}, {TypeCode: ReferenceID}},
	}
	img.Methods[0].Code = append(img.Methods[0].Code, byte(Ret))

	testVM := &VM{
		image:     img,
		heap:      NewHeap(make([]byte, 4096)),
		logger:    zap.NewNop(),
		callbacks: NopCallbacks{},
		statics:   make([]Slot, 2),
	}
	testVM.statics[0] = SlotInt32(0)
	testVM.statics[1] = SlotReferenceID(0)

	main := []byte{}
	main = append(main, byte(LdcI4))
	main = append(main, int32ToBytesLE(42)...)
	main = append(main, byte(Newobj))
	main = append(main, int32ToBytesLE(0)...) // class id
	main = append(main, int32ToBytesLE(0)...) // method id
	main = append(main, byte(Stsfld))
	main = append(main, int32ToBytesLE(1)...)
	main = append(main, byte(Ret))

	fr := &Frame{Code: main, Eval: make([]Slot, 4), MaxStack: 4}
	require.NoError(t, testVM.execFrame(fr))

	require.Equal(t, int32(42), testVM.statics[0].AsInt32(),
		"constructor must observe its own argument, not a corrupted stack slot")

	id := testVM.statics[1].AsReferenceID()
	require.NotZero(t, id)
	classID, err := testVM.heap.ObjectClassID(id)
	require.NoError(t, err)
	require.Equal(t, uint16(0), classID)
}
