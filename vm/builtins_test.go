package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// builtinsTestVM builds a throwaway VM with the real built-in dispatch table
// installed and just enough heap/image state to exercise native functions
// directly, without parsing a program image or executing bytecode.
func builtinsTestVM(t *testing.T) *VM {
	t.Helper()
	return &VM{
		image:     &Image{},
		heap:      NewHeap(make([]byte, 4096)),
		logger:    zap.NewNop(),
		callbacks: NopCallbacks{},
		builtins:  registerBuiltins(),
	}
}

func callBuiltin(t *testing.T, vm *VM, idx int, fr *Frame) {
	t.Helper()
	require.NoError(t, vm.builtins[idx](vm, fr))
}

// TestBitConverterRoundTrip exercises §8's round-trip law:
// BitConverter.GetBytes(v) then BitConverter.ToX(0) recovers v, for Int32,
// UInt32, Single and Boolean.
func TestBitConverterRoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		getBytes  int
		toX       int
		push      Slot
		wantAfter func(t *testing.T, s Slot)
	}{
		{
			name:     "Int32",
			getBytes: BiBitConverterGetBytesInt32,
			toX:      BiBitConverterToInt32,
			push:     SlotInt32(-12345),
			wantAfter: func(t *testing.T, s Slot) {
				require.Equal(t, int32(-12345), s.AsInt32())
			},
		},
		{
			name:     "UInt32",
			getBytes: BiBitConverterGetBytesUInt32,
			toX:      BiBitConverterToUInt32,
			push:     SlotUInt32(0xdeadbeef),
			wantAfter: func(t *testing.T, s Slot) {
				require.Equal(t, uint32(0xdeadbeef), s.AsUInt32())
			},
		},
		{
			name:     "Single",
			getBytes: BiBitConverterGetBytesSingle,
			toX:      BiBitConverterToSingle,
			push:     SlotSingle(3.5),
			wantAfter: func(t *testing.T, s Slot) {
				require.Equal(t, float32(3.5), s.AsSingle())
			},
		},
		{
			name:     "Boolean",
			getBytes: BiBitConverterGetBytesBoolean,
			toX:      BiBitConverterToBoolean,
			push:     SlotBoolean(true),
			wantAfter: func(t *testing.T, s Slot) {
				require.True(t, s.AsBoolean())
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vm := builtinsTestVM(t)
			fr := &Frame{Eval: make([]Slot, 4)}

			require.NoError(t, fr.push(tc.push))
			callBuiltin(t, vm, tc.getBytes, fr)
			arrRef, err := fr.pop()
			require.NoError(t, err)

			require.NoError(t, fr.push(arrRef))
			require.NoError(t, fr.push(SlotInt32(0)))
			callBuiltin(t, vm, tc.toX, fr)
			got, err := fr.pop()
			require.NoError(t, err)
			tc.wantAfter(t, got)
		})
	}
}

// TestStringFormatProducesScenarioFOutput exercises spec.md §8 Scenario F:
// String.Format("x={0}, y={1}", 3, 4.25f) with an args array of two boxed
// values produces the literal interpolated text.
func TestStringFormatProducesScenarioFOutput(t *testing.T) {
	vm := builtinsTestVM(t)
	fr := &Frame{Eval: make([]Slot, 8)}

	argsRef, err := vm.heap.NewArray(BoxedObject, 2, 0)
	require.NoError(t, err)

	off0, _, err := vm.heap.ArrayElemOffset(argsRef, 0)
	require.NoError(t, err)
	vm.heap.mem[off0] = byte(Int32)
	uint32ToBytes(uint32(3), vm.heap.mem[off0+1:off0+5])

	off1, _, err := vm.heap.ArrayElemOffset(argsRef, 1)
	require.NoError(t, err)
	vm.heap.mem[off1] = byte(Single)
	float32ToBytes(4.25, vm.heap.mem[off1+1:off1+5])

	fmtID, err := vm.heap.NewString([]byte("x={0}, y={1}"), 0)
	require.NoError(t, err)

	require.NoError(t, fr.push(SlotReferenceID(fmtID)))
	require.NoError(t, fr.push(SlotReferenceID(argsRef)))
	callBuiltin(t, vm, BiStringFormat, fr)

	resRef, err := fr.pop()
	require.NoError(t, err)
	out, err := vm.heap.StringBytes(resRef.AsReferenceID())
	require.NoError(t, err)
	require.Equal(t, "x=3, y=4.25", string(out))
}

func TestStringConcatAndSubstringAndLength(t *testing.T) {
	vm := builtinsTestVM(t)
	fr := &Frame{Eval: make([]Slot, 8)}

	a, err := vm.heap.NewString([]byte("hello "), 0)
	require.NoError(t, err)
	b, err := vm.heap.NewString([]byte("world"), 0)
	require.NoError(t, err)

	require.NoError(t, fr.push(SlotReferenceID(a)))
	require.NoError(t, fr.push(SlotReferenceID(b)))
	callBuiltin(t, vm, BiStringConcat, fr)
	concatRef, err := fr.pop()
	require.NoError(t, err)
	out, err := vm.heap.StringBytes(concatRef.AsReferenceID())
	require.NoError(t, err)
	require.Equal(t, "hello world", string(out))

	require.NoError(t, fr.push(concatRef))
	callBuiltin(t, vm, BiStringGetLength, fr)
	lenSlot, err := fr.pop()
	require.NoError(t, err)
	require.Equal(t, int32(len("hello world")), lenSlot.AsInt32())

	require.NoError(t, fr.push(concatRef))
	require.NoError(t, fr.push(SlotInt32(0)))
	require.NoError(t, fr.push(SlotInt32(5)))
	callBuiltin(t, vm, BiStringSubstring, fr)
	subRef, err := fr.pop()
	require.NoError(t, err)
	sub, err := vm.heap.StringBytes(subRef.AsReferenceID())
	require.NoError(t, err)
	require.Equal(t, "hello", string(sub))
}

func TestValueTupleCtorStoresBothFields(t *testing.T) {
	vm := builtinsTestVM(t)
	fr := &Frame{Eval: make([]Slot, 4)}

	require.NoError(t, fr.push(SlotInt32(3)))
	require.NoError(t, fr.push(SlotInt32(4)))
	callBuiltin(t, vm, BiValueTupleCtor2, fr)

	ref, err := fr.pop()
	require.NoError(t, err)
	id := ref.AsReferenceID()
	classID, err := vm.heap.ObjectClassID(id)
	require.NoError(t, err)
	require.Equal(t, valueTupleClassID, classID)

	off, err := vm.heap.ObjectFieldOffset(id, 0)
	require.NoError(t, err)
	require.Equal(t, int32(3), int32FromBytes(vm.heap.mem[off+1:off+5]))
	require.Equal(t, int32(4), int32FromBytes(vm.heap.mem[off+9:off+13]))
}

// TestDelegateCtorAndInvokeRoundTrip exercises spec.md §8 Scenario B's core
// mechanics at the builtin layer: constructing a delegate stores (instance,
// method-id) on a reserved-class-id object, and Invoke splices the instance
// back on as "this" before performing a regular call.
func TestDelegateCtorAndInvokeRoundTrip(t *testing.T) {
	vm := builtinsTestVM(t)
	vm.image.Methods = []MethodDesc{
		{
			MaxStack: 1,
			Code:     []byte{byte(Ret)},
		},
	}
	fr := &Frame{Eval: make([]Slot, 8)}

	var mp Slot
	mp[0] = byte(MethodPointer)
	mp[1] = methodPointerKindCustom
	uint16ToBytes(0, mp[2:4])

	require.NoError(t, fr.push(SlotReferenceID(1))) // captured instance
	require.NoError(t, fr.push(mp))
	callBuiltin(t, vm, BiDelegateCtorAction, fr)

	delegateRef, err := fr.pop()
	require.NoError(t, err)
	id := delegateRef.AsReferenceID()
	classID, err := vm.heap.ObjectClassID(id)
	require.NoError(t, err)
	require.True(t, isDelegateClass(classID))

	require.NoError(t, fr.push(delegateRef))
	require.NoError(t, vm.biDelegateInvokeForTest(fr))
}

// biDelegateInvokeForTest is a thin wrapper so the test above reads as a
// direct call into the dispatch table entry (kept as a method purely to
// avoid re-deriving BiDelegateInvoke's index inline).
func (vm *VM) biDelegateInvokeForTest(fr *Frame) error {
	return vm.builtins[BiDelegateInvoke](vm, fr)
}
