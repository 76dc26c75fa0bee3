package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// BuiltinFunc is the native-function convention used by every entry of the
// built-in dispatch table: pop typed arguments off fr in reverse, optionally
// push one typed result, then return. vm gives access to the heap, image,
// I/O arena and host callbacks.
type BuiltinFunc func(vm *VM, fr *Frame) error

const builtinTableCapacity = 256

// Built-in dispatch table indices. This ordering is a stable part of the
// ABI (program images reference builtins by index) -- append-only.
const (
	BiMathAbs = iota
	BiMathMin
	BiMathMax

	BiStringFormat
	BiStringConcat
	BiStringSubstring
	BiStringGetLength

	BiBooleanToString
	BiInt16ToString
	BiInt32ToString
	BiSingleToString

	BiBitConverterGetBytesBoolean
	BiBitConverterGetBytesInt16
	BiBitConverterGetBytesUInt16
	BiBitConverterGetBytesInt32
	BiBitConverterGetBytesUInt32
	BiBitConverterGetBytesSingle
	BiBitConverterGetBytesChar

	BiBitConverterToBoolean
	BiBitConverterToInt16
	BiBitConverterToUInt16
	BiBitConverterToInt32
	BiBitConverterToUInt32
	BiBitConverterToSingle
	BiBitConverterToChar

	BiReadSnapshot
	BiReadStream
	BiReadEvent
	BiWriteStream
	BiWriteEvent

	BiValueTupleCtor2
	BiRuntimeHelpersInitializeArray

	BiDelegateCtorAction
	BiDelegateCtorAction1
	BiDelegateCtorAction2
	BiDelegateCtorAction3
	BiDelegateCtorAction4
	BiDelegateCtorAction5
	BiDelegateCtorFunc1
	BiDelegateCtorFunc2
	BiDelegateCtorFunc3
	BiDelegateCtorFunc4
	BiDelegateCtorFunc5
	BiDelegateCtorFunc6
	BiDelegateInvoke

	BiConsoleWriteLine

	numBuiltins
)

// delegateVariant returns the 0xf000+variant class id for a delegate
// constructor built-in index, per §4.6.
func delegateVariant(biIndex int) (uint16, bool) {
	switch biIndex {
	case BiDelegateCtorAction:
		return delegateClassBase + 0, true
	case BiDelegateCtorAction1:
		return delegateClassBase + 1, true
	case BiDelegateCtorAction2:
		return delegateClassBase + 2, true
	case BiDelegateCtorAction3:
		return delegateClassBase + 3, true
	case BiDelegateCtorAction4:
		return delegateClassBase + 4, true
	case BiDelegateCtorAction5:
		return delegateClassBase + 5, true
	case BiDelegateCtorFunc1:
		return delegateClassBase + 6, true
	case BiDelegateCtorFunc2:
		return delegateClassBase + 7, true
	case BiDelegateCtorFunc3:
		return delegateClassBase + 8, true
	case BiDelegateCtorFunc4:
		return delegateClassBase + 9, true
	case BiDelegateCtorFunc5:
		return delegateClassBase + 10, true
	case BiDelegateCtorFunc6:
		return delegateClassBase + 11, true
	default:
		return 0, false
	}
}

func registerBuiltins() [builtinTableCapacity]BuiltinFunc {
	var t [builtinTableCapacity]BuiltinFunc

	t[BiMathAbs] = func(vm *VM, fr *Frame) error {
		v, err := popI32(fr)
		if err != nil {
			return err
		}
		if v < 0 {
			v = -v
		}
		return fr.push(SlotInt32(v))
	}
	t[BiMathMin] = func(vm *VM, fr *Frame) error {
		b, err := popI32(fr)
		if err != nil {
			return err
		}
		a, err := popI32(fr)
		if err != nil {
			return err
		}
		if a < b {
			return fr.push(SlotInt32(a))
		}
		return fr.push(SlotInt32(b))
	}
	t[BiMathMax] = func(vm *VM, fr *Frame) error {
		b, err := popI32(fr)
		if err != nil {
			return err
		}
		a, err := popI32(fr)
		if err != nil {
			return err
		}
		if a > b {
			return fr.push(SlotInt32(a))
		}
		return fr.push(SlotInt32(b))
	}

	t[BiStringFormat] = biStringFormat
	t[BiStringConcat] = biStringConcat
	t[BiStringSubstring] = biStringSubstring
	t[BiStringGetLength] = biStringGetLength

	t[BiBooleanToString] = func(vm *VM, fr *Frame) error {
		s, err := fr.pop()
		if err != nil {
			return err
		}
		return vm.pushNewString(fr, []byte(strconv.FormatBool(s.AsBoolean())))
	}
	t[BiInt16ToString] = func(vm *VM, fr *Frame) error {
		s, err := fr.pop()
		if err != nil {
			return err
		}
		return vm.pushNewString(fr, []byte(strconv.FormatInt(int64(int16(s.AsUInt32())), 10)))
	}
	t[BiInt32ToString] = func(vm *VM, fr *Frame) error {
		v, err := popI32(fr)
		if err != nil {
			return err
		}
		return vm.pushNewString(fr, []byte(strconv.FormatInt(int64(v), 10)))
	}
	t[BiSingleToString] = func(vm *VM, fr *Frame) error {
		s, err := fr.pop()
		if err != nil {
			return err
		}
		return vm.pushNewString(fr, []byte(formatSingle(s.AsSingle())))
	}

	t[BiBitConverterGetBytesBoolean] = bcGetBytes(1, func(s Slot, b []byte) { b[0] = s[1] })
	t[BiBitConverterGetBytesInt16] = bcGetBytes(2, func(s Slot, b []byte) { copy(b, s[1:3]) })
	t[BiBitConverterGetBytesUInt16] = bcGetBytes(2, func(s Slot, b []byte) { copy(b, s[1:3]) })
	t[BiBitConverterGetBytesInt32] = bcGetBytes(4, func(s Slot, b []byte) { copy(b, s[1:5]) })
	t[BiBitConverterGetBytesUInt32] = bcGetBytes(4, func(s Slot, b []byte) { copy(b, s[1:5]) })
	t[BiBitConverterGetBytesSingle] = bcGetBytes(4, func(s Slot, b []byte) { copy(b, s[1:5]) })
	t[BiBitConverterGetBytesChar] = bcGetBytes(2, func(s Slot, b []byte) { copy(b, s[1:3]) })

	t[BiBitConverterToBoolean] = bcToX(func(b []byte) Slot { return SlotBoolean(b[0] != 0) })
	t[BiBitConverterToInt16] = bcToX(func(b []byte) Slot { return NewSlot(Int16, b[0], b[1]) })
	t[BiBitConverterToUInt16] = bcToX(func(b []byte) Slot { return NewSlot(UInt16, b[0], b[1]) })
	t[BiBitConverterToInt32] = bcToX(func(b []byte) Slot { return SlotInt32(int32FromBytes(b)) })
	t[BiBitConverterToUInt32] = bcToX(func(b []byte) Slot { return SlotUInt32(uint32FromBytes(b)) })
	t[BiBitConverterToSingle] = bcToX(func(b []byte) Slot { return SlotSingle(float32FromBytes(b)) })
	t[BiBitConverterToChar] = bcToX(func(b []byte) Slot { return NewSlot(Char, b[0], b[1]) })

	t[BiReadSnapshot] = biReadPort(kindSnapshot)
	t[BiReadStream] = biReadPort(kindStream)
	t[BiReadEvent] = biReadPortEvent
	t[BiWriteStream] = biWriteStream
	t[BiWriteEvent] = biWriteEvent

	t[BiValueTupleCtor2] = biValueTupleCtor2
	t[BiRuntimeHelpersInitializeArray] = biRuntimeHelpersInitializeArray

	for idx := BiDelegateCtorAction; idx <= BiDelegateCtorFunc6; idx++ {
		idx := idx
		t[idx] = biDelegateCtor(idx)
	}
	t[BiDelegateInvoke] = biDelegateInvoke

	t[BiConsoleWriteLine] = func(vm *VM, fr *Frame) error {
		ref, err := popRef(fr)
		if err != nil {
			return err
		}
		if ref == 0 {
			vm.callbacks.PrintLine("")
			return nil
		}
		b, err := vm.heap.StringBytes(ref)
		if err != nil {
			return err
		}
		vm.callbacks.PrintLine(string(b))
		return nil
	}

	return t
}

func popI32(fr *Frame) (int32, error) {
	s, err := fr.pop()
	if err != nil {
		return 0, err
	}
	if !s.Type().IsInteger() {
		return 0, fmt.Errorf("%w: expected integer, got %s", errStackTypeMismatch, s.Type())
	}
	return widenToInt32(s.Type(), s[1:]), nil
}

func popRef(fr *Frame) (uint32, error) {
	s, err := fr.pop()
	if err != nil {
		return 0, err
	}
	if s.Type() != ReferenceID {
		return 0, fmt.Errorf("%w: expected ReferenceID, got %s", errStackTypeMismatch, s.Type())
	}
	return s.AsReferenceID(), nil
}

func (vm *VM) pushNewString(fr *Frame, content []byte) error {
	id, err := vm.heap.NewString(content, vm.heapBoundary())
	if err != nil {
		return err
	}
	return fr.push(SlotReferenceID(id))
}

func formatSingle(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

func bcGetBytes(n int, write func(Slot, []byte)) BuiltinFunc {
	return func(vm *VM, fr *Frame) error {
		s, err := fr.pop()
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		write(s, buf)
		id, err := vm.heap.NewArray(Byte, int32(n), vm.heapBoundary())
		if err != nil {
			return err
		}
		off, _, err := vm.heap.ArrayElemOffset(id, 0)
		if err != nil {
			return err
		}
		copy(vm.heap.mem[off:off+n], buf)
		return fr.push(SlotReferenceID(id))
	}
}

func bcToX(decode func([]byte) Slot) BuiltinFunc {
	return func(vm *VM, fr *Frame) error {
		startIndex, err := popI32(fr)
		if err != nil {
			return err
		}
		ref, err := popRef(fr)
		if err != nil {
			return err
		}
		_, length, payloadOff, err := vm.heap.ArrayInfo(ref)
		if err != nil {
			return err
		}
		if startIndex < 0 || int(startIndex) >= int(length) {
			return fmt.Errorf("%w: BitConverter start index %d", errArrayBounds, startIndex)
		}
		return fr.push(decode(vm.heap.mem[payloadOff+int(startIndex):]))
	}
}

func biStringConcat(vm *VM, fr *Frame) error {
	b, err := popRef(fr)
	if err != nil {
		return err
	}
	a, err := popRef(fr)
	if err != nil {
		return err
	}
	var as, bs []byte
	if a != 0 {
		as, err = vm.heap.StringBytes(a)
		if err != nil {
			return err
		}
	}
	if b != 0 {
		bs, err = vm.heap.StringBytes(b)
		if err != nil {
			return err
		}
	}
	return vm.pushNewString(fr, append(append([]byte{}, as...), bs...))
}

func biStringSubstring(vm *VM, fr *Frame) error {
	length, err := popI32(fr)
	if err != nil {
		return err
	}
	start, err := popI32(fr)
	if err != nil {
		return err
	}
	ref, err := popRef(fr)
	if err != nil {
		return err
	}
	s, err := vm.heap.StringBytes(ref)
	if err != nil {
		return err
	}
	if start < 0 || length < 0 || int(start+length) > len(s) {
		return fmt.Errorf("%w: Substring(%d,%d) on string of length %d", errArrayBounds, start, length, len(s))
	}
	return vm.pushNewString(fr, s[start:start+length])
}

func biStringGetLength(vm *VM, fr *Frame) error {
	ref, err := popRef(fr)
	if err != nil {
		return err
	}
	s, err := vm.heap.StringBytes(ref)
	if err != nil {
		return err
	}
	return fr.push(SlotInt32(int32(len(s))))
}

// biStringFormat implements a minimal "{0}", "{1}" placeholder formatter
// over an array-of-BoxedObject args array, sufficient for the Format round
// trip law and Scenario F. Unknown format specs after ':' are ignored
// (the scenario's expected output is produced by the %g-style ToString
// helpers above).
func biStringFormat(vm *VM, fr *Frame) error {
	argsRef, err := popRef(fr)
	if err != nil {
		return err
	}
	fmtRef, err := popRef(fr)
	if err != nil {
		return err
	}
	fmtBytes, err := vm.heap.StringBytes(fmtRef)
	if err != nil {
		return err
	}

	var args []string
	if argsRef != 0 {
		elemType, length, payloadOff, err := vm.heap.ArrayInfo(argsRef)
		if err != nil {
			return err
		}
		sz := elementSize(elemType)
		for i := int32(0); i < length; i++ {
			off := payloadOff + int(i)*sz
			args = append(args, formatBoxedArg(elemType, vm.heap.mem[off:off+sz]))
		}
	}

	var out strings.Builder
	s := string(fmtBytes)
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				out.WriteByte(s[i])
				continue
			}
			spec := s[i+1 : i+end]
			idxStr := spec
			if c := strings.IndexByte(spec, ':'); c >= 0 {
				idxStr = spec[:c]
			}
			idx, convErr := strconv.Atoi(idxStr)
			if convErr == nil && idx >= 0 && idx < len(args) {
				out.WriteString(args[idx])
			}
			i += end
			continue
		}
		out.WriteByte(s[i])
	}
	return vm.pushNewString(fr, []byte(out.String()))
}

func formatBoxedArg(elemType TypeCode, payload []byte) string {
	if elemType != BoxedObject {
		return ""
	}
	inner := TypeCode(payload[0])
	body := payload[1:]
	switch inner {
	case Int32, UInt32:
		return strconv.FormatInt(int64(int32FromBytes(body)), 10)
	case Single:
		return formatSingle(float32FromBytes(body))
	case Boolean:
		return strconv.FormatBool(body[0] != 0)
	default:
		return ""
	}
}

func biReadPort(kind byte) BuiltinFunc {
	return func(vm *VM, fr *Frame) error {
		port, err := popI32(fr)
		if err != nil {
			return err
		}
		payload, ok := vm.io.readPort(kind, uint16(port), 0)
		if !ok {
			return fr.push(SlotReferenceID(0))
		}
		return vm.pushNewByteArray(fr, payload)
	}
}

func biReadPortEvent(vm *VM, fr *Frame) error {
	event, err := popI32(fr)
	if err != nil {
		return err
	}
	port, err := popI32(fr)
	if err != nil {
		return err
	}
	payload, ok := vm.io.readPort(kindEvent, uint16(port), uint16(event))
	if !ok {
		return fr.push(SlotReferenceID(0))
	}
	return vm.pushNewByteArray(fr, payload)
}

func (vm *VM) pushNewByteArray(fr *Frame, content []byte) error {
	id, err := vm.heap.NewArray(Byte, int32(len(content)), vm.heapBoundary())
	if err != nil {
		return err
	}
	if len(content) > 0 {
		off, _, err := vm.heap.ArrayElemOffset(id, 0)
		if err != nil {
			return err
		}
		copy(vm.heap.mem[off:off+len(content)], content)
	}
	return fr.push(SlotReferenceID(id))
}

func biWriteStream(vm *VM, fr *Frame) error {
	ref, err := popRef(fr)
	if err != nil {
		return err
	}
	port, err := popI32(fr)
	if err != nil {
		return err
	}
	var payload []byte
	if ref != 0 {
		_, length, payloadOff, err := vm.heap.ArrayInfo(ref)
		if err != nil {
			return err
		}
		payload = append(payload, vm.heap.mem[payloadOff:payloadOff+int(length)]...)
	}
	vm.callbacks.WriteStream(uint16(port), payload)
	return nil
}

func biWriteEvent(vm *VM, fr *Frame) error {
	ref, err := popRef(fr)
	if err != nil {
		return err
	}
	event, err := popI32(fr)
	if err != nil {
		return err
	}
	port, err := popI32(fr)
	if err != nil {
		return err
	}
	var payload []byte
	if ref != 0 {
		_, length, payloadOff, err := vm.heap.ArrayInfo(ref)
		if err != nil {
			return err
		}
		payload = append(payload, vm.heap.mem[payloadOff:payloadOff+int(length)]...)
	}
	vm.callbacks.WriteEvent(uint16(port), uint16(event), payload)
	return nil
}

// biValueTupleCtor2 allocates a 2-tuple heap object with a fixed layout of
// two 8-byte slots (mirroring the hard-coded delegate layout convention for
// other "runtime-special" object shapes that don't come from the class
// table).
func biValueTupleCtor2(vm *VM, fr *Frame) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}
	id, off, err := vm.heap.alloc(1+2+16, ObjectHeader, vm.heapBoundary())
	if err != nil {
		return err
	}
	uint16ToBytes(valueTupleClassID, vm.heap.mem[off+1:off+3])
	copy(vm.heap.mem[off+3:off+11], a[:])
	copy(vm.heap.mem[off+11:off+19], b[:])
	return fr.push(SlotReferenceID(id))
}

// biRuntimeHelpersInitializeArray copies a literal data blob (addressed via
// a Metadata-typed operand into the image's data section) into an already
// allocated array's payload, matching RuntimeHelpers.InitializeArray's
// "field-backed initializer" convention.
func biRuntimeHelpersInitializeArray(vm *VM, fr *Frame) error {
	metaSlot, err := fr.pop()
	if err != nil {
		return err
	}
	arrRef, err := popRef(fr)
	if err != nil {
		return err
	}
	if metaSlot.Type() != Metadata {
		return fmt.Errorf("%w: InitializeArray expects Metadata operand", errStackTypeMismatch)
	}
	blobOff := int(metaSlot.AsUInt32())
	elemType, length, payloadOff, err := vm.heap.ArrayInfo(arrRef)
	if err != nil {
		return err
	}
	n := int(length) * elementSize(elemType)
	if blobOff < 0 || blobOff+n > len(vm.image.Raw) {
		return fmt.Errorf("%w: InitializeArray blob out of range", errMalformedImage)
	}
	copy(vm.heap.mem[payloadOff:payloadOff+n], vm.image.Raw[blobOff:blobOff+n])
	return nil
}

// biDelegateCtor pops a MethodPointer (kind must be "custom") and a captured
// instance ReferenceID, then stores them as a 2-field delegate object whose
// class id is 0xf000+variant.
func biDelegateCtor(biIndex int) BuiltinFunc {
	classID, _ := delegateVariant(biIndex)
	return func(vm *VM, fr *Frame) error {
		mp, err := fr.pop()
		if err != nil {
			return err
		}
		if mp.Type() != MethodPointer {
			return fmt.Errorf("%w: delegate ctor expects MethodPointer", errStackTypeMismatch)
		}
		if mp[1] != methodPointerKindCustom {
			return fmt.Errorf("%w: delegate ctor requires a custom method pointer", errStackTypeMismatch)
		}
		methodID := uint16FromBytes(mp[2:4])
		inst, err := popRef(fr)
		if err != nil {
			return err
		}
		id, off, err := vm.heap.alloc(1+2+8, ObjectHeader, vm.heapBoundary())
		if err != nil {
			return err
		}
		uint16ToBytes(classID, vm.heap.mem[off+1:off+3])
		uint32ToBytes(inst, vm.heap.mem[off+3:off+7])
		uint32ToBytes(uint32(methodID), vm.heap.mem[off+7:off+11])
		return fr.push(SlotReferenceID(id))
	}
}

const methodPointerKindCustom byte = 1

// biDelegateInvoke pops the argument values (left on the stack by the
// caller, count carried implicitly by the call site -- this module passes
// a single packed ReferenceID to an args array for variadic invoke
// simplicity), pops the delegate reference, splices the bound instance back
// on as "this", and performs a regular call into the bound method id.
func biDelegateInvoke(vm *VM, fr *Frame) error {
	delegateRef, err := popRef(fr)
	if err != nil {
		return err
	}
	instOff, err := vm.heap.ObjectFieldOffset(delegateRef, 0)
	if err != nil {
		return err
	}
	inst := uint32FromBytes(vm.heap.mem[instOff:])
	methodID := uint32FromBytes(vm.heap.mem[instOff+4:])

	if err := fr.push(SlotReferenceID(inst)); err != nil {
		return err
	}
	return vm.invokeMethod(fr, int(methodID))
}
