package vm

import "fmt"

// Address-slot region tags: which kind of storage an Address-typed value
// points at. arg/local/static addresses carry their index directly;
// materialized addresses carry an index into the owning frame's
// Materialized table (heap field/element locations, resolved eagerly by
// ldflda/ldelema since the runtime never moves heap objects while a frame
// is alive).
const (
	addrKindArg byte = iota
	addrKindLocal
	addrKindStatic
	addrKindMaterialized
)

func newAddrSlot(kind byte, data uint32) Slot {
	var s Slot
	s[0] = byte(Address)
	s[1] = kind
	uint32ToBytes(data, s[2:6])
	return s
}

func readI32(fr *Frame) int32 {
	v := int32FromBytes(fr.Code[fr.PC:])
	fr.PC += 4
	return v
}

func readByte(fr *Frame) byte {
	b := fr.Code[fr.PC]
	fr.PC++
	return b
}

func truthy(v Slot) bool {
	if v.Type() == Single {
		return v.AsSingle() != 0
	}
	return widenToInt32(v.Type(), v[1:]) != 0
}

// compareValues implements both the Cxx comparison opcodes (which push a
// Boolean-valued Int32) and the Bxx conditional branches (which consult the
// same truth table to decide whether to jump).
func compareValues(op Bytecode, a, b Slot) bool {
	if a.Type() == Single || b.Type() == Single {
		af, bf := a.AsSingle(), b.AsSingle()
		switch op {
		case Ceq, Beq:
			return af == bf
		case Cgt, Bgt, CgtUn, BgtUn:
			return af > bf
		case Clt, Blt, CltUn, BltUn:
			return af < bf
		case Bge, BgeUn:
			return af >= bf
		case Ble, BleUn:
			return af <= bf
		}
		return false
	}
	av, bv := widenToInt32(a.Type(), a[1:]), widenToInt32(b.Type(), b[1:])
	switch op {
	case Ceq, Beq:
		return av == bv
	case Cgt, Bgt:
		return av > bv
	case Clt, Blt:
		return av < bv
	case Bge:
		return av >= bv
	case Ble:
		return av <= bv
	case CgtUn, BgtUn:
		return uint32(av) > uint32(bv)
	case CltUn, BltUn:
		return uint32(av) < uint32(bv)
	case BgeUn:
		return uint32(av) >= uint32(bv)
	case BleUn:
		return uint32(av) <= uint32(bv)
	}
	return false
}

func nullCheck(ref uint32) error {
	if ref == 0 {
		return errNullReference
	}
	return nil
}

// assignVal is copyVal with the two heap-aware sentinel cases resolved
// against fr's inline-value-type storage: ReferenceID<-JumpAddress allocates
// a fresh heap copy of the inline struct (auto-box); JumpAddress<-JumpAddress
// or <-ReferenceID memcpy's the struct's contents into the destination's
// existing inline storage (auto-copy). Everything else follows copyVal's
// contract exactly.
func (vm *VM) assignVal(fr *Frame, dstType TypeCode, dst []byte, srcType TypeCode, src []byte) error {
	if dstType == ReferenceID && srcType == JumpAddress {
		return vm.autoBox(fr, dst, src)
	}
	if dstType == JumpAddress && (srcType == JumpAddress || srcType == ReferenceID) {
		return vm.autoCopyInline(fr, dst, srcType, src)
	}
	return copyVal(dstType, dst, srcType, src)
}

// autoBox implements ReferenceID<-JumpAddress: allocate a new heap object of
// the inline value's class and copy its current contents into it.
func (vm *VM) autoBox(fr *Frame, dst []byte, src []byte) error {
	idx := int(uint32FromBytes(src[:4]))
	if idx < 0 || idx >= len(fr.Inline) {
		return fmt.Errorf("%w: bad inline index %d", errGCInvariant, idx)
	}
	id, err := vm.heap.NewObjectFromBytes(vm.image, fr.InlineClass[idx], fr.Inline[idx], vm.heapBoundary())
	if err != nil {
		return err
	}
	uint32ToBytes(id, dst[:4])
	return nil
}

// autoCopyInline implements JumpAddress<-JumpAddress and JumpAddress<-
// ReferenceID: memcpy the source struct's bytes into the destination's
// already-materialized inline buffer. Mismatched class ids are fatal.
func (vm *VM) autoCopyInline(fr *Frame, dst []byte, srcType TypeCode, src []byte) error {
	dstIdx := int(uint32FromBytes(dst[:4]))
	if dstIdx < 0 || dstIdx >= len(fr.Inline) {
		return fmt.Errorf("%w: bad inline index %d", errGCInvariant, dstIdx)
	}
	dstClass := fr.InlineClass[dstIdx]

	var content []byte
	var srcClass uint16
	switch srcType {
	case JumpAddress:
		srcIdx := int(uint32FromBytes(src[:4]))
		if srcIdx < 0 || srcIdx >= len(fr.Inline) {
			return fmt.Errorf("%w: bad inline index %d", errGCInvariant, srcIdx)
		}
		srcClass = fr.InlineClass[srcIdx]
		content = fr.Inline[srcIdx]
	case ReferenceID:
		ref := uint32FromBytes(src[:4])
		if err := nullCheck(ref); err != nil {
			return err
		}
		cid, err := vm.heap.ObjectClassID(ref)
		if err != nil {
			return err
		}
		srcClass = cid
		off, err := vm.heap.ObjectFieldOffset(ref, 0)
		if err != nil {
			return err
		}
		content = vm.heap.mem[off : off+len(fr.Inline[dstIdx])]
	}
	if srcClass != dstClass {
		return fmt.Errorf("%w: JumpAddress class mismatch (dst class %d, src class %d)", errCopyValIncompatible, dstClass, srcClass)
	}
	copy(fr.Inline[dstIdx], content)
	return nil
}

// resolveAddr dereferences an Address-typed slot to the underlying payload
// byte slice (directly aliasing live storage, never a copy) and the
// statically-known type of that storage.
func (vm *VM) resolveAddr(fr *Frame, addr Slot) ([]byte, TypeCode, error) {
	kind := addr[1]
	data := uint32FromBytes(addr[2:6])
	switch kind {
	case addrKindArg:
		i := int(data)
		if i < 0 || i >= len(fr.Args) {
			return nil, 0, fmt.Errorf("%w: arg address %d", errArrayBounds, i)
		}
		return fr.Args[i][1:], fr.ArgTypes[i].TypeCode, nil
	case addrKindLocal:
		i := int(data)
		if i < 0 || i >= len(fr.Locals) {
			return nil, 0, fmt.Errorf("%w: local address %d", errArrayBounds, i)
		}
		return fr.Locals[i][1:], fr.VarTypes[i].TypeCode, nil
	case addrKindStatic:
		i := int(data)
		if i < 0 || i >= len(vm.statics) {
			return nil, 0, fmt.Errorf("%w: static address %d", errArrayBounds, i)
		}
		return vm.statics[i][1:], vm.image.Statics[i].TypeCode, nil
	case addrKindMaterialized:
		i := int(data)
		if i < 0 || i >= len(fr.Materialized) {
			return nil, 0, fmt.Errorf("%w: materialized address %d", errArrayBounds, i)
		}
		m := fr.Materialized[i]
		sz := m.typeCode.PayloadSize()
		return vm.heap.mem[m.memOff : m.memOff+sz], m.typeCode, nil
	default:
		return nil, 0, fmt.Errorf("%w: bad address kind %d", errMalformedImage, kind)
	}
}

// execFrame runs fr's code stream from its current PC until Ret (or the
// code stream runs out, treated as an implicit void return).
func (vm *VM) execFrame(fr *Frame) error {
	for {
		if fr.PC >= len(fr.Code) {
			return nil
		}
		op := Bytecode(fr.Code[fr.PC])
		fr.PC++

		switch op {
		case Nop:

		case LdcI4:
			if err := fr.push(SlotInt32(readI32(fr))); err != nil {
				return err
			}
		case LdcR4:
			raw := fr.Code[fr.PC : fr.PC+4]
			fr.PC += 4
			if err := fr.push(SlotSingle(float32FromBytes(raw))); err != nil {
				return err
			}
		case LdNull:
			if err := fr.push(SlotReferenceID(0)); err != nil {
				return err
			}

		case Ldarg:
			idx := int(readI32(fr))
			if idx < 0 || idx >= len(fr.Args) {
				return fmt.Errorf("%w: arg %d", errArrayBounds, idx)
			}
			if err := fr.push(fr.Args[idx]); err != nil {
				return err
			}
		case Ldloc:
			idx := int(readI32(fr))
			if idx < 0 || idx >= len(fr.Locals) {
				return fmt.Errorf("%w: local %d", errArrayBounds, idx)
			}
			if err := fr.push(fr.Locals[idx]); err != nil {
				return err
			}
		case Ldsfld:
			idx := int(readI32(fr))
			if idx < 0 || idx >= len(vm.statics) {
				return fmt.Errorf("%w: static %d", errArrayBounds, idx)
			}
			if err := fr.push(vm.statics[idx]); err != nil {
				return err
			}
		case Ldfld:
			fieldIdx := int(readI32(fr))
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			if err := nullCheck(ref); err != nil {
				return err
			}
			classID, err := vm.heap.ObjectClassID(ref)
			if err != nil {
				return err
			}
			if fieldIdx < 0 || fieldIdx >= len(vm.image.Classes[classID].Fields) {
				return fmt.Errorf("%w: field %d on class %d", errArrayBounds, fieldIdx, classID)
			}
			field := vm.image.Classes[classID].Fields[fieldIdx]
			fOff, err := vm.heap.ObjectFieldOffset(ref, field.Offset)
			if err != nil {
				return err
			}
			if err := fr.push(NewSlot(field.TypeCode, vm.heap.mem[fOff:fOff+field.TypeCode.PayloadSize()]...)); err != nil {
				return err
			}
		case Ldelem:
			idxV, err := popI32(fr)
			if err != nil {
				return err
			}
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			if err := nullCheck(ref); err != nil {
				return err
			}
			off, elemType, err := vm.heap.ArrayElemOffset(ref, idxV)
			if err != nil {
				return err
			}
			sz := elementSize(elemType)
			if err := fr.push(NewSlot(elemType, vm.heap.mem[off:off+sz]...)); err != nil {
				return err
			}

		case Ldarga:
			idx := uint32(readI32(fr))
			if err := fr.push(newAddrSlot(addrKindArg, idx)); err != nil {
				return err
			}
		case Ldloca:
			idx := uint32(readI32(fr))
			if err := fr.push(newAddrSlot(addrKindLocal, idx)); err != nil {
				return err
			}
		case Ldsflda:
			idx := uint32(readI32(fr))
			if err := fr.push(newAddrSlot(addrKindStatic, idx)); err != nil {
				return err
			}
		case Ldflda:
			fieldIdx := int(readI32(fr))
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			if err := nullCheck(ref); err != nil {
				return err
			}
			classID, err := vm.heap.ObjectClassID(ref)
			if err != nil {
				return err
			}
			if fieldIdx < 0 || fieldIdx >= len(vm.image.Classes[classID].Fields) {
				return fmt.Errorf("%w: field %d on class %d", errArrayBounds, fieldIdx, classID)
			}
			field := vm.image.Classes[classID].Fields[fieldIdx]
			fOff, err := vm.heap.ObjectFieldOffset(ref, field.Offset)
			if err != nil {
				return err
			}
			mIdx := len(fr.Materialized)
			fr.Materialized = append(fr.Materialized, materialized{typeCode: field.TypeCode, memOff: fOff})
			if err := fr.push(newAddrSlot(addrKindMaterialized, uint32(mIdx))); err != nil {
				return err
			}
		case Ldelema:
			idxV, err := popI32(fr)
			if err != nil {
				return err
			}
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			if err := nullCheck(ref); err != nil {
				return err
			}
			off, elemType, err := vm.heap.ArrayElemOffset(ref, idxV)
			if err != nil {
				return err
			}
			mIdx := len(fr.Materialized)
			fr.Materialized = append(fr.Materialized, materialized{typeCode: elemType, memOff: off})
			if err := fr.push(newAddrSlot(addrKindMaterialized, uint32(mIdx))); err != nil {
				return err
			}

		case Starg:
			idx := int(readI32(fr))
			v, err := fr.pop()
			if err != nil {
				return err
			}
			if idx < 0 || idx >= len(fr.Args) {
				return fmt.Errorf("%w: arg %d", errArrayBounds, idx)
			}
			if err := vm.assignVal(fr, fr.ArgTypes[idx].TypeCode, fr.Args[idx][1:], v.Type(), v[1:]); err != nil {
				return err
			}
		case Stloc:
			idx := int(readI32(fr))
			v, err := fr.pop()
			if err != nil {
				return err
			}
			if idx < 0 || idx >= len(fr.Locals) {
				return fmt.Errorf("%w: local %d", errArrayBounds, idx)
			}
			if err := vm.assignVal(fr, fr.VarTypes[idx].TypeCode, fr.Locals[idx][1:], v.Type(), v[1:]); err != nil {
				return err
			}
		case Stsfld:
			idx := int(readI32(fr))
			v, err := fr.pop()
			if err != nil {
				return err
			}
			if idx < 0 || idx >= len(vm.statics) {
				return fmt.Errorf("%w: static %d", errArrayBounds, idx)
			}
			if err := vm.assignVal(fr, vm.image.Statics[idx].TypeCode, vm.statics[idx][1:], v.Type(), v[1:]); err != nil {
				return err
			}
			if cartID, ok := vm.staticIdxToCartID[idx]; ok {
				vm.io.markTouched(cartID)
			}
		case Stfld:
			fieldIdx := int(readI32(fr))
			v, err := fr.pop()
			if err != nil {
				return err
			}
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			if err := nullCheck(ref); err != nil {
				return err
			}
			classID, err := vm.heap.ObjectClassID(ref)
			if err != nil {
				return err
			}
			field := vm.image.Classes[classID].Fields[fieldIdx]
			fOff, err := vm.heap.ObjectFieldOffset(ref, field.Offset)
			if err != nil {
				return err
			}
			sz := field.TypeCode.PayloadSize()
			if err := vm.assignVal(fr, field.TypeCode, vm.heap.mem[fOff:fOff+sz], v.Type(), v[1:]); err != nil {
				return err
			}
		case Stelem:
			v, err := fr.pop()
			if err != nil {
				return err
			}
			idxV, err := popI32(fr)
			if err != nil {
				return err
			}
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			if err := nullCheck(ref); err != nil {
				return err
			}
			off, elemType, err := vm.heap.ArrayElemOffset(ref, idxV)
			if err != nil {
				return err
			}
			sz := elementSize(elemType)
			if err := vm.assignVal(fr, elemType, vm.heap.mem[off:off+sz], v.Type(), v[1:]); err != nil {
				return err
			}

		case Ldind:
			addr, err := fr.pop()
			if err != nil {
				return err
			}
			payload, typeCode, err := vm.resolveAddr(fr, addr)
			if err != nil {
				return err
			}
			if err := fr.push(NewSlot(typeCode, payload...)); err != nil {
				return err
			}
		case Stind:
			v, err := fr.pop()
			if err != nil {
				return err
			}
			addr, err := fr.pop()
			if err != nil {
				return err
			}
			payload, typeCode, err := vm.resolveAddr(fr, addr)
			if err != nil {
				return err
			}
			if err := vm.assignVal(fr, typeCode, payload, v.Type(), v[1:]); err != nil {
				return err
			}

		case Add, Sub, Mul, Div, DivUn, Rem, RemUn, And, Or, Xor, Shl, Shr, ShrUn:
			if err := vm.binArith(fr, op); err != nil {
				return err
			}
		case Neg, Not:
			if err := vm.unArith(fr, op); err != nil {
				return err
			}

		case ConvI1, ConvU1, ConvI2, ConvU2, ConvI4, ConvU4, ConvR4, ConvRUn:
			if err := vm.convert(fr, op); err != nil {
				return err
			}

		case Ceq, Cgt, CgtUn, Clt, CltUn:
			b, err := fr.pop()
			if err != nil {
				return err
			}
			a, err := fr.pop()
			if err != nil {
				return err
			}
			result := int32(0)
			if compareValues(op, a, b) {
				result = 1
			}
			if err := fr.push(SlotInt32(result)); err != nil {
				return err
			}

		case Br:
			target := readI32(fr)
			fr.PC = int(target)
		case Brtrue:
			target := readI32(fr)
			v, err := fr.pop()
			if err != nil {
				return err
			}
			if truthy(v) {
				fr.PC = int(target)
			}
		case Brfalse:
			target := readI32(fr)
			v, err := fr.pop()
			if err != nil {
				return err
			}
			if !truthy(v) {
				fr.PC = int(target)
			}
		case Beq, Bge, Bgt, Ble, Blt, BgeUn, BgtUn, BleUn, BltUn:
			target := readI32(fr)
			b, err := fr.pop()
			if err != nil {
				return err
			}
			a, err := fr.pop()
			if err != nil {
				return err
			}
			if compareValues(op, a, b) {
				fr.PC = int(target)
			}
		case Switch:
			caseCount := int(readI32(fr))
			targets := make([]int32, caseCount)
			for i := range targets {
				targets[i] = readI32(fr)
			}
			selector, err := popI32(fr)
			if err != nil {
				return err
			}
			if selector >= 0 && int(selector) < caseCount {
				fr.PC = int(targets[selector])
			}

		case Newobj:
			classID := uint16(readI32(fr))
			methodID := readI32(fr)
			id, err := vm.heap.NewObject(vm.image, classID, vm.heapBoundary())
			if err != nil {
				return err
			}
			if methodID >= 0 {
				// new_obj_id is a side channel here, never pushed alongside the
				// ctor args already on the stack (unlike Call/Callvirt, where the
				// bytecode itself pushes `this` before the args).
				if err := vm.invokeMethodWithInstance(fr, int(methodID), id); err != nil {
					return err
				}
			}
			if err := fr.push(SlotReferenceID(id)); err != nil {
				return err
			}
		case Newarr:
			elemType := TypeCode(readByte(fr))
			fr.PC += 4 // pad
			length, err := popI32(fr)
			if err != nil {
				return err
			}
			id, err := vm.heap.NewArray(elemType, length, vm.heapBoundary())
			if err != nil {
				return err
			}
			if err := fr.push(SlotReferenceID(id)); err != nil {
				return err
			}
		case Newstr:
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			var content []byte
			if ref != 0 {
				_, length, payloadOff, err := vm.heap.ArrayInfo(ref)
				if err != nil {
					return err
				}
				content = vm.heap.mem[payloadOff : payloadOff+int(length)]
			}
			id, err := vm.heap.NewString(content, vm.heapBoundary())
			if err != nil {
				return err
			}
			if err := fr.push(SlotReferenceID(id)); err != nil {
				return err
			}
		case Ldlen:
			ref, err := popRef(fr)
			if err != nil {
				return err
			}
			if err := nullCheck(ref); err != nil {
				return err
			}
			_, length, _, err := vm.heap.ArrayInfo(ref)
			if err != nil {
				return err
			}
			if err := fr.push(SlotInt32(length)); err != nil {
				return err
			}
		case Initobj:
			addr, err := fr.pop()
			if err != nil {
				return err
			}
			payload, _, err := vm.resolveAddr(fr, addr)
			if err != nil {
				return err
			}
			for i := range payload {
				payload[i] = 0
			}

		case Call:
			methodID := int(readI32(fr))
			if err := vm.invokeMethod(fr, methodID); err != nil {
				return err
			}
		case Callvirt:
			virtIdx := int(readI32(fr))
			if virtIdx < 0 || virtIdx >= len(vm.image.VirtTables) {
				return fmt.Errorf("%w: virt table %d", errBadMethodIndex, virtIdx)
			}
			paramCount := int(vm.image.VirtParamCnt[virtIdx])
			if fr.evalTop-1-paramCount < 0 {
				return fmt.Errorf("%w: callvirt instance missing", errStackTypeMismatch)
			}
			instSlot := fr.Eval[fr.evalTop-1-paramCount]
			inst := instSlot.AsReferenceID()
			if err := nullCheck(inst); err != nil {
				return err
			}
			classID, err := vm.heap.ObjectClassID(inst)
			if err != nil {
				return err
			}
			methodID := -1
			for _, e := range vm.image.VirtTables[virtIdx] {
				if e.ClassID == classID {
					methodID = int(e.MethodID)
					break
				}
			}
			if methodID < 0 {
				return fmt.Errorf("%w: class %d in virt table %d", errVirtualMethodMiss, classID, virtIdx)
			}
			if err := vm.invokeMethod(fr, methodID); err != nil {
				return err
			}
		case CallBuiltin:
			idx := int(readI32(fr))
			if idx < 0 || idx >= builtinTableCapacity || vm.builtins[idx] == nil {
				return fmt.Errorf("%w: builtin %d", errBadMethodIndex, idx)
			}
			if err := vm.builtins[idx](vm, fr); err != nil {
				return err
			}
		case Ldftn:
			methodID := readI32(fr)
			var s Slot
			s[0] = byte(MethodPointer)
			s[1] = methodPointerKindCustom
			uint16ToBytes(uint16(methodID), s[2:4])
			if err := fr.push(s); err != nil {
				return err
			}
		case Ldtoken:
			blobOff := readI32(fr)
			var s Slot
			s[0] = byte(Metadata)
			uint32ToBytes(uint32(blobOff), s[1:5])
			if err := fr.push(s); err != nil {
				return err
			}

		case Dup:
			v, err := fr.peek()
			if err != nil {
				return err
			}
			if err := fr.push(v); err != nil {
				return err
			}
		case Pop:
			if _, err := fr.pop(); err != nil {
				return err
			}
		case Ret:
			return nil

		default:
			return fmt.Errorf("%w: 0x%02x", errUnknownOpcode, byte(op))
		}

		if !fr.evalSound() {
			return fmt.Errorf("%w: evaluation stack pointer out of bounds", errGCInvariant)
		}
	}
}

func (vm *VM) binArith(fr *Frame, op Bytecode) error {
	b, err := fr.pop()
	if err != nil {
		return err
	}
	a, err := fr.pop()
	if err != nil {
		return err
	}

	if a.Type() == Single || b.Type() == Single {
		if a.Type() != Single || b.Type() != Single {
			return fmt.Errorf("%w: mixed Single/integer arithmetic", errStackTypeMismatch)
		}
		af, bf := a.AsSingle(), b.AsSingle()
		var r float32
		switch op {
		case Add:
			r = af + bf
		case Sub:
			r = af - bf
		case Mul:
			r = af * bf
		case Div:
			r = af / bf
		default:
			return fmt.Errorf("%w: %s on Single", errStackTypeMismatch, op)
		}
		return fr.push(SlotSingle(r))
	}

	if !a.Type().IsInteger() || !b.Type().IsInteger() {
		return fmt.Errorf("%w: %s on non-integer operands", errStackTypeMismatch, op)
	}
	resultUnsigned := a.Type() == UInt32 || b.Type() == UInt32
	av, bv := widenToInt32(a.Type(), a[1:]), widenToInt32(b.Type(), b[1:])
	var r int32
	switch op {
	case Add:
		r = av + bv
	case Sub:
		r = av - bv
	case Mul:
		r = av * bv
	case Div:
		r = av / bv
	case DivUn:
		r = int32(uint32(av) / uint32(bv))
	case Rem:
		r = av % bv
	case RemUn:
		r = int32(uint32(av) % uint32(bv))
	case And:
		r = av & bv
	case Or:
		r = av | bv
	case Xor:
		r = av ^ bv
	case Shl:
		r = av << uint32(bv&31)
	case Shr:
		r = av >> uint32(bv&31)
	case ShrUn:
		r = int32(uint32(av) >> uint32(bv&31))
	}
	if resultUnsigned {
		return fr.push(SlotUInt32(uint32(r)))
	}
	return fr.push(SlotInt32(r))
}

func (vm *VM) unArith(fr *Frame, op Bytecode) error {
	a, err := fr.pop()
	if err != nil {
		return err
	}
	if a.Type() == Single {
		if op != Neg {
			return fmt.Errorf("%w: %s on Single", errStackTypeMismatch, op)
		}
		return fr.push(SlotSingle(-a.AsSingle()))
	}
	if !a.Type().IsInteger() {
		return fmt.Errorf("%w: %s on non-integer operand", errStackTypeMismatch, op)
	}
	v := widenToInt32(a.Type(), a[1:])
	switch op {
	case Neg:
		v = -v
	case Not:
		v = ^v
	}
	if a.Type() == UInt32 {
		return fr.push(SlotUInt32(uint32(v)))
	}
	return fr.push(SlotInt32(v))
}

func (vm *VM) convert(fr *Frame, op Bytecode) error {
	a, err := fr.pop()
	if err != nil {
		return err
	}
	if op == ConvR4 || op == ConvRUn {
		if a.Type() == Single {
			return fr.push(a)
		}
		v := widenToInt32(a.Type(), a[1:])
		if op == ConvRUn {
			return fr.push(SlotSingle(float32(uint32(v))))
		}
		return fr.push(SlotSingle(float32(v)))
	}

	var v int32
	if a.Type() == Single {
		v = int32(a.AsSingle())
	} else {
		v = widenToInt32(a.Type(), a[1:])
	}
	switch op {
	case ConvI1:
		return fr.push(NewSlot(SByte, byte(int8(v))))
	case ConvU1:
		return fr.push(NewSlot(Byte, byte(v)))
	case ConvI2:
		var b [2]byte
		uint16ToBytes(uint16(int16(v)), b[:])
		return fr.push(NewSlot(Int16, b[0], b[1]))
	case ConvU2:
		var b [2]byte
		uint16ToBytes(uint16(v), b[:])
		return fr.push(NewSlot(UInt16, b[0], b[1]))
	case ConvI4:
		return fr.push(SlotInt32(v))
	case ConvU4:
		return fr.push(SlotUInt32(uint32(v)))
	}
	return fmt.Errorf("%w: unhandled conversion %s", errBadConversion, op)
}
