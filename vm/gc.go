package vm

import "fmt"

// GCResult summarizes one mark-compact cycle, surfaced for logging and for
// the id-monotonicity / dense-suffix tests in gc_test.go.
type GCResult struct {
	Survivors  int
	NewTailOff int
	NewNextID  uint32
}

// CollectGarbage runs one mark-compact cycle per the runtime's reclamation
// algorithm: mark from root (id 1) and every ReferenceID-typed static,
// renumber survivors densely in old-id order, rewrite every surviving
// ReferenceID, then compact toward a dense suffix ending at len(mem).
//
// Must be called only between iterations: no stack frames may be alive,
// since frame args/locals/eval-stack slots holding ReferenceIDs are not
// scanned as roots.
func (vm *VM) CollectGarbage() (GCResult, error) {
	h := vm.heap

	for i := range h.ids {
		h.ids[i].scratch = scratchUnvisited
	}

	if len(h.ids) > 1 {
		if err := vm.markObject(1); err != nil {
			return GCResult{}, err
		}
	}
	for i, st := range vm.image.Statics {
		if st.TypeCode != ReferenceID {
			continue
		}
		id := vm.staticRefID(i)
		if id != 0 {
			if err := vm.markObject(id); err != nil {
				return GCResult{}, err
			}
		}
	}

	survivors := make([]uint32, 0, len(h.ids))
	oldToNew := make(map[uint32]uint32, len(h.ids))
	var next uint32 = 1
	for id := uint32(1); id < uint32(len(h.ids)); id++ {
		if h.ids[id].scratch == scratchVisited {
			survivors = append(survivors, id)
			oldToNew[id] = next
			next++
		}
	}

	// Rewrite every surviving reference (statics first, then each live
	// object's own reference-typed fields/elements) while old offsets are
	// still valid -- this must happen before any bytes are moved.
	for i, st := range vm.image.Statics {
		if st.TypeCode != ReferenceID {
			continue
		}
		id := vm.staticRefID(i)
		if id != 0 {
			vm.setStaticRefID(i, oldToNew[id])
		}
	}
	for _, old := range survivors {
		if err := vm.rewriteObjectRefs(old, oldToNew); err != nil {
			return GCResult{}, err
		}
	}

	// Compact: pack survivors toward a dense suffix ending at len(mem), in
	// old-id ascending order (preserving relative order). Each survivor's
	// new offset is >= its old offset, and the per-object shift is
	// monotonically non-decreasing as old id increases, so copying in this
	// order never clobbers an unprocessed source region.
	cursor := len(h.mem)
	newOffsets := make(map[uint32]int, len(survivors))
	sizes := make(map[uint32]int, len(survivors))
	for _, old := range survivors {
		sz, err := vm.objectSize(old)
		if err != nil {
			return GCResult{}, err
		}
		cursor -= sz
		newOffsets[old] = cursor
		sizes[old] = sz
	}

	newIDs := make([]heapEntry, next)
	newIDs[0] = heapEntry{offset: -1, scratch: scratchUnvisited}
	for _, old := range survivors {
		src := h.ids[old].offset
		dst := newOffsets[old]
		sz := sizes[old]
		copy(h.mem[dst:dst+sz], h.mem[src:src+sz])
		newIDs[oldToNew[old]] = heapEntry{offset: dst, scratch: scratchUnvisited}
	}

	h.ids = newIDs
	h.tail = cursor

	return GCResult{Survivors: len(survivors), NewTailOff: cursor, NewNextID: next}, nil
}

func (vm *VM) markObject(id uint32) error {
	h := vm.heap
	if id == 0 || int(id) >= len(h.ids) {
		return fmt.Errorf("%w: id %d", errReferenceOutOfRange, id)
	}
	if h.ids[id].scratch == scratchVisited {
		return nil
	}
	h.ids[id].scratch = scratchVisited

	off := h.ids[id].offset
	switch h.mem[off] {
	case StringHeader:
		return nil
	case ArrayHeader:
		elemType, length, payloadOff, err := h.ArrayInfo(id)
		if err != nil {
			return err
		}
		if elemType != ReferenceID {
			return nil
		}
		sz := elementSize(elemType)
		for i := int32(0); i < length; i++ {
			ref := uint32FromBytes(h.mem[payloadOff+int(i)*sz:])
			if ref != 0 {
				if err := vm.markObject(ref); err != nil {
					return err
				}
			}
		}
		return nil
	case ObjectHeader:
		classID, err := h.ObjectClassID(id)
		if err != nil {
			return err
		}
		if isDelegateClass(classID) {
			instOff, err := h.ObjectFieldOffset(id, 0)
			if err != nil {
				return err
			}
			inst := uint32FromBytes(h.mem[instOff:])
			if inst != 0 {
				if err := vm.markObject(inst); err != nil {
					return err
				}
			}
			return nil
		}
		if isValueTupleClass(classID) {
			for _, fieldOff := range []uint16{0, 8} {
				base, err := h.ObjectFieldOffset(id, fieldOff)
				if err != nil {
					return err
				}
				if TypeCode(h.mem[base]) != ReferenceID {
					continue
				}
				ref := uint32FromBytes(h.mem[base+1:])
				if ref != 0 {
					if err := vm.markObject(ref); err != nil {
						return err
					}
				}
			}
			return nil
		}
		if int(classID) >= len(vm.image.Classes) {
			return fmt.Errorf("%w: class %d", errBadClassIndex, classID)
		}
		for _, f := range vm.image.Classes[classID].Fields {
			if f.TypeCode != ReferenceID {
				continue
			}
			fOff, err := h.ObjectFieldOffset(id, f.Offset)
			if err != nil {
				return err
			}
			ref := uint32FromBytes(h.mem[fOff:])
			if ref != 0 {
				if err := vm.markObject(ref); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: id %d has header 0x%02x", errGCInvariant, id, h.mem[off])
	}
}

func (vm *VM) rewriteObjectRefs(id uint32, oldToNew map[uint32]uint32) error {
	h := vm.heap
	off := h.ids[id].offset
	switch h.mem[off] {
	case StringHeader:
		return nil
	case ArrayHeader:
		elemType, length, payloadOff, err := h.ArrayInfo(id)
		if err != nil {
			return err
		}
		if elemType != ReferenceID {
			return nil
		}
		sz := elementSize(elemType)
		for i := int32(0); i < length; i++ {
			p := payloadOff + int(i)*sz
			ref := uint32FromBytes(h.mem[p:])
			if ref != 0 {
				uint32ToBytes(oldToNew[ref], h.mem[p:p+4])
			}
		}
		return nil
	case ObjectHeader:
		classID, err := h.ObjectClassID(id)
		if err != nil {
			return err
		}
		if isDelegateClass(classID) {
			fOff, _ := h.ObjectFieldOffset(id, 0)
			ref := uint32FromBytes(h.mem[fOff:])
			if ref != 0 {
				uint32ToBytes(oldToNew[ref], h.mem[fOff:fOff+4])
			}
			return nil
		}
		if isValueTupleClass(classID) {
			for _, fieldOff := range []uint16{0, 8} {
				base, err := h.ObjectFieldOffset(id, fieldOff)
				if err != nil {
					return err
				}
				if TypeCode(h.mem[base]) != ReferenceID {
					continue
				}
				ref := uint32FromBytes(h.mem[base+1:])
				if ref != 0 {
					uint32ToBytes(oldToNew[ref], h.mem[base+1:base+5])
				}
			}
			return nil
		}
		for _, f := range vm.image.Classes[classID].Fields {
			if f.TypeCode != ReferenceID {
				continue
			}
			fOff, err := h.ObjectFieldOffset(id, f.Offset)
			if err != nil {
				return err
			}
			ref := uint32FromBytes(h.mem[fOff:])
			if ref != 0 {
				uint32ToBytes(oldToNew[ref], h.mem[fOff:fOff+4])
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: id %d has header 0x%02x", errGCInvariant, id, h.mem[off])
	}
}

func (vm *VM) objectSize(id uint32) (int, error) {
	h := vm.heap
	off := h.ids[id].offset
	switch h.mem[off] {
	case StringHeader:
		n := int(uint16FromBytes(h.mem[off+1:]))
		return 3 + n + 1, nil
	case ArrayHeader:
		elemType, length, _, err := h.ArrayInfo(id)
		if err != nil {
			return 0, err
		}
		return 6 + elementSize(elemType)*int(length), nil
	case ObjectHeader:
		classID, err := h.ObjectClassID(id)
		if err != nil {
			return 0, err
		}
		if isDelegateClass(classID) {
			return 3 + 4 + 4, nil // ReferenceID + Int32 delegate layout
		}
		if isValueTupleClass(classID) {
			return 3 + 8 + 8, nil // two 8-byte Slot fields
		}
		if int(classID) >= len(vm.image.Classes) {
			return 0, fmt.Errorf("%w: class %d", errBadClassIndex, classID)
		}
		return 3 + int(vm.image.Classes[classID].TotalSize), nil
	default:
		return 0, fmt.Errorf("%w: id %d has header 0x%02x", errGCInvariant, id, h.mem[off])
	}
}
