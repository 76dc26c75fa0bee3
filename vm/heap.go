package vm

import "fmt"

// heapEntry is the side table entry for one live reference id: its current
// byte offset into the runtime memory arena, and a scratch field used only
// during mark-compact GC (unvisited=-1, visited=-2); new post-GC ids are
// kept in gc.go's own old-to-new map, not here.
type heapEntry struct {
	offset  int
	scratch int32
}

const (
	scratchUnvisited int32 = -1
	scratchVisited    int32 = -2
)

// Heap is the single downward-growing managed-object region of the runtime
// memory arena. Objects are allocated by decrementing a tail pointer;
// reference ids are assigned monotonically and never reused within a run
// (renumbering only happens as part of a GC cycle, see gc.go).
type Heap struct {
	mem    []byte
	tail   int // objects occupy [tail, len(mem)); growth decrements tail
	ids    []heapEntry
}

// NewHeap creates a heap view over mem, with objects initially starting to
// grow down from the end of mem. ids[0] is a placeholder for reference id 0
// (null) and is never a live object.
func NewHeap(mem []byte) *Heap {
	return &Heap{
		mem:  mem,
		tail: len(mem),
		ids:  []heapEntry{{offset: -1, scratch: scratchUnvisited}},
	}
}

func (h *Heap) NewObjectCount() uint32 { return uint32(len(h.ids)) }

func (h *Heap) Header(id uint32) byte {
	return h.mem[h.ids[id].offset]
}

func (h *Heap) objOffset(id uint32) (int, error) {
	if id == 0 || int(id) >= len(h.ids) {
		return 0, fmt.Errorf("%w: id %d", errReferenceOutOfRange, id)
	}
	return h.ids[id].offset, nil
}

// alloc writes a fresh header byte at the new tail and returns the object's
// id and base offset. boundary is the lowest offset the tail may reach
// (callers pass VM.heapBoundary, the end of the statics region).
func (h *Heap) alloc(size int, header byte, boundary int) (uint32, int, error) {
	newTail := h.tail - size
	if newTail < boundary {
		return 0, 0, errHeapExhausted
	}
	h.tail = newTail
	h.mem[h.tail] = header
	for i := h.tail + 1; i < h.tail+size; i++ {
		h.mem[i] = 0
	}
	id := uint32(len(h.ids))
	h.ids = append(h.ids, heapEntry{offset: h.tail, scratch: scratchUnvisited})
	return id, h.tail, nil
}

// NewObject allocates a heap object of the given class, zeroes its payload,
// then performs eager field initialization: every reference field whose
// descriptor Aux >= 0 gets a freshly `new`-ed default instance of that class,
// recursively.
func (h *Heap) NewObject(img *Image, classID uint16, boundary int) (uint32, error) {
	if int(classID) >= len(img.Classes) {
		return 0, fmt.Errorf("%w: class %d", errBadClassIndex, classID)
	}
	class := img.Classes[classID]
	size := 3 + int(class.TotalSize) // tag + classId(2) + payload
	id, off, err := h.alloc(size, ObjectHeader, boundary)
	if err != nil {
		return 0, err
	}
	uint16ToBytes(classID, h.mem[off+1:off+3])

	for _, f := range class.Fields {
		if f.TypeCode == ReferenceID && f.Aux >= 0 {
			nested, err := h.NewObject(img, uint16(f.Aux), boundary)
			if err != nil {
				return 0, err
			}
			fieldOff := off + 3 + int(f.Offset)
			uint32ToBytes(nested, h.mem[fieldOff:fieldOff+4])
		}
	}
	return id, nil
}

// NewObjectFromBytes allocates an object of classID and copies content
// directly into its payload instead of running eager field initialization --
// used by the ReferenceID<-JumpAddress auto-box conversion (§4.1), where
// content is already a concrete value copied from a live inline struct, not
// a fresh default instance.
func (h *Heap) NewObjectFromBytes(img *Image, classID uint16, content []byte, boundary int) (uint32, error) {
	if int(classID) >= len(img.Classes) {
		return 0, fmt.Errorf("%w: class %d", errBadClassIndex, classID)
	}
	class := img.Classes[classID]
	size := 3 + int(class.TotalSize)
	id, off, err := h.alloc(size, ObjectHeader, boundary)
	if err != nil {
		return 0, err
	}
	uint16ToBytes(classID, h.mem[off+1:off+3])
	copy(h.mem[off+3:off+3+int(class.TotalSize)], content)
	return id, nil
}

// NewArray allocates an array of elemType with the given length (may be 0).
// Reference-typed elements are stored as 4-byte ids, initialized to null.
func (h *Heap) NewArray(elemType TypeCode, length int32, boundary int) (uint32, error) {
	if length < 0 {
		return 0, fmt.Errorf("%w: negative array length %d", errArrayBounds, length)
	}
	elemSize := elementSize(elemType)
	size := 6 + elemSize*int(length) // tag + elemType(1) + len(4)
	id, off, err := h.alloc(size, ArrayHeader, boundary)
	if err != nil {
		return 0, err
	}
	h.mem[off+1] = byte(elemType)
	uint32ToBytes(uint32(length), h.mem[off+2:off+6])
	return id, nil
}

func elementSize(t TypeCode) int {
	if t == BoxedObject {
		return 5
	}
	if sz := t.PayloadSize(); sz > 0 {
		return sz
	}
	return 4 // ReferenceID-shaped fallback
}

// NewString allocates an immutable string object with the given byte
// content (not including the trailing NUL, which is added implicitly).
func (h *Heap) NewString(content []byte, boundary int) (uint32, error) {
	if len(content) > 0xFFFF {
		return 0, fmt.Errorf("%w: string too long", errMalformedImage)
	}
	size := 3 + len(content) + 1 // tag + len(2) + payload + NUL
	id, off, err := h.alloc(size, StringHeader, boundary)
	if err != nil {
		return 0, err
	}
	uint16ToBytes(uint16(len(content)), h.mem[off+1:off+3])
	copy(h.mem[off+3:off+3+len(content)], content)
	h.mem[off+3+len(content)] = 0
	return id, nil
}

func (h *Heap) ArrayInfo(id uint32) (elemType TypeCode, length int32, payloadOff int, err error) {
	off, err := h.objOffset(id)
	if err != nil {
		return 0, 0, 0, err
	}
	if h.mem[off] != ArrayHeader {
		return 0, 0, 0, fmt.Errorf("%w: id %d is not an array", errGCInvariant, id)
	}
	elemType = TypeCode(h.mem[off+1])
	length = int32FromBytes(h.mem[off+2:])
	return elemType, length, off + 6, nil
}

func (h *Heap) ArrayElemOffset(id uint32, index int32) (int, TypeCode, error) {
	elemType, length, payloadOff, err := h.ArrayInfo(id)
	if err != nil {
		return 0, 0, err
	}
	if index < 0 || index >= length {
		return 0, 0, fmt.Errorf("%w: index %d, length %d", errArrayBounds, index, length)
	}
	return payloadOff + int(index)*elementSize(elemType), elemType, nil
}

func (h *Heap) StringBytes(id uint32) ([]byte, error) {
	off, err := h.objOffset(id)
	if err != nil {
		return nil, err
	}
	if h.mem[off] != StringHeader {
		return nil, fmt.Errorf("%w: id %d is not a string", errGCInvariant, id)
	}
	n := int(uint16FromBytes(h.mem[off+1:]))
	return h.mem[off+3 : off+3+n], nil
}

func (h *Heap) ObjectClassID(id uint32) (uint16, error) {
	off, err := h.objOffset(id)
	if err != nil {
		return 0, err
	}
	if h.mem[off] != ObjectHeader {
		return 0, fmt.Errorf("%w: id %d is not an object", errGCInvariant, id)
	}
	return uint16FromBytes(h.mem[off+1:]), nil
}

func (h *Heap) ObjectFieldOffset(id uint32, fieldOffset uint16) (int, error) {
	off, err := h.objOffset(id)
	if err != nil {
		return 0, err
	}
	return off + 3 + int(fieldOffset), nil
}

// delegateClassBase marks the reserved class-id range: classes with
// classId & 0xf000 == 0xf000 are built-in delegate objects and use the
// hard-coded (ReferenceID, Int32) layout rather than a class descriptor.
const delegateClassBase = 0xf000

func isDelegateClass(classID uint16) bool {
	return classID&0xf000 == delegateClassBase
}

// valueTupleClassID marks the other runtime-special object shape: a 2-tuple
// built by the ValueTuple.Create builtin, with a fixed two-Slot layout
// rather than a class descriptor.
const valueTupleClassID uint16 = 0xe000

func isValueTupleClass(classID uint16) bool {
	return classID == valueTupleClassID
}

// Tail returns the current heap tail offset (the lowest occupied byte).
func (h *Heap) Tail() int { return h.tail }

func (h *Heap) SetTail(t int) { h.tail = t }

func (h *Heap) Mem() []byte { return h.mem }
