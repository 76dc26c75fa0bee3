package vm

import "fmt"

const maxFrameDepth = 32

// materialized is an address cell: the runtime's stand-in for a pointer
// into heap-backed storage (an object field or array element reached via
// ldflda/ldelema). Frames in this implementation are native Go structs
// rather than a single flattened byte region (see DESIGN.md), so an
// Address-typed slot can't just carry a raw offset into a shared arena for
// every addressable location -- arg/local/static addresses carry their
// index directly in the slot, but heap locations need the absolute byte
// offset resolved eagerly at ldflda/ldelema time and stashed here, since
// that offset is only valid for the lifetime of the owning frame (the
// runtime's GC never runs with frames on the call stack, so the offset
// cannot go stale underneath a live frame).
type materialized struct {
	typeCode TypeCode
	memOff   int
}

// Frame is one call's activation record: method id, depth, PC, the method's
// entry IL pointer (Code, for branch-offset resolution), args, locals, and
// a fixed-capacity evaluation stack bounded by the method's max-stack.
type Frame struct {
	MethodID     int
	Depth        int
	PC           int
	Code         []byte
	Args         []Slot
	Locals       []Slot
	Eval         []Slot
	evalTop      int
	MaxStack     int
	Instance     uint32 // ReferenceID 'this' pointer, 1 (the root object) for the entry frame
	Materialized []materialized

	// Inline/InlineClass hold the backing storage for this frame's
	// JumpAddress-typed locals and args: inline value-type objects that live
	// in the frame rather than on the heap (§4.4 step 5, DESIGN NOTES). A
	// JumpAddress slot's 4-byte payload is an index into these parallel
	// slices, not a byte offset -- this implementation never flattens frames
	// into the shared arena (see the materialized doc comment above).
	Inline      [][]byte
	InlineClass []uint16

	ArgTypes []FieldDesc
	VarTypes []FieldDesc
}

func newFrame(img *Image, m *MethodDesc, depth int) *Frame {
	fr := &Frame{
		Depth:    depth,
		Code:     m.Code,
		Args:     make([]Slot, len(m.ArgTypes)),
		Locals:   make([]Slot, len(m.VarTypes)),
		Eval:     make([]Slot, m.MaxStack),
		MaxStack: int(m.MaxStack),
		ArgTypes: m.ArgTypes,
		VarTypes: m.VarTypes,
	}
	for i, a := range m.ArgTypes {
		fr.Args[i] = NewSlot(a.TypeCode)
		if a.TypeCode == JumpAddress {
			fr.Args[i] = SlotJumpAddress(fr.materializeInlineForClass(img, uint16(a.Aux)))
		}
	}
	for i, v := range m.VarTypes {
		fr.Locals[i] = NewSlot(v.TypeCode)
		if v.TypeCode == JumpAddress {
			fr.Locals[i] = SlotJumpAddress(fr.materializeInlineForClass(img, uint16(v.Aux)))
		}
	}
	return fr
}

// materializeInlineForClass allocates a zeroed frame-owned buffer sized for
// classID's total field payload and returns its inline index.
func (f *Frame) materializeInlineForClass(img *Image, classID uint16) uint32 {
	size := 0
	if int(classID) < len(img.Classes) {
		size = int(img.Classes[classID].TotalSize)
	}
	return f.materializeInline(classID, make([]byte, size))
}

// materializeInline copies content into a fresh frame-owned buffer and
// returns its index, suitable for storing in a JumpAddress slot's payload.
func (f *Frame) materializeInline(classID uint16, content []byte) uint32 {
	idx := uint32(len(f.Inline))
	buf := make([]byte, len(content))
	copy(buf, content)
	f.Inline = append(f.Inline, buf)
	f.InlineClass = append(f.InlineClass, classID)
	return idx
}

func (f *Frame) push(s Slot) error {
	if f.evalTop >= len(f.Eval) {
		return errStackOverflow
	}
	f.Eval[f.evalTop] = s
	f.evalTop++
	return nil
}

func (f *Frame) pop() (Slot, error) {
	if f.evalTop <= 0 {
		return Slot{}, fmt.Errorf("%w: pop on empty evaluation stack", errStackTypeMismatch)
	}
	f.evalTop--
	return f.Eval[f.evalTop], nil
}

func (f *Frame) peek() (Slot, error) {
	if f.evalTop <= 0 {
		return Slot{}, fmt.Errorf("%w: peek on empty evaluation stack", errStackTypeMismatch)
	}
	return f.Eval[f.evalTop-1], nil
}

// evalSound checks testable-property #5: the eval pointer lies within
// [0, MaxStack] at all times.
func (f *Frame) evalSound() bool {
	return f.evalTop >= 0 && f.evalTop <= len(f.Eval)
}

// CallStack is the runtime's per-run stack of active Frames. It is always
// empty between iterations (testable invariant #4 in spec.md §3).
type CallStack struct {
	frames []*Frame
}

func (cs *CallStack) push(f *Frame) error {
	if len(cs.frames) >= maxFrameDepth {
		return errFrameOverflow
	}
	cs.frames = append(cs.frames, f)
	return nil
}

func (cs *CallStack) pop() *Frame {
	n := len(cs.frames)
	if n == 0 {
		return nil
	}
	f := cs.frames[n-1]
	cs.frames = cs.frames[:n-1]
	return f
}

func (cs *CallStack) top() *Frame {
	if len(cs.frames) == 0 {
		return nil
	}
	return cs.frames[len(cs.frames)-1]
}

func (cs *CallStack) depth() int { return len(cs.frames) }
