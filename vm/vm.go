package vm

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
)

// HostCallbacks is the embedding boundary between the runtime and whatever
// hosts it (an MCU firmware loop, a desktop harness, a test fixture). Every
// method is synchronous from the VM's point of view; WriteSnapshot/
// WriteStream/WriteEvent are expected to hand the payload off to the host's
// own transport without blocking the VM thread for long.
type HostCallbacks interface {
	WriteSnapshot(payload []byte)
	WriteStream(port uint16, payload []byte)
	WriteEvent(port, event uint16, payload []byte)
	ReportError(err error)
	PrintLine(line string)
	EnterCritical()
	LeaveCritical()
	GetCyclicMillis() int64
	GetCyclicMicros() int64
	GetCyclicSeconds() int64
}

// NopCallbacks is a HostCallbacks implementation that discards all output
// and errors and answers the clock callbacks from the wall clock; used by
// tests and embedded by cmd/diverctl's consoleCallbacks.
type NopCallbacks struct{}

func (NopCallbacks) WriteSnapshot([]byte)              {}
func (NopCallbacks) WriteStream(uint16, []byte)        {}
func (NopCallbacks) WriteEvent(uint16, uint16, []byte) {}
func (NopCallbacks) ReportError(error)                 {}
func (NopCallbacks) PrintLine(string)                  {}
func (NopCallbacks) EnterCritical()                    {}
func (NopCallbacks) LeaveCritical()                    {}
func (NopCallbacks) GetCyclicMillis() int64            { return time.Now().UnixMilli() }
func (NopCallbacks) GetCyclicMicros() int64            { return time.Now().UnixMicro() }
func (NopCallbacks) GetCyclicSeconds() int64           { return time.Now().Unix() }

// RunResult is returned from one call to Run.
type RunResult struct {
	Iteration int
	// Stalled is true when this call's frozen processing buffer has the
	// same slot count and composite-key set as the previous iteration's
	// (payload bytes are not compared), which the host should read as "the
	// link partner has gone quiet" rather than as an error.
	Stalled bool
}

// VM is the full embeddable runtime: one parsed program image, one managed
// memory arena (statics region + heap growing down from its end), one
// cyclic I/O arena, and the fixed built-in dispatch table.
type VM struct {
	image *Image
	heap  *Heap
	io    *ioArena

	mem     []byte
	statics []Slot

	// cartIDToStaticIdx/staticIdxToCartID are the two directions of the
	// cart-I/O table's mapping between a cart-I/O id and the static slot it
	// names, derived once per SetProgram from img.CartIOOffsets (§6, §4.7).
	cartIDToStaticIdx []int
	staticIdxToCartID map[int]uint16

	callStack CallStack
	builtins  [builtinTableCapacity]BuiltinFunc

	callbacks HostCallbacks
	logger    *zap.Logger

	lastIterationSignature uint64
	iteration               int
}

// NewVM allocates a runtime with an arena of arenaSize bytes. The arena is
// not usable until SetProgram loads a program image into it.
func NewVM(arenaSize int, callbacks HostCallbacks, logger *zap.Logger) *VM {
	if callbacks == nil {
		callbacks = NopCallbacks{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VM{
		mem:       make([]byte, arenaSize),
		callbacks: callbacks,
		logger:    logger,
		builtins:  registerBuiltins(),
	}
}

// SetProgram parses and installs a new program image, resets the statics
// region to its default values, and resets the cyclic I/O arena. It returns
// the host's recommended inter-iteration sleep interval, read from the
// image's meta_header (OperationIntervalUs) -- see SPEC_FULL.md §12.
func (vm *VM) SetProgram(raw []byte) (time.Duration, error) {
	img, err := ParseImage(raw)
	if err != nil {
		return 0, err
	}

	boundary := img.DataRegionStart() + len(img.Statics)*8
	if boundary > len(vm.mem) {
		return 0, fmt.Errorf("%w: arena too small for statics region (%d bytes needed)", errMalformedImage, boundary)
	}

	vm.image = img
	vm.heap = NewHeap(vm.mem)
	vm.heap.SetTail(len(vm.mem))

	// Invariant #2 (spec.md §3): reference id 1 is the root object, created
	// at program load and always reachable. It must be the very first heap
	// allocation so the monotonic id assignment lands it at id 1, before any
	// eager static field initialization below gets a chance to claim it.
	rootID, err := vm.heap.NewObject(img, uint16(img.Meta.RootClassID), img.DataRegionStart()+len(img.Statics)*8)
	if err != nil {
		return 0, err
	}
	if rootID != 1 {
		return 0, fmt.Errorf("%w: root object did not receive reference id 1 (got %d)", errGCInvariant, rootID)
	}

	vm.statics = make([]Slot, len(img.Statics))
	for i, st := range img.Statics {
		vm.statics[i] = NewSlot(st.TypeCode)
		if st.TypeCode == ReferenceID && st.AuxClassID >= 0 {
			id, err := vm.heap.NewObject(img, uint16(st.AuxClassID), vm.heapBoundary())
			if err != nil {
				return 0, err
			}
			vm.statics[i] = SlotReferenceID(id)
		}
	}
	// cart_io_offsets names each cart-I/O static by its byte offset into
	// statics_val_region; every static is a fixed 8-byte Slot in this
	// implementation (see types.go), so the owning static index is offset/8.
	vm.cartIDToStaticIdx = make([]int, len(img.CartIOOffsets))
	vm.staticIdxToCartID = make(map[int]uint16, len(img.CartIOOffsets))
	for cartID, off := range img.CartIOOffsets {
		idx := int(off) / 8
		if idx < 0 || idx >= len(img.Statics) || int(off)%8 != 0 {
			return 0, fmt.Errorf("%w: cart_io_offsets[%d]=%d does not name a static slot", errMalformedImage, cartID, off)
		}
		vm.cartIDToStaticIdx[cartID] = idx
		vm.staticIdxToCartID[idx] = uint16(cartID)
	}

	vm.io = newIOArena(len(img.CartIOOffsets))
	vm.callStack = CallStack{}
	vm.iteration = 0

	vm.logger.Info("program loaded",
		zap.Int("classes", len(img.Classes)),
		zap.Int("methods", len(img.Methods)),
		zap.Int("statics", len(img.Statics)),
		zap.Int32("operation_interval_us", img.Meta.OperationIntervalUs))

	return time.Duration(img.Meta.OperationIntervalUs) * time.Microsecond, nil
}

// heapBoundary is the lowest byte offset the heap tail may ever reach: the
// end of the statics region, since frames are native Go structs and never
// occupy the shared arena (see frame.go).
func (vm *VM) heapBoundary() int {
	return vm.image.DataRegionStart() + len(vm.statics)*8
}

func (vm *VM) staticRefID(i int) uint32 {
	return vm.statics[i].AsReferenceID()
}

func (vm *VM) setStaticRefID(i int, id uint32) {
	vm.statics[i] = SlotReferenceID(id)
}

// PutSnapshotBuffer, PutStreamBuffer and PutEventBuffer are the host-facing
// cyclic I/O producers, serialized under the I/O arena's own lock so the
// host's transport threads never need to coordinate with the VM thread
// directly (§4.7).
func (vm *VM) PutSnapshotBuffer(payload []byte)              { vm.io.putSnapshot(payload) }
func (vm *VM) PutStreamBuffer(port uint16, payload []byte)   { vm.io.putStream(port, payload) }
func (vm *VM) PutEventBuffer(port, event uint16, payload []byte) {
	vm.io.putEvent(port, event, payload)
}

// PutUpperMemory applies host-written cart-I/O values before an iteration
// (§6): bytes encode (iteration:i32, {cart_id:u16, type:u8, payload:type-sized}...).
// Unlike an in-VM Stsfld, this does not mark the cart-I/O slot touched --
// the lower-memory blob reports values the program itself changed, not
// values the host merely seeded (see DESIGN.md for the resolved ambiguity).
func (vm *VM) PutUpperMemory(data []byte) error {
	if vm.image == nil {
		return errNoProgram
	}
	if len(data) < 4 {
		return fmt.Errorf("%w: put_upper_memory header truncated", errMalformedImage)
	}
	pos := 4 // iteration:i32, not otherwise consulted by this entry point
	for pos < len(data) {
		if pos+3 > len(data) {
			return fmt.Errorf("%w: put_upper_memory record truncated", errMalformedImage)
		}
		cartID := uint16FromBytes(data[pos:])
		typeCode := TypeCode(data[pos+2])
		pos += 3

		idx, err := vm.cartStaticIndex(cartID)
		if err != nil {
			return err
		}
		want := vm.image.Statics[idx].TypeCode
		if typeCode != want {
			return fmt.Errorf("%w: put_upper_memory cart id %d type %s, expected %s", errCopyValIncompatible, cartID, typeCode, want)
		}
		sz := typeCode.PayloadSize()
		if pos+sz > len(data) {
			return fmt.Errorf("%w: put_upper_memory payload truncated", errMalformedImage)
		}
		vm.statics[idx] = NewSlot(typeCode, data[pos:pos+sz]...)
		pos += sz
	}
	return nil
}

func (vm *VM) cartStaticIndex(cartID uint16) (int, error) {
	if int(cartID) >= len(vm.cartIDToStaticIdx) {
		return 0, fmt.Errorf("%w: cart id %d", errArrayBounds, cartID)
	}
	return vm.cartIDToStaticIdx[cartID], nil
}

// GetLowerMemory builds the dirty-cart-I/O upload blob (§4.7 step 6):
// iterations:i32 header, then for every touched cart-I/O id in ascending
// order, a record (id:u16, type:u8, payload:type-sized).
func (vm *VM) GetLowerMemory() ([]byte, error) {
	if vm.image == nil {
		return nil, errNoProgram
	}
	var out []byte
	var hdr [4]byte
	uint32ToBytes(uint32(int32(vm.iteration)), hdr[:])
	out = append(out, hdr[:]...)

	for cartID := 0; cartID < len(vm.cartIDToStaticIdx); cartID++ {
		if !vm.io.isTouched(uint16(cartID)) {
			continue
		}
		idx := vm.cartIDToStaticIdx[cartID]
		st := vm.image.Statics[idx]
		var rec [3]byte
		uint16ToBytes(uint16(cartID), rec[:2])
		rec[2] = byte(st.TypeCode)
		out = append(out, rec[:]...)
		out = append(out, vm.statics[idx][1:1+st.TypeCode.PayloadSize()]...)
	}
	return out, nil
}

// GetLowerMemorySize returns len(GetLowerMemory()); it builds the full blob
// to measure it (mirrors the exposed two-call protocol in §6:
// get_lower_memory_size then get_lower_memory).
func (vm *VM) GetLowerMemorySize() (int, error) {
	b, err := vm.GetLowerMemory()
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Run executes exactly one scheduler iteration: freeze the I/O arena, invoke
// the program's entry method, and run it to completion. The reference
// runtime disables its own GC for the duration of one iteration to bound
// worst-case latency; this module does the same to Go's garbage collector
// (a concern entirely separate from CollectGarbage, which reclaims the VM's
// own managed heap) since both are latency-sensitive in the same way.
func (vm *VM) Run(iteration int) (result RunResult, err error) {
	if vm.image == nil {
		return RunResult{}, errNoProgram
	}
	if !vm.io.hasSnapshotSincePreviousRun() {
		return RunResult{}, errRunWithoutSnapshot
	}

	prevGC := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(prevGC)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errSegmentationFault, r)
			vm.callbacks.ReportError(err)
		}
	}()

	vm.io.swapAndFreeze()
	vm.iteration = iteration

	sig := vm.ioSignature()
	stalled := sig == vm.lastIterationSignature && iteration > 0
	vm.lastIterationSignature = sig

	entryMethod := vm.entryMethodIndex(vm.image.Meta.EntryMethodOffset)
	if entryMethod < 0 {
		return RunResult{}, fmt.Errorf("%w: entry_method_offset %d", errBadMethodIndex, vm.image.Meta.EntryMethodOffset)
	}

	if runErr := vm.callEntry(entryMethod, iteration); runErr != nil {
		return RunResult{}, runErr
	}

	gcResult, gcErr := vm.CollectGarbage()
	if gcErr != nil {
		return RunResult{}, gcErr
	}
	vm.logger.Debug("gc cycle",
		zap.Int("survivors", gcResult.Survivors),
		zap.Int("new_tail", gcResult.NewTailOff))

	return RunResult{Iteration: iteration, Stalled: stalled}, nil
}

// entryMethodIndex resolves meta_header's entry_method_offset, which holds
// the entry method's id (its index in the method table, per §6), or returns
// -1 when no such method exists.
func (vm *VM) entryMethodIndex(id int32) int {
	if id < 0 || int(id) >= len(vm.image.Methods) {
		return -1
	}
	return int(id)
}

// ioSignature is a cheap way to notice "nothing new arrived this
// iteration": the count and composite-key set of the frozen processing
// buffer. A host communication stall (§12) is not an error condition, just
// a signal surfaced on RunResult.
func (vm *VM) ioSignature() uint64 {
	var sig uint64 = uint64(len(vm.io.processingKeys))
	for _, k := range vm.io.processingKeys {
		sig = sig*31 + uint64(k)
	}
	return sig
}

// callEntry invokes the program's entry method per §4.4 step 3: the entry
// signature is void Entry(ReferenceID this, Int32 iteration), and at depth 0
// its two args are synthesized rather than popped from any caller -- there
// is no caller, the cyclic loop itself is the root of the call tree.
func (vm *VM) callEntry(methodIdx int, iteration int) error {
	m := &vm.image.Methods[methodIdx]
	if len(m.ArgTypes) != 2 || m.ArgTypes[0].TypeCode != ReferenceID || m.ArgTypes[1].TypeCode != Int32 {
		return fmt.Errorf("%w: entry method signature must be void Entry(ReferenceID, Int32)", errMalformedImage)
	}
	fr := newFrame(vm.image, m, 0)
	fr.MethodID = methodIdx
	fr.Instance = 1
	fr.Args[0] = SlotReferenceID(1)
	fr.Args[1] = SlotInt32(int32(iteration))
	if err := vm.callStack.push(fr); err != nil {
		return err
	}
	defer vm.callStack.pop()
	return vm.execFrame(fr)
}

// invokeMethod is used by Call/Callvirt and by builtins (e.g. delegate
// Invoke) to perform a regular managed call from native code: it takes the
// instance reference already pushed onto the calling frame's evaluation
// stack (below methodID's declared args, per interp.go's Call/Callvirt
// stack shape: this, arg0, ..., argN-1), and leaves the callee's return
// value (if any) on the calling frame's stack.
func (vm *VM) invokeMethod(caller *Frame, methodID int) error {
	return vm.invokeMethodArgs(caller, methodID, 0)
}

// invokeMethodWithInstance is Newobj's calling convention (ground truth:
// original_source/MCURuntime/mcu_runtime.c's vm_push_stack): the new
// object's id is a side channel, never pushed onto the evaluation stack
// alongside the constructor's arguments -- only the N declared ctor args
// sit on the caller's stack, and inst is supplied directly rather than
// popped as an (N+1)th value.
func (vm *VM) invokeMethodWithInstance(caller *Frame, methodID int, inst uint32) error {
	return vm.invokeMethodArgs(caller, methodID, inst)
}

// invokeMethodArgs pops methodID's declared argument count off caller (top
// down, reversed into the callee's Args in declaration order), then wires
// up inst as the callee's "this" -- either the side-channel value Newobj
// supplies, or the instance reference invokeMethod still pops off caller
// itself for the Call/Callvirt convention (inst == 0 signals "pop it").
func (vm *VM) invokeMethodArgs(caller *Frame, methodID int, inst uint32) error {
	if methodID < 0 || methodID >= len(vm.image.Methods) {
		return fmt.Errorf("%w: %d", errBadMethodIndex, methodID)
	}
	m := &vm.image.Methods[methodID]
	callee := newFrame(vm.image, m, vm.callStack.depth()+1)
	callee.MethodID = methodID

	for i := len(m.ArgTypes) - 1; i >= 0; i-- {
		s, err := caller.pop()
		if err != nil {
			return err
		}
		if err := vm.assignVal(callee, m.ArgTypes[i].TypeCode, callee.Args[i][1:], s.Type(), s[1:]); err != nil {
			return err
		}
	}
	if inst != 0 {
		callee.Instance = inst
	} else {
		instSlot, err := caller.pop()
		if err != nil {
			return err
		}
		callee.Instance = instSlot.AsReferenceID()
	}

	if err := vm.callStack.push(callee); err != nil {
		return err
	}
	defer vm.callStack.pop()

	if err := vm.execFrame(callee); err != nil {
		return err
	}
	if callee.evalTop > 0 {
		v, err := callee.pop()
		if err != nil {
			return err
		}
		return caller.push(v)
	}
	return nil
}
