package vm

import "errors"

// Fatal error sentinels. Every fault the runtime can raise is one of these,
// possibly wrapped with fmt.Errorf("...: %w", sentinel) to attach the IL
// offset or the ids involved. errors.Is still matches against the sentinel.
var (
	// Image errors
	errMalformedImage       = errors.New("malformed program image")
	errBadMethodIndex       = errors.New("bad method index")
	errBadClassIndex        = errors.New("bad class index")
	errVirtualMethodMiss    = errors.New("no virtual method matched the instance's class")
	errUnknownOpcode        = errors.New("unknown opcode")

	// Type errors
	errCopyValIncompatible = errors.New("copy_val: incompatible source/destination types")
	errStackTypeMismatch   = errors.New("evaluation stack type mismatch")
	errBadConversion       = errors.New("bad conversion")

	// Memory errors
	errHeapExhausted  = errors.New("heap exhausted")
	errStackOverflow  = errors.New("evaluation stack overflow")
	errFrameOverflow  = errors.New("call frame depth overflow")
	errSegmentationFault = errors.New("segmentation fault")

	// Reference errors
	errNullReference     = errors.New("null reference")
	errArrayBounds       = errors.New("array index out of bounds")
	errReferenceOutOfRange = errors.New("reference id out of range")

	// Lifecycle errors
	errRunWithoutSnapshot = errors.New("run called without a snapshot supplied since the previous run")
	errGCInvariant        = errors.New("garbage collector invariant violated")
	errNoProgram          = errors.New("no program loaded")
)
