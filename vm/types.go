package vm

import (
	"fmt"
	"math"
)

// TypeCode tags every evaluation-stack slot and every in-memory field so that
// opcodes can validate and widen correctly. The numeric values are part of
// the program-image ABI and must not be renumbered.
type TypeCode byte

const (
	Boolean       TypeCode = 0
	Byte          TypeCode = 1
	SByte         TypeCode = 2
	Char          TypeCode = 3
	Int16         TypeCode = 4
	UInt16        TypeCode = 5
	Int32         TypeCode = 6
	UInt32        TypeCode = 7
	Single        TypeCode = 8
	MethodPointer TypeCode = 14
	Address       TypeCode = 15
	ReferenceID   TypeCode = 16
	JumpAddress   TypeCode = 17
	BoxedObject   TypeCode = 18
	Metadata      TypeCode = 19
)

// Heap object header tags.
const (
	ArrayHeader  byte = 11
	StringHeader byte = 12
	ObjectHeader byte = 13
)

func (t TypeCode) String() string {
	switch t {
	case Boolean:
		return "Boolean"
	case Byte:
		return "Byte"
	case SByte:
		return "SByte"
	case Char:
		return "Char"
	case Int16:
		return "Int16"
	case UInt16:
		return "UInt16"
	case Int32:
		return "Int32"
	case UInt32:
		return "UInt32"
	case Single:
		return "Single"
	case MethodPointer:
		return "MethodPointer"
	case Address:
		return "Address"
	case ReferenceID:
		return "ReferenceID"
	case JumpAddress:
		return "JumpAddress"
	case BoxedObject:
		return "BoxedObject"
	case Metadata:
		return "Metadata"
	default:
		return fmt.Sprintf("TypeCode(0x%02x)", byte(t))
	}
}

// PayloadSize returns the number of bytes a value of this type occupies in
// memory (statics, object fields, array elements) -- not counting the leading
// type tag byte that accompanies it on the evaluation stack or in a BoxedObject.
func (t TypeCode) PayloadSize() int {
	switch t {
	case Boolean, Byte, SByte:
		return 1
	case Char, Int16, UInt16:
		return 2
	case Int32, UInt32, Single:
		return 4
	case MethodPointer:
		return 4
	case Address:
		return 5
	case ReferenceID, JumpAddress:
		return 4
	case BoxedObject:
		return 5
	case Metadata:
		return 4
	default:
		return 0
	}
}

// IsInteger reports whether t is one of the integer-domain primitive types.
func (t TypeCode) IsInteger() bool {
	switch t {
	case Boolean, Byte, SByte, Char, Int16, UInt16, Int32, UInt32:
		return true
	default:
		return false
	}
}

func (t TypeCode) IsSigned() bool {
	switch t {
	case SByte, Int16, Int32:
		return true
	default:
		return false
	}
}

// Slot is the fixed 8-byte evaluation-stack representation: 1 tag byte
// followed by up to 7 payload bytes (Address uses 5, everything else pads
// with zero). All evaluation-stack manipulation is 8-byte-strided.
type Slot [8]byte

func (s Slot) Type() TypeCode { return TypeCode(s[0]) }

func (s Slot) payload() []byte { return s[1:] }

// NewSlot builds a slot from a type tag and up to 7 payload bytes.
func NewSlot(t TypeCode, payload ...byte) Slot {
	var s Slot
	s[0] = byte(t)
	copy(s[1:], payload)
	return s
}

func SlotInt32(v int32) Slot {
	var s Slot
	s[0] = byte(Int32)
	uint32ToBytes(uint32(v), s[1:5])
	return s
}

func SlotUInt32(v uint32) Slot {
	var s Slot
	s[0] = byte(UInt32)
	uint32ToBytes(v, s[1:5])
	return s
}

func SlotSingle(v float32) Slot {
	var s Slot
	s[0] = byte(Single)
	uint32ToBytes(math.Float32bits(v), s[1:5])
	return s
}

func SlotBoolean(v bool) Slot {
	var s Slot
	s[0] = byte(Boolean)
	if v {
		s[1] = 1
	}
	return s
}

func SlotReferenceID(id uint32) Slot {
	var s Slot
	s[0] = byte(ReferenceID)
	uint32ToBytes(id, s[1:5])
	return s
}

func SlotJumpAddress(addr uint32) Slot {
	var s Slot
	s[0] = byte(JumpAddress)
	uint32ToBytes(addr, s[1:5])
	return s
}

func (s Slot) AsInt32() int32   { return int32(uint32FromBytes(s[1:5])) }
func (s Slot) AsUInt32() uint32 { return uint32FromBytes(s[1:5]) }
func (s Slot) AsSingle() float32 {
	return math.Float32frombits(uint32FromBytes(s[1:5]))
}
func (s Slot) AsBoolean() bool         { return s[1] != 0 }
func (s Slot) AsReferenceID() uint32   { return uint32FromBytes(s[1:5]) }
func (s Slot) AsJumpAddress() uint32   { return uint32FromBytes(s[1:5]) }

// --- low-level byte helpers, in the teacher's register-machine style ---

func uint32FromBytes(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func uint32ToBytes(v uint32, dst []byte) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func uint16FromBytes(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func uint16ToBytes(v uint16, dst []byte) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
}

func int32FromBytes(b []byte) int32   { return int32(uint32FromBytes(b)) }
func float32FromBytes(b []byte) float32 {
	return math.Float32frombits(uint32FromBytes(b))
}
func float32ToBytes(v float32, dst []byte) {
	uint32ToBytes(math.Float32bits(v), dst)
}

// copyVal is the single choke point for heterogeneous assignment between a
// source and destination typed memory location.
//
// Boolean widening from an integer source is rejected: the commented-out
// path in the reference implementation was never exercised there, and
// copyVal's contract below is a closed list -- Boolean only accepts Boolean.
func copyVal(dstType TypeCode, dst []byte, srcType TypeCode, src []byte) error {
	switch dstType {
	case Boolean:
		if srcType != Boolean {
			return fmt.Errorf("%w: Boolean <- %s", errCopyValIncompatible, srcType)
		}
		dst[0] = src[0]
		return nil

	case Byte, SByte:
		if !srcType.IsInteger() {
			return fmt.Errorf("%w: %s <- %s", errCopyValIncompatible, dstType, srcType)
		}
		dst[0] = src[0]
		return nil

	case Char, Int16, UInt16:
		if !srcType.IsInteger() {
			return fmt.Errorf("%w: %s <- %s", errCopyValIncompatible, dstType, srcType)
		}
		v := widenToInt32(srcType, src)
		uint16ToBytes(uint16(v), dst[:2])
		return nil

	case Int32, UInt32:
		if !srcType.IsInteger() {
			return fmt.Errorf("%w: %s <- %s", errCopyValIncompatible, dstType, srcType)
		}
		v := widenToInt32(srcType, src)
		uint32ToBytes(uint32(v), dst[:4])
		return nil

	case Single:
		if srcType != Single {
			return fmt.Errorf("%w: Single <- %s", errCopyValIncompatible, srcType)
		}
		copy(dst[:4], src[:4])
		return nil

	case Address:
		if srcType != Address {
			return fmt.Errorf("%w: Address <- %s", errCopyValIncompatible, srcType)
		}
		copy(dst[:5], src[:5])
		return nil

	case ReferenceID:
		switch srcType {
		case ReferenceID:
			copy(dst[:4], src[:4])
			return nil
		case JumpAddress:
			return errAutoBoxRequired
		default:
			return fmt.Errorf("%w: ReferenceID <- %s", errCopyValIncompatible, srcType)
		}

	case JumpAddress:
		switch srcType {
		case JumpAddress:
			copy(dst[:4], src[:4])
			return nil
		case ReferenceID:
			return errAutoCopyRequired
		default:
			return fmt.Errorf("%w: JumpAddress <- %s", errCopyValIncompatible, srcType)
		}

	default:
		return fmt.Errorf("%w: unhandled destination type %s", errCopyValIncompatible, dstType)
	}
}

// errAutoBoxRequired and errAutoCopyRequired are sentinels internal to this
// file: they signal to the caller (frame/interp) of copyVal that the simple
// byte-copy path doesn't apply and the heap-aware auto-box / auto-copy path
// must run instead. They are never surfaced to a user.
var (
	errAutoBoxRequired  = fmt.Errorf("copy_val: ReferenceID <- JumpAddress requires auto-box")
	errAutoCopyRequired = fmt.Errorf("copy_val: JumpAddress <- ReferenceID requires auto-copy")
)

func widenToInt32(t TypeCode, b []byte) int32 {
	switch t {
	case Boolean, Byte:
		return int32(b[0])
	case SByte:
		return int32(int8(b[0]))
	case Char, UInt16:
		return int32(uint16FromBytes(b))
	case Int16:
		return int32(int16(uint16FromBytes(b)))
	case Int32, UInt32:
		return int32FromBytes(b)
	default:
		return 0
	}
}
