package vm

import "fmt"

// Bytecode is the one-byte opcode tag the interpreter switches on. Grouped
// by family per the component design: loads, address-loads, stores,
// indirect, arithmetic, conversions, comparisons, branches, object ops,
// method ops, and a small set of stack-shape opcodes (ldc/dup/pop/ret).
type Bytecode byte

const (
	Nop Bytecode = iota

	// constants
	LdcI4
	LdcR4
	LdNull

	// loads
	Ldarg
	Ldloc
	Ldsfld
	Ldfld
	Ldelem

	// address loads
	Ldarga
	Ldloca
	Ldsflda
	Ldflda
	Ldelema

	// stores
	Starg
	Stloc
	Stsfld
	Stfld
	Stelem

	// indirect
	Ldind
	Stind

	// arithmetic
	Add
	Sub
	Mul
	Div
	DivUn
	Rem
	RemUn
	And
	Or
	Xor
	Shl
	Shr
	ShrUn
	Neg
	Not

	// conversions
	ConvI1
	ConvU1
	ConvI2
	ConvU2
	ConvI4
	ConvU4
	ConvR4
	ConvRUn

	// comparisons
	Ceq
	Cgt
	CgtUn
	Clt
	CltUn

	// branches
	Br
	Brtrue
	Brfalse
	Beq
	Bge
	Bgt
	Ble
	Blt
	BgeUn
	BgtUn
	BleUn
	BltUn
	Switch

	// object ops
	Newobj
	Newarr
	Newstr
	Ldlen
	Initobj

	// method ops
	Call
	CallBuiltin
	Callvirt
	Ldftn
	Ldtoken

	// stack shape
	Dup
	Pop
	Ret

	numBytecodes
)

var bytecodeNames = [numBytecodes]string{
	Nop: "nop", LdcI4: "ldc.i4", LdcR4: "ldc.r4", LdNull: "ldnull",
	Ldarg: "ldarg", Ldloc: "ldloc", Ldsfld: "ldsfld", Ldfld: "ldfld", Ldelem: "ldelem",
	Ldarga: "ldarga", Ldloca: "ldloca", Ldsflda: "ldsflda", Ldflda: "ldflda", Ldelema: "ldelema",
	Starg: "starg", Stloc: "stloc", Stsfld: "stsfld", Stfld: "stfld", Stelem: "stelem",
	Ldind: "ldind", Stind: "stind",
	Add: "add", Sub: "sub", Mul: "mul", Div: "div", DivUn: "div.un",
	Rem: "rem", RemUn: "rem.un", And: "and", Or: "or", Xor: "xor",
	Shl: "shl", Shr: "shr", ShrUn: "shr.un", Neg: "neg", Not: "not",
	ConvI1: "conv.i1", ConvU1: "conv.u1", ConvI2: "conv.i2", ConvU2: "conv.u2",
	ConvI4: "conv.i4", ConvU4: "conv.u4", ConvR4: "conv.r4", ConvRUn: "conv.r.un",
	Ceq: "ceq", Cgt: "cgt", CgtUn: "cgt.un", Clt: "clt", CltUn: "clt.un",
	Br: "br", Brtrue: "brtrue", Brfalse: "brfalse",
	Beq: "beq", Bge: "bge", Bgt: "bgt", Ble: "ble", Blt: "blt",
	BgeUn: "bge.un", BgtUn: "bgt.un", BleUn: "ble.un", BltUn: "blt.un", Switch: "switch",
	Newobj: "newobj", Newarr: "newarr", Newstr: "newstr", Ldlen: "ldlen", Initobj: "initobj",
	Call: "call", CallBuiltin: "call.builtin", Callvirt: "callvirt", Ldftn: "ldftn", Ldtoken: "ldtoken",
	Dup: "dup", Pop: "pop", Ret: "ret",
}

func (b Bytecode) String() string {
	if int(b) < len(bytecodeNames) && bytecodeNames[b] != "" {
		return bytecodeNames[b]
	}
	return fmt.Sprintf("Bytecode(0x%02x)", byte(b))
}

// NumOpArgBytes returns how many immediate operand bytes follow this opcode
// in the code stream. Most opcodes taking an operand carry a little-endian
// int32; Switch carries a variable-length jump table handled separately by
// the interpreter.
func (b Bytecode) NumOpArgBytes() int {
	switch b {
	case Nop, Add, Sub, Mul, Div, DivUn, Rem, RemUn, And, Or, Xor, Shl, Shr, ShrUn,
		Neg, Not, ConvI1, ConvU1, ConvI2, ConvU2, ConvI4, ConvU4, ConvR4, ConvRUn,
		Ceq, Cgt, CgtUn, Clt, CltUn, Ldind, Stind, Ldlen, Dup, Pop, Ret, LdNull, Initobj,
		Ldelem, Stelem, Ldelema:
		return 0
	case LdcI4, LdcR4,
		Ldarg, Ldloc, Ldsfld, Ldfld,
		Ldarga, Ldloca, Ldsflda, Ldflda,
		Starg, Stloc, Stsfld, Stfld,
		Br, Brtrue, Brfalse, Beq, Bge, Bgt, Ble, Blt, BgeUn, BgtUn, BleUn, BltUn,
		Ldftn, Ldtoken, Callvirt, CallBuiltin:
		return 4
	case Call:
		return 4
	case Newobj:
		return 8 // class_id:i32, method_id:i32 (negative: no constructor is called; built-in ctors are not dispatched)
	case Newarr:
		return 5 // elem type:u8, pad, length handled on stack
	case Newstr:
		return 0
	case Switch:
		return -1 // variable length, interpreter reads the case count itself
	default:
		return 0
	}
}

// IsBranch reports whether b transfers control relative to the method's
// entry IL pointer rather than falling through to the next instruction.
func (b Bytecode) IsBranch() bool {
	switch b {
	case Br, Brtrue, Brfalse, Beq, Bge, Bgt, Ble, Blt, BgeUn, BgtUn, BleUn, BltUn, Switch:
		return true
	default:
		return false
	}
}

// IsComparison reports whether b pops two operands and pushes a Boolean-
// valued Int32 (0/1).
func (b Bytecode) IsComparison() bool {
	switch b {
	case Ceq, Cgt, CgtUn, Clt, CltUn:
		return true
	default:
		return false
	}
}
