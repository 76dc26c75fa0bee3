package vm

import "fmt"

// MetaHeader is the first fixed-layout region of a program image. The
// image's byte layout is bit-exact, little-endian throughout; field order
// here must never change without bumping the on-disk format.
type MetaHeader struct {
	OperationIntervalUs int32
	EntryMethodOffset   int32
	ProgramDescSize     int32
	CodeChunkSize       int32
	VirtChunkSize       int32
	StaticsDescSize     int32
	RootClassID         int32
}

const metaHeaderSize = 7 * 4

// FieldDesc is one entry of a class's per-field table.
type FieldDesc struct {
	TypeCode TypeCode
	Offset   uint16
	Aux      int16 // -1 unless a reference field that must be eagerly instantiated
}

// ClassDesc is one entry of the program descriptor's per-class header table.
type ClassDesc struct {
	TotalSize    uint16
	FieldCount   uint8
	LayoutOffset uint32
	Fields       []FieldDesc
}

// MethodDesc describes one method body: its signature and its code bytes.
type MethodDesc struct {
	ReturnType  TypeCode
	ReturnClass int16
	ArgTypes    []FieldDesc // reuse {TypeCode, _, ClassAux} triples for args
	VarTypes    []FieldDesc
	MaxStack    int32
	Code        []byte
	// CodeOffset is the byte offset of Code within the code_chunk region,
	// i.e. the method's "entry IL pointer" that branch offsets are relative to.
	CodeOffset int32
}

// VirtEntry is one (class id, concrete method id) pair in a virtual method's
// dispatch list.
type VirtEntry struct {
	ClassID  uint16
	MethodID uint16
}

// StaticDesc is one entry of the statics descriptor table.
type StaticDesc struct {
	TypeCode    TypeCode
	AuxClassID  int16
}

// Image is a fully parsed program image: all descriptor tables resolved to
// Go-native slices, plus the raw bytes for anything that still needs a
// pointer-like image-relative offset (Address values, ldtoken metadata).
type Image struct {
	Raw []byte

	Meta MetaHeader

	CartIOOffsets []int32
	Classes       []ClassDesc

	Methods []MethodDesc

	// VirtTables maps a virtual method index to its list of dispatch entries.
	VirtTables   [][]VirtEntry
	VirtParamCnt []uint8

	Statics []StaticDesc

	dataRegionStart int
}

// ParseImage parses a program image per §6 of the runtime's external
// interface: meta_header, program_desc, code_chunk, virt_chunk, statics_desc,
// in that order, each exactly the size recorded in meta_header.
func ParseImage(raw []byte) (*Image, error) {
	if len(raw) < metaHeaderSize {
		return nil, fmt.Errorf("%w: image shorter than meta_header", errMalformedImage)
	}

	img := &Image{Raw: raw}
	off := 0

	img.Meta = MetaHeader{
		OperationIntervalUs: int32FromBytes(raw[off:]),
		EntryMethodOffset:   int32FromBytes(raw[off+4:]),
		ProgramDescSize:     int32FromBytes(raw[off+8:]),
		CodeChunkSize:       int32FromBytes(raw[off+12:]),
		VirtChunkSize:       int32FromBytes(raw[off+16:]),
		StaticsDescSize:     int32FromBytes(raw[off+20:]),
		RootClassID:         int32FromBytes(raw[off+24:]),
	}
	off += metaHeaderSize

	progDescEnd := off + int(img.Meta.ProgramDescSize)
	if progDescEnd > len(raw) {
		return nil, fmt.Errorf("%w: program_desc overruns image", errMalformedImage)
	}
	if err := parseProgramDesc(img, raw[off:progDescEnd]); err != nil {
		return nil, err
	}
	off = progDescEnd

	codeChunkEnd := off + int(img.Meta.CodeChunkSize)
	if codeChunkEnd > len(raw) {
		return nil, fmt.Errorf("%w: code_chunk overruns image", errMalformedImage)
	}
	if err := parseCodeChunk(img, raw[off:codeChunkEnd]); err != nil {
		return nil, err
	}
	off = codeChunkEnd

	virtChunkEnd := off + int(img.Meta.VirtChunkSize)
	if virtChunkEnd > len(raw) {
		return nil, fmt.Errorf("%w: virt_chunk overruns image", errMalformedImage)
	}
	if err := parseVirtChunk(img, raw[off:virtChunkEnd]); err != nil {
		return nil, err
	}
	off = virtChunkEnd

	staticsDescEnd := off + int(img.Meta.StaticsDescSize)
	if staticsDescEnd > len(raw) {
		return nil, fmt.Errorf("%w: statics_desc overruns image", errMalformedImage)
	}
	if err := parseStaticsDesc(img, raw[off:staticsDescEnd]); err != nil {
		return nil, err
	}
	off = staticsDescEnd

	img.dataRegionStart = off
	return img, nil
}

// dataRegionStart marks where statics_val_region begins: the byte immediately
// following statics_desc. The VM keeps the arena below this offset plus 8
// bytes per static out of the heap's reach (see VM.heapBoundary); the
// statics themselves live in a Go slice and frames in Go structs.
func (img *Image) DataRegionStart() int { return img.dataRegionStart }

func parseProgramDesc(img *Image, b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: program_desc truncated", errMalformedImage)
	}
	pos := 0
	cartIOCount := int(uint16FromBytes(b[pos:]))
	pos += 2

	img.CartIOOffsets = make([]int32, cartIOCount)
	for i := 0; i < cartIOCount; i++ {
		if pos+4 > len(b) {
			return fmt.Errorf("%w: cart_io_offsets truncated", errMalformedImage)
		}
		img.CartIOOffsets[i] = int32FromBytes(b[pos:])
		pos += 4
	}

	if pos+2 > len(b) {
		return fmt.Errorf("%w: class_count truncated", errMalformedImage)
	}
	classCount := int(uint16FromBytes(b[pos:]))
	pos += 2

	img.Classes = make([]ClassDesc, classCount)
	for i := 0; i < classCount; i++ {
		if pos+7 > len(b) {
			return fmt.Errorf("%w: per_class_header truncated", errMalformedImage)
		}
		img.Classes[i].TotalSize = uint16FromBytes(b[pos:])
		img.Classes[i].FieldCount = b[pos+2]
		img.Classes[i].LayoutOffset = uint32FromBytes(b[pos+3:])
		pos += 7
	}

	for i := range img.Classes {
		fc := int(img.Classes[i].FieldCount)
		fields := make([]FieldDesc, fc)
		for j := 0; j < fc; j++ {
			if pos+5 > len(b) {
				return fmt.Errorf("%w: per_class_fields truncated", errMalformedImage)
			}
			fields[j] = FieldDesc{
				TypeCode: TypeCode(b[pos]),
				Offset:   uint16FromBytes(b[pos+1:]),
				Aux:      int16(uint16FromBytes(b[pos+3:])),
			}
			pos += 5
		}
		img.Classes[i].Fields = fields
	}

	if classCount < int(img.Meta.RootClassID) {
		return fmt.Errorf("%w: root_class_id %d out of range", errBadClassIndex, img.Meta.RootClassID)
	}
	return nil
}

func parseCodeChunk(img *Image, b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: code_chunk truncated", errMalformedImage)
	}
	pos := 0
	methodCount := int(uint16FromBytes(b[pos:]))
	pos += 2

	type idxEntry = struct{ metaOffset, codeOffset int32 }
	idx := make([]idxEntry, methodCount)
	for i := 0; i < methodCount; i++ {
		if pos+8 > len(b) {
			return fmt.Errorf("%w: method_index_table truncated", errMalformedImage)
		}
		idx[i] = idxEntry{
			metaOffset: int32FromBytes(b[pos:]),
			codeOffset: int32FromBytes(b[pos+4:]),
		}
		pos += 8
	}

	img.Methods = make([]MethodDesc, methodCount)
	for i, e := range idx {
		mp := int(e.metaOffset)
		if mp < 0 || mp+4 > len(b) {
			return fmt.Errorf("%w: method %d meta offset out of range", errBadMethodIndex, i)
		}
		m := MethodDesc{}
		m.ReturnType = TypeCode(b[mp])
		m.ReturnClass = int16(uint16FromBytes(b[mp+1:]))
		mp += 3
		nArgs := int(uint16FromBytes(b[mp:]))
		mp += 2
		m.ArgTypes = make([]FieldDesc, nArgs)
		for a := 0; a < nArgs; a++ {
			m.ArgTypes[a] = FieldDesc{TypeCode: TypeCode(b[mp]), Aux: int16(uint16FromBytes(b[mp+1:]))}
			mp += 3
		}
		nVars := int(uint16FromBytes(b[mp:]))
		mp += 2
		m.VarTypes = make([]FieldDesc, nVars)
		for v := 0; v < nVars; v++ {
			m.VarTypes[v] = FieldDesc{TypeCode: TypeCode(b[mp]), Aux: int16(uint16FromBytes(b[mp+1:]))}
			mp += 3
		}
		m.MaxStack = int32FromBytes(b[mp:])
		mp += 4

		codeStart := int(e.codeOffset)
		codeEnd := methodBodyEnd(idx, i, len(b))
		if codeStart < mp || codeEnd > len(b) || codeStart > codeEnd {
			return fmt.Errorf("%w: method %d code bounds invalid", errMalformedImage, i)
		}
		m.Code = b[codeStart:codeEnd]
		m.CodeOffset = e.codeOffset
		img.Methods[i] = m
	}
	return nil
}

// methodBodyEnd finds where method i's code_bytes stop: the next method's
// code_offset, or the end of the chunk for the last method.
func methodBodyEnd(idx []struct{ metaOffset, codeOffset int32 }, i int, chunkLen int) int {
	if i+1 < len(idx) {
		return int(idx[i+1].codeOffset)
	}
	return chunkLen
}

func parseVirtChunk(img *Image, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if len(b) < 2 {
		return fmt.Errorf("%w: virt_chunk truncated", errMalformedImage)
	}
	pos := 0
	virtCount := int(uint16FromBytes(b[pos:]))
	pos += 2

	offsets := make([]uint16, virtCount)
	for i := 0; i < virtCount; i++ {
		if pos+2 > len(b) {
			return fmt.Errorf("%w: virt_offsets truncated", errMalformedImage)
		}
		offsets[i] = uint16FromBytes(b[pos:])
		pos += 2
	}

	img.VirtTables = make([][]VirtEntry, virtCount)
	img.VirtParamCnt = make([]uint8, virtCount)
	for i, tableOff := range offsets {
		p := int(tableOff)
		if p+2 > len(b) {
			return fmt.Errorf("%w: virt_tables entry %d truncated", errMalformedImage, i)
		}
		nClasses := int(b[p])
		paramCount := b[p+1]
		p += 2
		entries := make([]VirtEntry, nClasses)
		for c := 0; c < nClasses; c++ {
			if p+4 > len(b) {
				return fmt.Errorf("%w: virt_tables entry %d classes truncated", errMalformedImage, i)
			}
			entries[c] = VirtEntry{
				ClassID:  uint16FromBytes(b[p:]),
				MethodID: uint16FromBytes(b[p+2:]),
			}
			p += 4
		}
		img.VirtTables[i] = entries
		img.VirtParamCnt[i] = paramCount
	}
	return nil
}

func parseStaticsDesc(img *Image, b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: statics_desc truncated", errMalformedImage)
	}
	pos := 0
	count := int(uint16FromBytes(b[pos:]))
	pos += 2
	img.Statics = make([]StaticDesc, count)
	for i := 0; i < count; i++ {
		if pos+3 > len(b) {
			return fmt.Errorf("%w: per_static truncated", errMalformedImage)
		}
		img.Statics[i] = StaticDesc{
			TypeCode:   TypeCode(b[pos]),
			AuxClassID: int16(uint16FromBytes(b[pos+1:])),
		}
		pos += 3
	}
	return nil
}
