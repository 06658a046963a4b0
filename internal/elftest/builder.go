// Package elftest builds small synthetic ELF32 images for tests.
//
// The layout is fixed: ELF header, one PT_LOAD program header, the .data
// bytes, then the symbol and string tables and finally the section headers.
// Sections are emitted as: null, .data, .bss, [.dynsym, .dynstr,] .symtab,
// .strtab, .shstrtab.
package elftest

import (
	"bytes"
	"encoding/binary"
)

// Addresses used by every built image.
const (
	DataAddr = 0x20000000
	BSSAddr  = 0x20001000
	LoadAddr = 0x00010000
)

// Section names a symbol can live in.
const (
	SectionData      = ".data"
	SectionBSS       = ".bss"
	SectionUndefined = "UNDEF"
	SectionAbsolute  = "ABS"
	SectionCommon    = "COMMON"
)

const (
	ehdrSize = 52
	phdrSize = 32
	shdrSize = 40
	symSize  = 16

	shtProgbits = 1
	shtSymtab   = 2
	shtStrtab   = 3
	shtNobits   = 8
	shtDynsym   = 11

	shnAbs    = 0xfff1
	shnCommon = 0xfff2
)

// Symbol describes one symbol table entry.
type Symbol struct {
	Name    string
	Section string
	// Offset is relative to the start of Section.
	Offset uint32
	Size   uint32
	// Dynamic places the symbol in .dynsym instead of .symtab.
	Dynamic bool
}

// Builder assembles an image.
type Builder struct {
	Order   binary.ByteOrder
	Data    []byte
	BSSSize uint32
	Symbols []Symbol
	// NoPaddr leaves the PT_LOAD physical address zero.
	NoPaddr bool
	// NoLoad emits the program header as PT_NULL.
	NoLoad bool
	// EmptyDynsym emits a zero-length .dynsym when no symbol is Dynamic.
	EmptyDynsym bool
}

// Provisionable returns a builder for an image carrying a 32-byte
// master_key and an 8-byte utc_time in .data, filled with 0xAA.
func Provisionable(order binary.ByteOrder) *Builder {
	data := bytes.Repeat([]byte{0xAA}, 64)
	return &Builder{
		Order:   order,
		Data:    data,
		BSSSize: 32,
		Symbols: []Symbol{
			{Name: "master_key", Section: SectionData, Offset: 8, Size: 32},
			{Name: "utc_time", Section: SectionData, Offset: 48, Size: 8},
		},
	}
}

// DataOffset is the file offset of the first .data byte.
func DataOffset() int {
	return ehdrSize + phdrSize
}

type section struct {
	name      string
	typ       uint32
	flags     uint32
	addr      uint32
	off       uint32
	size      uint32
	link      uint32
	info      uint32
	align     uint32
	entsize   uint32
	nameIndex uint32
}

// Build returns the encoded image.
func (b *Builder) Build() []byte {
	order := b.Order
	if order == nil {
		order = binary.LittleEndian
	}

	var static, dynamic []Symbol
	for _, s := range b.Symbols {
		if s.Dynamic {
			dynamic = append(dynamic, s)
		} else {
			static = append(static, s)
		}
	}

	sections := []*section{
		{},
		{name: ".data", typ: shtProgbits, flags: 0x3, addr: DataAddr, align: 4},
		{name: ".bss", typ: shtNobits, flags: 0x3, addr: BSSAddr, align: 4},
	}
	index := map[string]uint32{".data": 1, ".bss": 2}

	var dynsym, dynstr *section
	if len(dynamic) > 0 || b.EmptyDynsym {
		dynsym = &section{name: ".dynsym", typ: shtDynsym, align: 4, entsize: symSize, info: 1}
		dynstr = &section{name: ".dynstr", typ: shtStrtab, align: 1}
		sections = append(sections, dynsym, dynstr)
		dynsym.link = uint32(len(sections) - 1)
	}
	symtab := &section{name: ".symtab", typ: shtSymtab, align: 4, entsize: symSize, info: 1}
	strtab := &section{name: ".strtab", typ: shtStrtab, align: 1}
	shstrtab := &section{name: ".shstrtab", typ: shtStrtab, align: 1}
	sections = append(sections, symtab, strtab, shstrtab)
	symtab.link = uint32(len(sections) - 2)
	shstrndx := len(sections) - 1

	var buf bytes.Buffer
	buf.Write(make([]byte, ehdrSize+phdrSize))

	dataOff := uint32(buf.Len())
	buf.Write(b.Data)
	pad(&buf, 4)
	sections[1].off = dataOff
	sections[1].size = uint32(len(b.Data))
	// .bss has no file bytes; its offset points at whatever follows .data.
	sections[2].off = uint32(buf.Len())
	sections[2].size = b.BSSSize

	if dynsym != nil && len(dynamic) == 0 {
		dynsym.off = uint32(buf.Len())
		dynstr.off = dynsym.off
	} else if dynsym != nil {
		syms, strs := b.encodeSymbols(order, dynamic, index)
		dynsym.off = uint32(buf.Len())
		dynsym.size = uint32(len(syms))
		buf.Write(syms)
		dynstr.off = uint32(buf.Len())
		dynstr.size = uint32(len(strs))
		buf.Write(strs)
		pad(&buf, 4)
	}

	syms, strs := b.encodeSymbols(order, static, index)
	symtab.off = uint32(buf.Len())
	symtab.size = uint32(len(syms))
	buf.Write(syms)
	strtab.off = uint32(buf.Len())
	strtab.size = uint32(len(strs))
	buf.Write(strs)

	names := []byte{0}
	for _, s := range sections[1:] {
		s.nameIndex = uint32(len(names))
		names = append(names, s.name...)
		names = append(names, 0)
	}
	shstrtab.off = uint32(buf.Len())
	shstrtab.size = uint32(len(names))
	buf.Write(names)
	pad(&buf, 4)

	shoff := uint32(buf.Len())
	for _, s := range sections {
		var sh [shdrSize]byte
		order.PutUint32(sh[0:], s.nameIndex)
		order.PutUint32(sh[4:], s.typ)
		order.PutUint32(sh[8:], s.flags)
		order.PutUint32(sh[12:], s.addr)
		order.PutUint32(sh[16:], s.off)
		order.PutUint32(sh[20:], s.size)
		order.PutUint32(sh[24:], s.link)
		order.PutUint32(sh[28:], s.info)
		order.PutUint32(sh[32:], s.align)
		order.PutUint32(sh[36:], s.entsize)
		buf.Write(sh[:])
	}

	out := buf.Bytes()

	ident := out[:16]
	copy(ident, []byte{0x7f, 'E', 'L', 'F', 1, 1, 1})
	if order == binary.BigEndian {
		ident[5] = 2
	}
	order.PutUint16(out[16:], 2)  // ET_EXEC
	order.PutUint16(out[18:], 40) // EM_ARM
	order.PutUint32(out[20:], 1)
	order.PutUint32(out[24:], DataAddr)
	order.PutUint32(out[28:], ehdrSize)
	order.PutUint32(out[32:], shoff)
	order.PutUint32(out[36:], 0)
	order.PutUint16(out[40:], ehdrSize)
	order.PutUint16(out[42:], phdrSize)
	order.PutUint16(out[44:], 1)
	order.PutUint16(out[46:], shdrSize)
	order.PutUint16(out[48:], uint16(len(sections)))
	order.PutUint16(out[50:], uint16(shstrndx))

	ph := out[ehdrSize : ehdrSize+phdrSize]
	paddr := uint32(LoadAddr)
	if b.NoPaddr {
		paddr = 0
	}
	ptype := uint32(1) // PT_LOAD
	if b.NoLoad {
		ptype = 0
	}
	order.PutUint32(ph[0:], ptype)
	order.PutUint32(ph[4:], dataOff)
	order.PutUint32(ph[8:], DataAddr)
	order.PutUint32(ph[12:], paddr)
	order.PutUint32(ph[16:], uint32(len(b.Data)))
	order.PutUint32(ph[20:], uint32(len(b.Data))+b.BSSSize)
	order.PutUint32(ph[24:], 6)
	order.PutUint32(ph[28:], 4)

	return out
}

func (b *Builder) encodeSymbols(order binary.ByteOrder, syms []Symbol, index map[string]uint32) ([]byte, []byte) {
	table := make([]byte, symSize*(len(syms)+1))
	strs := []byte{0}

	for i, s := range syms {
		ent := table[symSize*(i+1):]
		order.PutUint32(ent[0:], uint32(len(strs)))
		strs = append(strs, s.Name...)
		strs = append(strs, 0)

		var shndx uint16
		var value uint32
		switch s.Section {
		case SectionUndefined:
		case SectionAbsolute:
			shndx, value = shnAbs, s.Offset
		case SectionCommon:
			shndx, value = shnCommon, 4
		case SectionBSS:
			shndx, value = uint16(index[SectionBSS]), BSSAddr+s.Offset
		default:
			shndx, value = uint16(index[SectionData]), DataAddr+s.Offset
		}
		order.PutUint32(ent[4:], value)
		order.PutUint32(ent[8:], s.Size)
		ent[12] = 0x11 // STB_GLOBAL, STT_OBJECT
		order.PutUint16(ent[14:], shndx)
	}

	return table, strs
}

func pad(buf *bytes.Buffer, align int) {
	for buf.Len()%align != 0 {
		buf.WriteByte(0)
	}
}
