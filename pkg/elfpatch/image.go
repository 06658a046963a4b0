// Package elfpatch locates named variables inside an ELF image and overwrites
// their initial value in place.
//
// An Image never caches section or symbol metadata: every operation parses the
// buffer again, so an offset is never computed against a stale layout.
package elfpatch

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

// Symbols written during provisioning.
const (
	MasterKeySymbol = "master_key"
	UTCTimeSymbol   = "utc_time"
)

// TimestampSize is the width of the encoded utc_time value.
const TimestampSize = 8

// Image is a mutable in-memory ELF binary.
type Image struct {
	buf []byte
}

// Target is the resolved file location of a symbol.
type Target struct {
	Name    string
	Section string
	Offset  int64
	// Size is the declared st_size; 0 means unknown at compile time.
	Size int64
}

// Segment is a loadable region and the address it is programmed at.
type Segment struct {
	Addr     uint64
	Offset   uint64
	FileSize uint64
	MemSize  uint64
}

// NewImage wraps raw image bytes. The slice is patched in place.
func NewImage(raw []byte) *Image {
	return &Image{buf: raw}
}

// Bytes returns the current image contents.
func (img *Image) Bytes() []byte {
	return img.buf
}

// Len returns the image size in bytes.
func (img *Image) Len() int {
	return len(img.buf)
}

// Endianness reads the byte order from the ELF identification header.
func (img *Image) Endianness() (binary.ByteOrder, error) {
	if len(img.buf) < elf.EI_NIDENT || string(img.buf[:4]) != elf.ELFMAG {
		return nil, errors.Wrap(errors.ErrInvalid, "not an ELF image")
	}

	switch elf.Data(img.buf[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		return binary.LittleEndian, nil
	case elf.ELFDATA2MSB:
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%w: unknown ELF data encoding %d", errors.ErrInvalid, img.buf[elf.EI_DATA])
	}
}

func (img *Image) parse() (*elf.File, error) {
	f, err := elf.NewFile(bytes.NewReader(img.buf))
	if err != nil {
		return nil, errors.Mark(errors.ErrInvalid, err)
	}
	return f, nil
}

// Resolve finds the file location of the named symbol.
//
// Both .symtab and .dynsym are searched in section order. Candidates in a
// section without file bytes (.bss) are skipped; writing at their nominal
// offset would clobber whatever the file actually holds there.
func (img *Image) Resolve(name string) (Target, error) {
	f, err := img.parse()
	if err != nil {
		return Target{}, err
	}
	defer f.Close()

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_SYMTAB && sec.Type != elf.SHT_DYNSYM {
			continue
		}
		// An empty table holds nothing to resolve.
		if sec.Size == 0 {
			continue
		}

		var syms []elf.Symbol
		if sec.Type == elf.SHT_SYMTAB {
			syms, err = f.Symbols()
		} else {
			syms, err = f.DynamicSymbols()
		}
		if errors.Is(err, elf.ErrNoSymbols) {
			continue
		}
		if err != nil {
			return Target{}, errors.Mark(errors.ErrInvalid, fmt.Errorf("read %s: %w", sec.Name, err))
		}

		for _, sym := range syms {
			if sym.Name != name {
				continue
			}

			switch {
			case sym.Section == elf.SHN_UNDEF:
				return Target{}, fmt.Errorf("%w: %q is imported", errors.ErrUndefined, name)
			case sym.Section >= elf.SHN_LORESERVE:
				return Target{}, fmt.Errorf("%w: %q has special section index %s", errors.ErrUnpatchable, name, sym.Section)
			case int(sym.Section) >= len(f.Sections):
				return Target{}, fmt.Errorf("%w: %q refers to missing section %d", errors.ErrUnpatchable, name, sym.Section)
			}

			owner := f.Sections[sym.Section]
			if owner.Type == elf.SHT_NOBITS {
				slog.Debug("elf_symbol_skipped", "symbol", name, "section", owner.Name, "reason", "no_file_bytes")
				continue
			}

			return Target{
				Name:    name,
				Section: owner.Name,
				Offset:  int64(owner.Offset) + int64(sym.Value-owner.Addr),
				Size:    int64(sym.Size),
			}, nil
		}
	}

	return Target{}, fmt.Errorf("%w: symbol %q", errors.ErrNotFound, name)
}

// Patch overwrites len(data) bytes at the target offset.
func (img *Image) Patch(t Target, data []byte) error {
	if t.Size != 0 && t.Size != int64(len(data)) {
		return fmt.Errorf("%w: symbol %q is %d bytes, payload is %d", errors.ErrSizeMismatch, t.Name, t.Size, len(data))
	}
	if t.Offset < 0 || t.Offset+int64(len(data)) > int64(len(img.buf)) {
		return fmt.Errorf("%w: symbol %q at 0x%x+%d lies outside the %d byte image",
			errors.ErrInvalid, t.Name, t.Offset, len(data), len(img.buf))
	}

	copy(img.buf[t.Offset:], data)
	return nil
}

// PatchSymbol resolves name and writes data over its initial value.
func (img *Image) PatchSymbol(name string, data []byte) error {
	t, err := img.Resolve(name)
	if err != nil {
		return err
	}
	if err := img.Patch(t, data); err != nil {
		return err
	}

	slog.Info("elf_symbol_patched",
		"symbol", name,
		"section", t.Section,
		"offset", fmt.Sprintf("0x%x", t.Offset),
		"declared_size", t.Size,
		"bytes", len(data),
	)
	return nil
}

// ReadSymbol returns the bytes currently stored for name.
func (img *Image) ReadSymbol(name string) ([]byte, error) {
	t, err := img.Resolve(name)
	if err != nil {
		return nil, err
	}
	return img.ReadTarget(t, int(t.Size))
}

// ReadTarget returns a copy of n bytes at the target offset.
func (img *Image) ReadTarget(t Target, n int) ([]byte, error) {
	if t.Offset < 0 || n < 0 || t.Offset+int64(n) > int64(len(img.buf)) {
		return nil, fmt.Errorf("%w: read of %d bytes at 0x%x is out of range", errors.ErrInvalid, n, t.Offset)
	}
	out := make([]byte, n)
	copy(out, img.buf[t.Offset:])
	return out, nil
}

// LoadSegments lists the PT_LOAD segments. The load address is the physical
// address when set, otherwise the virtual address.
func (img *Image) LoadSegments() ([]Segment, error) {
	f, err := img.parse()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segs []Segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		addr := p.Paddr
		if addr == 0 {
			addr = p.Vaddr
		}
		segs = append(segs, Segment{
			Addr:     addr,
			Offset:   p.Off,
			FileSize: p.Filesz,
			MemSize:  p.Memsz,
		})
	}
	return segs, nil
}
