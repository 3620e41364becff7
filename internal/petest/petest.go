// Package petest builds small synthetic PE images for tests.
package petest

import (
	"encoding/binary"
)

const (
	ELfanew          = 0x80
	FileAlignment    = 0x200
	SectionAlignment = 0x1000
	DefaultImageBase = 0x140000000
)

// Optional header field offsets, relative to the optional header.
const (
	OffEntryPoint  = 16
	OffImageBase   = 24
	OffSizeOfImage = 56
)

type Section struct {
	Name            string
	VirtualAddress  uint32
	VirtualSize     uint32
	Data            []byte
	Characteristics uint32
}

type Image struct {
	Is32        bool
	ImageBase   uint64
	EntryPoint  uint32
	SizeOfImage uint32
	Directories [16][2]uint32
	Sections    []Section
	Overlay     []byte
}

// Built is an image serialised by Build.
type Built struct {
	Bytes []byte
	// Offsets holds the PointerToRawData of each section.
	Offsets []uint32
}

func align(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

// OptionalHeaderSize returns SizeOfOptionalHeader with 16 directories.
func (img *Image) OptionalHeaderSize() uint32 {
	if img.Is32 {
		return 224
	}
	return 240
}

// SectionTableOffset returns the file offset of the first section header.
func (img *Image) SectionTableOffset() uint32 {
	return ELfanew + 24 + img.OptionalHeaderSize()
}

// Build lays out the headers, then every section's raw data aligned to
// FileAlignment, then the overlay.
func (img *Image) Build() Built {
	le := binary.LittleEndian

	tableEnd := img.SectionTableOffset() + uint32(len(img.Sections))*40
	headers := align(tableEnd, FileAlignment)

	offsets := make([]uint32, len(img.Sections))
	pos := headers
	for i, s := range img.Sections {
		offsets[i] = pos
		pos += align(uint32(len(s.Data)), FileAlignment)
	}

	buf := make([]byte, pos, int(pos)+len(img.Overlay))

	// DOS header
	le.PutUint16(buf[0:], 0x5A4D)
	le.PutUint32(buf[0x3C:], ELfanew)

	// NT signature and file header
	nt := buf[ELfanew:]
	le.PutUint32(nt[0:], 0x00004550)
	machine := uint16(0x8664)
	if img.Is32 {
		machine = 0x14c
	}
	le.PutUint16(nt[4:], machine)
	le.PutUint16(nt[6:], uint16(len(img.Sections)))
	le.PutUint16(nt[20:], uint16(img.OptionalHeaderSize()))
	le.PutUint16(nt[22:], 0x22)

	imageBase := img.ImageBase
	if imageBase == 0 {
		imageBase = DefaultImageBase
		if img.Is32 {
			imageBase = 0x400000
		}
	}

	sizeOfImage := img.SizeOfImage
	if sizeOfImage == 0 {
		sizeOfImage = align(headers, SectionAlignment)
		for _, s := range img.Sections {
			vs := s.VirtualSize
			if vs == 0 {
				vs = uint32(len(s.Data))
			}
			if end := align(s.VirtualAddress+vs, SectionAlignment); end > sizeOfImage {
				sizeOfImage = end
			}
		}
	}

	oh := buf[ELfanew+24:]
	dirs := 112
	if img.Is32 {
		le.PutUint16(oh[0:], 0x10b)
		le.PutUint32(oh[28:], uint32(imageBase))
		le.PutUint32(oh[92:], 16)
		dirs = 96
	} else {
		le.PutUint16(oh[0:], 0x20b)
		le.PutUint64(oh[OffImageBase:], imageBase)
		le.PutUint32(oh[108:], 16)
	}
	le.PutUint32(oh[OffEntryPoint:], img.EntryPoint)
	le.PutUint32(oh[32:], SectionAlignment)
	le.PutUint32(oh[36:], FileAlignment)
	le.PutUint32(oh[OffSizeOfImage:], sizeOfImage)
	le.PutUint32(oh[60:], headers)
	le.PutUint16(oh[68:], 3)
	for i, d := range img.Directories {
		le.PutUint32(oh[dirs+i*8:], d[0])
		le.PutUint32(oh[dirs+i*8+4:], d[1])
	}

	// Section table and raw data
	table := buf[img.SectionTableOffset():]
	for i, s := range img.Sections {
		h := table[i*40:]
		copy(h[0:8], s.Name)
		vs := s.VirtualSize
		if vs == 0 {
			vs = uint32(len(s.Data))
		}
		le.PutUint32(h[8:], vs)
		le.PutUint32(h[12:], s.VirtualAddress)
		le.PutUint32(h[16:], align(uint32(len(s.Data)), FileAlignment))
		le.PutUint32(h[20:], offsets[i])
		chars := s.Characteristics
		if chars == 0 {
			chars = 0x40000040
		}
		le.PutUint32(h[36:], chars)
		copy(buf[offsets[i]:], s.Data)
	}

	buf = append(buf, img.Overlay...)
	return Built{Bytes: buf, Offsets: offsets}
}

// ImportTable lays out a single-library import directory at va and returns
// the section data with the import and IAT directory entries.
func ImportTable(va uint32, is32 bool, dll string, funcs []string) (data []byte, imports, iat [2]uint32) {
	le := binary.LittleEndian
	thunk := uint32(8)
	if is32 {
		thunk = 4
	}
	n := uint32(len(funcs))

	descOff := uint32(0)
	iltOff := uint32(0x40)
	iatOff := iltOff + (n+1)*thunk
	namesOff := align(iatOff+(n+1)*thunk, 2)

	var names []byte
	nameRVAs := make([]uint32, n)
	for i, fn := range funcs {
		nameRVAs[i] = va + namesOff + uint32(len(names))
		names = append(names, 0, 0)
		names = append(names, fn...)
		names = append(names, 0)
		if len(names)%2 == 1 {
			names = append(names, 0)
		}
	}
	dllOff := namesOff + uint32(len(names))

	data = make([]byte, align(dllOff+uint32(len(dll))+1, 16))
	copy(data[namesOff:], names)
	copy(data[dllOff:], dll)

	d := data[descOff:]
	le.PutUint32(d[0:], va+iltOff)
	le.PutUint32(d[12:], va+dllOff)
	le.PutUint32(d[16:], va+iatOff)

	for i, rva := range nameRVAs {
		for _, off := range []uint32{iltOff, iatOff} {
			p := off + uint32(i)*thunk
			if is32 {
				le.PutUint32(data[p:], rva)
			} else {
				le.PutUint64(data[p:], uint64(rva))
			}
		}
	}

	return data, [2]uint32{va + descOff, 40}, [2]uint32{va + iatOff, (n + 1) * thunk}
}
