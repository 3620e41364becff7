package pe

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type NtHeader struct {
	Signature      uint32
	FileHeader     FileHeader
	OptionalHeader any // of type *OptionalHeader32 or *OptionalHeader64
}

type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type OptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]DataDirectory
}

type OptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]DataDirectory
}

// Offsets of the fields rewritten by the unwrapper, relative to the start of
// the optional header. They are identical for PE32 and PE32+ except for the
// data directory array.
const (
	OffsetAddressOfEntryPoint = 16
	OffsetSizeOfImage         = 56
	offsetDataDirectory32     = 96
	offsetDataDirectory64     = 112
)

// OffsetNumberOfSections is relative to e_lfanew.
const OffsetNumberOfSections = SignatureSize + 2

func (f *File) readNTHeader() error {
	r := bytes.NewReader(f.data)
	if _, err := r.Seek(int64(f.DOSHeader.AddressOfNewEXEHeader), io.SeekStart); err != nil {
		return err
	}

	if err := binary.Read(r, binary.LittleEndian, &f.Signature); err != nil {
		return errors.Wrap(err, "failure to read NT signature")
	}
	if f.Signature != ImageNTHeaderSignature {
		return ErrInvalidNT
	}

	if err := binary.Read(r, binary.LittleEndian, &f.FileHeader); err != nil {
		return errors.Wrap(err, "failure to read file header")
	}

	oh, err := f.readOptionalHeader()
	if err != nil {
		return err
	}
	f.OptionalHeader = oh
	return nil
}

func (f *File) readOptionalHeader() (any, error) {
	sz := uint32(f.FileHeader.SizeOfOptionalHeader)
	if sz == 0 {
		return nil, nil
	}
	if sz < 2 {
		return nil, errors.New("optional header size is less than optional header magic size")
	}

	start := f.OptionalHeaderOffset()
	if start+sz > f.size {
		return nil, errors.Wrapf(ErrOutsideBoundary, "optional header (%d bytes at 0x%x)", sz, start)
	}
	raw := f.data[start : start+sz]

	// Both layouts carry the data directories last; the fixed part is read
	// from a zero-padded copy so a short directory array decodes cleanly.
	var (
		minSz int
		full  int
		dst   any
	)
	switch magic := binary.LittleEndian.Uint16(raw); magic {
	case OptionalHeaderMagic32:
		var oh32 OptionalHeader32
		minSz = binary.Size(oh32) - binary.Size(oh32.DataDirectory)
		full = binary.Size(oh32)
		dst = &oh32
		f.Is32 = true
	case OptionalHeaderMagic64:
		var oh64 OptionalHeader64
		minSz = binary.Size(oh64) - binary.Size(oh64.DataDirectory)
		full = binary.Size(oh64)
		dst = &oh64
		f.Is64 = true
	default:
		return nil, errors.Errorf("optional header has unexpected Magic of 0x%x", magic)
	}

	if int(sz) < minSz {
		return nil, errors.Errorf("optional header size(%d) is less minimum size (%d)", sz, minSz)
	}

	buf := make([]byte, full)
	copy(buf, raw)
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, dst); err != nil {
		return nil, errors.WithMessage(err, "failure to read optional header")
	}

	var n uint32
	switch oh := dst.(type) {
	case *OptionalHeader32:
		n = oh.NumberOfRvaAndSizes
		if oh.ImageBase%0x10000 != 0 {
			return nil, errors.New("corrupt PE file. Image base not aligned to 64 K")
		}
	case *OptionalHeader64:
		n = oh.NumberOfRvaAndSizes
		if oh.ImageBase%0x10000 != 0 {
			return nil, errors.New("corrupt PE file. Image base not aligned to 64 K")
		}
	}

	ddSz := uint32(binary.Size(DataDirectory{}))
	if n > 16 || sz-uint32(minSz) != n*ddSz {
		return nil, errors.Errorf("size of data directories("+
			"%d) is inconsistent with number of data directories(%d)", sz-uint32(minSz), n)
	}
	return dst, nil
}

// OptionalHeaderOffset returns the file offset of the optional header.
func (f *File) OptionalHeaderOffset() uint32 {
	return f.DOSHeader.AddressOfNewEXEHeader + NtHeaderSize
}

// SectionTableOffset returns the file offset of the first section header.
func (f *File) SectionTableOffset() uint32 {
	return f.OptionalHeaderOffset() + uint32(f.FileHeader.SizeOfOptionalHeader)
}

// DataDirectoryOffset returns the file offset of data directory entry idx.
func (f *File) DataDirectoryOffset(idx int) uint32 {
	base := uint32(offsetDataDirectory32)
	if f.Is64 {
		base = offsetDataDirectory64
	}
	return f.OptionalHeaderOffset() + base + uint32(idx)*8
}

func (f *File) ImageBase() uint64 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader64:
		return oh.ImageBase
	case *OptionalHeader32:
		return uint64(oh.ImageBase)
	}
	return 0
}

func (f *File) SizeOfImage() uint32 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader64:
		return oh.SizeOfImage
	case *OptionalHeader32:
		return oh.SizeOfImage
	}
	return 0
}

func (f *File) EntryPoint() uint32 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader64:
		return oh.AddressOfEntryPoint
	case *OptionalHeader32:
		return oh.AddressOfEntryPoint
	}
	return 0
}

func (f *File) FileAlignment() uint32 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader64:
		return oh.FileAlignment
	case *OptionalHeader32:
		return oh.FileAlignment
	}
	return 0
}

func (f *File) SectionAlignment() uint32 {
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader64:
		return oh.SectionAlignment
	case *OptionalHeader32:
		return oh.SectionAlignment
	}
	return 0
}

// DataDirectory returns entry idx, or a zero entry when the header does not
// carry it.
func (f *File) DataDirectory(idx int) DataDirectory {
	if idx < 0 || idx >= 16 {
		return DataDirectory{}
	}
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader64:
		if uint32(idx) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[idx]
		}
	case *OptionalHeader32:
		if uint32(idx) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[idx]
		}
	}
	return DataDirectory{}
}
