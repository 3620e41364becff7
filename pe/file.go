package pe

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

type File struct {
	DOSHeader
	NtHeader
	Sections []*Section
	Imports  []*Import
	Header   []byte

	OverlayOffset int64

	Is64 bool
	Is32 bool
	size uint32
	data []byte
	sr   *io.SectionReader
	mm   mmap.MMap
}

// Open maps filename read-only and parses it. The mapping is released by
// Close; slices returned by Bytes are invalid afterwards.
func Open(filename string) (*File, error) {
	fh, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = fh.Close()
	}()

	stat, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size() < MinFileSize {
		return nil, ErrInvalidPESize
	}

	m, err := mmap.Map(fh, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s", filename)
	}

	file, err := NewBytes(m)
	if err != nil {
		_ = m.Unmap()
		return nil, err
	}
	file.mm = m
	return file, nil
}

// NewBytes parses the headers and section table of an in-memory image. data
// is not copied and must not be modified while the File is in use.
func NewBytes(data []byte) (*File, error) {
	if len(data) < MinFileSize {
		return nil, ErrInvalidPESize
	}
	if uint64(len(data)) > math.MaxUint32 {
		return nil, errors.Errorf("image of %d bytes exceeds the PE size limit", len(data))
	}

	file := &File{
		data: data,
		size: uint32(len(data)),
	}
	file.sr = io.NewSectionReader(bytes.NewReader(data), 0, int64(file.size))

	if err := file.readDOSHeader(); err != nil {
		return nil, err
	}

	if err := file.readNTHeader(); err != nil {
		return nil, err
	}

	if err := file.readSections(); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *File) Close() error {
	if f.mm != nil {
		err := f.mm.Unmap()
		f.mm = nil
		return err
	}
	return nil
}

// Bytes returns the whole underlying image.
func (f *File) Bytes() []byte {
	return f.data
}

func (f *File) GetSize() uint32 {
	return f.size
}

func (f *File) Section(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// LastSection returns the last entry of the section table, or nil.
func (f *File) LastSection() *Section {
	if len(f.Sections) == 0 {
		return nil
	}
	return f.Sections[len(f.Sections)-1]
}

// SectionByVirtualAddress returns the section starting exactly at va.
func (f *File) SectionByVirtualAddress(va uint32) *Section {
	for _, s := range f.Sections {
		if s.VirtualAddress == va {
			return s
		}
	}
	return nil
}

// ReadUint16 read a uint16 from a buffer.
func (f *File) ReadUint16(offset uint32) (uint16, error) {
	if uint64(offset)+2 > uint64(f.size) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(f.data[offset:]), nil
}

// ReadUint32 read a uint32 from a buffer.
func (f *File) ReadUint32(offset uint32) (uint32, error) {
	if uint64(offset)+4 > uint64(f.size) {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(f.data[offset:]), nil
}

func (f *File) GetData(rva, length uint32) ([]byte, error) {
	section := f.getSectionByRva(rva)
	if section == nil {
		end := uint64(rva) + uint64(length)
		if end > uint64(f.size) {
			return nil, errors.New("data at RVA can't be fetched. Corrupt header?")
		}
		return f.data[rva:end], nil
	}
	return section.GetData(rva, length, f), nil
}

func (f *File) SectionContains(rva uint32, section *Section) bool {
	var size uint32
	adjustedPointer := f.adjustFileAlignment(section.Offset)
	if adjustedPointer > f.size || f.size-adjustedPointer < section.Size {
		size = section.VirtualSize
	} else {
		size = Max(section.Size, section.VirtualSize)
	}
	vaAdj := f.adjustSectionAlignment(section.VirtualAddress)

	// Check whether there's any section after the current one that starts before
	// the calculated end for the current one. If so, cut the current section's
	// size to fit in the range up to where the next section starts.
	if next := f.nextHeaderAddr(section); next != 0 && next > section.VirtualAddress && vaAdj+size > next {
		size = next - vaAdj
	}

	return vaAdj <= rva && rva < vaAdj+size
}

// nextHeaderAddr returns the VirtualAddress of the section following s in
// virtual address order.
func (f *File) nextHeaderAddr(s *Section) uint32 {
	var next uint32
	for _, c := range f.Sections {
		if c.VirtualAddress > s.VirtualAddress && (next == 0 || c.VirtualAddress < next) {
			next = c.VirtualAddress
		}
	}
	return next
}

func (f *File) structUnpack(iface interface{}, offset, size uint32) error {
	totalSize := offset + size

	// Integer overflow
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}

	if offset >= f.size || totalSize > f.size {
		return ErrOutsideBoundary
	}

	return binary.Read(bytes.NewReader(f.data[offset:totalSize]), binary.LittleEndian, iface)
}

func (f *File) adjustSectionAlignment(va uint32) uint32 {
	fileAlignment := f.FileAlignment()
	sectionAlignment := f.SectionAlignment()

	if sectionAlignment < 0x1000 {
		sectionAlignment = fileAlignment
	}

	if sectionAlignment != 0 && va%sectionAlignment != 0 {
		return sectionAlignment * (va / sectionAlignment)
	}
	return va
}

func (f *File) adjustFileAlignment(va uint32) uint32 {
	if f.FileAlignment() < uint32(FileAlignmentHardcodedValue) {
		return va
	}
	return (va / 0x200) * 0x200
}

func (f *File) getOffsetFromRva(rva uint32) uint32 {
	section := f.getSectionByRva(rva)
	if section == nil {
		if rva < f.size {
			return rva
		}
		return ^uint32(0)
	}
	sectionAlignment := f.adjustSectionAlignment(section.VirtualAddress)
	fileAlignment := f.adjustFileAlignment(section.Offset)
	return rva - sectionAlignment + fileAlignment
}

func (f *File) getSectionByRva(rva uint32) *Section {
	for _, section := range f.Sections {
		if f.SectionContains(rva, section) {
			return section
		}
	}
	return nil
}

func (f *File) getStringAtRVA(rva, maxLen uint32) string {
	if rva == 0 {
		return ""
	}

	offset := f.getOffsetFromRva(rva)
	if offset >= f.size {
		return ""
	}
	end := offset + maxLen
	if end > f.size || end < offset {
		end = f.size
	}
	return cString(f.data[offset:end])
}
