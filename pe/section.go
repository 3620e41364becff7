package pe

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type SectionHeader32 struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type SectionHeader struct {
	Name                 string
	VirtualSize          uint32
	VirtualAddress       uint32
	Size                 uint32
	Offset               uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type Section struct {
	SectionHeader

	// Index is the position of the section in the header table.
	Index int
	// HeaderOffset is the file offset of the section's 40-byte header.
	HeaderOffset uint32

	io.ReaderAt
	sr *io.SectionReader
}

// Data reads and returns the contents of the PE section s.
func (s *Section) Data() ([]byte, error) {
	dat := make([]byte, s.sr.Size())
	n, err := s.sr.ReadAt(dat, 0)
	if n == len(dat) {
		err = nil
	}
	return dat[0:n], err
}

// RawRange returns the [start, end) file range of the section's raw data.
// ok is false when the range does not lie inside a file of size bytes.
func (s *Section) RawRange(size int) (start, end int, ok bool) {
	start = int(s.Offset)
	end = start + int(s.Size)
	return start, end, end >= start && end <= size
}

func (s *Section) GetData(start, length uint32, f *File) []byte {
	pointerToRawDataAdj := f.adjustFileAlignment(s.Offset)
	virtualAddressAdj := f.adjustSectionAlignment(s.VirtualAddress)

	var offset uint32
	if start == 0 {
		offset = pointerToRawDataAdj
	} else {
		offset = (start - virtualAddressAdj) + pointerToRawDataAdj
	}

	if offset > f.size {
		return nil
	}

	var end uint32
	if length != 0 {
		end = offset + length
	} else {
		end = f.size
	}

	// PointerToRawData is not adjusted here as we might want to read any possible
	// extra bytes that might get cut off by aligning the start (and hence cutting
	// something off the end)
	if end > s.Offset+s.Size && s.Offset+s.Size > offset {
		end = s.Offset + s.Size
	}

	if end > f.size || end < offset {
		end = f.size
	}
	return f.data[offset:end]
}

// Open returns a new ReadSeeker reading the PE section s.
func (s *Section) Open() io.ReadSeeker {
	return io.NewSectionReader(s.sr, 0, 1<<63-1)
}

func (s *Section) MD5() string {
	hasher := md5.New()
	_, _ = io.Copy(hasher, s.Open())
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

func (s *Section) Entropy() float64 {
	var e EntropyCalculator
	_, _ = io.Copy(&e, s.Open())
	return e.Sum()
}

func (s *Section) Flags() (flags string) {
	if (ImageScnMemRead & s.Characteristics) == ImageScnMemRead {
		flags += "r"
	}
	if (ImageScnMemExecute & s.Characteristics) == ImageScnMemExecute {
		flags += "x"
	}
	if (ImageScnMemWrite & s.Characteristics) == ImageScnMemWrite {
		flags += "w"
	}
	return flags
}

// readSections keeps the header-table order; callers rely on the last entry
// being the last header.
func (f *File) readSections() error {
	offset := f.SectionTableOffset()
	n := uint32(f.FileHeader.NumberOfSections)
	if uint64(offset)+uint64(n)*SectionHeaderSize > uint64(f.size) {
		return errors.Wrapf(ErrOutsideBoundary, "section table of %d entries at 0x%x", n, offset)
	}

	r := bytes.NewReader(f.data[offset:])
	f.Sections = make([]*Section, n)
	for i := range f.Sections {
		sh := new(SectionHeader32)
		if err := binary.Read(r, binary.LittleEndian, sh); err != nil {
			return err
		}
		s := &Section{
			SectionHeader: SectionHeader{
				Name:                 cString(sh.Name[:]),
				VirtualSize:          sh.VirtualSize,
				VirtualAddress:       sh.VirtualAddress,
				Size:                 sh.SizeOfRawData,
				Offset:               sh.PointerToRawData,
				PointerToRelocations: sh.PointerToRelocations,
				PointerToLineNumbers: sh.PointerToLineNumbers,
				NumberOfRelocations:  sh.NumberOfRelocations,
				NumberOfLineNumbers:  sh.NumberOfLineNumbers,
				Characteristics:      sh.Characteristics,
			},
			Index:        i,
			HeaderOffset: offset + uint32(i)*SectionHeaderSize,
		}
		var r2 io.ReaderAt
		if sh.PointerToRawData == 0 { // .bss must have all 0s
			r2 = zeroReaderAt{}
		} else {
			r2 = f.sr
		}
		s.sr = io.NewSectionReader(r2, int64(s.Offset), int64(s.Size))
		s.ReaderAt = s.sr
		f.Sections[i] = s
	}

	end := offset + n*SectionHeaderSize
	lowest := uint32(0)
	for _, sec := range f.Sections {
		if sec.Offset == 0 {
			continue
		}
		if p := f.adjustFileAlignment(sec.Offset); lowest == 0 || p < lowest {
			lowest = p
		}
	}

	if lowest == 0 || lowest < end {
		f.Header = f.data[:end]
	} else if lowest <= f.size {
		f.Header = f.data[:lowest]
	}
	return nil
}

// zeroReaderAt is ReaderAt that reads 0s.
type zeroReaderAt struct{}

// ReadAt writes len(p) 0s into p.
func (w zeroReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
