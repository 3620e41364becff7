package pe

import (
	"io"
)

type offsetAndSize struct {
	offset, size uint32
}

// getOverlayDataStartOffset returns the first file offset not claimed by the
// headers, a section or a data directory, or 0 when nothing trails them.
func (f *File) getOverlayDataStartOffset() uint32 {
	if f.OptionalHeader == nil {
		return 0
	}

	var largest offsetAndSize
	consider := func(c offsetAndSize) {
		sum := uint64(c.offset) + uint64(c.size)
		if sum <= uint64(f.size) && sum > uint64(largest.offset)+uint64(largest.size) {
			largest = c
		}
	}

	consider(offsetAndSize{
		offset: f.OptionalHeaderOffset(),
		size:   uint32(f.FileHeader.SizeOfOptionalHeader),
	})

	for _, section := range f.Sections {
		consider(offsetAndSize{offset: section.Offset, size: section.Size})
	}

	for idx := 0; idx < 16; idx++ {
		// The certificate table is itself overlay data.
		if idx == ImageDirectoryEntrySecurity {
			continue
		}
		dd := f.DataDirectory(idx)
		if dd.VirtualAddress == 0 {
			continue
		}
		consider(offsetAndSize{offset: f.getOffsetFromRva(dd.VirtualAddress), size: dd.Size})
	}

	if end := largest.offset + largest.size; end < f.size {
		return end
	}
	return 0
}

// GetOverlay returns a reader over the bytes trailing the image, or nil.
func (f *File) GetOverlay() *io.SectionReader {
	f.OverlayOffset = int64(f.getOverlayDataStartOffset())
	if f.OverlayOffset != 0 {
		return io.NewSectionReader(f.sr, f.OverlayOffset, int64(f.size)-f.OverlayOffset)
	}
	return nil
}

// Overlay is a summary of the data appended after the last section.
type Overlay struct {
	Offset   int64
	Size     int64
	FileType string
	Entropy  float64
}

// Overlay describes the trailing data, or returns nil when there is none.
func (f *File) Overlay() *Overlay {
	rs := f.GetOverlay()
	if rs == nil {
		return nil
	}

	var e EntropyCalculator
	_, _ = io.Copy(&e, io.NewSectionReader(rs, 0, rs.Size()))

	head := make([]byte, 1024)
	n, _ := rs.ReadAt(head, 0)
	return &Overlay{
		Offset:   f.OverlayOffset,
		Size:     rs.Size(),
		FileType: FileType(head[:n]),
		Entropy:  e.Sum(),
	}
}
