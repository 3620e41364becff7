package pe

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/BigApex/rse-ooa-decrypt/internal/petest"
)

func fourSections(is32 bool) *petest.Image {
	return &petest.Image{
		Is32:       is32,
		EntryPoint: 0x1234,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, Data: bytes.Repeat([]byte{0xCC}, 0x400)},
			{Name: ".rdata", VirtualAddress: 0x2000, Data: bytes.Repeat([]byte{0x11}, 0x200)},
			{Name: ".data", VirtualAddress: 0x3000, Data: bytes.Repeat([]byte{0x22}, 0x200)},
			{Name: ".ooa", VirtualAddress: 0x4000, Data: bytes.Repeat([]byte{0x33}, 0x200)},
		},
	}
}

func TestNewBytes(t *testing.T) {
	tests := []struct {
		name string
		is32 bool
	}{
		{name: "PE32+", is32: false},
		{name: "PE32", is32: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := fourSections(tt.is32)
			img.Directories[ImageDirectoryEntryBaseReLoc] = [2]uint32{0x3000, 0x10}
			built := img.Build()

			f, err := NewBytes(built.Bytes)
			if err != nil {
				t.Fatal(err)
			}
			if f.Is64 == tt.is32 || f.Is32 != tt.is32 {
				t.Errorf("Is64 = %v, Is32 = %v", f.Is64, f.Is32)
			}
			if f.EntryPoint() != 0x1234 {
				t.Errorf("EntryPoint() = 0x%x, want 0x1234", f.EntryPoint())
			}
			if f.SizeOfImage() != 0x5000 {
				t.Errorf("SizeOfImage() = 0x%x, want 0x5000", f.SizeOfImage())
			}
			if got := f.DataDirectory(ImageDirectoryEntryBaseReLoc); got != (DataDirectory{0x3000, 0x10}) {
				t.Errorf("DataDirectory(BaseReLoc) = %+v", got)
			}

			last := f.LastSection()
			if last == nil || last.Name != ".ooa" || last.Index != 3 {
				t.Fatalf("LastSection() = %+v", last)
			}
			if last.Offset != built.Offsets[3] {
				t.Errorf("LastSection().Offset = 0x%x, want 0x%x", last.Offset, built.Offsets[3])
			}
			wantHeader := f.SectionTableOffset() + 3*SectionHeaderSize
			if last.HeaderOffset != wantHeader {
				t.Errorf("HeaderOffset = 0x%x, want 0x%x", last.HeaderOffset, wantHeader)
			}
			if s := f.SectionByVirtualAddress(0x2000); s == nil || s.Name != ".rdata" {
				t.Errorf("SectionByVirtualAddress(0x2000) = %+v", s)
			}
			if s := f.SectionByVirtualAddress(0x2001); s != nil {
				t.Errorf("SectionByVirtualAddress(0x2001) = %+v, want nil", s)
			}

			data, err := f.Section(".rdata").Data()
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(data, bytes.Repeat([]byte{0x11}, 0x200)) {
				t.Error("Section(.rdata).Data() returned unexpected bytes")
			}
		})
	}
}

func TestNewBytesErrors(t *testing.T) {
	valid := fourSections(false).Build().Bytes

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 'X'

	badNT := append([]byte(nil), valid...)
	badNT[petest.ELfanew] = 'X'

	badTable := append([]byte(nil), valid...)
	badTable[petest.ELfanew+6] = 0xff
	badTable[petest.ELfanew+7] = 0xff

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "tiny", data: valid[:MinFileSize-1], want: ErrInvalidPESize},
		{name: "dos magic", data: badMagic, want: ErrInvalidDOS},
		{name: "nt signature", data: badNT, want: ErrInvalidNT},
		{name: "section table", data: badTable, want: ErrOutsideBoundary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBytes(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewBytes() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOverlay(t *testing.T) {
	img := fourSections(false)
	f, err := NewBytes(img.Build().Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if o := f.Overlay(); o != nil {
		t.Errorf("Overlay() = %+v, want nil", o)
	}

	img.Overlay = append([]byte{0x1f, 0x8b, 0x08}, make([]byte, 61)...)
	built := img.Build()
	f, err = NewBytes(built.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	o := f.Overlay()
	if o == nil {
		t.Fatal("Overlay() = nil")
	}
	if o.Offset != int64(len(built.Bytes)-64) || o.Size != 64 {
		t.Errorf("Overlay() = %+v", o)
	}
	if o.FileType != "application/gzip" {
		t.Errorf("Overlay().FileType = %q, want application/gzip", o.FileType)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.exe")
	if err := os.WriteFile(path, fourSections(false).Build().Bytes, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Sections) != 4 {
		t.Errorf("Open() parsed %d sections, want 4", len(f.Sections))
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestEntropy(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want float64
	}{
		{name: "empty", data: nil, want: 0},
		{name: "constant", data: bytes.Repeat([]byte{7}, 64), want: 0},
		{name: "two symbols", data: bytes.Repeat([]byte{0, 1}, 32), want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Entropy(tt.data); got != tt.want {
				t.Errorf("Entropy() = %v, want %v", got, tt.want)
			}
		})
	}
}
