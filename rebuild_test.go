package ooa

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"

	"github.com/BigApex/rse-ooa-decrypt/internal/petest"
	"github.com/BigApex/rse-ooa-decrypt/pe"
)

const (
	optionalHeader = petest.ELfanew + 24
	sectionCount   = petest.ELfanew + 6
)

func dirOffset(is32 bool, idx int) int {
	if is32 {
		return optionalHeader + 96 + idx*8
	}
	return optionalHeader + 112 + idx*8
}

func putDir(b []byte, off int, dd DataDirectory) {
	binary.LittleEndian.PutUint32(b[off:], dd.VirtualAddress)
	binary.LittleEndian.PutUint32(b[off+4:], dd.Size)
}

func TestRebuildRegular(t *testing.T) {
	tests := []struct {
		name        string
		sizeOfImage uint32
		want        uint32
	}{
		{name: "recorded size", sizeOfImage: 0x4000, want: 0x4000},
		{name: "derived size", sizeOfImage: 0, want: 0x4000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sec := newOOASection(layoutByVersion(t, "5.00.01.35"))
			sec.sizeOfImage = tt.sizeOfImage
			p := buildPacked(t, sec)
			f, err := pe.NewBytes(p.packed)
			if err != nil {
				t.Fatal(err)
			}

			out, err := testUnpacker(t, true).Rebuild(p.plain, f, p.desc)
			if err != nil {
				t.Fatal(err)
			}

			vendor := int(p.built.Offsets[3])
			want := append([]byte(nil), p.plain[:vendor]...)
			le := binary.LittleEndian
			le.PutUint16(want[sectionCount:], 3)
			table := petest.ELfanew + 24 + 240
			clear(want[table+3*40 : table+4*40])
			le.PutUint32(want[optionalHeader+petest.OffEntryPoint:], sec.entryPoint)
			le.PutUint32(want[optionalHeader+petest.OffSizeOfImage:], tt.want)
			putDir(want, dirOffset(false, pe.ImageDirectoryEntryImport), p.desc.ImportDirectory)
			putDir(want, dirOffset(false, pe.ImageDirectoryEntryBaseReLoc), p.desc.RelocationDirectory)
			putDir(want, dirOffset(false, pe.ImageDirectoryEntryIat), p.desc.IATDirectory)

			if len(out) != vendor {
				t.Fatalf("len(out) = 0x%x, want 0x%x", len(out), vendor)
			}
			if !bytes.Equal(out, want) {
				t.Error("rebuilt image differs from the expected one")
			}

			uf, err := pe.NewBytes(out)
			if err != nil {
				t.Fatal(err)
			}
			if len(uf.Sections) != 3 || uf.LastSection().Name != ".data" {
				t.Errorf("sections after rebuild: %d, last %q", len(uf.Sections), uf.LastSection().Name)
			}
		})
	}
}

func TestRebuildIrregular(t *testing.T) {
	sec := newOOASection(layoutByVersion(t, "5.02.08.75"))
	sec.dirs[1] = DataDirectory{}
	p := buildPacked(t, sec)
	f, err := pe.NewBytes(p.packed)
	if err != nil {
		t.Fatal(err)
	}

	out, err := testUnpacker(t, true).Rebuild(p.plain, f, p.desc)
	if err != nil {
		t.Fatal(err)
	}

	want := append([]byte(nil), p.plain...)
	binary.LittleEndian.PutUint32(want[optionalHeader+petest.OffEntryPoint:], sec.entryPoint)
	putDir(want, dirOffset(false, pe.ImageDirectoryEntryImport), p.desc.ImportDirectory)
	putDir(want, dirOffset(false, pe.ImageDirectoryEntryIat), p.desc.IATDirectory)
	if !bytes.Equal(out, want) {
		t.Error("rebuilt image differs from the expected one")
	}

	uf, err := pe.NewBytes(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(uf.Sections) != 4 {
		t.Errorf("len(Sections) = %d, want 4", len(uf.Sections))
	}
	if uf.SizeOfImage() != f.SizeOfImage() {
		t.Errorf("SizeOfImage() = 0x%x, want 0x%x", uf.SizeOfImage(), f.SizeOfImage())
	}
	if got := uf.DataDirectory(pe.ImageDirectoryEntryBaseReLoc); got != f.DataDirectory(pe.ImageDirectoryEntryBaseReLoc) {
		t.Errorf("relocation directory changed to %+v", got)
	}
}

func TestRebuildPE32(t *testing.T) {
	img := &petest.Image{
		Is32: true,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, Data: plainText(5, 0x200)},
			{Name: ".ooa", VirtualAddress: 0x2000, Data: make([]byte, 0x200)},
		},
	}
	built := img.Build()
	f, err := pe.NewBytes(built.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	d := &Descriptor{
		EntryPoint:          0x1010,
		ImageBase:           0x400000,
		ImportDirectory:     DataDirectory{VirtualAddress: 0x1100, Size: 0x28},
		RelocationDirectory: DataDirectory{VirtualAddress: 0x1180, Size: 0x0C},
		IATDirectory:        DataDirectory{VirtualAddress: 0x1000, Size: 0x40},
	}

	out, err := testUnpacker(t, true).Rebuild(built.Bytes, f, d)
	if err != nil {
		t.Fatal(err)
	}
	uf, err := pe.NewBytes(out)
	if err != nil {
		t.Fatal(err)
	}
	if uf.EntryPoint() != 0x1010 || uf.SizeOfImage() != 0x2000 || len(uf.Sections) != 1 {
		t.Errorf("EntryPoint = 0x%x, SizeOfImage = 0x%x, sections = %d", uf.EntryPoint(), uf.SizeOfImage(), len(uf.Sections))
	}
	for idx, want := range map[int]DataDirectory{
		pe.ImageDirectoryEntryImport:    d.ImportDirectory,
		pe.ImageDirectoryEntryBaseReLoc: d.RelocationDirectory,
		pe.ImageDirectoryEntryIat:       d.IATDirectory,
	} {
		got := uf.DataDirectory(idx)
		if got.VirtualAddress != want.VirtualAddress || got.Size != want.Size {
			t.Errorf("DataDirectory(%d) = %+v, want %+v", idx, got, want)
		}
		off := dirOffset(true, idx)
		if va, err := uf.ReadUint32(uint32(off)); err != nil || va != want.VirtualAddress {
			t.Errorf("directory %d not at 0x%x: 0x%x, %v", idx, off, va, err)
		}
	}
}

func TestRebuildCrossCheck(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *ooaSection)
	}{
		{name: "image base", modify: func(s *ooaSection) { s.imageBase = 0x180000000 }},
		{name: "size of image", modify: func(s *ooaSection) { s.sizeOfImage = 0x7000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sec := newOOASection(layoutByVersion(t, "5.02.04.66"))
			tt.modify(sec)
			p := buildPacked(t, sec)
			f, err := pe.NewBytes(p.packed)
			if err != nil {
				t.Fatal(err)
			}

			if _, err := testUnpacker(t, true).Rebuild(p.plain, f, p.desc); !errors.Is(err, ErrConsistency) {
				t.Errorf("strict Rebuild() error = %v, want ErrConsistency", err)
			}
			if _, err := testUnpacker(t, false).Rebuild(p.plain, f, p.desc); err != nil {
				t.Errorf("Rebuild() error = %v", err)
			}
		})
	}
}
