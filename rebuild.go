package ooa

import (
	"encoding/binary"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/BigApex/rse-ooa-decrypt/pe"
)

// pageSize is the virtual size the .ooa section adds to SizeOfImage.
const pageSize = 0x1000

// VendorSectionName is the name of the section holding the protection data.
const VendorSectionName = ".ooa"

// patcher writes little-endian values into buf and remembers the first write
// that fell outside of it.
type patcher struct {
	buf []byte
	err error
}

func (p *patcher) check(off uint32, n int, what string) bool {
	if p.err != nil {
		return false
	}
	if uint64(off)+uint64(n) > uint64(len(p.buf)) {
		p.err = errors.Wrapf(ErrContainerFormat, "%s at 0x%x is outside of the %d byte output", what, off, len(p.buf))
		return false
	}
	return true
}

func (p *patcher) u16(off uint32, v uint16, what string) {
	if p.check(off, 2, what) {
		binary.LittleEndian.PutUint16(p.buf[off:], v)
	}
}

func (p *patcher) u32(off uint32, v uint32, what string) {
	if p.check(off, 4, what) {
		binary.LittleEndian.PutUint32(p.buf[off:], v)
	}
}

func (p *patcher) zero(off uint32, n int, what string) {
	if p.check(off, n, what) {
		clear(p.buf[off : int(off)+n])
	}
}

// CrossCheck compares the image values recorded in d with the container's
// own headers.
func (u *Unpacker) CrossCheck(f *pe.File, d *Descriptor) error {
	if d.ImageBase != 0 && d.ImageBase != f.ImageBase() {
		if err := u.inconsistent("image base 0x%x differs from the header's 0x%x", d.ImageBase, f.ImageBase()); err != nil {
			return err
		}
	}
	if d.SizeOfImage != 0 {
		want := int64(f.SizeOfImage()) - pageSize
		if int64(d.SizeOfImage) != want {
			if err := u.inconsistent("size of image 0x%x, header implies 0x%x", d.SizeOfImage, want); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rebuild returns the unpacked image: image (already decrypted, laid out as
// f) with the header fields restored from d. Regular binaries lose their
// .ooa section; irregular ones keep it along with the section table and
// SizeOfImage.
func (u *Unpacker) Rebuild(image []byte, f *pe.File, d *Descriptor) ([]byte, error) {
	if err := u.CrossCheck(f, d); err != nil {
		return nil, err
	}
	return u.rebuild(image, f, d)
}

func (u *Unpacker) rebuild(image []byte, f *pe.File, d *Descriptor) ([]byte, error) {
	vendor := f.LastSection()
	if vendor == nil {
		return nil, errors.Wrap(ErrContainerFormat, "no sections")
	}

	regular := d.Regular()
	var out []byte
	if regular {
		if int(vendor.Offset) > len(image) {
			return nil, errors.Wrapf(ErrContainerFormat, "%s raw data at 0x%x is past the end of the image", vendor.Name, vendor.Offset)
		}
		out = append([]byte(nil), image[:vendor.Offset]...)
	} else {
		out = append([]byte(nil), image...)
	}

	p := &patcher{buf: out}
	oh := f.OptionalHeaderOffset()

	if regular {
		p.u16(f.AddressOfNewEXEHeader+pe.OffsetNumberOfSections, uint16(len(f.Sections)-1), "NumberOfSections")
		p.zero(vendor.HeaderOffset, pe.SectionHeaderSize, "section header "+vendor.Name)

		size := d.SizeOfImage
		if size == 0 {
			if f.SizeOfImage() < pageSize {
				return nil, errors.Wrapf(ErrContainerFormat, "SizeOfImage 0x%x is smaller than a page", f.SizeOfImage())
			}
			size = f.SizeOfImage() - pageSize
			u.log.Warn("deriving SizeOfImage from the header", "size", hclog.Hex(int(size)))
		}
		p.u32(oh+pe.OffsetSizeOfImage, size, "SizeOfImage")
	} else {
		u.log.Warn("irregular binary, keeping sections and SizeOfImage",
			"import", d.ImportDirectory, "reloc", d.RelocationDirectory, "iat", d.IATDirectory)
	}

	p.u32(oh+pe.OffsetAddressOfEntryPoint, d.EntryPoint, "AddressOfEntryPoint")

	dirs := []struct {
		name string
		idx  int
		dd   DataDirectory
	}{
		{"import", pe.ImageDirectoryEntryImport, d.ImportDirectory},
		{"relocation", pe.ImageDirectoryEntryBaseReLoc, d.RelocationDirectory},
		{"IAT", pe.ImageDirectoryEntryIat, d.IATDirectory},
	}
	for _, dir := range dirs {
		if !dir.dd.Present() {
			u.log.Warn("leaving data directory untouched", "directory", dir.name,
				"rva", hclog.Hex(int(dir.dd.VirtualAddress)), "size", hclog.Hex(int(dir.dd.Size)))
			continue
		}
		off := f.DataDirectoryOffset(dir.idx)
		p.u32(off, dir.dd.VirtualAddress, dir.name+" directory")
		p.u32(off+4, dir.dd.Size, dir.name+" directory")
	}

	if p.err != nil {
		return nil, p.err
	}
	return out, nil
}
