package ooa

import (
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
)

// Fixed offsets inside the .ooa section, shared by every layout.
const (
	fingerprintOffset = 0x2A
	contentIDStart    = 0x42
	contentIDEnd      = 0x241
	importTableOffset = 0x242

	// relocHeaderSkip separates the thunk tables from the relocation
	// reservation header.
	relocHeaderSkip = 72
)

// Fingerprint returns the layout tag stored at 0x2A.
func Fingerprint(section []byte) ([FingerprintSize]byte, error) {
	var fp [FingerprintSize]byte
	if len(section) < fingerprintOffset+FingerprintSize {
		return fp, errors.Wrapf(ErrContainerFormat, ".ooa section of %d bytes has no version fingerprint", len(section))
	}
	copy(fp[:], section[fingerprintOffset:])
	return fp, nil
}

// Decode identifies the layout of an .ooa section and decodes it.
func (u *Unpacker) Decode(section []byte) (*Descriptor, error) {
	fp, err := Fingerprint(section)
	if err != nil {
		return nil, err
	}
	layout, err := LookupLayout(fp)
	if err != nil {
		return nil, err
	}
	u.log.Info("parsing .ooa section", "version", layout.Version, "product", layout.Product)
	return u.DecodeLayout(section, layout)
}

// DecodeLayout decodes section with a given layout, bypassing the
// fingerprint lookup.
func (u *Unpacker) DecodeLayout(section []byte, layout *Layout) (*Descriptor, error) {
	d := &Descriptor{Layout: layout.Version}

	var err error
	if d.ContentID, err = readContentID(section); err != nil {
		return nil, err
	}

	c := NewCursor(section)
	if _, err := c.Seek(importTableOffset, io.SeekStart); err != nil {
		return nil, errors.WithMessage(err, "import table")
	}
	if err := skipImports(c); err != nil {
		return nil, errors.WithMessage(err, "import descriptors")
	}
	if err := skipThunks(c); err != nil {
		return nil, errors.WithMessage(err, "IAT thunks")
	}
	if err := skipThunks(c); err != nil {
		return nil, errors.WithMessage(err, "original thunks")
	}
	if err := skipRelocations(c); err != nil {
		return nil, errors.WithMessage(err, "relocation reservation")
	}
	if err := skipTLS(c, layout.TLSCallbacks); err != nil {
		return nil, errors.WithMessage(err, "TLS directory")
	}

	skip := layout.entrySkip(c.Pos())
	u.log.Debug("entry point alignment", "offset", hclog.Hex(int(c.Pos())), "skip", skip)
	if err := c.Skip(skip); err != nil {
		return nil, errors.WithMessage(err, "entry point alignment")
	}
	if d.EntryPoint, err = c.U32(); err != nil {
		return nil, errors.WithMessage(err, "entry point")
	}
	if d.Blocks, err = readBlocks(c); err != nil {
		return nil, errors.WithMessage(err, "encrypted block table")
	}
	u.log.Debug("block table end", "offset", hclog.Hex(int(c.Pos())), "blocks", len(d.Blocks))

	if err := c.Skip(layout.trailingSkip(len(d.Blocks))); err != nil {
		return nil, errors.WithMessage(err, "block table padding")
	}
	marker, err := c.U8()
	if err != nil {
		return nil, errors.WithMessage(err, "marker")
	}
	if layout.CheckMarker && marker != 1 {
		if err := u.inconsistent("marker byte at 0x%x is %d, want 1", c.Pos()-1, marker); err != nil {
			return nil, err
		}
	}

	if err := readTrailer(c, d); err != nil {
		return nil, errors.WithMessage(err, "image header values")
	}
	return d, nil
}

// readContentID decodes the NUL-terminated UTF-16LE label at 0x42. An odd
// trailing byte of the window is ignored.
func readContentID(section []byte) (string, error) {
	if len(section) < contentIDEnd {
		return "", errors.Wrapf(ErrTruncated, "content ID window ends at 0x%x, section is %d bytes", contentIDEnd, len(section))
	}
	window := section[contentIDStart:contentIDEnd]
	window = window[:len(window)&^1]
	for i := 0; i < len(window); i += 2 {
		if window[i] == 0 && window[i+1] == 0 {
			window = window[:i]
			break
		}
	}

	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	id, err := dec.Bytes(window)
	if err != nil {
		return "", errors.Wrap(ErrContainerFormat, "content ID is not UTF-16")
	}
	if strings.TrimSpace(string(id)) == "" {
		return "", errors.Wrap(ErrContainerFormat, "empty content ID")
	}
	return string(id), nil
}

// skipImports reads import descriptors up to and including the one with a
// zero Characteristics field.
func skipImports(c *Cursor) error {
	for {
		var rec importRecord
		if err := c.Record(&rec); err != nil {
			return err
		}
		if rec.Characteristics == 0 {
			return nil
		}
	}
}

// skipThunks reads thunks up to and including the one with a zero function.
func skipThunks(c *Cursor) error {
	for {
		var rec thunkRecord
		if err := c.Record(&rec); err != nil {
			return err
		}
		if rec.Function == 0 {
			return nil
		}
	}
}

// skipRelocations skips the relocation scratch buffer. Its capacity, not the
// size of the relocations actually stored, decides how far to move.
func skipRelocations(c *Cursor) error {
	if err := c.Skip(relocHeaderSkip); err != nil {
		return err
	}
	maxSize, err := c.U32()
	if err != nil {
		return err
	}
	if _, err := c.U32(); err != nil { // new relocation size, unused
		return err
	}
	return c.Skip(int64(maxSize))
}

func skipTLS(c *Cursor, callbacks bool) error {
	// directory, callback array, first callback
	if _, err := c.U32(); err != nil {
		return err
	}
	if _, err := c.U32(); err != nil {
		return err
	}
	if _, err := c.U64(); err != nil {
		return err
	}
	if !callbacks {
		return nil
	}
	for {
		va, err := c.U64()
		if err != nil {
			return err
		}
		if va == 0 {
			return nil
		}
	}
}

func readBlocks(c *Cursor) ([]EncryptedBlock, error) {
	n, err := c.U8()
	if err != nil {
		return nil, err
	}
	blocks := make([]EncryptedBlock, n)
	for i := range blocks {
		if err := c.Record(&blocks[i]); err != nil {
			return nil, errors.WithMessagef(err, "block %d of %d", i, n)
		}
	}
	return blocks, nil
}

func readTrailer(c *Cursor, d *Descriptor) error {
	var err error
	if d.ImageBase, err = c.U64(); err != nil {
		return err
	}
	if d.SizeOfImage, err = c.U32(); err != nil {
		return err
	}
	for _, dd := range []*DataDirectory{&d.ImportDirectory, &d.RelocationDirectory, &d.IATDirectory} {
		if err := c.Record(dd); err != nil {
			return err
		}
	}
	return nil
}
