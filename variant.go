package ooa

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/pkg/errors"
)

// FingerprintSize is the size of the version tag stored in the section.
const FingerprintSize = sha1.Size

// Layout holds the constants that distinguish one on-disk .ooa layout from
// another. All of them were measured on shipped binaries and must be kept
// exactly as they are.
type Layout struct {
	// Version is the protection release; its SHA-1 is the fingerprint stored
	// in the section.
	Version string
	Product string

	// TLSCallbacks marks layouts that store a NUL-terminated list of
	// 64-bit TLS callback addresses after the TLS header.
	TLSCallbacks bool

	// When EntryAlignModulus is set the cursor is moved forward to the next
	// position congruent to EntryAlign modulo EntryAlignModulus before the
	// entry point is read.
	EntryAlign        int64
	EntryAlignModulus int64

	// TrailingSkip is the distance from the end of the block table to the
	// marker byte. With ReservedBlocks set, the table is a fixed array of
	// that many descriptors and the unused slots are skipped as well.
	TrailingSkip   int64
	ReservedBlocks int

	// CheckMarker enables the marker == 1 consistency check.
	CheckMarker bool
}

// Fingerprint returns the tag identifying the layout.
func (l *Layout) Fingerprint() [FingerprintSize]byte {
	return sha1.Sum([]byte(l.Version))
}

// entrySkip returns the padding before the entry point at position pos.
func (l *Layout) entrySkip(pos int64) int64 {
	if l.EntryAlignModulus == 0 {
		return 0
	}
	m := l.EntryAlignModulus
	skip := (l.EntryAlign - pos%m) % m
	if skip < 0 {
		skip += m
	}
	return skip
}

// trailingSkip returns the distance to the marker byte after n blocks. It is
// negative when more blocks than reserved slots were present.
func (l *Layout) trailingSkip(n int) int64 {
	if l.ReservedBlocks == 0 {
		return l.TrailingSkip
	}
	return encryptedBlockSize*int64(l.ReservedBlocks-n) + l.TrailingSkip
}

var layouts = []*Layout{
	{
		Version:      "5.00.01.35",
		Product:      "Titanfall 2",
		TrailingSkip: 393,
		CheckMarker:  true,
	},
	{
		Version:      "5.02.04.66",
		Product:      "Apex Legends (S11.1)",
		TrailingSkip: 392,
		CheckMarker:  true,
	},
	{
		// The marker is not 1 on this release.
		Version:      "5.02.08.75",
		Product:      "Skate (CPT)",
		TrailingSkip: 0xF0 + 8,
	},
	{
		Version:           "5.02.15.92",
		Product:           "Battlefield 2042",
		TLSCallbacks:      true,
		EntryAlign:        0x1EA,
		EntryAlignModulus: 0x100,
		TrailingSkip:      8,
		ReservedBlocks:    10,
		CheckMarker:       true,
	},
}

var layoutsByFingerprint = func() map[[FingerprintSize]byte]*Layout {
	m := make(map[[FingerprintSize]byte]*Layout, len(layouts))
	for _, l := range layouts {
		m[l.Fingerprint()] = l
	}
	return m
}()

// Layouts returns the known layouts, oldest first.
func Layouts() []*Layout {
	return append([]*Layout(nil), layouts...)
}

// LookupLayout returns the layout tagged with fp.
func LookupLayout(fp [FingerprintSize]byte) (*Layout, error) {
	l, ok := layoutsByFingerprint[fp]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownVariant, "fingerprint %s", hex.EncodeToString(fp[:]))
	}
	return l, nil
}
