package ooa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"testing"

	"golang.org/x/text/encoding/unicode"

	"github.com/BigApex/rse-ooa-decrypt/internal/petest"
)

// ooaSection describes the contents of a synthetic .ooa section.
type ooaSection struct {
	layout    *Layout
	contentID string

	imports   int
	thunks    int
	relocMax  uint32
	callbacks []uint64

	entryPoint  uint32
	blocks      []EncryptedBlock
	marker      byte
	imageBase   uint64
	sizeOfImage uint32
	dirs        [3]DataDirectory
}

func newOOASection(l *Layout) *ooaSection {
	return &ooaSection{
		layout:      l,
		contentID:   "Origin.OFR.50.0001234",
		imports:     2,
		thunks:      3,
		relocMax:    0x40,
		callbacks:   []uint64{0x140001000, 0x140001100},
		entryPoint:  0x1A2B,
		marker:      1,
		imageBase:   petest.DefaultImageBase,
		sizeOfImage: 0x4000,
		dirs: [3]DataDirectory{
			{VirtualAddress: 0x2000, Size: 0x28},
			{VirtualAddress: 0x3000, Size: 0x10},
			{VirtualAddress: 0x2100, Size: 0x30},
		},
	}
}

func (s *ooaSection) descriptor() *Descriptor {
	return &Descriptor{
		Layout:              s.layout.Version,
		ContentID:           s.contentID,
		EntryPoint:          s.entryPoint,
		Blocks:              s.blocks,
		ImageBase:           s.imageBase,
		SizeOfImage:         s.sizeOfImage,
		ImportDirectory:     s.dirs[0],
		RelocationDirectory: s.dirs[1],
		IATDirectory:        s.dirs[2],
	}
}

func (s *ooaSection) bytes(t *testing.T) []byte {
	t.Helper()
	le := binary.LittleEndian
	var b bytes.Buffer
	put := func(v any) {
		if err := binary.Write(&b, le, v); err != nil {
			t.Fatal(err)
		}
	}
	pad := func(to int) {
		b.Write(make([]byte, to-b.Len()))
	}

	pad(fingerprintOffset)
	fp := s.layout.Fingerprint()
	b.Write(fp[:])

	pad(contentIDStart)
	id, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(s.contentID)
	if err != nil {
		t.Fatal(err)
	}
	b.WriteString(id)
	pad(importTableOffset)

	for i := 0; i < s.imports; i++ {
		put(importRecord{Characteristics: 0x3000 + uint32(i)*0x20, Name: 0x3400 + uint32(i)*0x10, FirstThunk: 0x2100})
	}
	put(importRecord{})
	for table := 0; table < 2; table++ {
		for i := 0; i < s.thunks; i++ {
			put(thunkRecord{Function: 0x3500 + uint32(i)*8, DataAddress: uint32(table)})
		}
		put(thunkRecord{})
	}

	b.Write(make([]byte, relocHeaderSkip))
	put(s.relocMax)
	put(s.relocMax / 2)
	b.Write(bytes.Repeat([]byte{0xEE}, int(s.relocMax)))

	put(uint32(0x6000))
	put(uint32(0x6010))
	put(uint64(0x140006020))
	if s.layout.TLSCallbacks {
		for _, cb := range s.callbacks {
			put(cb)
		}
		put(uint64(0))
	}

	b.Write(make([]byte, s.layout.entrySkip(int64(b.Len()))))
	put(s.entryPoint)
	b.WriteByte(byte(len(s.blocks)))
	for _, blk := range s.blocks {
		put(blk)
	}
	// A negative skip moves the decoder back into the block table; the
	// marker and trailer written below are then never read.
	if skip := s.layout.trailingSkip(len(s.blocks)); skip > 0 {
		b.Write(make([]byte, skip))
	}
	b.WriteByte(s.marker)
	put(s.imageBase)
	put(s.sizeOfImage)
	for _, dd := range s.dirs {
		put(dd)
	}
	return b.Bytes()
}

// buildLicense returns a license file carrying key.
func buildLicense(t *testing.T, key []byte) []byte {
	t.Helper()
	doc := "<?xml version=\"1.0\" encoding=\"UTF-8\"?><License><ContentId>Origin.OFR.50.0001234</ContentId><CipherKey>" +
		base64.StdEncoding.EncodeToString(key) + "</CipherKey></License>"
	return encryptLicense(t, []byte(doc))
}

func encryptLicense(t *testing.T, doc []byte) []byte {
	t.Helper()
	n := aes.BlockSize - len(doc)%aes.BlockSize
	pt := append(append([]byte(nil), doc...), bytes.Repeat([]byte{byte(n)}, n)...)

	c, err := aes.NewCipher(licenseKey[:])
	if err != nil {
		t.Fatal(err)
	}
	ct := make([]byte, len(pt))
	cipher.NewCBCEncrypter(c, make([]byte, aes.BlockSize)).CryptBlocks(ct, pt)

	return append(bytes.Repeat([]byte{0x5A}, licenseHeaderSize), ct...)
}

// encryptSection encrypts the raw data of the section starting at start in
// place, using the 16 bytes before it as IV.
func encryptSection(t *testing.T, image []byte, key []byte, start, end int) {
	t.Helper()
	c, err := aes.NewCipher(key)
	if err != nil {
		t.Fatal(err)
	}
	iv := append([]byte(nil), image[start-aes.BlockSize:start]...)
	cipher.NewCBCEncrypter(c, iv).CryptBlocks(image[start:end], image[start:end])
}

var testKey = []byte("AB12345678901234")

// plainText returns size bytes of recognisable section content.
func plainText(seed byte, size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = seed + byte(i%61)
	}
	return b
}

// packedImage is a protected PE32+ image with .text and .data encrypted and
// an .rdata section holding the import table between them.
type packedImage struct {
	plain  []byte
	packed []byte
	desc   *Descriptor
	built  petest.Built
}

func buildPacked(t *testing.T, sec *ooaSection) *packedImage {
	t.Helper()
	text := plainText(0x10, 0x400)
	rdata, imports, iat := petest.ImportTable(0x2000, false, "KERNEL32.dll", []string{"ExitProcess", "GetProcAddress"})
	sec.dirs[0] = DataDirectory{VirtualAddress: imports[0], Size: imports[1]}
	sec.dirs[2] = DataDirectory{VirtualAddress: iat[0], Size: iat[1]}
	data := plainText(0x40, 0x200)

	sec.blocks = []EncryptedBlock{
		{VirtualAddress: 0x1000, RawSize: 0x400, VirtualSize: 0x400},
		{VirtualAddress: 0x3000, RawSize: 0x200, VirtualSize: 0x200},
	}
	img := &petest.Image{
		EntryPoint: 0x4000,
		Sections: []petest.Section{
			{Name: ".text", VirtualAddress: 0x1000, Data: text},
			{Name: ".rdata", VirtualAddress: 0x2000, Data: rdata},
			{Name: ".data", VirtualAddress: 0x3000, Data: data},
			{Name: ".ooa", VirtualAddress: 0x4000, Data: sec.bytes(t)},
		},
	}
	// Imports and relocations in the container point into .ooa.
	img.Directories[1] = [2]uint32{0x4100, 0x14}
	img.Directories[5] = [2]uint32{0x4200, 0x8}
	img.Directories[12] = [2]uint32{0x4300, 0x10}

	built := img.Build()
	plain := append([]byte(nil), built.Bytes...)
	packed := built.Bytes
	o := built.Offsets
	// .data first: its IV lies in .rdata, which stays in clear.
	encryptSection(t, packed, testKey, int(o[2]), int(o[2])+0x200)
	encryptSection(t, packed, testKey, int(o[0]), int(o[0])+0x400)

	return &packedImage{plain: plain, packed: packed, desc: sec.descriptor(), built: built}
}
