package ooa

// DataDirectory is a PE data directory entry as stored in the .ooa section.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// Present reports whether the entry should replace the container's value.
// A zero address or size means the binary does not use the directory.
func (d DataDirectory) Present() bool {
	return d.VirtualAddress != 0 && d.Size != 0
}

// EncryptedBlock describes one encrypted section. Only VirtualAddress takes
// part in decryption; the rest is kept as found on disk.
type EncryptedBlock struct {
	VirtualAddress uint32
	RawSize        uint32
	VirtualSize    uint32
	Unknown        uint32
	CRC            uint32
	Unknown2       uint32
	CRC2           uint32
	Pad            uint32
	FileOffset     uint32
	Pad2           uint64
	Pad3           uint32
}

// encryptedBlockSize is the on-disk size of an EncryptedBlock.
const encryptedBlockSize = 0x30

// Descriptor is the version-independent view of a decoded .ooa section.
type Descriptor struct {
	// Layout is the version string of the layout the section was decoded with.
	Layout    string
	ContentID string
	// EntryPoint is the original entry point RVA.
	EntryPoint uint32
	Blocks     []EncryptedBlock
	// ImageBase is 0 when the layout does not record it.
	ImageBase uint64
	// SizeOfImage excludes the .ooa section; 0 means derive it from the
	// container.
	SizeOfImage uint32

	ImportDirectory     DataDirectory
	RelocationDirectory DataDirectory
	IATDirectory        DataDirectory
}

// Regular reports whether all three directories are present. Irregular
// binaries keep their .ooa section and section table.
func (d *Descriptor) Regular() bool {
	return d.ImportDirectory.Present() && d.RelocationDirectory.Present() && d.IATDirectory.Present()
}

// importRecord mirrors IMAGE_IMPORT_DESCRIPTOR.
type importRecord struct {
	Characteristics uint32
	TimeDateStamp   uint32
	ForwarderChain  uint32
	Name            uint32
	FirstThunk      uint32
}

type thunkRecord struct {
	Function    uint32
	DataAddress uint32
}
