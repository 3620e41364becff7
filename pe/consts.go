package pe

// MinFileSize On Windows XP (x32) the smallest PE executable is 97 bytes.
const MinFileSize = 97

const (
	ImageDOSSignature   = 0x5A4D // MZ
	ImageDOSZMSignature = 0x4D5A // ZM
)

const ImageNTHeaderSignature = 0x00004550

const (
	OptionalHeaderMagic32 = 0x10b
	OptionalHeaderMagic64 = 0x20b
)

// IMAGE_DIRECTORY_ENTRY constants
const (
	ImageDirectoryEntryExport        = 0
	ImageDirectoryEntryImport        = 1
	ImageDirectoryEntryResource      = 2
	ImageDirectoryEntryException     = 3
	ImageDirectoryEntrySecurity      = 4
	ImageDirectoryEntryBaseReLoc     = 5
	ImageDirectoryEntryDebug         = 6
	ImageDirectoryEntryArchitecture  = 7
	ImageDirectoryEntryGlobalPtr     = 8
	ImageDirectoryEntryTls           = 9
	ImageDirectoryEntryLoadConfig    = 10
	ImageDirectoryEntryBoundImport   = 11
	ImageDirectoryEntryIat           = 12
	ImageDirectoryEntryDelayImport   = 13
	ImageDirectoryEntryComDescriptor = 14
)

const (
	ImageScnMemExecute = 0x20000000
	ImageScnMemRead    = 0x40000000
	ImageScnMemWrite   = 0x80000000
)

const FileAlignmentHardcodedValue = 0x200

const (
	imageOrdinalFlag32  = uint32(0x80000000)
	imageOrdinalFlag64  = uint64(0x8000000000000000)
	maxImportedLibs     = 0x1000
	maxImportedFuncs    = 0x4000
	maxDllLength        = 0x200
	maxImportNameLength = 0x200
)

// Sizes of the fixed structures laid out after e_lfanew.
const (
	DOSHeaderSize     = 64
	SignatureSize     = 4
	FileHeaderSize    = 20
	SectionHeaderSize = 40

	// NtHeaderSize is the distance from e_lfanew to the optional header.
	NtHeaderSize = SignatureSize + FileHeaderSize
)
