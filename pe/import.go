package pe

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type ImageImportDirectory struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

type ImportFunction struct {
	Name       string
	Hint       uint16
	ByOrdinal  bool
	Ordinal    uint32
	ThunkValue uint64
	ThunkRVA   uint32
}

type Import struct {
	Offset     uint32
	Name       string
	Functions  []*ImportFunction
	Descriptor ImageImportDirectory
}

// ReadImports walks the import directory and fills f.Imports. It is not run
// by NewBytes: the directory of a packed image points into encrypted data.
func (f *File) ReadImports() error {
	f.Imports = nil

	idd := f.DataDirectory(ImageDirectoryEntryImport)
	if idd.VirtualAddress == 0 {
		return nil
	}

	descSize := uint32(20)
	rva := idd.VirtualAddress
	for i := 0; ; i++ {
		if i >= maxImportedLibs {
			return errors.Wrapf(ErrDamagedImportTable, "more than %d import descriptors", maxImportedLibs)
		}

		offset := f.getOffsetFromRva(rva)
		var dt ImageImportDirectory
		if err := f.structUnpack(&dt, offset, descSize); err != nil {
			return errors.Wrapf(err, "import descriptor at RVA 0x%x", rva)
		}
		rva += descSize
		if dt == (ImageImportDirectory{}) {
			break
		}

		functions, err := f.readImportedFunctions(&dt)
		if err != nil {
			return err
		}

		dllName := f.getStringAtRVA(dt.Name, maxDllLength)
		if dllName == "" || !IsValidDosFilename(dllName) {
			continue
		}

		f.Imports = append(f.Imports, &Import{
			Offset:     offset,
			Name:       dllName,
			Functions:  functions,
			Descriptor: dt,
		})
	}
	return nil
}

// readImportedFunctions prefers the lookup table and falls back to the IAT
// for images that were bound without one.
func (f *File) readImportedFunctions(dt *ImageImportDirectory) ([]*ImportFunction, error) {
	rva := dt.OriginalFirstThunk
	if rva == 0 {
		rva = dt.FirstThunk
	}
	if rva == 0 {
		return nil, ErrDamagedImportTable
	}

	size := uint32(4)
	ordinalFlag := uint64(imageOrdinalFlag32)
	if f.Is64 {
		size = 8
		ordinalFlag = imageOrdinalFlag64
	}

	var functions []*ImportFunction
	for i := 0; ; i++ {
		if i >= maxImportedFuncs {
			return nil, errors.Wrapf(ErrDamagedImportTable, "more than %d thunks", maxImportedFuncs)
		}

		offset := f.getOffsetFromRva(rva)
		var value uint64
		if f.Is64 {
			var v uint64
			if err := f.structUnpack(&v, offset, size); err != nil {
				return nil, errors.Wrap(ErrDamagedImportTable, err.Error())
			}
			value = v
		} else {
			var v uint32
			if err := f.structUnpack(&v, offset, size); err != nil {
				return nil, errors.Wrap(ErrDamagedImportTable, err.Error())
			}
			value = uint64(v)
		}
		if value == 0 {
			break
		}

		imp := &ImportFunction{ThunkValue: value, ThunkRVA: rva}
		if value&ordinalFlag != 0 {
			imp.ByOrdinal = true
			imp.Ordinal = uint32(value & 0xffff)
			imp.Name = "#" + strconv.Itoa(int(imp.Ordinal))
		} else {
			hintRVA := uint32(value & 0x7fffffff)
			if hint, err := f.ReadUint16(f.getOffsetFromRva(hintRVA)); err == nil {
				imp.Hint = hint
			}
			imp.Name = f.getStringAtRVA(hintRVA+2, maxImportNameLength)
		}
		functions = append(functions, imp)
		rva += size
	}
	return functions, nil
}

// ImpHash calculates the import hash.
func (f *File) ImpHash() (string, error) {
	if len(f.Imports) == 0 {
		return "", errors.New("no imports found")
	}

	extensions := []string{"ocx", "sys", "dll"}
	var normalizedImports []string

	for _, imp := range f.Imports {
		libName := imp.Name
		parts := strings.Split(imp.Name, ".")
		if len(parts) == 2 && stringInSlice(strings.ToLower(parts[1]), extensions) {
			libName = parts[0]
		}
		libName = strings.ToLower(libName)

		for _, function := range imp.Functions {
			funcName := function.Name
			if function.ByOrdinal {
				funcName = "ord" + strconv.Itoa(int(function.Ordinal))
			}
			if funcName == "" {
				continue
			}
			normalizedImports = append(normalizedImports, fmt.Sprintf("%s.%s", libName, strings.ToLower(funcName)))
		}
	}
	h := md5.New()
	_, _ = io.WriteString(h, strings.Join(normalizedImports, ","))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// stringInSlice checks weather a string exists in a slice of strings.
func stringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
