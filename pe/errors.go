package pe

import "github.com/pkg/errors"

var (
	ErrInvalidPESize  = errors.New("not a PE file, smaller than tiny PE")
	ErrInvalidDOS     = errors.New("invalid PE file signature")
	ErrInvalidNT      = errors.New("not a valid PE signature. Magic not found")
	ErrInvalidELfanew = errors.New("invalid e_lfanew value. Probably not a PE file")
)

var (
	ErrOutsideBoundary    = errors.New("reading data outside boundary")
	ErrDamagedImportTable = errors.New(
		"damaged Import Table information. ILT and/or IAT appear to be broken")
)
