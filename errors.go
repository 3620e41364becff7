package ooa

import "github.com/pkg/errors"

// Every failure of a run wraps exactly one of these. None of them is worth
// retrying: the inputs are static files.
var (
	ErrContainerFormat = errors.New("invalid PE container")
	ErrUnknownVariant  = errors.New("unknown .ooa version")
	ErrTruncated       = errors.New("truncated .ooa section")
	ErrLicenseNotFound = errors.New("license file not found")
	ErrKeyRecovery     = errors.New("failed to get CipherKey from license")
	ErrSectionMapping  = errors.New("failed to find section for decryption")
	ErrConsistency     = errors.New("consistency check failed")
)
