// Package ooa removes the .ooa protection layer from PE images: it decodes
// the protection descriptor stored in the .ooa section, recovers the image
// key from a license file, decrypts the protected sections and restores the
// original PE headers.
package ooa

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/BigApex/rse-ooa-decrypt/pe"
)

// Config controls an Unpacker.
type Config struct {
	// Strict turns consistency warnings into ErrConsistency failures.
	Strict bool
	// Workers bounds concurrent block decryption. Values below 2 decrypt
	// sequentially.
	Workers int
	Logger  hclog.Logger
}

// DefaultConfig returns a non-strict, sequential configuration that logs
// nothing.
func DefaultConfig() Config {
	return Config{Workers: 1, Logger: hclog.NewNullLogger()}
}

// Unpacker runs the unwrapping pipeline. It keeps no state between runs.
type Unpacker struct {
	cfg Config
	log hclog.Logger
}

// New returns an Unpacker for cfg.
func New(cfg Config) *Unpacker {
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Unpacker{cfg: cfg, log: cfg.Logger}
}

// inconsistent reports a failed consistency check.
func (u *Unpacker) inconsistent(format string, args ...any) error {
	if u.cfg.Strict {
		return errors.Wrapf(ErrConsistency, format, args...)
	}
	u.log.Warn("consistency check failed", "detail", errors.Errorf(format, args...).Error())
	return nil
}

// Verification summarizes a re-parse of the unpacked image.
type Verification struct {
	Sections   int
	EntryPoint uint32
	Libraries  []string
	ImpHash    string
}

// Result is the outcome of a successful Unwrap.
type Result struct {
	Descriptor *Descriptor
	Key        []byte
	// License is the decrypted license document.
	License []byte
	Output  []byte
	// Verification is nil when the output could not be re-parsed.
	Verification *Verification
}

// Unwrap unpacks input, a complete protected PE image. lic is asked for the
// license of the content ID found in the .ooa section. input is not
// modified.
func (u *Unpacker) Unwrap(ctx context.Context, input []byte, lic LicenseSource) (*Result, error) {
	f, err := pe.NewBytes(input)
	if err != nil {
		return nil, errors.Wrapf(ErrContainerFormat, "%v", err)
	}

	vendor := f.LastSection()
	if vendor == nil || vendor.Name != VendorSectionName {
		return nil, errors.Wrapf(ErrContainerFormat, "last section is not %s", VendorSectionName)
	}
	section, err := vendor.Data()
	if err != nil {
		return nil, errors.Wrapf(ErrContainerFormat, "reading %s: %v", VendorSectionName, err)
	}

	d, err := u.Decode(section)
	if err != nil {
		return nil, err
	}
	u.log.Info("decoded descriptor", "content_id", d.ContentID, "entry_point", hclog.Hex(int(d.EntryPoint)),
		"blocks", len(d.Blocks), "regular", d.Regular())
	if err := u.CrossCheck(f, d); err != nil {
		return nil, err
	}

	license, err := lic(d.ContentID)
	if err != nil {
		if errors.Is(err, ErrLicenseNotFound) {
			return nil, err
		}
		return nil, errors.Wrapf(ErrLicenseNotFound, "%s: %v", d.ContentID, err)
	}
	key, plaintext, err := RecoverKey(license)
	if err != nil {
		return nil, err
	}
	u.log.Debug("recovered key", "key", key)

	image := append([]byte(nil), input...)
	if err := u.DecryptBlocks(ctx, image, f, d, key); err != nil {
		return nil, err
	}

	if d.Regular() {
		if o := f.Overlay(); o != nil {
			u.log.Warn("dropping overlay", "offset", hclog.Hex(int(o.Offset)), "size", o.Size, "type", o.FileType)
		}
	}

	out, err := u.rebuild(image, f, d)
	if err != nil {
		return nil, err
	}

	return &Result{
		Descriptor:   d,
		Key:          key,
		License:      plaintext,
		Output:       out,
		Verification: u.verify(out),
	}, nil
}

// verify re-parses out. Problems are logged and the output is kept.
func (u *Unpacker) verify(out []byte) *Verification {
	f, err := pe.NewBytes(out)
	if err != nil {
		u.log.Warn("unpacked image does not parse", "error", err)
		return nil
	}
	v := &Verification{Sections: len(f.Sections), EntryPoint: f.EntryPoint()}
	if err := f.ReadImports(); err != nil {
		u.log.Warn("unpacked image has unreadable imports", "error", err)
		return v
	}
	for _, imp := range f.Imports {
		v.Libraries = append(v.Libraries, imp.Name)
	}
	if v.ImpHash, err = f.ImpHash(); err != nil {
		u.log.Debug("no import hash", "error", err)
	}
	u.log.Info("verified unpacked image", "sections", v.Sections, "libraries", v.Libraries, "imphash", v.ImpHash)
	return v
}
