package ooa

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/BigApex/rse-ooa-decrypt/pe"
)

// paddingBlock is a full PKCS7 padding block. The encoder leaves one at the
// end of some sections; it is zeroed after decryption.
var paddingBlock = bytes.Repeat([]byte{aes.BlockSize}, aes.BlockSize)

// blockJob is an encrypted block resolved to its raw file range.
type blockJob struct {
	index      int
	va         uint32
	name       string
	start, end int
}

// DecryptBlocks decrypts every block of d in place in image, which must have
// the layout described by f. The IV of a block is the 16 bytes preceding its
// raw data, read when the block is decrypted: blocks run in table order, so a
// block whose IV lies in an earlier block sees that block's plaintext.
func (u *Unpacker) DecryptBlocks(ctx context.Context, image []byte, f *pe.File, d *Descriptor, key []byte) error {
	if len(key) != KeySize {
		return errors.Wrapf(ErrKeyRecovery, "key is %d bytes, want %d", len(key), KeySize)
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return err
	}

	jobs, err := planBlocks(image, f, d)
	if err != nil {
		return err
	}

	if u.cfg.Workers > 1 && len(jobs) > 1 && independent(jobs) {
		u.log.Debug("decrypting blocks concurrently", "blocks", len(jobs), "workers", u.cfg.Workers)
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(u.cfg.Workers)
		for _, j := range jobs {
			j := j
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				u.decryptBlock(c, image, j)
				return nil
			})
		}
		return g.Wait()
	}

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		u.decryptBlock(c, image, j)
	}
	return nil
}

func planBlocks(image []byte, f *pe.File, d *Descriptor) ([]blockJob, error) {
	jobs := make([]blockJob, 0, len(d.Blocks))
	for i, b := range d.Blocks {
		s := f.SectionByVirtualAddress(b.VirtualAddress)
		if s == nil {
			return nil, errors.Wrapf(ErrSectionMapping, "block %d at RVA 0x%x", i, b.VirtualAddress)
		}
		start, end, ok := s.RawRange(len(image))
		switch {
		case !ok:
			return nil, errors.Wrapf(ErrContainerFormat, "section %s raw data [0x%x, 0x%x) outside of %d byte image", s.Name, start, end, len(image))
		case start < aes.BlockSize:
			return nil, errors.Wrapf(ErrContainerFormat, "section %s at 0x%x leaves no room for an IV", s.Name, start)
		case end == start:
			return nil, errors.Wrapf(ErrContainerFormat, "section %s has no raw data", s.Name)
		case (end-start)%aes.BlockSize != 0:
			return nil, errors.Wrapf(ErrContainerFormat, "section %s raw size 0x%x is not a multiple of %d", s.Name, end-start, aes.BlockSize)
		}
		jobs = append(jobs, blockJob{index: i, va: b.VirtualAddress, name: s.Name, start: start, end: end})
	}
	return jobs, nil
}

// independent reports whether no block reads its IV from, or shares bytes
// with, another block's range.
func independent(jobs []blockJob) bool {
	for i, a := range jobs {
		for j, b := range jobs {
			if i == j {
				continue
			}
			if a.start-aes.BlockSize < b.end && b.start < a.end {
				return false
			}
		}
	}
	return true
}

func (u *Unpacker) decryptBlock(c cipher.Block, image []byte, j blockJob) {
	iv := make([]byte, aes.BlockSize)
	copy(iv, image[j.start-aes.BlockSize:j.start])
	region := image[j.start:j.end]

	var before float64
	if u.log.IsDebug() {
		before = pe.Entropy(region)
	}

	cipher.NewCBCDecrypter(c, iv).CryptBlocks(region, region)

	tail := region[len(region)-aes.BlockSize:]
	padded := bytes.Equal(tail, paddingBlock)
	if padded {
		clear(tail)
	}

	u.log.Info("decrypted section", "section", j.name, "rva", hclog.Hex(int(j.va)), "size", hclog.Hex(len(region)))
	if u.log.IsDebug() {
		u.log.Debug("section entropy", "section", j.name, "before", before, "after", pe.Entropy(region), "padding_zeroed", padded)
	}
}
