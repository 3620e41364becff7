package ooa

import (
	"encoding/binary"
	"io"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

// Cursor reads little-endian values sequentially from an immutable buffer.
// Running off either end of the buffer is reported as ErrTruncated.
type Cursor struct {
	data []byte
	pos  int64
}

func NewCursor(data []byte) *Cursor {
	return &Cursor{data: data}
}

// Pos returns the current absolute offset.
func (c *Cursor) Pos() int64 {
	return c.pos
}

// Len returns the size of the underlying buffer.
func (c *Cursor) Len() int {
	return len(c.data)
}

// Seek implements io.Seeker for io.SeekStart and io.SeekCurrent. Seeking to
// the very end is allowed; beyond it is not.
func (c *Cursor) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = c.pos + offset
	default:
		return c.pos, errors.Errorf("unsupported whence %d", whence)
	}
	if abs < 0 || abs > int64(len(c.data)) {
		return c.pos, errors.Wrapf(ErrTruncated, "seek to %d from 0x%x outside of %d bytes", offset, c.pos, len(c.data))
	}
	c.pos = abs
	return abs, nil
}

// Skip advances the cursor by n bytes; n may be negative.
func (c *Cursor) Skip(n int64) error {
	_, err := c.Seek(n, io.SeekCurrent)
	return err
}

func (c *Cursor) next(n int) ([]byte, error) {
	if n < 0 || c.pos+int64(n) > int64(len(c.data)) {
		return nil, errors.Wrapf(ErrTruncated, "read of %d bytes at 0x%x past end (%d bytes)", n, c.pos, len(c.data))
	}
	b := c.data[c.pos : c.pos+int64(n)]
	c.pos += int64(n)
	return b, nil
}

func (c *Cursor) U8() (uint8, error) {
	b, err := c.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *Cursor) U16() (uint16, error) {
	b, err := c.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *Cursor) U32() (uint32, error) {
	b, err := c.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Cursor) U64() (uint64, error) {
	b, err := c.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Bytes returns the next n bytes without copying.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	return c.next(n)
}

// Record unpacks the fixed-layout struct pointed to by v at the cursor and
// advances past it.
func (c *Cursor) Record(v interface{}) error {
	n := binary.Size(v)
	if n < 0 {
		return errors.Errorf("%T is not a fixed-size record", v)
	}
	start := c.pos
	b, err := c.next(n)
	if err != nil {
		return err
	}
	if err := restruct.Unpack(b, binary.LittleEndian, v); err != nil {
		return errors.Wrapf(err, "unpacking %d byte record at 0x%x", n, start)
	}
	return nil
}
