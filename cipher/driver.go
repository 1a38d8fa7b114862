package cipher

import (
	"github.com/pkg/errors"

	"github.com/outofforest/strata/blocks"
)

// Driver applies the cipher transform symmetrically on write and read. It
// does not alter addressing.
type Driver struct {
	dev    blocks.Dev
	cipher Cipher
	size   int64
}

// New returns the encryption driver over dev.
func New(dev blocks.Dev, c Cipher) *Driver {
	return &Driver{
		dev:    dev,
		cipher: c,
		size:   dev.Size() / blocks.PageSize * blocks.PageSize,
	}
}

// ReadAt reads and decrypts data.
func (d *Driver) ReadAt(p []byte, off int64) error {
	if err := d.check(int64(len(p)), off); err != nil {
		return err
	}
	if _, ok := d.cipher.(Identity); ok {
		return d.dev.ReadAt(p, off)
	}

	buf := make([]byte, blocks.PageSize)
	for len(p) > 0 {
		pageNo := off / blocks.PageSize
		pageOff := off % blocks.PageSize
		n := blocks.PageSize - pageOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if err := d.readPage(pageNo, buf); err != nil {
			return err
		}
		copy(p[:n], buf[pageOff:])
		p = p[n:]
		off += n
	}
	return nil
}

// WriteAt encrypts and writes data. Sub-page writes are merged into the
// decrypted page before re-encrypting.
func (d *Driver) WriteAt(p []byte, off int64) error {
	if err := d.check(int64(len(p)), off); err != nil {
		return err
	}
	if _, ok := d.cipher.(Identity); ok {
		return d.dev.WriteAt(p, off)
	}

	buf := make([]byte, blocks.PageSize)
	for len(p) > 0 {
		pageNo := off / blocks.PageSize
		pageOff := off % blocks.PageSize
		n := blocks.PageSize - pageOff
		if n > int64(len(p)) {
			n = int64(len(p))
		}
		if n == blocks.PageSize {
			copy(buf, p[:n])
		} else {
			if err := d.readPage(pageNo, buf); err != nil {
				return err
			}
			copy(buf[pageOff:], p[:n])
		}
		if err := d.cipher.Encrypt(buf, uint64(pageNo)); err != nil {
			return err
		}
		if err := d.dev.WriteAt(buf, pageNo*blocks.PageSize); err != nil {
			return err
		}
		p = p[n:]
		off += n
	}
	return nil
}

// Sync forces written data to be durable.
func (d *Driver) Sync() error {
	return d.dev.Sync()
}

// Size returns the byte size of the exposed space.
func (d *Driver) Size() int64 {
	return d.size
}

func (d *Driver) readPage(pageNo int64, buf []byte) error {
	if err := d.dev.ReadAt(buf, pageNo*blocks.PageSize); err != nil {
		return err
	}
	return d.cipher.Decrypt(buf, uint64(pageNo))
}

func (d *Driver) check(n, off int64) error {
	if off < 0 || off+n > d.size {
		return errors.Errorf("access out of bounds: offset %d, length %d, size %d", off, n, d.size)
	}
	return nil
}
