package filedev

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/outofforest/strata/blocks"
)

var _ blocks.Dev = &FileDev{}

// FileDev uses file handle as a device.
type FileDev struct {
	file *os.File
	size int64
}

// New returns new filedev.
func New(file *os.File) *FileDev {
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		panic(errors.WithStack(err))
	}
	return &FileDev{
		file: file,
		size: size,
	}
}

// ReadAt reads data from the file.
func (fd *FileDev) ReadAt(p []byte, off int64) error {
	if _, err := fd.file.ReadAt(p, off); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// WriteAt writes data to the file.
func (fd *FileDev) WriteAt(p []byte, off int64) error {
	if _, err := fd.file.WriteAt(p, off); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Sync syncs data to the file.
func (fd *FileDev) Sync() error {
	if err := fd.file.Sync(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// Size returns the byte size of the file.
func (fd *FileDev) Size() int64 {
	return fd.size
}
