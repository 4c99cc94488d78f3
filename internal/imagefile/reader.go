// Package imagefile provides the file-backed firmware image reader
// consumed by the protocol engine.
package imagefile

import (
	"errors"
	"fmt"
	"os"
)

var errNotOpen = errors.New("image reader: not open")

// Reader is a restartable, finite chunk source over a firmware image file.
// It satisfies io.Reader between Open and Close.
type Reader struct {
	f *os.File
}

// Open opens the image at path for reading.
func (r *Reader) Open(path string) error {
	if r.f != nil {
		return errors.New("image reader: already open")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("image reader: %w", err)
	}
	r.f = f
	return nil
}

// Read returns the next up-to-len(p) bytes. A short read or io.EOF signals
// the end of the image.
func (r *Reader) Read(p []byte) (int, error) {
	if r.f == nil {
		return 0, errNotOpen
	}
	return r.f.Read(p)
}

// Size returns the total image size in bytes.
func (r *Reader) Size() (int64, error) {
	if r.f == nil {
		return 0, errNotOpen
	}
	st, err := r.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Close releases the file.
func (r *Reader) Close() error {
	if r.f == nil {
		return errNotOpen
	}
	err := r.f.Close()
	r.f = nil
	return err
}
