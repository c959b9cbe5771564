// Package archive unpacks .phz bundles — a ZIP container pairing one .phd
// (header/data) file with one .mod (model/metadata) file — into the raw
// byte streams internal/topspeed/page consumes. Unpacking itself is
// deliberately thin: it hands back ordinary byte streams and does no
// TopSpeed-aware interpretation.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"
)

// Reader wraps a *zip.ReadCloser with the visitor-style iteration the rest
// of tscore uses for streaming, bounded-memory access to archive members.
type Reader struct {
	zr *zip.ReadCloser
}

// NewReader opens a .phz file for reading.
func NewReader(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open phz archive: %w", err)
	}
	return &Reader{zr: zr}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	return r.zr.Close()
}

// Visitor is called once per archive entry. Returning stop=true ends
// iteration early; returning a non-nil error aborts the whole Iterate call.
type Visitor func(name string, content io.Reader) (stop bool, err error)

// Iterate walks every file entry in the archive, in the order the ZIP
// central directory lists them, calling visitor for each.
func (r *Reader) Iterate(visitor Visitor) error {
	for _, f := range r.zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		stop, err := visitor(f.Name, rc)
		closeErr := rc.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return fmt.Errorf("close %s: %w", f.Name, closeErr)
		}
		if stop {
			return nil
		}
	}
	return nil
}

// Streams are the two byte streams a .phz bundle is required to contain.
type Streams struct {
	PHD []byte
	MOD []byte
}

// ReadStreams unpacks a .phz file into its .phd and .mod byte streams.
// It returns an error if either member is missing; a .phz without both
// is not a usable bundle.
func ReadStreams(path string) (*Streams, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var streams Streams
	err = r.Iterate(func(name string, content io.Reader) (bool, error) {
		lower := strings.ToLower(name)
		switch {
		case strings.HasSuffix(lower, ".phd"):
			data, err := io.ReadAll(content)
			if err != nil {
				return true, fmt.Errorf("read %s: %w", name, err)
			}
			streams.PHD = data
		case strings.HasSuffix(lower, ".mod"):
			data, err := io.ReadAll(content)
			if err != nil {
				return true, fmt.Errorf("read %s: %w", name, err)
			}
			streams.MOD = data
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if streams.PHD == nil {
		return nil, fmt.Errorf("phz archive %s: missing .phd member", path)
	}
	if streams.MOD == nil {
		return nil, fmt.Errorf("phz archive %s: missing .mod member", path)
	}
	return &streams, nil
}

// IsPHZ reports whether a file's leading bytes look like a ZIP archive
// (the PK\x03\x04 magic), rather than trusting the .phz extension alone.
func IsPHZ(header [4]byte) bool {
	return header[0] == 'P' && header[1] == 'K' && header[2] == 0x03 && header[3] == 0x04
}
