// Package codepage decodes the single-byte legacy code pages TopSpeed
// STRING/CSTRING/PSTRING fields are encoded in. CP437 is the historical
// default for Clarion-family tools; other DOS/Windows code pages are
// supported for sources that were authored elsewhere.
package codepage

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Name identifies a supported code page by its conventional string, as
// used in config.Config.CodePage.
type Name string

const (
	CP437    Name = "cp437"
	CP850    Name = "cp850"
	CP1252   Name = "cp1252"
	Latin1   Name = "latin1"
	Windows1 Name = "windows-1250"
)

var byName = map[Name]encoding.Encoding{
	CP437:    charmap.CodePage437,
	CP850:    charmap.CodePage850,
	CP1252:   charmap.Windows1252,
	Latin1:   charmap.ISO8859_1,
	Windows1: charmap.Windows1250,
}

// Decoder decodes raw bytes from one fixed code page into UTF-8 text.
type Decoder struct {
	enc  encoding.Encoding
	name Name
}

// New returns a Decoder for the named code page. Unknown names fall back
// to CP437, the historical Clarion default, when a config value is empty
// or misspelled rather than failing an entire conversion over a typo.
func New(name Name) *Decoder {
	enc, ok := byName[name]
	if !ok {
		enc = charmap.CodePage437
		name = CP437
	}
	return &Decoder{enc: enc, name: name}
}

// Name returns the code page this decoder was constructed for (after any
// fallback to CP437).
func (d *Decoder) Name() Name {
	return d.name
}

// Decode converts raw, single-byte-encoded bytes to a UTF-8 string.
// Undecodable bytes are replaced with the Unicode replacement character
// rather than aborting the field.
func (d *Decoder) Decode(raw []byte) (string, error) {
	out, err := d.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("codepage: decode %s: %w", d.name, err)
	}
	return string(out), nil
}

// Encode converts a UTF-8 string back to this code page's single-byte
// encoding, the inverse of Decode. Used by the reverse writer to re-pack a
// previously decoded STRING/CSTRING/PSTRING column back into field bytes.
func (d *Decoder) Encode(s string) ([]byte, error) {
	out, err := d.enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("codepage: encode %s: %w", d.name, err)
	}
	return out, nil
}
