// Package value defines the tagged variant RecordDecoder produces for each
// decoded field, replacing the dynamic typing the source format's fields
// carry at rest with an explicit discriminated type the SQLite binder and
// JSON array serializer can dispatch on without reflection.
package value

import "fmt"

// Kind discriminates the variant held by a Value.
type Kind int

const (
	Null Kind = iota
	Int
	Real
	Text
	Blob
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Int:
		return "int"
	case Real:
		return "real"
	case Text:
		return "text"
	case Blob:
		return "blob"
	default:
		return "unknown"
	}
}

// Value is a single decoded field value. Exactly one of the typed fields is
// meaningful, selected by Kind; Null carries none.
type Value struct {
	Kind Kind
	I    int64
	R    float64
	S    string
	B    []byte
}

// NewNull returns the NULL value, used for DOUBLE fields whose raw bytes
// are the all-0xFF sentinel and for array elements with no backing data.
func NewNull() Value {
	return Value{Kind: Null}
}

// NewInt wraps a signed integer value (BYTE, SHORT, USHORT, LONG, ULONG).
func NewInt(i int64) Value {
	return Value{Kind: Int, I: i}
}

// NewReal wraps a floating-point value (DOUBLE, SREAL, DECIMAL).
func NewReal(r float64) Value {
	return Value{Kind: Real, R: r}
}

// NewText wraps a decoded string value (STRING, CSTRING, PSTRING, DATE,
// TIME rendered as ISO-8601).
func NewText(s string) Value {
	return Value{Kind: Text, S: s}
}

// NewBlob wraps raw bytes (MEMO and GROUP fields).
func NewBlob(b []byte) Value {
	return Value{Kind: Blob, B: b}
}

// IsNull reports whether v is the NULL variant.
func (v Value) IsNull() bool {
	return v.Kind == Null
}

// Interface returns v as a plain Go value suitable for passing to
// database/sql as a bind parameter: nil, int64, float64, string, or
// []byte.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case Null:
		return nil
	case Int:
		return v.I
	case Real:
		return v.R
	case Text:
		return v.S
	case Blob:
		return v.B
	default:
		return nil
	}
}

// JSON returns v rendered the way it should appear inside a JSON array
// column: numbers unquoted, text quoted, blobs base64 via json.Marshal on
// the caller's side, null as JSON null. asBool renders Int values as JSON
// booleans, used for BYTE array elements per the schema projection rules.
func (v Value) JSON(asBool bool) interface{} {
	switch v.Kind {
	case Null:
		return nil
	case Int:
		if asBool {
			return v.I != 0
		}
		return v.I
	case Real:
		return v.R
	case Text:
		return v.S
	case Blob:
		return v.B
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case Null:
		return "<null>"
	case Int:
		return fmt.Sprintf("%d", v.I)
	case Real:
		return fmt.Sprintf("%g", v.R)
	case Text:
		return v.S
	case Blob:
		return fmt.Sprintf("<%d bytes>", len(v.B))
	default:
		return "<invalid>"
	}
}
