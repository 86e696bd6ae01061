package wire

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedFrame is returned whenever the byte stream cannot be split into
// fields: a length prefix running past the end of the buffer, an over-long
// varint, a truncated field or an unsupported wire type. Callers should treat
// it as a protocol desync for the frame at hand.
var ErrMalformedFrame = errors.New("malformed frame")

type WireType int8

const (
	Varint  WireType = WireType(protowire.VarintType)
	Fixed64 WireType = WireType(protowire.Fixed64Type)
	Bytes   WireType = WireType(protowire.BytesType)
	Fixed32 WireType = WireType(protowire.Fixed32Type)
)

func (t WireType) String() string {
	switch t {
	case Varint:
		return "varint"
	case Fixed64:
		return "fixed64"
	case Bytes:
		return "bytes"
	case Fixed32:
		return "fixed32"
	default:
		return "unknown"
	}
}

// Field is one decoded (number, type, value) tuple. Varint values land in
// Varint, everything else (including fixed-width values) is surfaced as the
// raw byte slice in Bytes. Bytes aliases the source buffer and must not be
// modified.
type Field struct {
	Number int
	Type   WireType
	Varint uint64
	Bytes  []byte
}

// String interprets a length-delimited field as UTF-8. Invalid UTF-8 yields
// the empty string.
func (f Field) String() string {
	if f.Type != Bytes || !utf8.Valid(f.Bytes) {
		return ""
	}
	return string(f.Bytes)
}

func (f Field) Message() Frame {
	if f.Type != Bytes {
		return nil
	}
	return Frame(f.Bytes)
}

func (f Field) Uint() uint64 {
	if f.Type != Varint {
		return 0
	}
	return f.Varint
}

func (f Field) Bool() bool {
	return f.Uint() != 0
}

// Frame is an immutable view over an encoded message.
type Frame []byte

// Fields returns a fresh iterator over the frame. Each call starts from the
// beginning, so the same frame can be walked any number of times.
func (f Frame) Fields() *Iterator {
	return &Iterator{buf: f}
}

// Validate walks the whole frame and reports the first decoding error.
func (f Frame) Validate() error {
	it := f.Fields()
	for it.Next() {
	}
	return it.Err()
}

// Last returns the last occurrence of field number n.
func (f Frame) Last(n int) (Field, bool, error) {
	var (
		out   Field
		found bool
	)
	it := f.Fields()
	for it.Next() {
		if fl := it.Field(); fl.Number == n {
			out, found = fl, true
		}
	}
	if err := it.Err(); err != nil {
		return Field{}, false, err
	}
	return out, found, nil
}

// All returns every occurrence of field number n, in wire order.
func (f Frame) All(n int) ([]Field, error) {
	var out []Field
	it := f.Fields()
	for it.Next() {
		if fl := it.Field(); fl.Number == n {
			out = append(out, fl)
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Index decodes the whole frame and keeps the last occurrence of every field
// number.
func (f Frame) Index() (map[int]Field, error) {
	out := map[int]Field{}
	it := f.Fields()
	for it.Next() {
		fl := it.Field()
		out[fl.Number] = fl
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Iterator walks the fields of a frame lazily.
type Iterator struct {
	buf []byte
	off int
	cur Field
	err error
}

func (it *Iterator) Next() bool {
	if it.err != nil || it.off >= len(it.buf) {
		return false
	}
	b := it.buf[it.off:]
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		it.fail(n, "tag")
		return false
	}
	rest := b[n:]
	f := Field{Number: int(num), Type: WireType(typ)}
	var m int
	switch typ {
	case protowire.VarintType:
		f.Varint, m = protowire.ConsumeVarint(rest)
	case protowire.BytesType:
		f.Bytes, m = protowire.ConsumeBytes(rest)
	case protowire.Fixed64Type:
		m = fixed(rest, 8, &f)
	case protowire.Fixed32Type:
		m = fixed(rest, 4, &f)
	default:
		it.err = errors.Wrapf(ErrMalformedFrame, "unsupported wire type %d at offset %d", typ, it.off)
		return false
	}
	if m < 0 {
		it.fail(m, "value")
		return false
	}
	it.off += n + m
	it.cur = f
	return true
}

func (it *Iterator) Field() Field {
	return it.cur
}

func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) fail(code int, what string) {
	it.err = errors.Wrapf(ErrMalformedFrame, "%s at offset %d: %v", what, it.off, protowire.ParseError(code))
}

func fixed(b []byte, size int, f *Field) int {
	if len(b) < size {
		return -1
	}
	f.Bytes = b[:size]
	return size
}

// DecodeFields eagerly decodes every top-level field of b.
func DecodeFields(b []byte) ([]Field, error) {
	var out []Field
	it := Frame(b).Fields()
	for it.Next() {
		out = append(out, it.Field())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeVarint decodes a single varint and returns the value and the number
// of bytes consumed.
func DecodeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, errors.Wrapf(ErrMalformedFrame, "varint: %v", protowire.ParseError(n))
	}
	return v, n, nil
}

// DecodeLengthDelimited decodes a length prefix and returns the payload that
// follows it together with the total number of bytes consumed.
func DecodeLengthDelimited(b []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, errors.Wrapf(ErrMalformedFrame, "length-delimited: %v", protowire.ParseError(n))
	}
	return v, n, nil
}
