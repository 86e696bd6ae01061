package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

func EncodeVarint(v uint64) []byte {
	return protowire.AppendVarint(nil, v)
}

func EncodeTag(num int, t WireType) []byte {
	return protowire.AppendTag(nil, protowire.Number(num), protowire.Type(t))
}

func EncodeLengthDelimited(num int, b []byte) []byte {
	return protowire.AppendBytes(EncodeTag(num, Bytes), b)
}

func EncodeVarintField(num int, v uint64) []byte {
	return Concat(EncodeTag(num, Varint), EncodeVarint(v))
}

func EncodeString(num int, s string) []byte {
	return EncodeLengthDelimited(num, []byte(s))
}

// EncodeMessage encodes the concatenation of parts as a nested message under
// field number num.
func EncodeMessage(num int, parts ...[]byte) []byte {
	return EncodeLengthDelimited(num, Concat(parts...))
}

// Concat always returns a freshly allocated slice.
func Concat(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Builder composes a message field by field. Every method returns a new
// Builder; the receiver is never modified, so partially built messages can be
// shared and extended independently.
//
// Scalar helpers skip zero values, matching proto3 implicit presence. Use
// Message (or Raw) when presence of an empty value matters.
type Builder struct {
	buf []byte
}

func (b Builder) Raw(part []byte) Builder {
	return Builder{buf: Concat(b.buf, part)}
}

func (b Builder) Varint(num int, v uint64) Builder {
	if v == 0 {
		return b
	}
	return b.Raw(EncodeVarintField(num, v))
}

func (b Builder) Bool(num int, v bool) Builder {
	if !v {
		return b
	}
	return b.Varint(num, 1)
}

func (b Builder) String(num int, s string) Builder {
	if s == "" {
		return b
	}
	return b.Raw(EncodeString(num, s))
}

func (b Builder) BytesField(num int, v []byte) Builder {
	if len(v) == 0 {
		return b
	}
	return b.Raw(EncodeLengthDelimited(num, v))
}

// Message always writes the nested message, even when it is empty.
func (b Builder) Message(num int, msg []byte) Builder {
	return b.Raw(EncodeLengthDelimited(num, msg))
}

// Bytes returns a copy of the encoded message.
func (b Builder) Bytes() []byte {
	return Concat(b.buf)
}
