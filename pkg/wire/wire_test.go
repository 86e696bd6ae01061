package wire

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFieldsNested(t *testing.T) {
	b := []byte{0x0a, 0x08, 0x0a, 0x06, 'l', 's', ' ', '-', 'l', 'a'}

	fields, err := DecodeFields(b)
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, 1, fields[0].Number)
	assert.Equal(t, Bytes, fields[0].Type)

	inner, err := DecodeFields(fields[0].Bytes)
	require.NoError(t, err)
	require.Len(t, inner, 1)
	assert.Equal(t, "ls -la", inner[0].String())
}

func TestDecodeDoesNotMutateSource(t *testing.T) {
	b := EncodeMessage(2, EncodeString(1, "hello"), EncodeVarintField(2, 300))
	orig := append([]byte(nil), b...)

	_, err := DecodeFields(b)
	require.NoError(t, err)
	assert.Equal(t, orig, b)
}

func TestFrameIsRestartable(t *testing.T) {
	f := Frame(Concat(EncodeVarintField(1, 7), EncodeString(2, "x")))

	count := func() int {
		n := 0
		it := f.Fields()
		for it.Next() {
			n++
		}
		require.NoError(t, it.Err())
		return n
	}
	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count())
}

func TestLastOccurrenceWins(t *testing.T) {
	f := Frame(Concat(EncodeString(1, "first"), EncodeString(1, "second"), EncodeString(2, "other")))

	fl, ok, err := f.Last(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", fl.String())

	all, err := f.All(1)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, ok, err = f.Last(9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"length past end":   {0x0a, 0x0e, 0x0a, 0x0c, 'l', 's', ' ', '-', 'l', 'a'},
		"truncated varint":  {0x08, 0xff},
		"varint too long":   {0x08, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01},
		"truncated fixed64": {0x09, 0x01, 0x02},
		"truncated fixed32": {0x0d, 0x01},
		"group wire type":   {0x0b, 0x0c},
		"field number zero": {0x02, 0x00},
		"tag without value": {0x0a},
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFields(b)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "got %v", err)
		})
	}
}

func TestFixedFieldsAreRawBytes(t *testing.T) {
	b := []byte{0x09, 1, 2, 3, 4, 5, 6, 7, 8, 0x15, 9, 10, 11, 12}
	fields, err := DecodeFields(b)
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, Fixed64, fields[0].Type)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, fields[0].Bytes)
	assert.Equal(t, Fixed32, fields[1].Type)
	assert.Equal(t, []byte{9, 10, 11, 12}, fields[1].Bytes)
}

func TestInvalidUTF8StringIsEmpty(t *testing.T) {
	fields, err := DecodeFields(EncodeLengthDelimited(1, []byte{0xff, 0xfe}))
	require.NoError(t, err)
	assert.Equal(t, "", fields[0].String())
}

func TestVarintHelpers(t *testing.T) {
	b := EncodeVarint(300)
	assert.Equal(t, []byte{0xac, 0x02}, b)

	v, n, err := DecodeVarint(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), v)
	assert.Equal(t, 2, n)

	_, _, err = DecodeVarint([]byte{0x80})
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	payload, n, err := DecodeLengthDelimited([]byte{0x03, 'a', 'b', 'c', 'z'})
	require.NoError(t, err)
	assert.Equal(t, "abc", string(payload))
	assert.Equal(t, 4, n)

	_, _, err = DecodeLengthDelimited([]byte{0x05, 'a'})
	assert.True(t, errors.Is(err, ErrMalformedFrame))
}

func TestBuilderDoesNotShareBuffers(t *testing.T) {
	base := Builder{}.String(1, "conv")
	a := base.Varint(2, 1).Bytes()
	b := base.String(3, "other").Bytes()

	fa, err := DecodeFields(a)
	require.NoError(t, err)
	fb, err := DecodeFields(b)
	require.NoError(t, err)
	require.Len(t, fa, 2)
	require.Len(t, fb, 2)
	assert.Equal(t, 2, fa[1].Number)
	assert.Equal(t, 3, fb[1].Number)
}

func TestBuilderSkipsZeroScalars(t *testing.T) {
	b := Builder{}.String(1, "").Varint(2, 0).Bool(3, false).Message(4, nil).Bytes()
	assert.Equal(t, []byte{0x22, 0x00}, b)
}

func TestEncodeTag(t *testing.T) {
	assert.Equal(t, []byte{0x0a}, EncodeTag(1, Bytes))
	assert.Equal(t, []byte{0x70}, EncodeTag(14, Varint))
	assert.Equal(t, []byte{0xa2, 0x01}, EncodeTag(20, Bytes))
}
