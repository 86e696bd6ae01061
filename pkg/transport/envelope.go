package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/agentbridge/pkg/wire"
	"github.com/pkg/errors"
)

const (
	EnvelopeHeaderSize = 5

	FlagCompressed uint8 = 0x01
	FlagEndStream  uint8 = 0x02
	// FlagTrailer marks the trailer frame the backend sends as the last SSE
	// event of a stream.
	FlagTrailer uint8 = 0x80

	DefaultMaxFrameBytes = 4 << 20
)

var ErrUnsupportedEncoding = errors.New("unsupported envelope encoding")

type Envelope struct {
	Flags   uint8
	Payload []byte
}

// EndStream reports whether the envelope is a trailer rather than a message.
func (e Envelope) EndStream() bool {
	return e.Flags&(FlagEndStream|FlagTrailer) != 0
}

func EncodeEnvelope(payload []byte) []byte {
	return encodeEnvelope(0, payload)
}

func encodeEnvelope(flags uint8, payload []byte) []byte {
	out := make([]byte, EnvelopeHeaderSize+len(payload))
	out[0] = flags
	binary.BigEndian.PutUint32(out[1:EnvelopeHeaderSize], uint32(len(payload)))
	copy(out[EnvelopeHeaderSize:], payload)
	return out
}

// DecodeEnvelope strips the 5-byte header from b. The declared length is
// checked against maxFrame before anything is allocated, and must match the
// number of bytes that follow the header exactly. Payload aliases b.
func DecodeEnvelope(b []byte, maxFrame int) (Envelope, error) {
	if len(b) < EnvelopeHeaderSize {
		return Envelope{}, errors.Wrapf(wire.ErrMalformedFrame, "envelope too short: %d bytes", len(b))
	}
	flags := b[0]
	n := binary.BigEndian.Uint32(b[1:EnvelopeHeaderSize])
	if maxFrame > 0 && uint64(n) > uint64(maxFrame) {
		return Envelope{}, errors.Wrapf(wire.ErrMalformedFrame, "frame length %d exceeds limit %d", n, maxFrame)
	}
	if uint64(n) != uint64(len(b)-EnvelopeHeaderSize) {
		return Envelope{}, errors.Wrapf(wire.ErrMalformedFrame, "frame length %d, have %d bytes", n, len(b)-EnvelopeHeaderSize)
	}
	if flags&FlagCompressed != 0 {
		return Envelope{}, errors.Wrapf(ErrUnsupportedEncoding, "flags 0x%02x", flags)
	}
	return Envelope{Flags: flags, Payload: b[EnvelopeHeaderSize:]}, nil
}

// EndStreamError is the Connect error carried by a trailer envelope.
type EndStreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *EndStreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend ended stream: %s", e.Code)
	}
	return fmt.Sprintf("backend ended stream: %s: %s", e.Code, e.Message)
}

// ParseEndStream reads the JSON trailer payload. A trailer without an error
// object yields nil.
func ParseEndStream(payload []byte) (*EndStreamError, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var body struct {
		Error *EndStreamError `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, errors.Wrap(wire.ErrMalformedFrame, "trailer is not JSON")
	}
	if body.Error == nil || (body.Error.Code == "" && body.Error.Message == "") {
		return nil, nil
	}
	return body.Error, nil
}

// EncodeEndStream builds a trailer envelope, used by test backends.
func EncodeEndStream(e *EndStreamError) []byte {
	payload := []byte("{}")
	if e != nil {
		payload, _ = json.Marshal(map[string]*EndStreamError{"error": e})
	}
	return encodeEnvelope(FlagTrailer, payload)
}
