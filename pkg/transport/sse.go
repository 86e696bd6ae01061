package transport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/go-go-golems/agentbridge/pkg/wire"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxLineBytes = 8 << 20

	readBufferBytes = 32 << 10
	doneMarker      = "[DONE]"
)

// SSEMessage is one decoded data line. Err is set when the line could not be
// turned into a frame; the stream itself is still usable.
type SSEMessage struct {
	Payload   []byte
	EndStream bool
	Trailer   *EndStreamError
	Err       error
}

// SSEReader de-frames a backend event stream one data line at a time.
type SSEReader struct {
	r        *bufio.Reader
	maxLine  int
	maxFrame int
	done     bool
	lines    int
	long     []byte
}

func NewSSEReader(r io.Reader, maxLine, maxFrame int) *SSEReader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &SSEReader{
		r:        bufio.NewReaderSize(r, min(maxLine, readBufferBytes)),
		maxLine:  maxLine,
		maxFrame: maxFrame,
	}
}

// Next returns the next data line as a decoded message. It returns io.EOF once
// the terminator has been seen or the body ends. Any other error comes from
// the underlying reader and is fatal for the stream.
func (s *SSEReader) Next() (SSEMessage, error) {
	for {
		if s.done {
			return SSEMessage{}, io.EOF
		}
		line, tooLong, err := s.readLine()
		if err != nil && len(line) == 0 && !tooLong {
			if errors.Is(err, io.EOF) {
				s.done = true
			}
			return SSEMessage{}, err
		}
		if err != nil {
			// last line without a trailing newline
			s.done = errors.Is(err, io.EOF)
		}
		s.lines++
		if tooLong {
			return SSEMessage{Err: errors.Wrapf(wire.ErrMalformedFrame, "sse line %d exceeds buffer", s.lines)}, nil
		}

		data, ok := dataValue(line)
		if !ok {
			continue
		}
		if string(data) == doneMarker {
			s.done = true
			return SSEMessage{}, io.EOF
		}
		return s.decode(data), nil
	}
}

// readLine returns the next line. Lines longer than the read buffer are
// collected in s.long, and bytes past maxLine are discarded without being kept.
func (s *SSEReader) readLine() ([]byte, bool, error) {
	line, err := s.r.ReadSlice('\n')
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, false, err
	}

	s.long = append(s.long[:0], line...)
	n := len(line)
	for errors.Is(err, bufio.ErrBufferFull) {
		line, err = s.r.ReadSlice('\n')
		n += len(line)
		if n <= s.maxLine {
			s.long = append(s.long, line...)
		}
	}
	if n > s.maxLine {
		s.long = s.long[:0]
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		return nil, true, nil
	}
	return s.long, false, err
}

func dataValue(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	v := line[len("data:"):]
	if len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}
	return bytes.TrimSpace(v), true
}

func (s *SSEReader) decode(data []byte) SSEMessage {
	if len(data) > 2*(s.maxFrame+EnvelopeHeaderSize) {
		return SSEMessage{Err: errors.Wrapf(wire.ErrMalformedFrame, "data line of %d bytes exceeds frame limit", len(data))}
	}
	var firstErr error
	for _, raw := range candidates(data) {
		env, err := DecodeEnvelope(raw, s.maxFrame)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if env.EndStream() {
			trailer, err := ParseEndStream(env.Payload)
			if err != nil {
				log.Debug().Err(err).Msg("could not parse stream trailer")
			}
			return SSEMessage{EndStream: true, Trailer: trailer}
		}
		return SSEMessage{Payload: env.Payload}
	}
	if firstErr == nil {
		firstErr = errors.Wrap(wire.ErrMalformedFrame, "data line is neither base64 nor hex")
	}
	return SSEMessage{Err: firstErr}
}

// candidates lists the possible byte readings of a data value. Base64 is what
// the backend sends; hex is accepted as a fallback, and since hex digits are
// also valid base64 the envelope check decides between them.
func candidates(data []byte) [][]byte {
	var out [][]byte
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		buf := make([]byte, enc.DecodedLen(len(data)))
		if n, err := enc.Decode(buf, data); err == nil {
			out = append(out, buf[:n])
			break
		}
	}
	if len(data)%2 == 0 {
		buf := make([]byte, hex.DecodedLen(len(data)))
		if _, err := hex.Decode(buf, data); err == nil {
			out = append(out, buf)
		}
	}
	return out
}

// EncodeSSELine renders one enveloped frame as a data line.
func EncodeSSELine(envelope []byte) []byte {
	return []byte("data: " + base64.StdEncoding.EncodeToString(envelope) + "\n\n")
}

func EncodeSSEDone() []byte {
	return []byte("data: " + doneMarker + "\n\n")
}
