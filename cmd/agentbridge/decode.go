package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/agentbridge/pkg/schema"
	"github.com/go-go-golems/agentbridge/pkg/transport"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// decodedFrame is what the decode command prints for one frame.
type decodedFrame struct {
	Kind    string      `json:"kind"`
	Field   int         `json:"field,omitempty"`
	Message interface{} `json:"message,omitempty"`
	Trailer interface{} `json:"trailer,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func newDecodeCommand() *cobra.Command {
	var (
		client bool
		stream bool
	)
	cmd := &cobra.Command{
		Use:   "decode [frame]",
		Short: "Decode captured agent protocol frames",
		Long: "Decode a frame given as hex or base64, with or without its 5 byte envelope.\n" +
			"With --stream, read a captured event stream from stdin and decode every data line.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if stream {
				return decodeStream(cmd.InOrStdin(), enc, client)
			}

			var input string
			if len(args) == 1 && args[0] != "-" {
				input = args[0]
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return errors.Wrap(err, "could not read frame")
				}
				input = string(b)
			}
			raw, err := parseFrame(input)
			if err != nil {
				return err
			}
			return enc.Encode(decodeFrame(raw, client))
		},
	}
	cmd.Flags().BoolVar(&client, "client", false, "Decode client messages instead of server messages")
	cmd.Flags().BoolVar(&stream, "stream", false, "Read an event stream from stdin")
	return cmd
}

// parseFrame reads hex first, since hex digits are also valid base64.
func parseFrame(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return nil, errors.New("empty frame")
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("frame is neither hex nor base64")
}

func decodeFrame(raw []byte, client bool) decodedFrame {
	if env, err := transport.DecodeEnvelope(raw, 0); err == nil {
		if env.EndStream() {
			trailer, err := transport.ParseEndStream(env.Payload)
			if err != nil {
				return decodedFrame{Kind: "trailer", Error: err.Error()}
			}
			out := decodedFrame{Kind: "trailer"}
			if trailer != nil {
				out.Trailer = trailer
			}
			return out
		}
		raw = env.Payload
	}
	return decodePayload(raw, client)
}

func decodePayload(raw []byte, client bool) decodedFrame {
	if client {
		m, err := schema.DecodeClientMessage(raw)
		if err != nil {
			return decodedFrame{Kind: "client", Error: err.Error()}
		}
		return decodedFrame{Kind: fmt.Sprintf("client/%d", m.Kind), Field: m.Field, Message: m}
	}
	m, err := schema.DecodeServerMessage(raw)
	if err != nil {
		return decodedFrame{Kind: "server", Error: err.Error()}
	}
	return decodedFrame{Kind: m.Kind.String(), Field: m.Field, Message: m}
}

func decodeStream(r io.Reader, enc *json.Encoder, client bool) error {
	sr := transport.NewSSEReader(r, 0, 0)
	for {
		msg, err := sr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		var out decodedFrame
		switch {
		case msg.Err != nil:
			out = decodedFrame{Kind: "invalid", Error: msg.Err.Error()}
		case msg.EndStream:
			out = decodedFrame{Kind: "trailer"}
			if msg.Trailer != nil {
				out.Trailer = msg.Trailer
			}
		default:
			out = decodePayload(msg.Payload, client)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
}
