package translate

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

func flush(w io.Writer) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// WriteSSE writes one chunk as a server-sent event and flushes it.
func WriteSSE(w io.Writer, c *StreamChunk) error {
	b, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "could not marshal chunk")
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return errors.Wrap(err, "could not write chunk")
	}
	flush(w)
	return nil
}

func WriteDone(w io.Writer) error {
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return errors.Wrap(err, "could not write stream terminator")
	}
	flush(w)
	return nil
}
