// Package backendtest provides an in-process agent backend speaking the
// envelope and SSE protocol, for tests.
package backendtest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/schema"
	"github.com/go-go-golems/agentbridge/pkg/settings"
	"github.com/go-go-golems/agentbridge/pkg/transport"
)

type Run struct {
	Request   schema.RunRequest
	Header    http.Header
	RequestID string
}

type Append struct {
	Request schema.AppendRequest
	Message schema.ClientMessage
	Header  http.Header
}

// Script drives one backend stream. It returns when the stream should end.
type Script func(ctx context.Context, run Run, w *StreamWriter)

type Backend struct {
	Server *httptest.Server

	// RunStatus and AppendStatus force an error status when non-zero.
	RunStatus    int
	AppendStatus int

	script   Script
	mu       sync.Mutex
	runs     []Run
	appends  []Append
	appendCh chan Append
}

func New(t testing.TB, script Script) *Backend {
	b := &Backend{
		script:   script,
		appendCh: make(chan Append, 64),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(settings.DefaultRunPath, b.handleRun)
	mux.HandleFunc(settings.DefaultAppendPath, b.handleAppend)
	b.Server = httptest.NewServer(mux)
	t.Cleanup(b.Server.Close)
	return b
}

// Settings returns backend settings pointing at the fake server.
func (b *Backend) Settings() *settings.BackendSettings {
	s := settings.NewSettings().Backend
	s.BaseURL = b.Server.URL
	s.ReadTimeout = 5 * time.Second
	return s
}

func (b *Backend) Runs() []Run {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Run(nil), b.runs...)
}

func (b *Backend) Appends() []Append {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Append(nil), b.appends...)
}

// WaitAppend blocks until the next append arrives or the timeout elapses.
func (b *Backend) WaitAppend(ctx context.Context, timeout time.Duration) (Append, bool) {
	select {
	case a := <-b.appendCh:
		return a, true
	case <-time.After(timeout):
		return Append{}, false
	case <-ctx.Done():
		return Append{}, false
	}
}

func (b *Backend) handleRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.RunStatus != 0 {
		http.Error(w, `{"code":"unavailable"}`, b.RunStatus)
		return
	}
	env, err := transport.DecodeEnvelope(body, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := schema.DecodeClientMessage(env.Payload)
	if err != nil || msg.Run == nil {
		http.Error(w, "expected run request", http.StatusBadRequest)
		return
	}
	run := Run{Request: *msg.Run, Header: r.Header.Clone(), RequestID: r.Header.Get("X-Request-Id")}
	b.mu.Lock()
	b.runs = append(b.runs, run)
	b.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	sw := &StreamWriter{w: w}
	sw.flush()
	if b.script != nil {
		b.script(r.Context(), run, sw)
	}
}

func (b *Backend) handleAppend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.AppendStatus != 0 {
		http.Error(w, "append rejected", b.AppendStatus)
		return
	}
	env, err := transport.DecodeEnvelope(body, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := schema.DecodeAppendRequest(env.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := req.Message()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a := Append{Request: req, Message: msg, Header: r.Header.Clone()}
	b.mu.Lock()
	b.appends = append(b.appends, a)
	b.mu.Unlock()
	select {
	case b.appendCh <- a:
	default:
	}
	w.WriteHeader(http.StatusOK)
}

// StreamWriter writes SSE lines to the client.
type StreamWriter struct {
	w  http.ResponseWriter
	mu sync.Mutex
}

func (s *StreamWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *StreamWriter) write(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(b)
	s.flush()
}

func (s *StreamWriter) Send(msgs ...schema.ServerMessage) {
	for _, m := range msgs {
		s.write(transport.EncodeSSELine(transport.EncodeEnvelope(m.Encode())))
	}
}

// SendRaw writes a data line with an arbitrary value.
func (s *StreamWriter) SendRaw(value string) {
	s.write([]byte("data: " + value + "\n\n"))
}

func (s *StreamWriter) Heartbeat() {
	s.Send(Heartbeat())
}

func (s *StreamWriter) Trailer(e *transport.EndStreamError) {
	s.write(transport.EncodeSSELine(transport.EncodeEndStream(e)))
}

func (s *StreamWriter) Done() {
	s.write(transport.EncodeSSEDone())
}
