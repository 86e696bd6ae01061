// Package server exposes the bridge as an OpenAI-compatible HTTP API.
//
// Endpoints:
//
//	POST /v1/chat/completions  chat completion, streaming (SSE) or JSON
//	GET  /v1/models            models from the capability table
//	GET  /healthz              health check
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/bridge"
	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/go-go-golems/agentbridge/pkg/models"
	"github.com/go-go-golems/agentbridge/pkg/translate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

const (
	maxRequestBytes   = 32 << 20
	shutdownTimeout   = 10 * time.Second
	idempotencyHeader = "Idempotency-Key"
)

// Completer is the part of the bridge the server needs.
type Completer interface {
	Complete(ctx context.Context, req openai.ChatCompletionRequest, opts bridge.Options) (*openai.ChatCompletionResponse, error)
	Stream(ctx context.Context, req openai.ChatCompletionRequest, opts bridge.Options, emit bridge.EmitFunc) error
}

type Server struct {
	completer Completer
	models    models.Lister
	sinks     []events.EventSink
}

type Option func(*Server)

// WithEventSinks attaches sinks to every request context, so that the protocol
// events of each request are published to them.
func WithEventSinks(sinks ...events.EventSink) Option {
	return func(s *Server) {
		s.sinks = append(s.sinks, sinks...)
	}
}

func New(c Completer, lister models.Lister, options ...Option) *Server {
	s := &Server{completer: c, models: lister}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting agent bridge server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info().Msg("Shutting down agent bridge server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "could not shut down server")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	ms, err := s.models.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("could not list models")
		writeError(w, http.StatusBadGateway, "upstream_error", "could not list models")
		return
	}
	ret := modelList{Object: "list", Data: []modelEntry{}}
	for _, m := range ms {
		owner := m.OwnedBy
		if owner == "" {
			owner = "agentbridge"
		}
		ret.Data = append(ret.Data, modelEntry{ID: m.ID, Object: "model", OwnedBy: owner})
	}
	writeJSON(w, http.StatusOK, ret)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		log.Debug().Err(err).Msg("could not decode chat completion request")
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not a valid chat completion request")
		return
	}

	ctx := r.Context()
	if len(s.sinks) > 0 {
		ctx = events.WithEventSinks(ctx, s.sinks...)
	}
	opts := bridge.Options{IdempotencyKey: r.Header.Get(idempotencyHeader)}

	if !req.Stream {
		resp, err := s.completer.Complete(ctx, req, opts)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	started := false
	err := s.completer.Stream(ctx, req, opts, func(c *translate.StreamChunk) error {
		if !started {
			h := w.Header()
			h.Set("Content-Type", "text/event-stream")
			h.Set("Cache-Control", "no-cache")
			h.Set("Connection", "keep-alive")
			h.Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		return translate.WriteSSE(w, c)
	})
	switch {
	case err != nil && !started:
		writeFailure(w, err)
	case err != nil:
		log.Debug().Err(err).Msg("stream ended early")
	default:
		if err := translate.WriteDone(w); err != nil {
			log.Debug().Err(err).Msg("could not write stream terminator")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, errType string, message string) {
	writeJSON(w, status, openai.ErrorResponse{Error: &openai.APIError{
		Code:    status,
		Message: message,
		Type:    errType,
	}})
}

func writeFailure(w http.ResponseWriter, err error) {
	f := Classify(err)
	if f.Status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", f.Status).Msg("chat completion failed")
	} else {
		log.Debug().Err(err).Int("status", f.Status).Msg("chat completion rejected")
	}
	if f.Status == StatusClientClosedRequest {
		w.WriteHeader(f.Status)
		return
	}
	writeError(w, f.Status, f.Type, f.Message)
}
