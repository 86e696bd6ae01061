package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/auth"
	"github.com/go-go-golems/agentbridge/pkg/bridge"
	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/go-go-golems/agentbridge/pkg/models"
	"github.com/go-go-golems/agentbridge/pkg/registry"
	"github.com/go-go-golems/agentbridge/pkg/settings"
	"github.com/go-go-golems/agentbridge/pkg/translate"
	"github.com/go-go-golems/agentbridge/pkg/transport"
	"github.com/go-go-golems/agentbridge/pkg/transport/backendtest"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	opts bridge.Options
	resp *openai.ChatCompletionResponse
	err  error
}

func (f *fakeCompleter) Complete(_ context.Context, _ openai.ChatCompletionRequest, opts bridge.Options) (*openai.ChatCompletionResponse, error) {
	f.opts = opts
	return f.resp, f.err
}

func (f *fakeCompleter) Stream(_ context.Context, _ openai.ChatCompletionRequest, opts bridge.Options, _ bridge.EmitFunc) error {
	f.opts = opts
	return f.err
}

func post(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *openai.APIError {
	t.Helper()
	var er openai.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	require.NotNil(t, er.Error)
	return er.Error
}

const simpleRequest = `{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`

func TestCompletionJSON(t *testing.T) {
	f := &fakeCompleter{resp: &openai.ChatCompletionResponse{
		ID:     "chatcmpl-1",
		Object: "chat.completion",
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
			FinishReason: openai.FinishReasonStop,
		}},
	}}
	h := New(f, models.DefaultTable()).Handler()

	rec := post(t, h, simpleRequest, map[string]string{"Idempotency-Key": "abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "abc", f.opts.IdempotencyKey)

	var resp openai.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
}

func TestErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"busy", registry.ErrSessionBusy, http.StatusConflict, "session_busy"},
		{"invalid", errors.Wrap(translate.ErrInvalidRequest, "no messages"), http.StatusBadRequest, "invalid_request_error"},
		{"transport", &transport.TransportError{Op: "open", Status: 503, Err: errors.New("https://backend.example/agent.v1")}, http.StatusBadGateway, "upstream_error"},
		{"upstream", errors.Wrap(bridge.ErrUpstream, "stream failed"), http.StatusBadGateway, "upstream_error"},
		{"token", auth.ErrTokenExpired, http.StatusBadGateway, "upstream_error"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(&fakeCompleter{err: tc.err}, models.DefaultTable()).Handler()
			for _, body := range []string{simpleRequest, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`} {
				rec := post(t, h, body, nil)
				require.Equal(t, tc.status, rec.Code)
				apiErr := decodeError(t, rec)
				assert.Equal(t, tc.typ, apiErr.Type)
				assert.NotContains(t, apiErr.Message, "backend.example")
			}
		})
	}
}

func TestBadRequestBody(t *testing.T) {
	h := New(&fakeCompleter{}, models.DefaultTable()).Handler()
	rec := post(t, h, `{"messages": [`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request_error", decodeError(t, rec).Type)

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestModelsAndHealth(t *testing.T) {
	h := New(&fakeCompleter{}, models.NewCache(models.DefaultTable(), time.Minute)).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, "list", list.Object)
	require.NotEmpty(t, list.Data)
	assert.Equal(t, models.DefaultModelID, list.Data[0].ID)
	assert.Equal(t, "model", list.Data[0].Object)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func readSSE(t *testing.T, body string) ([]translate.StreamChunk, bool) {
	t.Helper()
	var (
		chunks []translate.StreamChunk
		done   bool
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			done = true
			continue
		}
		var c translate.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(data), &c))
		chunks = append(chunks, c)
	}
	return chunks, done
}

func TestStreamingEndToEnd(t *testing.T) {
	b := backendtest.New(t, func(ctx context.Context, run backendtest.Run, w *backendtest.StreamWriter) {
		w.Send(
			backendtest.RunResponse("conv-e2e"),
			backendtest.Text("Hello"),
			backendtest.Text(", world"),
			backendtest.TurnEnded(),
			backendtest.Checkpoint("conv-e2e", 1),
		)
		<-ctx.Done()
	})
	ss := *settings.NewSettings().Session
	reg := registry.New(ss.Timeout)
	t.Cleanup(reg.Close)
	br := bridge.New(transport.NewClient(b.Settings(), auth.NewStaticTokenSource("tok", nil)), ss, reg, models.DefaultTable())

	sink := &events.CollectingSink{}
	srv := httptest.NewServer(New(br, models.DefaultTable(), WithEventSinks(sink)).Handler())
	t.Cleanup(srv.Close)

	body := `{"model":"auto","stream":true,"messages":[{"role":"system","content":"Session: e2e"},{"role":"user","content":"hi"}]}`
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	raw := new(strings.Builder)
	_, err = bufio.NewReader(resp.Body).WriteTo(raw)
	require.NoError(t, err)

	chunks, done := readSSE(t, raw.String())
	assert.True(t, done)
	require.Len(t, chunks, 3)
	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "Hello", chunks[0].Choices[0].Delta.Content)
	assert.Equal(t, ", world", chunks[1].Choices[0].Delta.Content)
	assert.Equal(t, openai.FinishReasonStop, chunks[2].Choices[0].FinishReason)
	for _, c := range chunks[:2] {
		assert.Empty(t, c.Choices[0].FinishReason)
		assert.Equal(t, chunks[0].ID, c.ID)
	}

	var types []events.EventType
	for _, e := range sink.Events() {
		types = append(types, e.Type())
	}
	assert.Equal(t, []events.EventType{events.EventTypeTextDelta, events.EventTypeTextDelta, events.EventTypeFinal}, types)
}
