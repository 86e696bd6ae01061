package translate

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

const (
	ChunkObject      = "chat.completion.chunk"
	CompletionObject = "chat.completion"
	toolTypeFunction = "function"
)

type StreamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Error   *ChunkError   `json:"error,omitempty"`
}

type ChunkChoice struct {
	Index int        `json:"index"`
	Delta ChunkDelta `json:"delta"`
	// FinishReason marshals to null while the stream is running.
	FinishReason openai.FinishReason `json:"finish_reason"`
}

type ChunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// ChunkError is attached to the last chunk of a stream that failed. Its
// message never carries backend details.
type ChunkError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Finished returns the finish reason of the chunk, or "" while running.
func (c *StreamChunk) Finished() openai.FinishReason {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].FinishReason
}

type outCall struct {
	index     int
	vendorID  string
	backendID string
	name      string
	sent      strings.Builder
	completed bool
}

// Translator turns the events of one protocol session into the chunks of one
// chat completion response. It is not safe for concurrent use.
type Translator struct {
	id        string
	model     string
	created   int64
	validator *ArgumentValidator

	roleSent bool
	finished bool
	reason   openai.FinishReason
	calls    map[string]*outCall
	order    []*outCall
}

type TranslatorOption func(*Translator)

func WithCompletionID(id string) TranslatorOption {
	return func(t *Translator) {
		t.id = id
	}
}

func WithCreated(ts time.Time) TranslatorOption {
	return func(t *Translator) {
		t.created = ts.Unix()
	}
}

func WithValidator(v *ArgumentValidator) TranslatorOption {
	return func(t *Translator) {
		t.validator = v
	}
}

func NewCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func NewTranslator(model string, options ...TranslatorOption) *Translator {
	t := &Translator{
		model:   model,
		created: time.Now().Unix(),
		calls:   map[string]*outCall{},
	}
	for _, o := range options {
		o(t)
	}
	if t.id == "" {
		t.id = NewCompletionID()
	}
	return t
}

func (t *Translator) ID() string {
	return t.id
}

func (t *Translator) Model() string {
	return t.model
}

func (t *Translator) Created() int64 {
	return t.created
}

// Done is true once the finishing chunk was produced.
func (t *Translator) Done() bool {
	return t.finished
}

func (t *Translator) FinishReason() openai.FinishReason {
	return t.reason
}

// Calls maps the vendor ids handed to the client to backend call ids.
func (t *Translator) Calls() map[string]string {
	ret := make(map[string]string, len(t.order))
	for _, c := range t.order {
		ret[c.vendorID] = c.backendID
	}
	return ret
}

// vendorID is derived from the completion id so that retries of the same
// backend call in another response get different ids.
func (t *Translator) vendorID(index int) string {
	suffix := strings.TrimPrefix(t.id, "chatcmpl-")
	if len(suffix) > 24 {
		suffix = suffix[:24]
	}
	return fmt.Sprintf("call_%s_%d", suffix, index)
}

func (t *Translator) chunk(delta ChunkDelta) *StreamChunk {
	if !t.roleSent {
		delta.Role = openai.ChatMessageRoleAssistant
		t.roleSent = true
	}
	return &StreamChunk{
		ID:      t.id,
		Object:  ChunkObject,
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta}},
	}
}

func (t *Translator) start(tc events.ToolCall) *outCall {
	c := &outCall{
		index:     len(t.order),
		backendID: tc.CallID,
		name:      tc.Name,
	}
	c.vendorID = t.vendorID(c.index)
	t.calls[tc.CallID] = c
	t.order = append(t.order, c)
	return c
}

// Translate maps one session event to at most one chunk. It returns false
// when the event has no client-visible effect.
func (t *Translator) Translate(e events.Event) (*StreamChunk, bool) {
	if t.finished {
		return nil, false
	}

	switch e_ := e.(type) {
	case *events.EventTextDelta:
		if e_.Delta == "" {
			return nil, false
		}
		return t.chunk(ChunkDelta{Content: e_.Delta}), true

	case *events.EventThinkingDelta:
		if e_.Delta == "" {
			return nil, false
		}
		return t.chunk(ChunkDelta{ReasoningContent: e_.Delta}), true

	case *events.EventToolCallStarted:
		if _, ok := t.calls[e_.ToolCall.CallID]; ok {
			return nil, false
		}
		c := t.start(e_.ToolCall)
		return t.chunk(ChunkDelta{ToolCalls: []ToolCallDelta{{
			Index:    c.index,
			ID:       c.vendorID,
			Type:     toolTypeFunction,
			Function: FunctionDelta{Name: c.name},
		}}}), true

	case *events.EventToolCallDelta:
		c, ok := t.calls[e_.CallID]
		if !ok || c.completed || e_.Delta == "" {
			return nil, false
		}
		c.sent.WriteString(e_.Delta)
		return t.chunk(ChunkDelta{ToolCalls: []ToolCallDelta{{
			Index:    c.index,
			Function: FunctionDelta{Arguments: e_.Delta},
		}}}), true

	case *events.EventToolCallCompleted:
		return t.complete(e_.ToolCall)

	case *events.EventToolCallsPending:
		return t.Finish(openai.FinishReasonToolCalls), true

	case *events.EventFinal:
		if len(t.order) > 0 {
			return t.Finish(openai.FinishReasonToolCalls), true
		}
		return t.Finish(openai.FinishReasonStop), true

	case *events.EventError:
		log.Debug().Str("completion_id", t.id).Err(e_.Err()).Msg("session failed, closing response with error chunk")
		return t.ErrorChunk("the agent backend failed while streaming", "upstream_error"), true
	}

	return nil, false
}

func (t *Translator) complete(tc events.ToolCall) (*StreamChunk, bool) {
	c, ok := t.calls[tc.CallID]
	if ok && c.completed {
		return nil, false
	}

	delta := ToolCallDelta{}
	if !ok {
		c = t.start(tc)
		delta.ID = c.vendorID
		delta.Type = toolTypeFunction
		delta.Function.Name = c.name
	}
	c.completed = true
	delta.Index = c.index

	sent := c.sent.String()
	switch {
	case sent == "":
		delta.Function.Arguments = tc.Arguments
	case strings.HasPrefix(tc.Arguments, sent):
		delta.Function.Arguments = tc.Arguments[len(sent):]
	default:
		log.Warn().Str("call_id", tc.CallID).Msg("completed arguments differ from streamed arguments, keeping streamed text")
	}
	c.sent.WriteString(delta.Function.Arguments)

	if err := t.validator.Validate(c.name, c.sent.String()); err != nil {
		log.Warn().Err(err).Str("call_id", tc.CallID).Str("tool", c.name).Msg("tool call arguments do not match declared schema")
	}

	if delta.ID == "" && delta.Function.Arguments == "" {
		return nil, false
	}
	return t.chunk(ChunkDelta{ToolCalls: []ToolCallDelta{delta}}), true
}

// Finish returns the chunk carrying the finish reason. Only the first call
// returns a chunk.
func (t *Translator) Finish(reason openai.FinishReason) *StreamChunk {
	if t.finished {
		return nil
	}
	c := t.chunk(ChunkDelta{})
	c.Choices[0].FinishReason = reason
	t.finished = true
	t.reason = reason
	return c
}

// ErrorChunk finishes the stream with an error. Deltas already produced stay
// valid.
func (t *Translator) ErrorChunk(message string, code string) *StreamChunk {
	c := t.Finish(openai.FinishReasonStop)
	if c == nil {
		return nil
	}
	c.Error = &ChunkError{Message: message, Type: "server_error", Code: code}
	return c
}
