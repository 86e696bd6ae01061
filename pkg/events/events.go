package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeTextDelta     EventType = "text-delta"
	EventTypeThinkingDelta EventType = "thinking-delta"

	// Tool calls as described by the backend. The engine never runs them.
	EventTypeToolCallStarted   EventType = "tool-call-started"
	EventTypeToolCallDelta     EventType = "tool-call-delta"
	EventTypeToolCallCompleted EventType = "tool-call-completed"
	// The turn is waiting on client-side tool results.
	EventTypeToolCallsPending EventType = "tool-calls-pending"

	EventTypeFinal EventType = "final"
	EventTypeError EventType = "error"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventMetadata struct {
	ID             uuid.UUID `json:"message_id" yaml:"message_id" mapstructure:"message_id"`
	ConversationID string    `json:"conversation_id,omitempty" yaml:"conversation_id,omitempty" mapstructure:"conversation_id"`
	RequestID      string    `json:"request_id,omitempty" yaml:"request_id,omitempty" mapstructure:"request_id"`
	Model          string    `json:"model,omitempty" yaml:"model,omitempty" mapstructure:"model"`
	// Extra carries backend-specific values
	Extra map[string]interface{} `json:"extra,omitempty" yaml:"extra,omitempty" mapstructure:"extra"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.RequestID != "" {
		e.Str("request_id", em.RequestID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if len(em.Extra) > 0 {
		e.Interface("extra", em.Extra)
	}
}

// NewMetadata stamps a fresh message id on a copy of base.
func NewMetadata(base EventMetadata) EventMetadata {
	base.ID = uuid.New()
	return base
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// set when the event was decoded by NewEventFromJSON
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventTextDelta struct {
	EventImpl
	Delta string `json:"delta"`
}

func NewTextDeltaEvent(metadata EventMetadata, delta string) *EventTextDelta {
	return &EventTextDelta{
		EventImpl: EventImpl{Type_: EventTypeTextDelta, Metadata_: metadata},
		Delta:     delta,
	}
}

type EventThinkingDelta struct {
	EventImpl
	Delta string `json:"delta"`
}

func NewThinkingDeltaEvent(metadata EventMetadata, delta string) *EventThinkingDelta {
	return &EventThinkingDelta{
		EventImpl: EventImpl{Type_: EventTypeThinkingDelta, Metadata_: metadata},
		Delta:     delta,
	}
}

// ToolCall is the client-facing description of a backend tool call.
// Arguments is JSON text and may be empty until the call is complete.
type ToolCall struct {
	CallID      string `json:"call_id"`
	ModelCallID string `json:"model_call_id,omitempty"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Arguments   string `json:"arguments,omitempty"`
}

func (tc ToolCall) MarshalZerologObject(e *zerolog.Event) {
	e.Str("call_id", tc.CallID).Str("name", tc.Name).Str("kind", tc.Kind)
	if tc.ModelCallID != "" {
		e.Str("model_call_id", tc.ModelCallID)
	}
	e.Int("arguments_len", len(tc.Arguments))
}

type EventToolCallStarted struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallStartedEvent(metadata EventMetadata, tc ToolCall) *EventToolCallStarted {
	return &EventToolCallStarted{
		EventImpl: EventImpl{Type_: EventTypeToolCallStarted, Metadata_: metadata},
		ToolCall:  tc,
	}
}

type EventToolCallDelta struct {
	EventImpl
	CallID string `json:"call_id"`
	Delta  string `json:"delta"`
}

func NewToolCallDeltaEvent(metadata EventMetadata, callID string, delta string) *EventToolCallDelta {
	return &EventToolCallDelta{
		EventImpl: EventImpl{Type_: EventTypeToolCallDelta, Metadata_: metadata},
		CallID:    callID,
		Delta:     delta,
	}
}

type EventToolCallCompleted struct {
	EventImpl
	ToolCall ToolCall `json:"tool_call"`
}

func NewToolCallCompletedEvent(metadata EventMetadata, tc ToolCall) *EventToolCallCompleted {
	return &EventToolCallCompleted{
		EventImpl: EventImpl{Type_: EventTypeToolCallCompleted, Metadata_: metadata},
		ToolCall:  tc,
	}
}

type EventToolCallsPending struct {
	EventImpl
	CallIDs []string `json:"call_ids"`
}

func NewToolCallsPendingEvent(metadata EventMetadata, callIDs []string) *EventToolCallsPending {
	return &EventToolCallsPending{
		EventImpl: EventImpl{Type_: EventTypeToolCallsPending, Metadata_: metadata},
		CallIDs:   callIDs,
	}
}

type FinalReason string

const (
	FinalTurnEnded FinalReason = "turn-ended"
	FinalStreamEnd FinalReason = "stream-end"
)

type EventFinal struct {
	EventImpl
	Reason FinalReason `json:"reason"`
}

func NewFinalEvent(metadata EventMetadata, reason FinalReason) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Reason:    reason,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
	err         error
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
		err:         err,
	}
}

// Err returns the original error. Events decoded from JSON only carry the
// message.
func (e *EventError) Err() error {
	if e.err != nil {
		return e.err
	}
	return fmt.Errorf("%s", e.ErrorString)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

func (e EventToolCallStarted) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_call", e.ToolCall)
}

func (e EventToolCallCompleted) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Object("tool_call", e.ToolCall)
}

func (e EventToolCallsPending) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Strs("call_ids", e.CallIDs)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("reason", string(e.Reason))
}

var (
	_ Event = &EventTextDelta{}
	_ Event = &EventThinkingDelta{}
	_ Event = &EventToolCallStarted{}
	_ Event = &EventToolCallDelta{}
	_ Event = &EventToolCallCompleted{}
	_ Event = &EventToolCallsPending{}
	_ Event = &EventFinal{}
	_ Event = &EventError{}
)

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil || ret == nil {
		return nil, false
	}
	return ret, true
}

// NewEventFromJSON decodes an event published by a sink back into its typed
// form.
func NewEventFromJSON(b []byte) (Event, error) {
	var e *EventImpl
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event payload")
	}
	e.payload = b

	var (
		ret Event
		ok  bool
	)
	switch e.Type_ {
	case EventTypeTextDelta:
		ret, ok = typed[EventTextDelta](e)
	case EventTypeThinkingDelta:
		ret, ok = typed[EventThinkingDelta](e)
	case EventTypeToolCallStarted:
		ret, ok = typed[EventToolCallStarted](e)
	case EventTypeToolCallDelta:
		ret, ok = typed[EventToolCallDelta](e)
	case EventTypeToolCallCompleted:
		ret, ok = typed[EventToolCallCompleted](e)
	case EventTypeToolCallsPending:
		ret, ok = typed[EventToolCallsPending](e)
	case EventTypeFinal:
		ret, ok = typed[EventFinal](e)
	case EventTypeError:
		ret, ok = typed[EventError](e)
	default:
		return e, nil
	}
	if !ok {
		return nil, fmt.Errorf("could not decode %s event", e.Type_)
	}
	return ret, nil
}

type payloadSetter interface {
	setPayload(b []byte)
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}

func typed[T any, PT interface {
	*T
	Event
	payloadSetter
}](e *EventImpl) (Event, bool) {
	ret, ok := ToTypedEvent[T](e)
	if !ok {
		return nil, false
	}
	PT(ret).setPayload(e.payload)
	return PT(ret), true
}
