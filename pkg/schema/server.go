package schema

import (
	"github.com/go-go-golems/agentbridge/pkg/wire"
)

// ServerKind is the AgentServerMessage one-of.
type ServerKind int

const (
	ServerUnknown ServerKind = iota
	ServerInteractionUpdate
	ServerExec
	ServerCheckpoint
	ServerKv
	ServerRunResponse
)

func (k ServerKind) String() string {
	switch k {
	case ServerInteractionUpdate:
		return "interaction_update"
	case ServerExec:
		return "exec_server_message"
	case ServerCheckpoint:
		return "conversation_checkpoint"
	case ServerKv:
		return "kv_server_message"
	case ServerRunResponse:
		return "run_response"
	default:
		return "unknown"
	}
}

var serverFields = []struct {
	field int
	kind  ServerKind
}{
	{1, ServerInteractionUpdate},
	{2, ServerExec},
	{3, ServerCheckpoint},
	{4, ServerKv},
	{5, ServerRunResponse},
}

// ServerMessage is one decoded backend message. Exactly one of the pointer
// fields is set, matching Kind. Field keeps the raw number of an unknown
// variant.
type ServerMessage struct {
	Kind       ServerKind
	Field      int
	Update     *InteractionUpdate
	Exec       *ExecRequest
	Checkpoint *Checkpoint
	Kv         *KvRequest
	Run        *RunResponse
}

func DecodeServerMessage(b []byte) (ServerMessage, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return ServerMessage{}, err
	}
	for _, sf := range serverFields {
		f, ok := idx[sf.field]
		if !ok || f.Type != wire.Bytes {
			continue
		}
		m := ServerMessage{Kind: sf.kind}
		switch sf.kind {
		case ServerInteractionUpdate:
			u, err := DecodeInteractionUpdate(f.Bytes)
			if err != nil {
				return ServerMessage{}, err
			}
			m.Update = &u
		case ServerExec:
			e, err := DecodeExecRequest(f.Bytes)
			if err != nil {
				return ServerMessage{}, err
			}
			m.Exec = &e
		case ServerCheckpoint:
			c, err := DecodeCheckpoint(f.Bytes)
			if err != nil {
				return ServerMessage{}, err
			}
			m.Checkpoint = &c
		case ServerKv:
			k, err := DecodeKvRequest(f.Bytes)
			if err != nil {
				return ServerMessage{}, err
			}
			m.Kv = &k
		case ServerRunResponse:
			r, err := DecodeRunResponse(f.Bytes)
			if err != nil {
				return ServerMessage{}, err
			}
			m.Run = &r
		}
		return m, nil
	}
	return ServerMessage{Kind: ServerUnknown, Field: firstField(b)}, nil
}

func (m ServerMessage) Encode() []byte {
	switch {
	case m.Update != nil:
		return wire.EncodeLengthDelimited(1, m.Update.Encode())
	case m.Exec != nil:
		return wire.EncodeLengthDelimited(2, m.Exec.Encode())
	case m.Checkpoint != nil:
		return wire.EncodeLengthDelimited(3, m.Checkpoint.Encode())
	case m.Kv != nil:
		return wire.EncodeLengthDelimited(4, m.Kv.Encode())
	case m.Run != nil:
		return wire.EncodeLengthDelimited(5, m.Run.Encode())
	}
	return nil
}

// UpdateKind is the InteractionUpdate one-of.
type UpdateKind int

const (
	UpdateUnknown UpdateKind = iota
	UpdateTextDelta
	UpdateToolCallStarted
	UpdateToolCallCompleted
	UpdateThinkingDelta
	UpdatePartialToolCall
	UpdateTokenDelta
	UpdateHeartbeat
	UpdateTurnEnded
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateTextDelta:
		return "text_delta"
	case UpdateToolCallStarted:
		return "tool_call_started"
	case UpdateToolCallCompleted:
		return "tool_call_completed"
	case UpdateThinkingDelta:
		return "thinking_delta"
	case UpdatePartialToolCall:
		return "partial_tool_call"
	case UpdateTokenDelta:
		return "token_delta"
	case UpdateHeartbeat:
		return "heartbeat"
	case UpdateTurnEnded:
		return "turn_ended"
	default:
		return "unknown"
	}
}

var updateFields = []struct {
	field int
	kind  UpdateKind
}{
	{1, UpdateTextDelta},
	{2, UpdateToolCallStarted},
	{3, UpdateToolCallCompleted},
	{4, UpdateThinkingDelta},
	{7, UpdatePartialToolCall},
	{8, UpdateTokenDelta},
	{13, UpdateHeartbeat},
	{14, UpdateTurnEnded},
}

func updateField(k UpdateKind) int {
	for _, uf := range updateFields {
		if uf.kind == k {
			return uf.field
		}
	}
	return 0
}

type InteractionUpdate struct {
	Kind  UpdateKind
	Field int
	// Text is set for text, thinking and token deltas.
	Text     string
	ToolCall *ToolCallUpdate
	Partial  *PartialToolCall
}

// ToolCallUpdate is shared by the started and completed variants.
type ToolCallUpdate struct {
	CallID      string
	Call        *ToolCall
	ModelCallID string
}

type PartialToolCall struct {
	CallID        string
	Call          *ToolCall
	ArgsTextDelta string
	ModelCallID   string
}

func DecodeInteractionUpdate(b []byte) (InteractionUpdate, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return InteractionUpdate{}, err
	}
	for _, uf := range updateFields {
		f, ok := idx[uf.field]
		if !ok || f.Type != wire.Bytes {
			continue
		}
		u := InteractionUpdate{Kind: uf.kind}
		switch uf.kind {
		case UpdateTextDelta, UpdateThinkingDelta, UpdateTokenDelta:
			u.Text, err = decodeText(f.Bytes)
		case UpdateToolCallStarted, UpdateToolCallCompleted:
			var tc ToolCallUpdate
			tc, err = decodeToolCallUpdate(f.Bytes)
			u.ToolCall = &tc
		case UpdatePartialToolCall:
			var p PartialToolCall
			p, err = decodePartial(f.Bytes)
			u.Partial = &p
		case UpdateHeartbeat, UpdateTurnEnded:
			err = wire.Frame(f.Bytes).Validate()
		}
		if err != nil {
			return InteractionUpdate{}, err
		}
		return u, nil
	}
	return InteractionUpdate{Kind: UpdateUnknown, Field: firstField(b)}, nil
}

func (u InteractionUpdate) Encode() []byte {
	field := updateField(u.Kind)
	if field == 0 {
		return nil
	}
	var body []byte
	switch u.Kind {
	case UpdateTextDelta, UpdateThinkingDelta, UpdateTokenDelta:
		body = wire.Builder{}.String(1, u.Text).Bytes()
	case UpdateToolCallStarted, UpdateToolCallCompleted:
		if u.ToolCall != nil {
			body = u.ToolCall.Encode()
		}
	case UpdatePartialToolCall:
		if u.Partial != nil {
			body = u.Partial.Encode()
		}
	}
	return wire.EncodeLengthDelimited(field, body)
}

func decodeText(b []byte) (string, error) {
	f, _, err := wire.Frame(b).Last(1)
	if err != nil {
		return "", err
	}
	return f.String(), nil
}

func decodeToolCallUpdate(b []byte) (ToolCallUpdate, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return ToolCallUpdate{}, err
	}
	out := ToolCallUpdate{
		CallID:      idx[1].String(),
		ModelCallID: idx[3].String(),
	}
	if f, ok := idx[2]; ok && f.Type == wire.Bytes {
		call, err := DecodeToolCall(f.Bytes)
		if err != nil {
			return ToolCallUpdate{}, err
		}
		out.Call = &call
	}
	return out, nil
}

func (t ToolCallUpdate) Encode() []byte {
	b := wire.Builder{}.String(1, t.CallID)
	if t.Call != nil {
		b = b.Message(2, t.Call.Encode())
	}
	return b.String(3, t.ModelCallID).Bytes()
}

func decodePartial(b []byte) (PartialToolCall, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return PartialToolCall{}, err
	}
	out := PartialToolCall{
		CallID:        idx[1].String(),
		ArgsTextDelta: idx[3].String(),
		ModelCallID:   idx[4].String(),
	}
	if f, ok := idx[2]; ok && f.Type == wire.Bytes {
		call, err := DecodeToolCall(f.Bytes)
		if err != nil {
			return PartialToolCall{}, err
		}
		out.Call = &call
	}
	return out, nil
}

func (p PartialToolCall) Encode() []byte {
	b := wire.Builder{}.String(1, p.CallID)
	if p.Call != nil {
		b = b.Message(2, p.Call.Encode())
	}
	return b.String(3, p.ArgsTextDelta).String(4, p.ModelCallID).Bytes()
}

// ExecRequest asks the client to run a tool. ExecID is the backend call id.
type ExecRequest struct {
	ID     uint64
	ExecID string
	Call   *ToolCall
}

func DecodeExecRequest(b []byte) (ExecRequest, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return ExecRequest{}, err
	}
	out := ExecRequest{ID: idx[1].Uint(), ExecID: idx[2].String()}
	if f, ok := idx[3]; ok && f.Type == wire.Bytes {
		call, err := DecodeToolCall(f.Bytes)
		if err != nil {
			return ExecRequest{}, err
		}
		out.Call = &call
	}
	return out, nil
}

func (e ExecRequest) Encode() []byte {
	b := wire.Builder{}.Varint(1, e.ID).String(2, e.ExecID)
	if e.Call != nil {
		b = b.Message(3, e.Call.Encode())
	}
	return b.Bytes()
}

type Checkpoint struct {
	ConversationID string
	TurnIndex      uint64
	State          []byte
}

func DecodeCheckpoint(b []byte) (Checkpoint, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return Checkpoint{}, err
	}
	out := Checkpoint{ConversationID: idx[1].String(), TurnIndex: idx[2].Uint()}
	if f, ok := idx[3]; ok && f.Type == wire.Bytes && len(f.Bytes) > 0 {
		out.State = append([]byte(nil), f.Bytes...)
	}
	return out, nil
}

func (c Checkpoint) Encode() []byte {
	return wire.Builder{}.String(1, c.ConversationID).Varint(2, c.TurnIndex).BytesField(3, c.State).Bytes()
}

type KvKind int

const (
	KvUnknown KvKind = iota
	KvGetBlob
	KvSetBlob
)

// KvRequest is the backend reading or writing a blob in the client-side
// conversation store.
type KvRequest struct {
	ID       uint64
	Kind     KvKind
	BlobID   []byte
	BlobData []byte
}

func DecodeKvRequest(b []byte) (KvRequest, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return KvRequest{}, err
	}
	out := KvRequest{ID: idx[1].Uint()}
	var body []byte
	if f, ok := idx[2]; ok && f.Type == wire.Bytes {
		out.Kind, body = KvGetBlob, f.Bytes
	} else if f, ok := idx[3]; ok && f.Type == wire.Bytes {
		out.Kind, body = KvSetBlob, f.Bytes
	} else {
		return out, nil
	}
	inner, err := wire.Frame(body).Index()
	if err != nil {
		return KvRequest{}, err
	}
	out.BlobID = copyBytes(inner[1])
	if out.Kind == KvSetBlob {
		out.BlobData = copyBytes(inner[2])
	}
	return out, nil
}

func (k KvRequest) Encode() []byte {
	b := wire.Builder{}.Varint(1, k.ID)
	switch k.Kind {
	case KvGetBlob:
		b = b.Message(2, wire.Builder{}.BytesField(1, k.BlobID).Bytes())
	case KvSetBlob:
		b = b.Message(3, wire.Builder{}.BytesField(1, k.BlobID).BytesField(2, k.BlobData).Bytes())
	}
	return b.Bytes()
}

type RunResponse struct {
	ConversationID string
}

func DecodeRunResponse(b []byte) (RunResponse, error) {
	f, _, err := wire.Frame(b).Last(1)
	if err != nil {
		return RunResponse{}, err
	}
	return RunResponse{ConversationID: f.String()}, nil
}

func (r RunResponse) Encode() []byte {
	return wire.Builder{}.String(1, r.ConversationID).Bytes()
}

func firstField(b []byte) int {
	it := wire.Frame(b).Fields()
	if it.Next() {
		return it.Field().Number
	}
	return 0
}

func copyBytes(f wire.Field) []byte {
	if f.Type != wire.Bytes || len(f.Bytes) == 0 {
		return nil
	}
	return append([]byte(nil), f.Bytes...)
}
