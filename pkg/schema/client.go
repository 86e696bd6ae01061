package schema

import (
	"encoding/hex"

	"github.com/go-go-golems/agentbridge/pkg/wire"
	"github.com/pkg/errors"
)

// ClientKind is the AgentClientMessage one-of.
type ClientKind int

const (
	ClientUnknown ClientKind = iota
	ClientRunRequest
	ClientExecResult
	ClientKvResult
	ClientHeartbeat
)

var clientFields = []struct {
	field int
	kind  ClientKind
}{
	{1, ClientRunRequest},
	{2, ClientExecResult},
	{3, ClientKvResult},
	{5, ClientHeartbeat},
}

type ClientMessage struct {
	Kind  ClientKind
	Field int
	Run   *RunRequest
	Exec  *ExecResult
	Kv    *KvResult
}

func DecodeClientMessage(b []byte) (ClientMessage, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return ClientMessage{}, err
	}
	for _, cf := range clientFields {
		f, ok := idx[cf.field]
		if !ok || f.Type != wire.Bytes {
			continue
		}
		m := ClientMessage{Kind: cf.kind}
		switch cf.kind {
		case ClientRunRequest:
			var r RunRequest
			r, err = DecodeRunRequest(f.Bytes)
			m.Run = &r
		case ClientExecResult:
			var e ExecResult
			e, err = DecodeExecResult(f.Bytes)
			m.Exec = &e
		case ClientKvResult:
			var k KvResult
			k, err = DecodeKvResult(f.Bytes)
			m.Kv = &k
		case ClientHeartbeat:
			err = wire.Frame(f.Bytes).Validate()
		}
		if err != nil {
			return ClientMessage{}, err
		}
		return m, nil
	}
	return ClientMessage{Kind: ClientUnknown, Field: firstField(b)}, nil
}

func (m ClientMessage) Encode() []byte {
	switch m.Kind {
	case ClientRunRequest:
		if m.Run != nil {
			return wire.EncodeLengthDelimited(1, m.Run.Encode())
		}
	case ClientExecResult:
		if m.Exec != nil {
			return wire.EncodeLengthDelimited(2, m.Exec.Encode())
		}
	case ClientKvResult:
		if m.Kv != nil {
			return wire.EncodeLengthDelimited(3, m.Kv.Encode())
		}
	case ClientHeartbeat:
		return wire.EncodeLengthDelimited(5, nil)
	}
	return nil
}

type McpTool struct {
	Name               string
	Description        string
	InputSchemaJSON    string
	ProviderIdentifier string
}

func decodeMcpTool(b []byte) (McpTool, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return McpTool{}, err
	}
	return McpTool{
		Name:               idx[1].String(),
		Description:        idx[2].String(),
		InputSchemaJSON:    idx[3].String(),
		ProviderIdentifier: idx[4].String(),
	}, nil
}

func decodeMcpTools(b []byte) ([]McpTool, error) {
	defs, err := wire.Frame(b).All(1)
	if err != nil {
		return nil, err
	}
	var out []McpTool
	for _, d := range defs {
		t, err := decodeMcpTool(d.Message())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (t McpTool) Encode() []byte {
	return wire.Builder{}.
		String(1, t.Name).
		String(2, t.Description).
		String(3, t.InputSchemaJSON).
		String(4, t.ProviderIdentifier).
		Bytes()
}

type Image struct {
	URL      string
	Data     []byte
	MimeType string
}

type UserMessage struct {
	Text      string
	MessageID string
	Images    []Image
}

func decodeUserMessage(b []byte) (UserMessage, error) {
	var out UserMessage
	it := wire.Frame(b).Fields()
	for it.Next() {
		f := it.Field()
		switch f.Number {
		case 1:
			out.Text = f.String()
		case 2:
			out.MessageID = f.String()
		case 3:
			if f.Type != wire.Bytes {
				continue
			}
			idx, err := wire.Frame(f.Bytes).Index()
			if err != nil {
				return UserMessage{}, err
			}
			out.Images = append(out.Images, Image{
				URL:      idx[1].String(),
				Data:     copyBytes(idx[2]),
				MimeType: idx[3].String(),
			})
		}
	}
	if err := it.Err(); err != nil {
		return UserMessage{}, err
	}
	return out, nil
}

func (m UserMessage) Encode() []byte {
	b := wire.Builder{}.String(1, m.Text).String(2, m.MessageID)
	for _, img := range m.Images {
		b = b.Message(3, wire.Builder{}.String(1, img.URL).BytesField(2, img.Data).String(3, img.MimeType).Bytes())
	}
	return b.Bytes()
}

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionUserMessage
	ActionResume
)

// Action is the ConversationAction one-of: either a new user message or a
// resume of the current turn with no new input.
type Action struct {
	Kind    ActionKind
	Message *UserMessage
}

func decodeAction(b []byte) (Action, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return Action{}, err
	}
	if f, ok := idx[1]; ok && f.Type == wire.Bytes {
		inner, _, err := wire.Frame(f.Bytes).Last(1)
		if err != nil {
			return Action{}, err
		}
		msg, err := decodeUserMessage(inner.Message())
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionUserMessage, Message: &msg}, nil
	}
	if f, ok := idx[2]; ok && f.Type == wire.Bytes {
		return Action{Kind: ActionResume}, nil
	}
	return Action{}, nil
}

func (a Action) Encode() []byte {
	switch a.Kind {
	case ActionUserMessage:
		msg := UserMessage{}
		if a.Message != nil {
			msg = *a.Message
		}
		return wire.EncodeMessage(1, wire.EncodeLengthDelimited(1, msg.Encode()))
	case ActionResume:
		return wire.EncodeLengthDelimited(2, nil)
	}
	return nil
}

// RunRequest opens a conversation turn. An empty ConversationID starts a new
// backend conversation.
type RunRequest struct {
	ConversationID string
	Action         Action
	ModelID        string
	Tools          []McpTool
	RequestID      string
}

func DecodeRunRequest(b []byte) (RunRequest, error) {
	var out RunRequest
	it := wire.Frame(b).Fields()
	for it.Next() {
		f := it.Field()
		if f.Type != wire.Bytes {
			continue
		}
		var err error
		switch f.Number {
		case 1:
			out.ConversationID = f.String()
		case 2:
			out.Action, err = decodeAction(f.Bytes)
		case 3:
			var model wire.Field
			model, _, err = wire.Frame(f.Bytes).Last(1)
			out.ModelID = model.String()
		case 4:
			out.Tools, err = decodeMcpTools(f.Bytes)
		case 5:
			out.RequestID = f.String()
		}
		if err != nil {
			return RunRequest{}, err
		}
	}
	if err := it.Err(); err != nil {
		return RunRequest{}, err
	}
	return out, nil
}

func (r RunRequest) Encode() []byte {
	b := wire.Builder{}.String(1, r.ConversationID)
	if action := r.Action.Encode(); action != nil {
		b = b.Message(2, action)
	}
	if r.ModelID != "" {
		b = b.Message(3, wire.EncodeString(1, r.ModelID))
	}
	if len(r.Tools) > 0 {
		defs := wire.Builder{}
		for _, t := range r.Tools {
			defs = defs.Message(1, t.Encode())
		}
		b = b.Message(4, defs.Bytes())
	}
	return b.String(5, r.RequestID).Bytes()
}

type ExecOutcome int

const (
	ExecNone ExecOutcome = iota
	ExecSuccess
	ExecError
)

// ExecResult answers an ExecRequest. ExecID carries the backend call id.
type ExecResult struct {
	ID      uint64
	ExecID  string
	Outcome ExecOutcome
	Content string
	Error   string
}

func DecodeExecResult(b []byte) (ExecResult, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return ExecResult{}, err
	}
	out := ExecResult{ID: idx[1].Uint(), ExecID: idx[2].String()}
	if f, ok := idx[3]; ok && f.Type == wire.Bytes {
		c, _, err := wire.Frame(f.Bytes).Last(1)
		if err != nil {
			return ExecResult{}, err
		}
		out.Outcome, out.Content = ExecSuccess, c.String()
	} else if f, ok := idx[4]; ok && f.Type == wire.Bytes {
		m, _, err := wire.Frame(f.Bytes).Last(1)
		if err != nil {
			return ExecResult{}, err
		}
		out.Outcome, out.Error = ExecError, m.String()
	}
	return out, nil
}

func (e ExecResult) Encode() []byte {
	b := wire.Builder{}.Varint(1, e.ID).String(2, e.ExecID)
	switch e.Outcome {
	case ExecSuccess:
		b = b.Message(3, wire.Builder{}.String(1, e.Content).Bytes())
	case ExecError:
		b = b.Message(4, wire.Builder{}.String(1, e.Error).Bytes())
	}
	return b.Bytes()
}

type KvResult struct {
	ID       uint64
	Kind     KvKind
	BlobData []byte
}

func DecodeKvResult(b []byte) (KvResult, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return KvResult{}, err
	}
	out := KvResult{ID: idx[1].Uint()}
	if f, ok := idx[2]; ok && f.Type == wire.Bytes {
		inner, _, err := wire.Frame(f.Bytes).Last(1)
		if err != nil {
			return KvResult{}, err
		}
		out.Kind, out.BlobData = KvGetBlob, copyBytes(inner)
	} else if f, ok := idx[3]; ok && f.Type == wire.Bytes {
		out.Kind = KvSetBlob
	}
	return out, nil
}

func (k KvResult) Encode() []byte {
	b := wire.Builder{}.Varint(1, k.ID)
	switch k.Kind {
	case KvGetBlob:
		b = b.Message(2, wire.Builder{}.BytesField(1, k.BlobData).Bytes())
	case KvSetBlob:
		b = b.Message(3, nil)
	}
	return b.Bytes()
}

// AppendRequest is the body of the append call. Data is the encoded inner
// ClientMessage; on the wire it travels hex encoded.
type AppendRequest struct {
	Data      []byte
	RequestID string
	Seq       uint64
}

func DecodeAppendRequest(b []byte) (AppendRequest, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return AppendRequest{}, err
	}
	out := AppendRequest{Seq: idx[3].Uint()}
	if f, ok := idx[1]; ok && f.Type == wire.Bytes && len(f.Bytes) > 0 {
		data, err := hex.DecodeString(string(f.Bytes))
		if err != nil {
			return AppendRequest{}, errors.Wrap(wire.ErrMalformedFrame, "append data is not hex")
		}
		out.Data = data
	}
	if f, ok := idx[2]; ok && f.Type == wire.Bytes {
		id, _, err := wire.Frame(f.Bytes).Last(1)
		if err != nil {
			return AppendRequest{}, err
		}
		out.RequestID = id.String()
	}
	return out, nil
}

func (a AppendRequest) Encode() []byte {
	b := wire.Builder{}.String(1, hex.EncodeToString(a.Data))
	if a.RequestID != "" {
		b = b.Message(2, wire.EncodeString(1, a.RequestID))
	}
	return b.Varint(3, a.Seq).Bytes()
}

// Message decodes the inner client message carried by the append.
func (a AppendRequest) Message() (ClientMessage, error) {
	return DecodeClientMessage(a.Data)
}
