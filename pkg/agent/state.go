package agent

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/go-go-golems/agentbridge/pkg/schema"
)

type State int32

const (
	StateIdle State = iota
	StateOpening
	StateStreaming
	StateToolPending
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateToolPending:
		return "tool-pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type TurnStatus int

const (
	TurnOpen TurnStatus = iota
	TurnEnded
	TurnCheckpointed
)

// ToolResult is the client's answer to a tool call, keyed by backend call id.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

type pendingCall struct {
	id          string
	modelCallID string
	call        *schema.ToolCall
	execID      uint64
	hasExec     bool
	args        strings.Builder
	completed   bool
	resolved    bool
	abandoned   bool
}

func (c *pendingCall) outstanding() bool {
	return !c.resolved && !c.abandoned
}

func (c *pendingCall) event() events.ToolCall {
	tc := events.ToolCall{CallID: c.id, ModelCallID: c.modelCallID, Kind: string(schema.KindUnknown)}
	if c.call != nil {
		tc.Name = c.call.FunctionName()
		tc.Kind = string(c.call.Kind)
	}
	return tc
}

// finalArguments prefers the streamed argument text when it is complete JSON.
func (c *pendingCall) finalArguments() string {
	if streamed := c.args.String(); streamed != "" && json.Valid([]byte(streamed)) {
		return streamed
	}
	if c.call != nil {
		return c.call.ArgumentsJSON()
	}
	return c.args.String()
}

// ConversationState is the local shadow of one backend conversation turn. It
// is only touched by the session's state loop.
type ConversationState struct {
	ConversationID string
	Turn           TurnStatus
	TurnEndedSeen  bool
	Checkpointed   bool
	TurnIndex      uint64
	LastActivity   time.Time

	calls   map[string]*pendingCall
	order   []string
	yielded bool
}

func newConversationState(conversationID string) *ConversationState {
	return &ConversationState{
		ConversationID: conversationID,
		calls:          map[string]*pendingCall{},
	}
}

func (cs *ConversationState) call(id string) (*pendingCall, bool) {
	c, ok := cs.calls[id]
	return c, ok
}

func (cs *ConversationState) register(id string) *pendingCall {
	c := &pendingCall{id: id}
	cs.calls[id] = c
	cs.order = append(cs.order, id)
	cs.yielded = false
	return c
}

func (cs *ConversationState) outstanding() []string {
	var ret []string
	for _, id := range cs.order {
		if cs.calls[id].outstanding() {
			ret = append(ret, id)
		}
	}
	return ret
}

// readyToYield is true when calls are outstanding and all of them are fully
// described.
func (cs *ConversationState) readyToYield() bool {
	if cs.yielded {
		return false
	}
	ids := cs.outstanding()
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if !cs.calls[id].completed {
			return false
		}
	}
	return true
}

func (cs *ConversationState) abandonAll() {
	for _, id := range cs.outstanding() {
		cs.calls[id].abandoned = true
	}
}

// BlobStore holds the blobs the backend keeps on the client side of a
// conversation.
type BlobStore interface {
	GetBlob(conversationID string, blobID []byte) ([]byte, bool)
	SetBlob(conversationID string, blobID []byte, data []byte)
}

type MemoryBlobs struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: map[string][]byte{}}
}

func blobKey(conversationID string, blobID []byte) string {
	return conversationID + "/" + hex.EncodeToString(blobID)
}

func (m *MemoryBlobs) GetBlob(conversationID string, blobID []byte) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[blobKey(conversationID, blobID)]
	return b, ok
}

func (m *MemoryBlobs) SetBlob(conversationID string, blobID []byte, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[blobKey(conversationID, blobID)] = append([]byte(nil), data...)
}

var _ BlobStore = (*MemoryBlobs)(nil)
