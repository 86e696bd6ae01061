package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Handle is exclusive access to one entry, from lookup until Release.
type Handle struct {
	reg      *Registry
	mu       *sync.Mutex
	token    string
	e        *entry
	released bool
}

// NewEphemeralHandle returns a handle that belongs to no registry, for requests
// that carry no session token.
func NewEphemeralHandle() *Handle {
	e := &entry{busy: true}
	e.record.init()
	return &Handle{mu: &sync.Mutex{}, e: e}
}

func (h *Handle) Token() string {
	return h.token
}

func (h *Handle) Ephemeral() bool {
	return h.reg == nil
}

func (h *Handle) ConversationID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.e.record.ConversationID
}

// SetConversationID records the backend conversation. Switching to another
// conversation forgets the call bookkeeping of the previous one.
func (h *Handle) SetConversationID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.e.record.ConversationID != "" && h.e.record.ConversationID != id {
		h.e.record.Calls = map[string]string{}
		h.e.record.Acknowledged = map[string]bool{}
		h.e.record.Covered = 0
	}
	h.e.record.ConversationID = id
}

// RecordCallID marks a backend call id as acknowledged.
func (h *Handle) RecordCallID(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.e.record.Acknowledged[callID] = true
}

// IsKnownCall reports whether a result for callID was already delivered.
func (h *Handle) IsKnownCall(callID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.e.record.Acknowledged[callID]
}

// MapCallID remembers which backend call a client-facing id stands for.
func (h *Handle) MapCallID(vendorID, backendID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.e.record.Calls[vendorID] = backendID
}

func (h *Handle) BackendCallID(vendorID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.e.record.Calls[vendorID]
	return id, ok
}

// Covered is the number of leading client messages the backend conversation
// already holds.
func (h *Handle) Covered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.e.record.Covered
}

func (h *Handle) SetCovered(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.e.record.Covered = n
}

// Live returns the parked session, if any.
func (h *Handle) Live() Live {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.e.live
}

// Park stores l for the next request. Parking nil closes the previous session.
func (h *Handle) Park(l Live) {
	h.mu.Lock()
	prev := h.e.live
	h.e.live = l
	h.mu.Unlock()
	if prev != nil && prev != l {
		_ = prev.Close()
	}
}

// Reset forgets the conversation and closes the parked session.
func (h *Handle) Reset() {
	h.mu.Lock()
	prev := h.e.live
	h.e.live = nil
	last := h.e.record.LastAccess
	h.e.record = Record{LastAccess: last}
	h.e.record.init()
	h.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

// Snapshot returns a copy of the entry's record.
func (h *Handle) Snapshot() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.e.record.clone()
}

// Release gives the entry back to the registry and persists its record.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return ErrReleased
	}
	h.released = true
	h.e.busy = false
	if h.reg == nil {
		h.mu.Unlock()
		return nil
	}
	h.e.record.LastAccess = h.reg.now()
	rec := h.e.record.clone()
	h.mu.Unlock()

	if rec.ConversationID == "" {
		return nil
	}
	if err := h.reg.store.Save(ctx, h.token, rec, h.reg.timeout); err != nil {
		log.Warn().Err(err).Str("conversation_id", rec.ConversationID).Msg("could not persist session record")
		return err
	}
	return nil
}

// Touch refreshes the last access time without releasing.
func (h *Handle) Touch(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.e.record.LastAccess = now
}
