package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	// ErrSessionBusy is returned when a handle for the token is already held.
	ErrSessionBusy = errors.New("session busy")
	ErrReleased    = errors.New("handle already released")
)

// Live is a protocol session parked on an entry between requests.
type Live interface {
	// Active reports whether the session is still consuming its stream. Active
	// entries are never swept. A session parked while the client runs its
	// tools is not active, so it is closed once the entry expires.
	Active() bool
	Close() error
}

type entry struct {
	record Record
	live   Live
	busy   bool
}

// Registry maps client session tokens to backend conversations. All entries
// are guarded by one lock.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
	store   Store
	now     func() time.Time
}

type Option func(*Registry)

func WithStore(s Store) Option {
	return func(r *Registry) {
		r.store = s
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func New(timeout time.Duration, options ...Option) *Registry {
	r := &Registry{
		entries: map[string]*entry{},
		timeout: timeout,
		now:     time.Now,
	}
	for _, o := range options {
		o(r)
	}
	if r.store == nil {
		r.store = NewMemoryStore(r.now)
	}
	return r
}

func (r *Registry) expired(e *entry, now time.Time) bool {
	if e.busy || (e.live != nil && e.live.Active()) {
		return false
	}
	return now.Sub(e.record.LastAccess) > r.timeout
}

// LookupOrCreate returns the handle for token. The caller owns the handle until
// Release. An expired entry is dropped and replaced by a fresh one.
func (r *Registry) LookupOrCreate(ctx context.Context, token string) (*Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[token]
	if ok && e.busy {
		r.mu.Unlock()
		return nil, ErrSessionBusy
	}
	now := r.now()
	var stale Live
	if ok && r.expired(e, now) {
		log.Debug().Str("conversation_id", e.record.ConversationID).Msg("session entry expired")
		stale = e.live
		delete(r.entries, token)
		ok = false
	}
	if ok {
		e.busy = true
		e.record.LastAccess = now
		r.mu.Unlock()
		return &Handle{reg: r, mu: &r.mu, token: token, e: e}, nil
	}
	r.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	rec, err := r.store.Load(ctx, token)
	if err != nil {
		log.Warn().Err(err).Msg("could not load session record")
		rec = nil
	}
	if rec != nil && now.Sub(rec.LastAccess) > r.timeout {
		rec = nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[token]; ok {
		if existing.busy {
			return nil, ErrSessionBusy
		}
		existing.busy = true
		existing.record.LastAccess = now
		return &Handle{reg: r, mu: &r.mu, token: token, e: existing}, nil
	}
	e = &entry{busy: true}
	if rec != nil {
		e.record = *rec
	}
	e.record.init()
	e.record.LastAccess = now
	r.entries[token] = e
	return &Handle{reg: r, mu: &r.mu, token: token, e: e}, nil
}

// Sweep removes expired entries and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	var (
		removed []string
		closing []Live
	)
	r.mu.Lock()
	for token, e := range r.entries {
		if !r.expired(e, now) {
			continue
		}
		removed = append(removed, token)
		if e.live != nil {
			closing = append(closing, e.live)
		}
		delete(r.entries, token)
	}
	r.mu.Unlock()

	for _, l := range closing {
		_ = l.Close()
	}
	for _, token := range removed {
		if err := r.store.Delete(ctx, token); err != nil {
			log.Warn().Err(err).Msg("could not delete session record")
		}
	}
	if len(removed) > 0 {
		log.Debug().Int("removed", len(removed)).Msg("swept session entries")
	}
	return len(removed)
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx, r.now())
		}
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close closes every parked session.
func (r *Registry) Close() {
	r.mu.Lock()
	var lives []Live
	for _, e := range r.entries {
		if e.live != nil {
			lives = append(lives, e.live)
			e.live = nil
		}
	}
	r.mu.Unlock()
	for _, l := range lives {
		_ = l.Close()
	}
}
