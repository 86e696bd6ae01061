package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Record is the persisted part of a session entry.
type Record struct {
	ConversationID string `json:"conversation_id"`
	// client-facing call id -> backend call id
	Calls map[string]string `json:"calls,omitempty"`
	// backend call ids whose result was delivered
	Acknowledged map[string]bool `json:"acknowledged,omitempty"`
	Covered      int             `json:"covered"`
	LastAccess   time.Time       `json:"last_access"`
}

func (r *Record) init() {
	if r.Calls == nil {
		r.Calls = map[string]string{}
	}
	if r.Acknowledged == nil {
		r.Acknowledged = map[string]bool{}
	}
}

func (r Record) clone() Record {
	ret := r
	ret.Calls = make(map[string]string, len(r.Calls))
	for k, v := range r.Calls {
		ret.Calls[k] = v
	}
	ret.Acknowledged = make(map[string]bool, len(r.Acknowledged))
	for k, v := range r.Acknowledged {
		ret.Acknowledged[k] = v
	}
	return ret
}

// Store persists session records across restarts. Load returns nil, nil when
// nothing is stored.
type Store interface {
	Load(ctx context.Context, token string) (*Record, error)
	Save(ctx context.Context, token string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, token string) error
}

type memoryItem struct {
	rec     Record
	expires time.Time
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{items: map[string]memoryItem{}, now: now}
}

func (m *MemoryStore) Load(_ context.Context, token string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[token]
	if !ok {
		return nil, nil
	}
	if !it.expires.IsZero() && m.now().After(it.expires) {
		delete(m.items, token)
		return nil, nil
	}
	rec := it.rec.clone()
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, token string, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := memoryItem{rec: rec.clone()}
	if ttl > 0 {
		it.expires = m.now().Add(ttl)
	}
	m.items[token] = it
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, token)
	return nil
}

// RedisStore keeps records as JSON values with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromURL connects using a redis:// URL.
func NewRedisStoreFromURL(url string, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis url")
	}
	return NewRedisStore(redis.NewClient(opt), prefix), nil
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

func (s *RedisStore) Load(ctx context.Context, token string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "decode session record")
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, token string, rec Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode session record")
	}
	return errors.Wrap(s.client.Set(ctx, s.key(token), b, ttl).Err(), "redis set")
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return errors.Wrap(s.client.Del(ctx, s.key(token)).Err(), "redis del")
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)
