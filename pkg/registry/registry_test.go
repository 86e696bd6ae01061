package registry

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

type fakeLive struct {
	mu     sync.Mutex
	active bool
	closed bool
}

func (f *fakeLive) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeLive) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.active = false
	return nil
}

func (f *fakeLive) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSecondLookupWhileHeldIsBusy(t *testing.T) {
	ctx := context.Background()
	r := New(15 * time.Minute)

	h, err := r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	h.SetConversationID("conv-1")

	_, err = r.LookupOrCreate(ctx, "tok")
	assert.True(t, errors.Is(err, ErrSessionBusy))

	require.NoError(t, h.Release(ctx))
	assert.True(t, errors.Is(h.Release(ctx), ErrReleased))

	h2, err := r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", h2.ConversationID())
	require.NoError(t, h2.Release(ctx))

	other, err := r.LookupOrCreate(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other.ConversationID())
}

func TestExpiredEntryIsReplaced(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	r := New(15*time.Minute, WithClock(c.Now))

	h, err := r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	h.SetConversationID("conv-1")
	h.SetCovered(3)
	require.NoError(t, h.Release(ctx))

	c.Advance(16 * time.Minute)
	h, err = r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	assert.Empty(t, h.ConversationID())
	assert.Equal(t, 0, h.Covered())
}

func TestSweepSkipsActiveSessions(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	r := New(15*time.Minute, WithClock(c.Now))

	h, err := r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	h.SetConversationID("conv-1")
	live := &fakeLive{active: true}
	h.Park(live)
	require.NoError(t, h.Release(ctx))

	c.Advance(20 * time.Minute)
	assert.Equal(t, 0, r.Sweep(ctx, c.Now()))
	assert.Equal(t, 1, r.Len())

	// still active: lookup keeps the conversation
	h, err = r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", h.ConversationID())
	require.NoError(t, h.Release(ctx))

	live.mu.Lock()
	live.active = false
	live.mu.Unlock()
	c.Advance(20 * time.Minute)
	assert.Equal(t, 1, r.Sweep(ctx, c.Now()))
	assert.True(t, live.Closed())
	assert.Equal(t, 0, r.Len())
}

func TestSweepClosesParkedSession(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	r := New(15*time.Minute, WithClock(c.Now))

	h, err := r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	live := &fakeLive{}
	h.Park(live)
	require.NoError(t, h.Release(ctx))

	c.Advance(10 * time.Minute)
	assert.Equal(t, 0, r.Sweep(ctx, c.Now()))
	assert.False(t, live.Closed())

	c.Advance(10 * time.Minute)
	assert.Equal(t, 1, r.Sweep(ctx, c.Now()))
	assert.True(t, live.Closed())
}

func TestSweepSkipsHeldHandles(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	r := New(time.Minute, WithClock(c.Now))

	h, err := r.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	c.Advance(time.Hour)
	assert.Equal(t, 0, r.Sweep(ctx, c.Now()))
	require.NoError(t, h.Release(ctx))
}

func TestCallBookkeeping(t *testing.T) {
	h := NewEphemeralHandle()
	assert.True(t, h.Ephemeral())

	h.SetConversationID("conv-1")
	h.MapCallID("call_abc_0", "backend-1")
	h.RecordCallID("backend-1")

	id, ok := h.BackendCallID("call_abc_0")
	require.True(t, ok)
	assert.Equal(t, "backend-1", id)
	assert.True(t, h.IsKnownCall("backend-1"))
	assert.False(t, h.IsKnownCall("backend-2"))

	// same conversation keeps bookkeeping
	h.SetConversationID("conv-1")
	assert.True(t, h.IsKnownCall("backend-1"))

	h.SetConversationID("conv-2")
	assert.False(t, h.IsKnownCall("backend-1"))
	_, ok = h.BackendCallID("call_abc_0")
	assert.False(t, ok)

	require.NoError(t, h.Release(context.Background()))
}

func TestParkAndReset(t *testing.T) {
	h := NewEphemeralHandle()
	first, second := &fakeLive{active: true}, &fakeLive{active: true}

	h.Park(first)
	assert.Equal(t, first, h.Live())
	h.Park(second)
	assert.True(t, first.Closed())
	assert.False(t, second.Closed())

	h.SetConversationID("conv-1")
	h.Reset()
	assert.Nil(t, h.Live())
	assert.True(t, second.Closed())
	assert.Empty(t, h.ConversationID())
}

func TestRecordsSurviveRegistryRestart(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	store := NewMemoryStore(c.Now)

	r1 := New(15*time.Minute, WithClock(c.Now), WithStore(store))
	h, err := r1.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	h.SetConversationID("conv-1")
	h.SetCovered(4)
	h.MapCallID("v1", "b1")
	require.NoError(t, h.Release(ctx))

	c.Advance(time.Minute)
	r2 := New(15*time.Minute, WithClock(c.Now), WithStore(store))
	h, err = r2.LookupOrCreate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", h.ConversationID())
	assert.Equal(t, 4, h.Covered())
	id, ok := h.BackendCallID("v1")
	assert.True(t, ok)
	assert.Equal(t, "b1", id)
	require.NoError(t, h.Release(ctx))

	r2.Sweep(ctx, c.Now().Add(time.Hour))
	rec, err := store.Load(ctx, "tok")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := New(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()
	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("AGENTBRIDGE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("AGENTBRIDGE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	s, err := NewRedisStoreFromURL(url, "agentbridge-test:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	rec := Record{ConversationID: "conv-1", Covered: 2, LastAccess: time.Now().UTC().Truncate(time.Second)}
	rec.init()
	rec.Acknowledged["b1"] = true
	require.NoError(t, s.Save(ctx, "tok", rec, time.Minute))

	got, err := s.Load(ctx, "tok")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.True(t, got.Acknowledged["b1"])

	require.NoError(t, s.Delete(ctx, "tok"))
	got, err = s.Load(ctx, "tok")
	require.NoError(t, err)
	assert.Nil(t, got)
}
