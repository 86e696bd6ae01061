// Package bridge serves chat completions from agent backend sessions. It
// bounds concurrent backend calls, collapses duplicate requests and keeps the
// conversation of each session token alive between requests.
package bridge

import (
	"context"
	"sync"

	"github.com/go-go-golems/agentbridge/pkg/agent"
	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/go-go-golems/agentbridge/pkg/models"
	"github.com/go-go-golems/agentbridge/pkg/registry"
	"github.com/go-go-golems/agentbridge/pkg/settings"
	"github.com/go-go-golems/agentbridge/pkg/transport"
	"github.com/go-go-golems/agentbridge/pkg/translate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// ErrUpstream is returned when the backend failed after the response started.
var ErrUpstream = errors.New("agent backend failed")

const upstreamErrorMessage = "the agent backend failed while streaming"

// Options are per-request settings that do not belong to the chat request.
type Options struct {
	// IdempotencyKey collapses concurrent non-streaming requests with the
	// same key into one backend call.
	IdempotencyKey string
}

// EmitFunc receives the chunks of a streaming response in order.
type EmitFunc func(*translate.StreamChunk) error

type Bridge struct {
	client   *transport.Client
	settings settings.SessionSettings
	registry *registry.Registry
	caps     models.CapabilityResolver
	blobs    agent.BlobStore

	sem   *semaphore.Weighted
	group singleflight.Group

	mu     sync.Mutex
	shared map[string]*sharedCall
}

// sharedCall is one deduplicated completion. It runs detached from the
// callers and is cancelled once the last of them has gone.
type sharedCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type Option func(*Bridge)

func WithBlobStore(b agent.BlobStore) Option {
	return func(br *Bridge) {
		br.blobs = b
	}
}

func New(
	client *transport.Client,
	ss settings.SessionSettings,
	reg *registry.Registry,
	caps models.CapabilityResolver,
	options ...Option,
) *Bridge {
	limit := ss.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	b := &Bridge{
		client:   client,
		settings: ss,
		registry: reg,
		caps:     caps,
		blobs:    agent.NewMemoryBlobs(),
		sem:      semaphore.NewWeighted(limit),
		shared:   map[string]*sharedCall{},
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Complete runs req to the end of the turn and returns one response.
func (b *Bridge) Complete(ctx context.Context, req openai.ChatCompletionRequest, opts Options) (*openai.ChatCompletionResponse, error) {
	if opts.IdempotencyKey == "" {
		return b.complete(ctx, req)
	}
	key := opts.IdempotencyKey

	b.mu.Lock()
	sc, ok := b.shared[key]
	if !ok {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		sc = &sharedCall{ctx: runCtx, cancel: cancel}
		b.shared[key] = sc
	}
	sc.waiters++
	// joining under the lock keeps b.shared and the group in step
	ch := b.group.DoChan(key, func() (interface{}, error) {
		defer func() {
			b.mu.Lock()
			if b.shared[key] == sc {
				delete(b.shared, key)
			}
			b.mu.Unlock()
			sc.cancel()
		}()
		return b.complete(sc.ctx, req)
	})
	b.mu.Unlock()

	select {
	case r := <-ch:
		b.leave(key, sc)
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			log.Debug().Str("idempotency_key", key).Msg("shared in-flight completion")
		}
		resp := *r.Val.(*openai.ChatCompletionResponse)
		return &resp, nil
	case <-ctx.Done():
		b.leave(key, sc)
		return nil, ctx.Err()
	}
}

// leave drops one waiter from sc and cancels the call when none is left.
func (b *Bridge) leave(key string, sc *sharedCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sc.waiters--
	if sc.waiters > 0 {
		return
	}
	if b.shared[key] == sc {
		delete(b.shared, key)
		b.group.Forget(key)
	}
	sc.cancel()
}

func (b *Bridge) complete(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	agg := translate.NewAggregator()
	err := b.run(ctx, req, func(c *translate.StreamChunk) error {
		agg.Add(c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e := agg.Err(); e != nil {
		return nil, errors.Wrap(ErrUpstream, e.Message)
	}
	resp := agg.Response()
	return &resp, nil
}

// Stream runs req and hands every chunk to emit. Errors before the first
// chunk are returned; later failures end the stream with an error chunk.
func (b *Bridge) Stream(ctx context.Context, req openai.ChatCompletionRequest, _ Options, emit EmitFunc) error {
	return b.run(ctx, req, emit)
}

func (b *Bridge) handle(ctx context.Context, token string) (*registry.Handle, error) {
	if token == "" || b.registry == nil {
		return registry.NewEphemeralHandle(), nil
	}
	return b.registry.LookupOrCreate(ctx, token)
}

func (b *Bridge) run(ctx context.Context, req openai.ChatCompletionRequest, emit EmitFunc) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	modelID := req.Model
	if modelID == "" {
		modelID = models.DefaultModelID
	}
	caps := b.caps.Resolve(modelID)

	h, err := b.handle(ctx, translate.ParseSessionToken(req.Messages))
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, registry.ErrReleased) {
			log.Warn().Err(err).Msg("could not release session handle")
		}
	}()

	live := parked(h)
	prior := translate.Prior{ConversationID: h.ConversationID(), Covered: h.Covered(), Live: live != nil}
	plan, err := translate.BuildPlan(req, caps, prior)
	if err != nil {
		return err
	}

	if live != nil && plan.HasUserInput {
		// the client moved on instead of answering the pending calls
		log.Debug().Str("conversation_id", prior.ConversationID).Msg("closing parked session, request carries new input")
		live.Abandon()
		h.Park(nil)
		live = nil
		prior.Live = false
		if plan, err = translate.BuildPlan(req, caps, prior); err != nil {
			return err
		}
	}

	if live != nil {
		if b.deliver(ctx, h, live, plan.ToolResults) {
			return b.drive(ctx, h, live, req, plan, emit)
		}
		live.Abandon()
		h.Park(nil)
		prior.Live = false
		if plan, err = translate.BuildPlan(req, caps, prior); err != nil {
			return err
		}
	}

	sess := agent.NewSession(b.client, b.settings, agent.WithBlobStore(b.blobs))
	log.Debug().
		Str("model", plan.ModelID).
		Str("conversation_id", plan.Run.ConversationID).
		Bool("reused", plan.Reused).
		Int("images", plan.Images).
		Int("tools", len(plan.Run.Tools)).
		Msg("opening agent session")
	if err := sess.Start(ctx, plan.Run); err != nil {
		if plan.Reused {
			// the backend may have dropped the conversation
			h.Reset()
		}
		return err
	}
	return b.drive(ctx, h, sess, req, plan, emit)
}

// parked returns the session waiting for tool results under h, if it can
// still take them.
func parked(h *registry.Handle) *agent.Session {
	sess, ok := h.Live().(*agent.Session)
	if !ok || sess == nil {
		return nil
	}
	if sess.State().Terminal() {
		h.Park(nil)
		return nil
	}
	return sess
}

// deliver appends tool results to a parked session. It returns false when the
// session can no longer be used or none of the results belongs to it.
func (b *Bridge) deliver(ctx context.Context, h *registry.Handle, sess *agent.Session, results []translate.PendingResult) bool {
	matched := 0
	for _, r := range results {
		backendID, ok := h.BackendCallID(r.VendorID)
		if !ok {
			log.Debug().Str("tool_call_id", r.VendorID).Msg("ignoring result for unknown tool call")
			continue
		}
		matched++
		if h.IsKnownCall(backendID) {
			log.Debug().Str("call_id", backendID).Msg("tool result already delivered")
			continue
		}
		err := sess.SubmitToolResult(ctx, agent.ToolResult{CallID: backendID, Content: r.Content})
		switch {
		case err == nil:
			h.RecordCallID(backendID)
		case errors.Is(err, agent.ErrBackendProtocol):
			log.Debug().Err(err).Msg("ignoring tool result")
		case errors.Is(err, agent.ErrSessionClosed):
			return false
		default:
			log.Warn().Err(err).Str("call_id", backendID).Msg("could not deliver tool result")
			return false
		}
	}
	return matched > 0
}

// drive forwards the session events to emit until the response is finished.
func (b *Bridge) drive(
	ctx context.Context,
	h *registry.Handle,
	sess *agent.Session,
	req openai.ChatCompletionRequest,
	plan *translate.Plan,
	emit EmitFunc,
) error {
	tr := translate.NewTranslator(plan.ModelID, translate.WithValidator(translate.NewArgumentValidator(req.Tools)))

	finish := func(park bool) {
		if id := sess.ConversationID(); id != "" {
			h.SetConversationID(id)
		}
		for vendorID, backendID := range tr.Calls() {
			h.MapCallID(vendorID, backendID)
		}
		// the next request repeats these messages plus this response
		h.SetCovered(len(req.Messages) + 1)
		if park && !h.Ephemeral() {
			h.Park(sess)
			return
		}
		h.Park(nil)
		_ = sess.Close()
	}
	abort := func() {
		sess.Abandon()
		_ = sess.Close()
		h.Park(nil)
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("completion_id", tr.ID()).Msg("client went away, closing session")
			abort()
			return ctx.Err()

		case e, ok := <-sess.Events():
			if !ok {
				// the session ended without a final event
				err := sess.Wait()
				log.Debug().Err(err).Str("completion_id", tr.ID()).Msg("session events closed")
				h.Park(nil)
				if c := tr.ErrorChunk(upstreamErrorMessage, "upstream_error"); c != nil {
					return emit(c)
				}
				return nil
			}

			if c, ok := tr.Translate(e); ok && c != nil {
				if err := emit(c); err != nil {
					abort()
					return err
				}
			}

			switch e.Type() {
			case events.EventTypeToolCallsPending:
				finish(true)
				return nil
			case events.EventTypeFinal:
				finish(false)
				return nil
			case events.EventTypeError:
				h.Park(nil)
				return nil
			}
		}
	}
}
