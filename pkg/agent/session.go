package agent

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/go-go-golems/agentbridge/pkg/schema"
	"github.com/go-go-golems/agentbridge/pkg/settings"
	"github.com/go-go-golems/agentbridge/pkg/transport"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrBackendProtocol is a well-formed message that makes no sense in the
	// current state. It is logged and ignored.
	ErrBackendProtocol  = errors.New("backend protocol error")
	ErrTooManyMalformed = errors.New("too many consecutive malformed frames")
	ErrAlreadyStarted   = errors.New("session already started")
	ErrSessionClosed    = errors.New("session closed")
)

type submitRequest struct {
	result ToolResult
	reply  chan error
}

type inbound struct {
	msg transport.SSEMessage
	err error
	eof bool
}

// Session drives one backend run: it opens the stream, turns server messages
// into events and appends client messages.
type Session struct {
	client   *transport.Client
	settings settings.SessionSettings
	blobs    BlobStore

	state  atomic.Int32
	events chan events.Event

	inbound  chan inbound
	submits  chan submitRequest
	outbox   chan []byte
	writeErr chan error
	abandon  chan struct{}

	abandonOnce sync.Once
	cancel      context.CancelFunc
	done        chan struct{}

	mu             sync.Mutex
	err            error
	conversationID string
	meta           events.EventMetadata
}

type Option func(*Session)

func WithBlobStore(b BlobStore) Option {
	return func(s *Session) {
		s.blobs = b
	}
}

func NewSession(client *transport.Client, ss settings.SessionSettings, options ...Option) *Session {
	s := &Session{
		client:   client,
		settings: ss,
		events:   make(chan events.Event),
		inbound:  make(chan inbound),
		submits:  make(chan submitRequest),
		outbox:   make(chan []byte, 64),
		writeErr: make(chan error, 1),
		abandon:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if s.blobs == nil {
		s.blobs = NewMemoryBlobs()
	}
	if s.settings.MaxConsecutiveMalformed <= 0 {
		s.settings.MaxConsecutiveMalformed = 3
	}
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		log.Debug().Str("from", prev.String()).Str("to", st.String()).Str("request_id", s.meta.RequestID).Msg("session state")
	}
}

// Active reports whether the session is opening or consuming its stream.
// A session waiting on tool results is not active.
func (s *Session) Active() bool {
	st := s.State()
	return st == StateOpening || st == StateStreaming
}

// Events is closed when the session ends.
func (s *Session) Events() <-chan events.Event {
	return s.events
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) setConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
	s.meta.ConversationID = id
}

func (s *Session) metadata() events.EventMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return events.NewMetadata(s.meta)
}

// Start opens the backend stream for req. The session outlives ctx: only the
// opening call is bound to it. Values attached to ctx, such as event sinks,
// are kept.
func (s *Session) Start(ctx context.Context, req schema.RunRequest) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateOpening)) {
		return ErrAlreadyStarted
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	s.mu.Lock()
	s.conversationID = req.ConversationID
	s.meta = events.EventMetadata{ConversationID: req.ConversationID, RequestID: req.RequestID, Model: req.ModelID}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	stop := context.AfterFunc(ctx, cancel)
	frame := schema.ClientMessage{Kind: schema.ClientRunRequest, Run: &req}.Encode()
	stream, err := s.client.OpenStream(runCtx, req.RequestID, frame)
	stopped := stop()
	if err == nil && !stopped {
		// ctx ended while the stream was being opened
		_ = stream.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		s.setState(StateFailed)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
		close(s.done)
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return s.pump(gctx, stream)
	})
	g.Go(func() error {
		defer func() { _ = stream.Close() }()
		return s.loop(gctx, req)
	})
	g.Go(func() error {
		return s.write(gctx, req.RequestID)
	})
	go func() {
		err := g.Wait()
		cancel()
		s.mu.Lock()
		if s.err == nil && err != nil && !errors.Is(err, context.Canceled) {
			s.err = err
		}
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

// pump reads the stream one line at a time. It only reads the next line once
// the state loop took the previous one.
func (s *Session) pump(ctx context.Context, stream *transport.Stream) error {
	for {
		msg, err := stream.Next()
		in := inbound{msg: msg}
		if errors.Is(err, io.EOF) {
			in = inbound{eof: true}
		} else if err != nil {
			in = inbound{err: err}
		}
		select {
		case s.inbound <- in:
		case <-ctx.Done():
			return nil
		}
		if in.eof || in.err != nil {
			return nil
		}
	}
}

// write sends queued client messages in order with increasing sequence numbers.
func (s *Session) write(ctx context.Context, requestID string) error {
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-s.outbox:
			if err := s.client.Append(ctx, requestID, seq, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				select {
				case s.writeErr <- err:
				default:
				}
				return nil
			}
			seq++
		}
	}
}

func (s *Session) enqueue(ctx context.Context, msg schema.ClientMessage) {
	select {
	case s.outbox <- msg.Encode():
	case <-ctx.Done():
	}
}

// emit hands e to the consumer. Tool results are still accepted while the
// consumer is busy.
func (s *Session) emit(ctx context.Context, cs *ConversationState, e events.Event) bool {
	events.PublishEventToContext(ctx, e)
	for {
		select {
		case s.events <- e:
			return true
		case req := <-s.submits:
			req.reply <- s.handleSubmit(ctx, cs, req.result)
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Session) loop(ctx context.Context, req schema.RunRequest) error {
	defer close(s.events)

	cs := newConversationState(req.ConversationID)
	malformed := 0
	abandon := s.abandon

	var (
		settle      <-chan time.Time
		settleTimer *time.Timer
	)
	disarm := func() {
		if settleTimer != nil {
			settleTimer.Stop()
		}
		settle = nil
	}
	defer disarm()

	fail := func(err error) error {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.setState(StateFailed)
		log.Warn().Err(err).Str("request_id", req.RequestID).Msg("session failed")
		s.emit(ctx, cs, events.NewErrorEvent(s.metadata(), err))
		return err
	}
	complete := func(reason events.FinalReason) error {
		if ids := cs.outstanding(); len(ids) > 0 && !cs.yielded {
			cs.yielded = true
			s.emit(ctx, cs, events.NewToolCallsPendingEvent(s.metadata(), ids))
		}
		s.setState(StateCompleted)
		s.emit(ctx, cs, events.NewFinalEvent(s.metadata(), reason))
		return nil
	}
	yield := func() {
		disarm()
		cs.yielded = true
		s.setState(StateToolPending)
		s.emit(ctx, cs, events.NewToolCallsPendingEvent(s.metadata(), cs.outstanding()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-abandon:
			cs.abandonAll()
			abandon = nil

		case r := <-s.submits:
			r.reply <- s.handleSubmit(ctx, cs, r.result)

		case err := <-s.writeErr:
			if ctx.Err() != nil {
				return nil
			}
			return fail(err)

		case <-settle:
			settle = nil
			if cs.readyToYield() {
				yield()
			}

		case in := <-s.inbound:
			if ctx.Err() != nil {
				return nil
			}
			cs.LastActivity = time.Now()
			switch {
			case in.eof:
				return complete(events.FinalStreamEnd)
			case in.err != nil:
				return fail(in.err)
			case in.msg.EndStream:
				if in.msg.Trailer != nil {
					return fail(&transport.TransportError{Op: "stream", Err: in.msg.Trailer})
				}
				return complete(events.FinalStreamEnd)
			}

			var msg schema.ServerMessage
			decodeErr := in.msg.Err
			if decodeErr == nil {
				msg, decodeErr = schema.DecodeServerMessage(in.msg.Payload)
			}
			if decodeErr != nil {
				malformed++
				log.Debug().Err(decodeErr).Int("consecutive", malformed).Msg("dropping malformed frame")
				if malformed >= s.settings.MaxConsecutiveMalformed {
					return fail(&transport.TransportError{Op: "read", Err: errors.Wrap(ErrTooManyMalformed, decodeErr.Error())})
				}
				continue
			}
			malformed = 0
			if s.State() == StateOpening {
				s.setState(StateStreaming)
			}

			done, heartbeat := s.handle(ctx, cs, msg)
			if done {
				return complete(events.FinalTurnEnded)
			}
			if ctx.Err() != nil {
				return nil
			}
			if cs.readyToYield() {
				if heartbeat || s.settings.ToolSettle <= 0 {
					yield()
				} else {
					disarm()
					settleTimer = time.NewTimer(s.settings.ToolSettle)
					settle = settleTimer.C
				}
			} else {
				disarm()
			}
		}
	}
}

// handle applies one server message. It reports whether the turn is over and
// whether the message was a heartbeat.
func (s *Session) handle(ctx context.Context, cs *ConversationState, msg schema.ServerMessage) (bool, bool) {
	switch msg.Kind {
	case schema.ServerRunResponse:
		if id := msg.Run.ConversationID; id != "" {
			cs.ConversationID = id
			s.setConversationID(id)
		}

	case schema.ServerCheckpoint:
		if id := msg.Checkpoint.ConversationID; id != "" && cs.ConversationID == "" {
			cs.ConversationID = id
			s.setConversationID(id)
		}
		cs.Checkpointed = true
		cs.TurnIndex = msg.Checkpoint.TurnIndex
		if cs.TurnEndedSeen {
			cs.Turn = TurnCheckpointed
			return true, false
		}

	case schema.ServerExec:
		s.handleExec(ctx, cs, msg.Exec)

	case schema.ServerKv:
		s.handleKv(ctx, cs, msg.Kv)

	case schema.ServerInteractionUpdate:
		return s.handleUpdate(ctx, cs, msg.Update)

	default:
		log.Debug().Int("field", msg.Field).Msg("ignoring unknown server message")
	}
	return false, false
}

func (s *Session) handleUpdate(ctx context.Context, cs *ConversationState, u *schema.InteractionUpdate) (bool, bool) {
	switch u.Kind {
	case schema.UpdateTextDelta, schema.UpdateTokenDelta:
		if u.Text != "" {
			s.emit(ctx, cs, events.NewTextDeltaEvent(s.metadata(), u.Text))
		}

	case schema.UpdateThinkingDelta:
		if u.Text != "" {
			s.emit(ctx, cs, events.NewThinkingDeltaEvent(s.metadata(), u.Text))
		}

	case schema.UpdateToolCallStarted:
		tc := u.ToolCall
		if tc == nil || tc.CallID == "" {
			log.Debug().Msg("tool call started without id")
			break
		}
		if _, ok := cs.call(tc.CallID); ok {
			break
		}
		c := cs.register(tc.CallID)
		c.modelCallID = tc.ModelCallID
		c.call = tc.Call
		s.emit(ctx, cs, events.NewToolCallStartedEvent(s.metadata(), c.event()))

	case schema.UpdatePartialToolCall:
		p := u.Partial
		if p == nil {
			break
		}
		c, ok := cs.call(p.CallID)
		if !ok {
			log.Debug().Str("call_id", p.CallID).Msg("dropping partial for unknown call")
			break
		}
		if c.completed || p.ArgsTextDelta == "" {
			break
		}
		c.args.WriteString(p.ArgsTextDelta)
		s.emit(ctx, cs, events.NewToolCallDeltaEvent(s.metadata(), c.id, p.ArgsTextDelta))

	case schema.UpdateToolCallCompleted:
		tc := u.ToolCall
		if tc == nil || tc.CallID == "" {
			break
		}
		c, ok := cs.call(tc.CallID)
		if !ok {
			c = cs.register(tc.CallID)
			c.modelCallID = tc.ModelCallID
			c.call = tc.Call
			if !s.emit(ctx, cs, events.NewToolCallStartedEvent(s.metadata(), c.event())) {
				break
			}
		}
		if c.completed {
			break
		}
		if tc.Call != nil {
			c.call = tc.Call
		}
		s.completeCall(ctx, cs, c)

	case schema.UpdateHeartbeat:
		return false, true

	case schema.UpdateTurnEnded:
		cs.TurnEndedSeen = true
		cs.Turn = TurnEnded
		if cs.Checkpointed {
			cs.Turn = TurnCheckpointed
			return true, false
		}

	default:
		log.Debug().Int("field", u.Field).Msg("ignoring unknown interaction update")
	}
	return false, false
}

func (s *Session) completeCall(ctx context.Context, cs *ConversationState, c *pendingCall) {
	c.completed = true
	tc := c.event()
	tc.Arguments = c.finalArguments()
	s.emit(ctx, cs, events.NewToolCallCompletedEvent(s.metadata(), tc))
}

func (s *Session) handleExec(ctx context.Context, cs *ConversationState, e *schema.ExecRequest) {
	if e.ExecID == "" {
		log.Debug().Uint64("id", e.ID).Msg("exec request without call id")
		return
	}
	c, ok := cs.call(e.ExecID)
	if !ok {
		c = cs.register(e.ExecID)
		c.call = e.Call
		if !s.emit(ctx, cs, events.NewToolCallStartedEvent(s.metadata(), c.event())) {
			return
		}
	}
	c.execID, c.hasExec = e.ID, true
	if !c.completed {
		if e.Call != nil {
			c.call = e.Call
		}
		s.completeCall(ctx, cs, c)
	}
}

func (s *Session) handleKv(ctx context.Context, cs *ConversationState, k *schema.KvRequest) {
	res := schema.KvResult{ID: k.ID, Kind: k.Kind}
	switch k.Kind {
	case schema.KvGetBlob:
		res.BlobData, _ = s.blobs.GetBlob(cs.ConversationID, k.BlobID)
	case schema.KvSetBlob:
		s.blobs.SetBlob(cs.ConversationID, k.BlobID, k.BlobData)
	default:
		log.Debug().Uint64("id", k.ID).Msg("ignoring unknown kv request")
		return
	}
	s.enqueue(ctx, schema.ClientMessage{Kind: schema.ClientKvResult, Kv: &res})
}

func (s *Session) handleSubmit(ctx context.Context, cs *ConversationState, r ToolResult) error {
	c, ok := cs.call(r.CallID)
	if !ok {
		return errors.Wrapf(ErrBackendProtocol, "result for unknown call %s", r.CallID)
	}
	if c.resolved || c.abandoned {
		log.Debug().Str("call_id", r.CallID).Msg("dropping duplicate tool result")
		return nil
	}
	c.resolved = true

	res := schema.ExecResult{ID: c.execID, ExecID: c.id, Outcome: schema.ExecSuccess, Content: r.Content}
	if r.IsError {
		res.Outcome, res.Content, res.Error = schema.ExecError, "", r.Content
	}
	s.enqueue(ctx, schema.ClientMessage{Kind: schema.ClientExecResult, Exec: &res})

	if len(cs.outstanding()) == 0 && s.State() == StateToolPending {
		cs.yielded = false
		s.setState(StateStreaming)
	}
	return nil
}

// SubmitToolResult appends the result for a backend call. A repeated result
// for the same call is dropped. A result for a call this session never saw
// returns ErrBackendProtocol.
func (s *Session) SubmitToolResult(ctx context.Context, r ToolResult) error {
	if s.State().Terminal() {
		return ErrSessionClosed
	}
	req := submitRequest{result: r, reply: make(chan error, 1)}
	select {
	case s.submits <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon stops delivering results for the calls currently outstanding.
func (s *Session) Abandon() {
	s.abandonOnce.Do(func() {
		close(s.abandon)
	})
}

// Close stops the session. Events is closed once the tasks have exited.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if !s.State().Terminal() && s.State() != StateIdle {
		s.setState(StateFailed)
	}
	return nil
}

// Wait blocks until the session ended and returns the error that ended it.
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}
