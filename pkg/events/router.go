package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/agentbridge/pkg/helpers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Router fans protocol events out to diagnostic handlers over an in-process
// watermill pubsub.
type Router struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type RouterOption func(*Router)

func WithLogger(logger watermill.LoggerAdapter) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithVerbose(verbose bool) RouterOption {
	return func(r *Router) {
		if verbose {
			r.logger = helpers.NewWatermillLogger(log.Logger)
		}
	}
}

func NewRouter(options ...RouterOption) (*Router, error) {
	ret := &Router{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = helpers.CorrelationPublisher{Publisher: goPubSub}
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// Sink returns a sink publishing onto topic.
func (r *Router) Sink(topic string) *WatermillSink {
	return NewWatermillSink(r.Publisher, topic)
}

func (r *Router) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	r.router.AddNoPublisherHandler(name, topic, r.Subscriber, f)
}

// LogEvents is a handler that writes every event to the global logger at the
// given level.
func LogEvents(level zerolog.Level) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJSON(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode event")
			return nil
		}

		ev := log.WithLevel(level).
			Str("event_type", string(e.Type())).
			Str(helpers.CorrelationKey, msg.Metadata.Get(helpers.CorrelationKey)).
			Object("meta", e.Metadata())
		switch e_ := e.(type) {
		case *EventTextDelta:
			ev = ev.Int("delta_len", len(e_.Delta))
		case *EventThinkingDelta:
			ev = ev.Int("delta_len", len(e_.Delta))
		case *EventToolCallStarted:
			ev = ev.Object("tool_call", e_.ToolCall)
		case *EventToolCallDelta:
			ev = ev.Str("call_id", e_.CallID).Int("delta_len", len(e_.Delta))
		case *EventToolCallCompleted:
			ev = ev.Object("tool_call", e_.ToolCall)
		case *EventToolCallsPending:
			ev = ev.Strs("call_ids", e_.CallIDs)
		case *EventFinal:
			ev = ev.Str("reason", string(e_.Reason))
		case *EventError:
			ev = ev.Str("error", e_.ErrorString)
		}
		ev.Msg("protocol event")
		return nil
	}
}

func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

func (r *Router) IsRunning() bool {
	return r.router.IsRunning()
}

func (r *Router) Close() error {
	log.Debug().Msg("Closing publisher")
	if err := r.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}
	log.Debug().Msg("Closing router")
	if err := r.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	return nil
}
