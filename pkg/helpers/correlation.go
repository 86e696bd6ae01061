package helpers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
)

// CorrelationKey is the message metadata key holding the correlation id.
const CorrelationKey = "correlation_id"

type correlationKeyType struct{}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKeyType{}, id)
}

// CorrelationIDFromContext returns the id stored in ctx, or a generated one
// prefixed with "gen_".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKeyType{}).(string); ok && id != "" {
		return id
	}
	return "gen_" + shortuuid.New()
}

// CorrelationPublisher sets a correlation id on every message that lacks one,
// taken from the message context.
type CorrelationPublisher struct {
	message.Publisher
}

func (c CorrelationPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, m := range messages {
		if m.Metadata.Get(CorrelationKey) != "" {
			continue
		}
		m.Metadata.Set(CorrelationKey, CorrelationIDFromContext(m.Context()))
	}
	return c.Publisher.Publish(topic, messages...)
}
