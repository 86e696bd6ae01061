package helpers

import (
	"context"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	messages []*message.Message
}

func (r *recordingPublisher) Publish(_ string, messages ...*message.Message) error {
	r.messages = append(r.messages, messages...)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func TestCorrelationPublisher(t *testing.T) {
	rec := &recordingPublisher{}
	p := CorrelationPublisher{Publisher: rec}

	tagged := message.NewMessage(watermill.NewUUID(), nil)
	tagged.Metadata.Set(CorrelationKey, "req-1")
	fromCtx := message.NewMessage(watermill.NewUUID(), nil)
	fromCtx.SetContext(ContextWithCorrelationID(context.Background(), "req-2"))
	bare := message.NewMessage(watermill.NewUUID(), nil)

	require.NoError(t, p.Publish("topic", tagged, fromCtx, bare))
	require.Len(t, rec.messages, 3)
	assert.Equal(t, "req-1", rec.messages[0].Metadata.Get(CorrelationKey))
	assert.Equal(t, "req-2", rec.messages[1].Metadata.Get(CorrelationKey))
	assert.True(t, strings.HasPrefix(rec.messages[2].Metadata.Get(CorrelationKey), "gen_"))
}
