package translate

import (
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Aggregator folds the chunks of a stream into one non-streaming response.
// Tool-call fragments are merged by index.
type Aggregator struct {
	id      string
	model   string
	created int64

	content   strings.Builder
	reasoning strings.Builder
	toolCalls map[int]openai.ToolCall
	finish    openai.FinishReason
	err       *ChunkError
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		toolCalls: map[int]openai.ToolCall{},
	}
}

func (a *Aggregator) Add(c *StreamChunk) {
	if c == nil {
		return
	}
	a.id, a.model, a.created = c.ID, c.Model, c.Created
	if c.Error != nil {
		a.err = c.Error
	}
	for _, choice := range c.Choices {
		a.content.WriteString(choice.Delta.Content)
		a.reasoning.WriteString(choice.Delta.ReasoningContent)
		for _, call := range choice.Delta.ToolCalls {
			existing, found := a.toolCalls[call.Index]
			if !found {
				index := call.Index
				existing = openai.ToolCall{Index: &index}
			}
			if call.ID != "" {
				existing.ID = call.ID
			}
			if call.Type != "" {
				existing.Type = openai.ToolType(call.Type)
			}
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			a.toolCalls[call.Index] = existing
		}
		if choice.FinishReason != "" {
			a.finish = choice.FinishReason
		}
	}
}

// Err returns the error chunk payload if the stream failed.
func (a *Aggregator) Err() *ChunkError {
	return a.err
}

func (a *Aggregator) Reasoning() string {
	return a.reasoning.String()
}

func (a *Aggregator) ToolCalls() []openai.ToolCall {
	indices := make([]int, 0, len(a.toolCalls))
	for i := range a.toolCalls {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	var ret []openai.ToolCall
	for _, i := range indices {
		call := a.toolCalls[i]
		// non-streaming tool calls carry no index
		call.Index = nil
		ret = append(ret, call)
	}
	return ret
}

// Response builds the completion. Reasoning text is not part of it.
func (a *Aggregator) Response() openai.ChatCompletionResponse {
	finish := a.finish
	if finish == "" {
		finish = openai.FinishReasonStop
	}
	return openai.ChatCompletionResponse{
		ID:      a.id,
		Object:  CompletionObject,
		Created: a.created,
		Model:   a.model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   a.content.String(),
				ToolCalls: a.ToolCalls(),
			},
			FinishReason: finish,
		}},
	}
}
