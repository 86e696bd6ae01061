package translate

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/go-go-golems/agentbridge/pkg/models"
	"github.com/go-go-golems/agentbridge/pkg/schema"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	noVision   = models.Capabilities{SupportsTools: true}
	withVision = models.Capabilities{SupportsTools: true, SupportsVision: true}
)

func imageMessage(text string, urls ...string) openai.ChatCompletionMessage {
	m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	for _, u := range urls {
		m.MultiContent = append(m.MultiContent, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: u},
		})
	}
	return m
}

func TestImagePlaceholderWithoutVision(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Model:    "cursor-small",
		Messages: []openai.ChatCompletionMessage{imageMessage("what is this?", "https://example.com/cat.png")},
	}
	plan, err := BuildPlan(req, noVision, Prior{})
	require.NoError(t, err)

	require.Equal(t, schema.ActionUserMessage, plan.Run.Action.Kind)
	msg := plan.Run.Action.Message
	require.NotNil(t, msg)
	assert.Equal(t, "what is this?\nImage 1: [image: https://example.com/cat.png]", msg.Text)
	assert.Empty(t, msg.Images)
	assert.Equal(t, 1, plan.Images)

	// what reaches the backend carries no image payload either
	decoded, err := schema.DecodeRunRequest(plan.Run.Encode())
	require.NoError(t, err)
	require.NotNil(t, decoded.Action.Message)
	assert.Contains(t, decoded.Action.Message.Text, "Image 1: [image: https://example.com/cat.png]")
	assert.Empty(t, decoded.Action.Message.Images)
}

func TestImagesAttachedWithVision(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			imageMessage("compare", "https://example.com/a.png", "data:image/png;base64,aGVsbG8="),
		},
	}
	plan, err := BuildPlan(req, withVision, Prior{})
	require.NoError(t, err)

	assert.Equal(t, models.DefaultModelID, plan.ModelID)
	msg := plan.Run.Action.Message
	require.NotNil(t, msg)
	assert.Equal(t, "compare", msg.Text)
	require.Len(t, msg.Images, 2)
	assert.Equal(t, "https://example.com/a.png", msg.Images[0].URL)
	assert.Equal(t, []byte("hello"), msg.Images[1].Data)
	assert.Equal(t, "image/png", msg.Images[1].MimeType)
}

func TestInlineImagePlaceholder(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{imageMessage("", "data:image/jpeg;base64,aGVsbG8=")},
	}
	plan, err := BuildPlan(req, noVision, Prior{})
	require.NoError(t, err)
	assert.Equal(t, "Image 1: [image: inline image/jpeg]", plan.Run.Action.Message.Text)
}

func TestSessionTokenAndTranscript(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Model: "gpt-5",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Session: abc-123\nBe brief."},
			{Role: openai.ChatMessageRoleUser, Content: "hi"},
		},
	}
	assert.Equal(t, "abc-123", ParseSessionToken(req.Messages))

	plan, err := BuildPlan(req, noVision, Prior{})
	require.NoError(t, err)
	assert.Equal(t, "abc-123", plan.SessionToken)
	assert.Equal(t, "gpt-5", plan.Run.ModelID)
	assert.False(t, plan.Reused)
	assert.Empty(t, plan.Run.ConversationID)
	assert.Equal(t, "[system]\nBe brief.\n\n[user]\nhi", plan.Run.Action.Message.Text)
}

func TestNoSessionToken(t *testing.T) {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: "Session: not-a-system-message"},
	}
	assert.Empty(t, ParseSessionToken(msgs))
}

func conversation() []openai.ChatCompletionMessage {
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "Session: s1"},
		{Role: openai.ChatMessageRoleUser, Content: "list the files"},
		{Role: openai.ChatMessageRoleAssistant, Content: "", ToolCalls: []openai.ToolCall{{
			ID:       "call_x_0",
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: "shell", Arguments: `{"command":"ls"}`},
		}}},
		{Role: openai.ChatMessageRoleTool, ToolCallID: "call_x_0", Content: "a.txt\nb.txt"},
	}
}

func TestReuseOmitsCoveredHistory(t *testing.T) {
	msgs := append(conversation(),
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "there are two files"},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "delete b.txt"},
	)
	plan, err := BuildPlan(openai.ChatCompletionRequest{Messages: msgs}, noVision, Prior{ConversationID: "conv-1", Covered: 5})
	require.NoError(t, err)

	assert.True(t, plan.Reused)
	assert.Equal(t, "conv-1", plan.Run.ConversationID)
	assert.Equal(t, "delete b.txt", plan.Run.Action.Message.Text)
	assert.NotContains(t, plan.Run.Action.Message.Text, "list the files")
}

func TestFullRenderIncludesToolHistory(t *testing.T) {
	plan, err := BuildPlan(openai.ChatCompletionRequest{Messages: conversation()}, noVision, Prior{})
	require.NoError(t, err)

	text := plan.Run.Action.Message.Text
	assert.Contains(t, text, "[user]\nlist the files")
	assert.Contains(t, text, `[tool call call_x_0] shell {"command":"ls"}`)
	assert.Contains(t, text, "[tool result call_x_0]\na.txt\nb.txt")
	assert.NotContains(t, text, "Session:")
	assert.Empty(t, plan.ToolResults)
}

func TestToolResultsForLiveSession(t *testing.T) {
	plan, err := BuildPlan(openai.ChatCompletionRequest{Messages: conversation()}, noVision,
		Prior{ConversationID: "conv-1", Covered: 3, Live: true})
	require.NoError(t, err)

	require.Len(t, plan.ToolResults, 1)
	assert.Equal(t, PendingResult{VendorID: "call_x_0", Content: "a.txt\nb.txt"}, plan.ToolResults[0])
	assert.False(t, plan.HasUserInput)
	assert.Equal(t, schema.ActionResume, plan.Run.Action.Kind)
}

func TestToolResultsWithoutLiveSessionAreRendered(t *testing.T) {
	plan, err := BuildPlan(openai.ChatCompletionRequest{Messages: conversation()}, noVision,
		Prior{ConversationID: "conv-1", Covered: 3})
	require.NoError(t, err)

	assert.Empty(t, plan.ToolResults)
	assert.True(t, plan.HasUserInput)
	assert.Equal(t, "[tool result call_x_0]\na.txt\nb.txt", plan.Run.Action.Message.Text)
}

func TestInvalidRequests(t *testing.T) {
	_, err := BuildPlan(openai.ChatCompletionRequest{}, noVision, Prior{})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = BuildPlan(openai.ChatCompletionRequest{Messages: []openai.ChatCompletionMessage{{Role: "robot", Content: "x"}}}, noVision, Prior{})
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	_, err = BuildPlan(openai.ChatCompletionRequest{Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleTool, Content: "x"}}}, noVision, Prior{})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

func weatherTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "get_weather",
			Description: "current weather",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"city": map[string]interface{}{"type": "string"}},
				"required":   []string{"city"},
			},
		},
	}
}

func TestMcpTools(t *testing.T) {
	req := openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "weather?"}},
		Tools:    []openai.Tool{weatherTool()},
	}
	plan, err := BuildPlan(req, noVision, Prior{})
	require.NoError(t, err)
	require.Len(t, plan.Run.Tools, 1)
	tool := plan.Run.Tools[0]
	assert.Equal(t, "get_weather", tool.Name)
	assert.Equal(t, ProviderClient, tool.ProviderIdentifier)
	assert.JSONEq(t, `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`, tool.InputSchemaJSON)

	plan, err = BuildPlan(req, models.Capabilities{}, Prior{})
	require.NoError(t, err)
	assert.Empty(t, plan.Run.Tools)

	req.ToolChoice = "none"
	plan, err = BuildPlan(req, noVision, Prior{})
	require.NoError(t, err)
	assert.Empty(t, plan.Run.Tools)
}

func meta() events.EventMetadata {
	return events.NewMetadata(events.EventMetadata{})
}

func translateAll(tr *Translator, evs ...events.Event) []*StreamChunk {
	var ret []*StreamChunk
	for _, e := range evs {
		if c, ok := tr.Translate(e); ok && c != nil {
			ret = append(ret, c)
		}
	}
	return ret
}

func finishCount(chunks []*StreamChunk) int {
	n := 0
	for _, c := range chunks {
		if c.Finished() != "" {
			n++
		}
	}
	return n
}

func TestPartialToolCallAccumulation(t *testing.T) {
	tr := NewTranslator("gpt-5", WithCompletionID("chatcmpl-abc"))
	shell := events.ToolCall{CallID: "tool_1", Name: "shell", Kind: "shell"}
	done := shell
	done.Arguments = `{"command": "ls -la"}`

	chunks := translateAll(tr,
		events.NewToolCallStartedEvent(meta(), shell),
		events.NewToolCallDeltaEvent(meta(), "tool_1", `{"comm`),
		events.NewToolCallDeltaEvent(meta(), "tool_1", `and": "ls`),
		events.NewToolCallDeltaEvent(meta(), "tool_1", ` -la"}`),
		events.NewToolCallCompletedEvent(meta(), done),
		// redundant partial after completion
		events.NewToolCallDeltaEvent(meta(), "tool_1", `}`),
		events.NewToolCallsPendingEvent(meta(), []string{"tool_1"}),
		events.NewFinalEvent(meta(), events.FinalTurnEnded),
	)

	require.Len(t, chunks, 5)
	assert.Equal(t, openai.ChatMessageRoleAssistant, chunks[0].Choices[0].Delta.Role)
	assert.Empty(t, chunks[1].Choices[0].Delta.Role)
	assert.Equal(t, "call_abc_0", chunks[0].Choices[0].Delta.ToolCalls[0].ID)
	assert.Equal(t, 1, finishCount(chunks))
	assert.Equal(t, openai.FinishReasonToolCalls, chunks[len(chunks)-1].Finished())
	assert.Equal(t, map[string]string{"call_abc_0": "tool_1"}, tr.Calls())

	agg := NewAggregator()
	for _, c := range chunks {
		agg.Add(c)
	}
	resp := agg.Response()
	require.Len(t, resp.Choices, 1)
	calls := resp.Choices[0].Message.ToolCalls
	require.Len(t, calls, 1)
	assert.Equal(t, `{"command": "ls -la"}`, calls[0].Function.Arguments)
	assert.Equal(t, "shell", calls[0].Function.Name)
	assert.Equal(t, "call_abc_0", calls[0].ID)
	assert.Nil(t, calls[0].Index)
	assert.Equal(t, openai.FinishReasonToolCalls, resp.Choices[0].FinishReason)
}

func TestCompletedWithoutPartials(t *testing.T) {
	tr := NewTranslator("gpt-5", WithCompletionID("chatcmpl-xyz"))
	tc := events.ToolCall{CallID: "b1", Name: "read_file", Arguments: `{"path":"a.go"}`}
	tc2 := events.ToolCall{CallID: "b2", Name: "list_dir", Arguments: `{}`}

	chunks := translateAll(tr,
		events.NewToolCallCompletedEvent(meta(), tc),
		events.NewToolCallCompletedEvent(meta(), tc),
		events.NewToolCallStartedEvent(meta(), tc2),
		events.NewToolCallCompletedEvent(meta(), tc2),
		events.NewFinalEvent(meta(), events.FinalStreamEnd),
	)
	require.Len(t, chunks, 4)

	first := chunks[0].Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, "call_xyz_0", first.ID)
	assert.Equal(t, "read_file", first.Function.Name)
	assert.Equal(t, `{"path":"a.go"}`, first.Function.Arguments)

	second := chunks[2].Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, `{}`, second.Function.Arguments)
	assert.Equal(t, openai.FinishReasonToolCalls, chunks[3].Finished())
}

func TestTextStreamFinishesWithStop(t *testing.T) {
	tr := NewTranslator("auto")
	chunks := translateAll(tr,
		events.NewThinkingDeltaEvent(meta(), "hmm"),
		events.NewTextDeltaEvent(meta(), "Hello"),
		events.NewTextDeltaEvent(meta(), ""),
		events.NewTextDeltaEvent(meta(), " world"),
		events.NewFinalEvent(meta(), events.FinalTurnEnded),
		events.NewTextDeltaEvent(meta(), "late"),
	)
	require.Len(t, chunks, 4)
	assert.True(t, strings.HasPrefix(tr.ID(), "chatcmpl-"))
	assert.Equal(t, "hmm", chunks[0].Choices[0].Delta.ReasoningContent)
	assert.Equal(t, 1, finishCount(chunks))
	assert.True(t, tr.Done())
	assert.Nil(t, tr.Finish(openai.FinishReasonStop))

	agg := NewAggregator()
	for _, c := range chunks {
		agg.Add(c)
	}
	resp := agg.Response()
	assert.Equal(t, "Hello world", resp.Choices[0].Message.Content)
	assert.Equal(t, "hmm", agg.Reasoning())
	assert.Equal(t, openai.FinishReasonStop, resp.Choices[0].FinishReason)
	assert.Equal(t, tr.ID(), resp.ID)
	assert.Equal(t, CompletionObject, resp.Object)
}

func TestErrorKeepsPartialOutput(t *testing.T) {
	tr := NewTranslator("auto")
	chunks := translateAll(tr,
		events.NewTextDeltaEvent(meta(), "partial"),
		events.NewErrorEvent(meta(), errors.New("POST https://backend.internal/RunSSE: 502")),
	)
	require.Len(t, chunks, 2)
	last := chunks[1]
	require.NotNil(t, last.Error)
	assert.NotContains(t, last.Error.Message, "backend.internal")
	assert.Equal(t, openai.FinishReasonStop, last.Finished())

	agg := NewAggregator()
	for _, c := range chunks {
		agg.Add(c)
	}
	require.NotNil(t, agg.Err())
	assert.Equal(t, "partial", agg.Response().Choices[0].Message.Content)
}

func TestArgumentValidator(t *testing.T) {
	v := NewArgumentValidator([]openai.Tool{weatherTool()})
	assert.NoError(t, v.Validate("get_weather", `{"city":"Paris"}`))
	assert.Error(t, v.Validate("get_weather", `{"town":"Paris"}`))
	assert.NoError(t, v.Validate("unknown", `not json`))

	var nilValidator *ArgumentValidator
	assert.NoError(t, nilValidator.Validate("get_weather", `{}`))
}

func TestWriteSSE(t *testing.T) {
	tr := NewTranslator("auto", WithCompletionID("chatcmpl-1"))
	c, ok := tr.Translate(events.NewTextDeltaEvent(meta(), "hi"))
	require.True(t, ok)

	rec := httptest.NewRecorder()
	require.NoError(t, WriteSSE(rec, c))
	require.NoError(t, WriteDone(rec))
	assert.True(t, rec.Flushed)

	body := rec.Body.String()
	require.True(t, strings.HasPrefix(body, "data: "))
	assert.True(t, strings.HasSuffix(body, "\n\ndata: [DONE]\n\n"))

	payload := strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\ndata: [DONE]\n\n")
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	assert.Equal(t, ChunkObject, raw["object"])
	choice := raw["choices"].([]interface{})[0].(map[string]interface{})
	assert.Nil(t, choice["finish_reason"])
	assert.Equal(t, "hi", choice["delta"].(map[string]interface{})["content"])
}
