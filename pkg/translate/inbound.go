package translate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-go-golems/agentbridge/pkg/models"
	"github.com/go-go-golems/agentbridge/pkg/schema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// ProviderClient marks tools declared by the client in the request.
const ProviderClient = "client"

const (
	sessionPrefix = "Session:"
	roleDeveloper = "developer"
)

var ErrInvalidRequest = errors.New("invalid chat completion request")

// ParseSessionToken returns the token of a "Session: <token>" line in the
// first system message, or "".
func ParseSessionToken(messages []openai.ChatCompletionMessage) string {
	for _, m := range messages {
		if m.Role != openai.ChatMessageRoleSystem {
			continue
		}
		token, _ := splitSessionLine(messageText(m))
		return token
	}
	return ""
}

// splitSessionLine removes the session line from a system prompt.
func splitSessionLine(text string) (string, string) {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		trimmed := strings.TrimSpace(l)
		if !strings.HasPrefix(trimmed, sessionPrefix) {
			continue
		}
		token := strings.TrimSpace(strings.TrimPrefix(trimmed, sessionPrefix))
		if token == "" {
			continue
		}
		rest := append(append([]string{}, lines[:i]...), lines[i+1:]...)
		return token, strings.TrimSpace(strings.Join(rest, "\n"))
	}
	return "", text
}

// Prior is what the backend conversation already holds for this client.
type Prior struct {
	ConversationID string
	// Covered is the number of leading request messages already sent.
	Covered int
	// Live is set when a session waiting for tool results is parked.
	Live bool
}

// PendingResult is a role:"tool" message to be appended to a running
// conversation.
type PendingResult struct {
	VendorID string
	Content  string
}

type Plan struct {
	SessionToken string
	ModelID      string
	Run          schema.RunRequest
	ToolResults  []PendingResult
	// HasUserInput is false when the request only carries tool results.
	HasUserInput bool
	// Reused is true when only messages after Prior.Covered were rendered.
	Reused bool
	Images int
}

type part struct {
	text   string
	images []string
}

type message struct {
	Role      string
	Text      string
	ToolCalls []openai.ToolCall
	ToolID    string
	images    []string
}

func messageText(m openai.ChatCompletionMessage) string {
	return splitParts(m).text
}

func splitParts(m openai.ChatCompletionMessage) part {
	if len(m.MultiContent) == 0 {
		return part{text: m.Content}
	}
	var (
		texts []string
		p     part
	)
	for _, mc := range m.MultiContent {
		switch mc.Type {
		case openai.ChatMessagePartTypeText:
			texts = append(texts, mc.Text)
		case openai.ChatMessagePartTypeImageURL:
			if mc.ImageURL != nil && mc.ImageURL.URL != "" {
				p.images = append(p.images, mc.ImageURL.URL)
			}
		}
	}
	p.text = strings.Join(texts, "\n")
	return p
}

// BuildPlan reduces a chat completion request to a run request plus the tool
// results to append. With a prior conversation only the messages it does not
// hold yet are used.
func BuildPlan(req openai.ChatCompletionRequest, caps models.Capabilities, prior Prior) (*Plan, error) {
	if len(req.Messages) == 0 {
		return nil, errors.Wrap(ErrInvalidRequest, "no messages")
	}
	plan := &Plan{
		SessionToken: ParseSessionToken(req.Messages),
		ModelID:      req.Model,
	}
	if plan.ModelID == "" {
		plan.ModelID = models.DefaultModelID
	}

	start := 0
	if prior.ConversationID != "" && prior.Covered > 0 && prior.Covered <= len(req.Messages) {
		start = prior.Covered
		plan.Reused = true
	}

	var msgs []message
	for _, m := range req.Messages[start:] {
		p := splitParts(m)
		switch m.Role {
		case openai.ChatMessageRoleTool:
			if m.ToolCallID == "" {
				return nil, errors.Wrap(ErrInvalidRequest, "tool message without tool_call_id")
			}
			if plan.Reused && prior.Live {
				plan.ToolResults = append(plan.ToolResults, PendingResult{VendorID: m.ToolCallID, Content: p.text})
				continue
			}
		case openai.ChatMessageRoleSystem:
			_, p.text = splitSessionLine(p.text)
			if plan.Reused || (strings.TrimSpace(p.text) == "" && len(p.images) == 0) {
				// the conversation already has its instructions
				continue
			}
		case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, roleDeveloper:
		default:
			return nil, errors.Wrapf(ErrInvalidRequest, "unknown role %q", m.Role)
		}
		if plan.Reused && m.Role == openai.ChatMessageRoleAssistant {
			continue
		}
		msgs = append(msgs, message{Role: m.Role, Text: p.text, ToolCalls: m.ToolCalls, ToolID: m.ToolCallID, images: p.images})
	}

	text, images, err := render(msgs, caps)
	if err != nil {
		return nil, err
	}
	plan.Images = len(images) + countPlaceholders(msgs, caps)
	plan.HasUserInput = strings.TrimSpace(text) != "" || len(images) > 0

	run := schema.RunRequest{
		ConversationID: prior.ConversationID,
		ModelID:        plan.ModelID,
		Tools:          mcpTools(req, caps),
	}
	if !plan.Reused {
		run.ConversationID = ""
	}
	if plan.HasUserInput {
		run.Action = schema.Action{Kind: schema.ActionUserMessage, Message: &schema.UserMessage{Text: text, Images: images}}
	} else {
		run.Action = schema.Action{Kind: schema.ActionResume}
	}
	plan.Run = run
	return plan, nil
}

func countPlaceholders(msgs []message, caps models.Capabilities) int {
	if caps.SupportsVision {
		return 0
	}
	n := 0
	for _, m := range msgs {
		n += len(m.images)
	}
	return n
}

// imageRef turns an image url into a backend image, decoding data urls.
func imageRef(url string) schema.Image {
	if !strings.HasPrefix(url, "data:") {
		return schema.Image{URL: url}
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
	if !ok {
		return schema.Image{URL: url}
	}
	mime, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return schema.Image{URL: url}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		log.Debug().Err(err).Msg("could not decode data url, forwarding as url")
		return schema.Image{URL: url}
	}
	return schema.Image{Data: data, MimeType: mime}
}

// placeholder is the text shown instead of an image for models without
// vision.
func placeholder(n int, url string) string {
	if strings.HasPrefix(url, "data:") {
		header, _, _ := strings.Cut(strings.TrimPrefix(url, "data:"), ",")
		mime, _, _ := strings.Cut(header, ";")
		return fmt.Sprintf("Image %d: [image: inline %s]", n, mime)
	}
	return fmt.Sprintf("Image %d: [image: %s]", n, url)
}

func mcpTools(req openai.ChatCompletionRequest, caps models.Capabilities) []schema.McpTool {
	if len(req.Tools) == 0 {
		return nil
	}
	if !caps.SupportsTools {
		log.Debug().Str("model", req.Model).Int("tools", len(req.Tools)).Msg("model does not support tools, dropping them")
		return nil
	}
	if s, ok := req.ToolChoice.(string); ok && s == "none" {
		return nil
	}
	var ret []schema.McpTool
	for _, t := range req.Tools {
		if t.Function == nil || t.Function.Name == "" {
			continue
		}
		schemaJSON := "{}"
		if t.Function.Parameters != nil {
			b, err := json.Marshal(t.Function.Parameters)
			if err == nil {
				schemaJSON = string(b)
			}
		}
		ret = append(ret, schema.McpTool{
			Name:               t.Function.Name,
			Description:        t.Function.Description,
			InputSchemaJSON:    schemaJSON,
			ProviderIdentifier: ProviderClient,
		})
	}
	return ret
}
