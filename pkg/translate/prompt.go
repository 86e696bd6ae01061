package translate

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/agentbridge/pkg/models"
	"github.com/go-go-golems/agentbridge/pkg/schema"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
)

// The backend takes one user message per run. Several chat messages are
// rendered into a transcript.
const transcriptTemplate = `
{{- range $i, $m := .Messages }}
{{- if $i }}

{{ end }}
{{- if eq $m.Role "tool" -}}
[tool result {{ $m.ToolID }}]
{{ $m.Body | trim }}
{{- else -}}
[{{ $m.Role }}]
{{- with $m.Body | trim }}
{{ . }}
{{- end }}
{{- range $m.Calls }}
[tool call {{ .ID }}] {{ .Function.Name }} {{ .Function.Arguments | default "{}" }}
{{- end }}
{{- end }}
{{- end }}`

var transcript = template.Must(template.New("transcript").Funcs(sprig.TxtFuncMap()).Parse(transcriptTemplate))

type renderedMessage struct {
	Role   string
	ToolID string
	Body   string
	Calls  []openai.ToolCall
}

// render returns the user message text and the images to attach. Models
// without vision get a numbered placeholder per image instead.
func render(msgs []message, caps models.Capabilities) (string, []schema.Image, error) {
	var (
		images   []schema.Image
		rendered []renderedMessage
		n        int
	)
	for _, m := range msgs {
		body := m.Text
		var lines []string
		for _, url := range m.images {
			n++
			if caps.SupportsVision {
				images = append(images, imageRef(url))
				continue
			}
			lines = append(lines, placeholder(n, url))
		}
		if len(lines) > 0 {
			if strings.TrimSpace(body) != "" {
				body = strings.TrimRight(body, "\n") + "\n"
			}
			body += strings.Join(lines, "\n")
		}
		rendered = append(rendered, renderedMessage{Role: m.Role, ToolID: m.ToolID, Body: body, Calls: m.ToolCalls})
	}

	switch {
	case len(rendered) == 0:
		return "", images, nil
	case len(rendered) == 1 && rendered[0].Role == "user":
		return rendered[0].Body, images, nil
	}

	var buf bytes.Buffer
	if err := transcript.Execute(&buf, map[string]interface{}{"Messages": rendered}); err != nil {
		return "", nil, errors.Wrap(err, "could not render transcript")
	}
	return buf.String(), images, nil
}
