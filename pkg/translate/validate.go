package translate

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"
)

// ArgumentValidator checks completed tool-call arguments against the JSON
// schema the client declared for the tool.
type ArgumentValidator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewArgumentValidator compiles the parameter schemas of tools. Tools whose
// schema does not compile are skipped.
func NewArgumentValidator(tools []openai.Tool) *ArgumentValidator {
	v := &ArgumentValidator{schemas: map[string]*gojsonschema.Schema{}}
	for _, t := range tools {
		if t.Function == nil || t.Function.Name == "" || t.Function.Parameters == nil {
			continue
		}
		b, err := json.Marshal(t.Function.Parameters)
		if err != nil {
			continue
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
		if err != nil {
			log.Debug().Err(err).Str("tool", t.Function.Name).Msg("tool schema does not compile, not validating")
			continue
		}
		v.schemas[t.Function.Name] = s
	}
	return v
}

// Validate returns an error describing every mismatch. Unknown tools are
// valid.
func (v *ArgumentValidator) Validate(name string, arguments string) error {
	if v == nil {
		return nil
	}
	s, ok := v.schemas[name]
	if !ok {
		return nil
	}
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	result, err := s.Validate(gojsonschema.NewStringLoader(arguments))
	if err != nil {
		return errors.Wrapf(err, "could not validate arguments of %s", name)
	}
	if result.Valid() {
		return nil
	}
	var descs []string
	for _, desc := range result.Errors() {
		descs = append(descs, desc.String())
	}
	return errors.Errorf("arguments of %s do not match schema: %s", name, strings.Join(descs, "; "))
}
