package schema

import (
	"encoding/json"
	"sort"

	"github.com/go-go-golems/agentbridge/pkg/wire"
	"github.com/rs/zerolog"
)

// ToolKind groups backend tools by what they do to the client workspace.
type ToolKind string

const (
	KindShell    ToolKind = "shell"
	KindRead     ToolKind = "read"
	KindWrite    ToolKind = "write"
	KindList     ToolKind = "list"
	KindSearch   ToolKind = "search"
	KindMCP      ToolKind = "mcp"
	KindInternal ToolKind = "internal"
	KindUnknown  ToolKind = "unknown"
)

type ArgType int

const (
	ArgString ArgType = iota
	ArgInt
	ArgBool
)

type ArgSpec struct {
	Field int
	Name  string
	Type  ArgType
}

type ToolSpec struct {
	Field int
	Name  string
	Kind  ToolKind
	Args  []ArgSpec
}

func (s ToolSpec) arg(field int) (ArgSpec, bool) {
	for _, a := range s.Args {
		if a.Field == field {
			return a, true
		}
	}
	return ArgSpec{}, false
}

func (s ToolSpec) argByName(name string) (ArgSpec, bool) {
	for _, a := range s.Args {
		if a.Name == name {
			return a, true
		}
	}
	return ArgSpec{}, false
}

func str(field int, name string) ArgSpec { return ArgSpec{Field: field, Name: name, Type: ArgString} }

// Tools is the ToolCall one-of table. The order of the slice is the priority
// order used when a frame carries more than one tool field.
var Tools = []ToolSpec{
	{1, "bash", KindShell, []ArgSpec{str(1, "command"), str(2, "description"), str(3, "working_directory")}},
	{3, "delete", KindWrite, []ArgSpec{str(1, "filePath")}},
	{4, "glob", KindSearch, []ArgSpec{str(1, "pattern"), str(2, "path")}},
	{5, "grep", KindSearch, []ArgSpec{str(1, "pattern"), str(2, "path"), str(3, "include")}},
	{8, "read", KindRead, []ArgSpec{str(1, "filePath"), {2, "offset", ArgInt}, {3, "limit", ArgInt}}},
	{9, "todo_write", KindInternal, []ArgSpec{str(1, "todos")}},
	{10, "todo_read", KindInternal, nil},
	{12, "edit", KindWrite, []ArgSpec{str(1, "filePath"), str(2, "oldString"), str(3, "newString"), {4, "replaceAll", ArgBool}}},
	{13, "list", KindList, []ArgSpec{str(1, "path"), str(2, "ignore")}},
	{14, "read_lints", KindRead, nil},
	{15, "mcp", KindMCP, []ArgSpec{str(1, "provider_identifier"), str(2, "tool_name"), str(3, "tool_call_id"), str(4, "args")}},
	{16, "semantic_search", KindSearch, []ArgSpec{str(1, "query"), str(2, "path")}},
	{17, "create_plan", KindInternal, []ArgSpec{str(1, "plan")}},
	{18, "web_search", KindSearch, []ArgSpec{str(1, "query")}},
	{19, "task", KindInternal, []ArgSpec{str(1, "description"), str(2, "prompt"), str(3, "subagent_type")}},
	{20, "list_mcp_resources", KindMCP, []ArgSpec{str(1, "provider_identifier")}},
	{21, "read_mcp_resource", KindMCP, []ArgSpec{str(1, "provider_identifier"), str(2, "uri")}},
	{22, "apply_diff", KindWrite, []ArgSpec{str(1, "filePath"), str(2, "diff")}},
	{23, "ask_question", KindInternal, []ArgSpec{str(1, "question")}},
	{24, "web_fetch", KindRead, []ArgSpec{str(1, "url"), str(2, "format")}},
	{25, "switch_mode", KindInternal, []ArgSpec{str(1, "mode")}},
	{26, "exa_search", KindSearch, []ArgSpec{str(1, "query")}},
	{27, "exa_fetch", KindRead, []ArgSpec{str(1, "url")}},
	{28, "generate_image", KindInternal, []ArgSpec{str(1, "prompt")}},
	{29, "record_screen", KindInternal, []ArgSpec{{1, "duration", ArgInt}}},
	{30, "computer_use", KindInternal, []ArgSpec{str(1, "action"), str(2, "text"), str(3, "coordinate")}},
}

func LookupTool(field int) (ToolSpec, bool) {
	for _, s := range Tools {
		if s.Field == field {
			return s, true
		}
	}
	return ToolSpec{}, false
}

func ToolByName(name string) (ToolSpec, bool) {
	for _, s := range Tools {
		if s.Name == name {
			return s, true
		}
	}
	return ToolSpec{}, false
}

// ToolCall is one decoded tool invocation. Args only holds the arguments
// present on the wire; values are string, int64 or bool according to the
// tool's argument table. Unknown tools keep their raw field number.
type ToolCall struct {
	Name  string
	Kind  ToolKind
	Field int
	Args  map[string]any
}

func (c ToolCall) StringArg(name string) string {
	v, _ := c.Args[name].(string)
	return v
}

// FunctionName is the name a chat client sees. MCP passthrough calls surface
// the client's own tool name.
func (c ToolCall) FunctionName() string {
	if c.Name == "mcp" {
		if n := c.StringArg("tool_name"); n != "" {
			return n
		}
	}
	return c.Name
}

// ArgumentsJSON renders the arguments as a JSON object. MCP passthrough calls
// already carry JSON text and are returned as is.
func (c ToolCall) ArgumentsJSON() string {
	if c.Name == "mcp" {
		if a := c.StringArg("args"); a != "" {
			return a
		}
		return "{}"
	}
	if len(c.Args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(c.Args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (c ToolCall) MarshalZerologObject(e *zerolog.Event) {
	e.Str("name", c.Name).Str("kind", string(c.Kind)).Int("field", c.Field)
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.Strs("args", keys)
}

// DecodeToolCall resolves the tool one-of by table priority, not by byte
// order. A frame without any known tool field yields KindUnknown.
func DecodeToolCall(b []byte) (ToolCall, error) {
	idx, err := wire.Frame(b).Index()
	if err != nil {
		return ToolCall{}, err
	}
	for _, spec := range Tools {
		f, ok := idx[spec.Field]
		if !ok || f.Type != wire.Bytes {
			continue
		}
		args, err := decodeArgs(spec, f.Bytes)
		if err != nil {
			return ToolCall{}, err
		}
		return ToolCall{Name: spec.Name, Kind: spec.Kind, Field: spec.Field, Args: args}, nil
	}

	call := ToolCall{Name: string(KindUnknown), Kind: KindUnknown, Args: map[string]any{}}
	it := wire.Frame(b).Fields()
	if it.Next() {
		call.Field = it.Field().Number
	}
	return call, nil
}

func decodeArgs(spec ToolSpec, b []byte) (map[string]any, error) {
	args := map[string]any{}
	it := wire.Frame(b).Fields()
	for it.Next() {
		f := it.Field()
		a, ok := spec.arg(f.Number)
		if !ok {
			continue
		}
		switch a.Type {
		case ArgString:
			if f.Type == wire.Bytes {
				args[a.Name] = f.String()
			}
		case ArgInt:
			if f.Type == wire.Varint {
				args[a.Name] = int64(f.Varint)
			}
		case ArgBool:
			if f.Type == wire.Varint {
				args[a.Name] = f.Varint != 0
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return args, nil
}

// Encode writes every present argument explicitly, zero values included, so
// that decoding yields the same argument set.
func (c ToolCall) Encode() []byte {
	spec, ok := LookupTool(c.Field)
	if !ok {
		spec, ok = ToolByName(c.Name)
	}
	if !ok {
		if c.Field == 0 {
			return nil
		}
		return wire.EncodeLengthDelimited(c.Field, nil)
	}

	names := make([]string, 0, len(c.Args))
	for k := range c.Args {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		ai, _ := spec.argByName(names[i])
		aj, _ := spec.argByName(names[j])
		return ai.Field < aj.Field
	})

	var parts [][]byte
	for _, name := range names {
		a, ok := spec.argByName(name)
		if !ok {
			continue
		}
		switch v := c.Args[name].(type) {
		case string:
			parts = append(parts, wire.EncodeString(a.Field, v))
		case int64:
			parts = append(parts, wire.EncodeVarintField(a.Field, uint64(v)))
		case int:
			parts = append(parts, wire.EncodeVarintField(a.Field, uint64(v)))
		case bool:
			n := uint64(0)
			if v {
				n = 1
			}
			parts = append(parts, wire.EncodeVarintField(a.Field, n))
		}
	}
	return wire.EncodeMessage(spec.Field, parts...)
}
