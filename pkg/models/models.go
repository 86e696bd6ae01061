package models

import (
	"context"
	_ "embed"
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultModelID is the table entry used for unknown model ids.
const DefaultModelID = "default"

//go:embed models.yaml
var builtinTable []byte

type Capabilities struct {
	SupportsTools  bool `yaml:"supports_tools" json:"supports_tools"`
	SupportsVision bool `yaml:"supports_vision" json:"supports_vision"`
	MaxContext     int  `yaml:"max_context" json:"max_context"`
}

type Model struct {
	ID           string `yaml:"id" json:"id"`
	OwnedBy      string `yaml:"owned_by,omitempty" json:"owned_by,omitempty"`
	Capabilities `yaml:",inline"`
}

type CapabilityResolver interface {
	Resolve(modelID string) Capabilities
}

// Lister returns the models that can be requested.
type Lister interface {
	List(ctx context.Context) ([]Model, error)
}

type tableFile struct {
	Models []Model `yaml:"models"`
}

// StaticTable is a fixed capability table.
type StaticTable struct {
	models   map[string]Model
	order    []string
	fallback Capabilities
}

func LoadTable(b []byte) (*StaticTable, error) {
	var f tableFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "could not parse model table")
	}
	t := &StaticTable{
		models:   map[string]Model{},
		fallback: Capabilities{SupportsTools: true},
	}
	for _, m := range f.Models {
		if m.ID == "" {
			return nil, errors.New("model entry without id")
		}
		if _, ok := t.models[m.ID]; ok {
			return nil, errors.Errorf("duplicate model %s", m.ID)
		}
		t.models[m.ID] = m
		t.order = append(t.order, m.ID)
	}
	if d, ok := t.models[DefaultModelID]; ok {
		t.fallback = d.Capabilities
	}
	return t, nil
}

func LoadTableFile(path string) (*StaticTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read model table %s", path)
	}
	return LoadTable(b)
}

// DefaultTable returns the built-in table.
func DefaultTable() *StaticTable {
	t, err := LoadTable(builtinTable)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *StaticTable) Resolve(modelID string) Capabilities {
	if m, ok := t.models[modelID]; ok {
		return m.Capabilities
	}
	return t.fallback
}

func (t *StaticTable) Known(modelID string) bool {
	_, ok := t.models[modelID]
	return ok
}

func (t *StaticTable) List(_ context.Context) ([]Model, error) {
	ret := make([]Model, 0, len(t.order))
	for _, id := range t.order {
		ret = append(ret, t.models[id])
	}
	sort.SliceStable(ret, func(i, j int) bool {
		// default first, the rest as declared
		return ret[i].ID == DefaultModelID && ret[j].ID != DefaultModelID
	})
	return ret, nil
}

var (
	_ CapabilityResolver = (*StaticTable)(nil)
	_ Lister             = (*StaticTable)(nil)
)
