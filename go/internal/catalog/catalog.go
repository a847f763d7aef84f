package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrStageNotFound = errors.New("stage not found")
	ErrEmptyCatalog  = errors.New("catalog has no stages")
)

// Stage is one picture the players describe during a round.
type Stage struct {
	ID          string `yaml:"id" json:"id"`
	ImageURL    string `yaml:"image_url" json:"image_url"`
	Description string `yaml:"description" json:"description"`
}

// Provider serves the ordered list of stages a game walks through.
type Provider interface {
	Count(ctx context.Context) (int, error)
	Stage(ctx context.Context, index int) (Stage, error)
}

//go:embed stages.yaml
var defaultStagesYAML []byte

type catalogFile struct {
	Stages []Stage `yaml:"stages"`
}

// StaticCatalog is an immutable in-memory Provider.
type StaticCatalog struct {
	stages []Stage
}

func NewStaticCatalog(stages []Stage) (*StaticCatalog, error) {
	if len(stages) == 0 {
		return nil, ErrEmptyCatalog
	}
	out := make([]Stage, len(stages))
	copy(out, stages)
	return &StaticCatalog{stages: out}, nil
}

// Default returns the built-in stage list.
func Default() (*StaticCatalog, error) {
	return Parse(defaultStagesYAML)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document of the form `stages: [{id, image_url, description}]`.
func Parse(data []byte) (*StaticCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i, s := range f.Stages {
		if s.ID == "" {
			return nil, fmt.Errorf("parse catalog: stage %d has no id", i)
		}
	}
	return NewStaticCatalog(f.Stages)
}

func (c *StaticCatalog) Count(ctx context.Context) (int, error) {
	return len(c.stages), nil
}

func (c *StaticCatalog) Stage(ctx context.Context, index int) (Stage, error) {
	if index < 0 || index >= len(c.stages) {
		return Stage{}, fmt.Errorf("stage %d: %w", index, ErrStageNotFound)
	}
	return c.stages[index], nil
}

// Stages returns a copy of every stage, for seeding other providers.
func (c *StaticCatalog) Stages() []Stage {
	out := make([]Stage, len(c.stages))
	copy(out, c.stages)
	return out
}
