package detection

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FixtureObject is one canned detection in a fixture file
type FixtureObject struct {
	Class      string      `yaml:"class"`
	Confidence float64     `yaml:"confidence"`
	Box        BoundingBox `yaml:"box"`
}

// Fixture is a set of canned detections. Sources overrides Objects for the
// named source IDs.
type Fixture struct {
	Objects []FixtureObject            `yaml:"objects"`
	Sources map[string][]FixtureObject `yaml:"sources,omitempty"`
}

// LoadFixture reads a fixture YAML file
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *Fixture) validate() error {
	check := func(objs []FixtureObject) error {
		for i, o := range objs {
			if o.Class == "" {
				return fmt.Errorf("fixture object %d: class is required", i)
			}
			if o.Confidence < 0 || o.Confidence > 1 {
				return fmt.Errorf("fixture object %d: confidence %v out of range", i, o.Confidence)
			}
		}
		return nil
	}
	if err := check(f.Objects); err != nil {
		return err
	}
	for id, objs := range f.Sources {
		if err := check(objs); err != nil {
			return fmt.Errorf("source %s: %w", id, err)
		}
	}
	return nil
}

// Detect returns the fixture objects for the frame's source
func (f *Fixture) Detect(ctx context.Context, frame *Frame) ([]Object, error) {
	objs := f.Objects
	if override, ok := f.Sources[frame.SourceID]; ok {
		objs = override
	}

	out := make([]Object, len(objs))
	for i, o := range objs {
		out[i] = Object{ClassName: o.Class, Confidence: o.Confidence, BoundingBox: o.Box}
	}
	return out, nil
}
