package seed

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixtures is a seed-pattern set: individual patterns plus a bulk batch.
type Fixtures struct {
	Patterns []Pattern     `yaml:"patterns"`
	Bulk     []BulkPattern `yaml:"bulk"`
}

//go:embed patterns.yaml
var defaultFixtures []byte

// DefaultFixtures returns the built-in pattern set used by the smoke
// scenario: three distinct patterns (one algedonic) and a bulk batch.
func DefaultFixtures() (*Fixtures, error) {
	return parseFixtures(defaultFixtures)
}

// LoadFixtures reads a pattern set from a YAML file.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixtures: %w", err)
	}
	return parseFixtures(data)
}

func parseFixtures(data []byte) (*Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixtures: %w", err)
	}
	if len(f.Patterns) == 0 {
		return nil, fmt.Errorf("fixtures contain no patterns")
	}
	return &f, nil
}
