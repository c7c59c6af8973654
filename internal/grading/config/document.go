package config

import (
	"fmt"
	"math/big"

	"autograder/internal/grading/weight"

	"gopkg.in/yaml.v3"
)

// assignmentDoc is the on-disk assignment layout. Keys are kebab-case.
type assignmentDoc struct {
	Name        string         `yaml:"name"`
	Author      string         `yaml:"author"`
	TotalPoints *ratValue      `yaml:"total-points"`
	DueDate     string         `yaml:"due-date"`
	Components  []componentDoc `yaml:"components"`
	Penalties   []penaltyDoc   `yaml:"penalties"`
}

type componentDoc struct {
	Name           string                 `yaml:"name"`
	Weight         *ratValue              `yaml:"weight"`
	Backend        string                 `yaml:"backend"`
	BackendOptions map[string]interface{} `yaml:"backend-options"`
	Files          []string               `yaml:"files"`
	OptionalFiles  []string               `yaml:"optional-files"`
	GradingFiles   []string               `yaml:"grading-files"`
	Parts          []partDoc              `yaml:"parts"`
}

type penaltyDoc struct {
	Name    string                 `yaml:"name"`
	Kind    string                 `yaml:"kind"`
	Options map[string]interface{} `yaml:"options"`
}

// partDoc keeps id and weight and hands every other key to the backend.
type partDoc struct {
	ID     string
	Weight *ratValue
	Meta   map[string]interface{}
}

func (p *partDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: part must be a mapping", node.Line)
	}
	var raw map[string]interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "id":
			if err := value.Decode(&p.ID); err != nil {
				return fmt.Errorf("line %d: id: %w", value.Line, err)
			}
			delete(raw, "id")
		case "weight":
			p.Weight = new(ratValue)
			if err := p.Weight.UnmarshalYAML(value); err != nil {
				return err
			}
			delete(raw, "weight")
		}
	}
	if len(raw) > 0 {
		p.Meta = raw
	}
	return nil
}

// ratValue is a YAML scalar parsed as an exact rational: 3, 0.25 or 1/4.
type ratValue struct {
	rat  *big.Rat
	text string
	err  error
}

func (r *ratValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", node.Line)
	}
	r.text = node.Value
	r.rat, r.err = weight.Parse(node.Value)
	return nil
}
