// Package config loads assignment definitions and validates them before any
// submission is graded.
package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autograder/internal/grading/backend"
	"autograder/internal/grading/model"
	"autograder/internal/grading/penalty"
	"autograder/internal/grading/weight"
	"autograder/internal/grading/workspace"
	appErr "autograder/pkg/errors"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up when an assignment directory is given.
const DefaultFileName = "assignment.yaml"

var dueDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Compiled is a validated assignment with its backends and penalties built.
type Compiled struct {
	Assignment *model.Assignment
	// Backends holds one backend per Component, in declaration order.
	Backends  []backend.Backend
	Penalties []penalty.Policy
}

// Interactive reports whether any Component needs an operator.
func (c *Compiled) Interactive() bool {
	for _, b := range c.Backends {
		if backend.IsInteractive(b) {
			return true
		}
	}
	return false
}

// Load reads an assignment file, or DefaultFileName inside a directory.
func Load(path string, registry *backend.Registry) (*Compiled, error) {
	data, dir, err := read(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, dir, registry)
}

// PeekName returns the assignment name without validating the document.
func PeekName(path string) (string, error) {
	data, dir, err := read(path)
	if err != nil {
		return "", err
	}
	var doc struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", appErr.Wrapf(err, appErr.ConfigurationError, "parse assignment")
	}
	if name := strings.TrimSpace(doc.Name); name != "" {
		return name, nil
	}
	return filepath.Base(dir), nil
}

func read(path string) ([]byte, string, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.ConfigurationError, "read assignment %s", path)
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, "", appErr.Wrapf(err, appErr.ConfigurationError, "resolve assignment dir")
	}
	return data, dir, nil
}

// Parse decodes and validates an assignment document. dir is the directory
// grading-files patterns are resolved against.
func Parse(data []byte, dir string, registry *backend.Registry) (*Compiled, error) {
	var doc assignmentDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, appErr.Wrapf(err, appErr.ConfigurationError, "parse assignment")
	}

	a := &model.Assignment{
		Name:   strings.TrimSpace(doc.Name),
		Author: doc.Author,
		Dir:    dir,
	}
	if a.Name == "" {
		a.Name = filepath.Base(dir)
	}
	if doc.TotalPoints != nil {
		tp, err := positive(doc.TotalPoints, "total-points", appErr.ConfigurationError)
		if err != nil {
			return nil, err
		}
		a.TotalPoints = tp
	}
	if doc.DueDate != "" {
		due, err := parseDueDate(doc.DueDate)
		if err != nil {
			return nil, appErr.ConfigError(appErr.ConfigurationError, "due-date", err.Error())
		}
		a.DueDate = &due
	}

	if len(doc.Components) == 0 {
		return nil, appErr.ConfigError(appErr.ConfigurationError, "components", "at least one component is required")
	}
	compiled := &Compiled{Assignment: a}
	names := make(map[string]bool, len(doc.Components))
	for i, cd := range doc.Components {
		field := fmt.Sprintf("components[%d]", i)
		comp, err := buildComponent(cd, field, dir)
		if err != nil {
			return nil, err
		}
		if names[comp.Name] {
			return nil, appErr.ConfigError(appErr.ConfigurationError, field+".name", fmt.Sprintf("duplicate component name %q", comp.Name))
		}
		names[comp.Name] = true

		b, err := registry.Build(comp.Backend, comp.BackendOptions)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.GetCode(err), "%s", field).WithDetail("field", field)
		}
		if len(comp.Parts) == 0 && !backend.CanDiscover(b) {
			return nil, appErr.ConfigError(appErr.ConfigurationError, field+".parts",
				fmt.Sprintf("backend %s needs at least one part", comp.Backend))
		}
		a.Components = append(a.Components, comp)
		compiled.Backends = append(compiled.Backends, b)
	}

	specs := make([]model.PenaltySpec, len(doc.Penalties))
	for i, pd := range doc.Penalties {
		specs[i] = model.PenaltySpec{Name: pd.Name, Kind: pd.Kind, Options: pd.Options}
	}
	policies, err := penalty.Build(specs)
	if err != nil {
		return nil, err
	}
	if len(policies) > 0 && a.DueDate == nil {
		return nil, appErr.ConfigError(appErr.InvalidPenalty, "penalties", "late penalties need a due-date")
	}
	a.Penalties = specs
	compiled.Penalties = policies
	return compiled, nil
}

func buildComponent(cd componentDoc, field, dir string) (model.Component, error) {
	comp := model.Component{
		Name:           strings.TrimSpace(cd.Name),
		Backend:        cd.Backend,
		BackendOptions: cd.BackendOptions,
		Files:          cd.Files,
		OptionalFiles:  cd.OptionalFiles,
		GradingFiles:   cd.GradingFiles,
	}
	if comp.Name == "" {
		return comp, appErr.ConfigError(appErr.ConfigurationError, field+".name", "name is required")
	}
	if comp.Backend == "" {
		return comp, appErr.ConfigError(appErr.UnknownBackend, field+".backend", "backend is required")
	}
	if cd.Weight == nil {
		return comp, appErr.ConfigError(appErr.InvalidWeight, field+".weight", "weight is required")
	}
	w, err := positive(cd.Weight, field+".weight", appErr.InvalidWeight)
	if err != nil {
		return comp, err
	}
	comp.Weight = w

	for _, group := range []struct {
		key      string
		patterns []string
	}{
		{"files", cd.Files},
		{"optional-files", cd.OptionalFiles},
		{"grading-files", cd.GradingFiles},
	} {
		for j, pattern := range group.patterns {
			if err := workspace.ValidPattern(pattern); err != nil {
				return comp, appErr.ConfigError(appErr.ConfigurationError, fmt.Sprintf("%s.%s[%d]", field, group.key, j), err.Error())
			}
		}
	}
	if missing := workspace.Missing(dir, cd.GradingFiles, nil); len(missing) > 0 {
		return comp, appErr.ConfigError(appErr.ConfigurationError, field+".grading-files",
			fmt.Sprintf("no files match %s in %s", strings.Join(missing, ", "), dir))
	}

	seen := make(map[string]bool, len(cd.Parts))
	total := weight.Zero()
	for j, pd := range cd.Parts {
		pfield := fmt.Sprintf("%s.parts[%d]", field, j)
		id := strings.TrimSpace(pd.ID)
		if id == "" {
			return comp, appErr.ConfigError(appErr.ConfigurationError, pfield+".id", "id is required")
		}
		if seen[id] {
			return comp, appErr.ConfigError(appErr.DuplicatePart, pfield+".id", fmt.Sprintf("duplicate part id %q", id))
		}
		seen[id] = true
		pw := weight.One()
		if pd.Weight != nil {
			if pd.Weight.err != nil {
				return comp, appErr.ConfigError(appErr.InvalidWeight, pfield+".weight", pd.Weight.err.Error())
			}
			pw = pd.Weight.rat
		}
		total.Add(total, pw)
		comp.Parts = append(comp.Parts, model.Part{ID: id, Weight: pw, Meta: pd.Meta})
	}
	if len(comp.Parts) > 0 && total.Sign() == 0 {
		return comp, appErr.ConfigError(appErr.ZeroWeightSum, field+".parts", "part weights sum to zero")
	}
	return comp, nil
}

func positive(v *ratValue, field string, code appErr.ErrorCode) (*big.Rat, error) {
	if v.err != nil {
		return nil, appErr.ConfigError(code, field, v.err.Error())
	}
	if v.rat.Sign() <= 0 {
		return nil, appErr.ConfigError(code, field, fmt.Sprintf("%s must be greater than zero", v.text))
	}
	return v.rat, nil
}

func parseDueDate(s string) (time.Time, error) {
	for _, layout := range dueDateLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(s), time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q, use RFC 3339 or YYYY-MM-DD HH:MM:SS", s)
}
