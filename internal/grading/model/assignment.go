// Package model defines the assignment tree, submissions and grade results.
package model

import (
	"math/big"
	"time"
)

// Assignment is immutable grading configuration shared by every submission in a run.
type Assignment struct {
	Name        string
	Author      string
	TotalPoints *big.Rat
	DueDate     *time.Time
	Components  []Component
	Penalties   []PenaltySpec
	// Dir is the directory grading-support globs are resolved against.
	Dir string
}

// Component is an independently graded unit of an Assignment.
type Component struct {
	Name           string
	Weight         *big.Rat
	Backend        string
	BackendOptions map[string]interface{}
	Parts          []Part
	Files          []string
	OptionalFiles  []string
	GradingFiles   []string
}

// Part is the smallest weighted result unit within a Component.
type Part struct {
	ID     string
	Weight *big.Rat
	Meta   map[string]interface{}
}

// PenaltySpec configures one penalizer applied to the aggregate score.
type PenaltySpec struct {
	Name    string
	Kind    string
	Options map[string]interface{}
}

// Weights returns the Component weights in declaration order.
func (a *Assignment) Weights() []*big.Rat {
	out := make([]*big.Rat, len(a.Components))
	for i := range a.Components {
		out[i] = a.Components[i].Weight
	}
	return out
}

// PartIDs returns the declared Part identifiers in order.
func (c *Component) PartIDs() []string {
	out := make([]string, len(c.Parts))
	for i, p := range c.Parts {
		out[i] = p.ID
	}
	return out
}

// RequiredFiles returns the input patterns whose absence breaks a submission.
func (c *Component) RequiredFiles() []string {
	return c.Files
}
