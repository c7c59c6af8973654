//go:build !linux

package engine

import (
	"context"
	"fmt"

	"autograder/internal/sandbox/result"
	"autograder/internal/sandbox/spec"
)

type stubEngine struct{}

// NewEngine returns an engine that refuses to run outside Linux.
func NewEngine(cfg Config) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, fmt.Errorf("sandbox engine is only supported on linux")
}

func (s *stubEngine) NewGroup(ctx context.Context, contextID string, limits spec.ResourceLimit) (Group, error) {
	return nil, fmt.Errorf("sandbox engine is only supported on linux")
}
