//go:build linux

package main

import (
	"encoding/json"
	"fmt"
	"io"
)

// initRequest mirrors the engine's JSON document. It is redeclared here so
// the helper binary stays free of the engine's dependencies.
type initRequest struct {
	RunSpec        runSpec          `json:"RunSpec"`
	Isolation      isolationProfile `json:"Isolation"`
	EnableSeccomp  bool             `json:"EnableSeccomp"`
	EnableNs       bool             `json:"EnableNs"`
	RlimitFallback bool             `json:"RlimitFallback"`
}

type runSpec struct {
	ContextID  string        `json:"ContextID"`
	WorkDir    string        `json:"WorkDir"`
	Cmd        []string      `json:"Cmd"`
	Env        []string      `json:"Env"`
	StdinPath  string        `json:"StdinPath"`
	StdoutPath string        `json:"StdoutPath"`
	StderrPath string        `json:"StderrPath"`
	BindMounts []mountSpec   `json:"BindMounts"`
	Limits     resourceLimit `json:"Limits"`
}

type mountSpec struct {
	Source   string `json:"Source"`
	Target   string `json:"Target"`
	ReadOnly bool   `json:"ReadOnly"`
}

type resourceLimit struct {
	CPUTimeMs  int64 `json:"CPUTimeMs"`
	WallTimeMs int64 `json:"WallTimeMs"`
	MemoryMB   int64 `json:"MemoryMB"`
	StackMB    int64 `json:"StackMB"`
	OutputMB   int64 `json:"OutputMB"`
	PIDs       int64 `json:"PIDs"`
}

type isolationProfile struct {
	RootFS         string `json:"RootFS"`
	SeccompProfile string `json:"SeccompProfile"`
	DisableNetwork bool   `json:"DisableNetwork"`
}

func decodeRequest(r io.Reader) (initRequest, error) {
	var req initRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func (r initRequest) validate() error {
	if len(r.RunSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if r.RunSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	for _, m := range r.RunSpec.BindMounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("bind mount needs source and target")
		}
	}
	return nil
}
