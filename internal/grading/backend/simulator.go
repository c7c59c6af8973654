package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"autograder/internal/grading/model"
	"autograder/internal/grading/options"
	"autograder/internal/sandbox"
	appErr "autograder/pkg/errors"
)

const defaultSimulatorTimeout = 30 * time.Second

const diagnosticResultMissing = "Results for test not found. Check if there were any internal errors reported. " +
	"If not, report this as an autograder error to your instructors."

type simulatorOptions struct {
	// GraderJar is the grading jar, relative to the scratch directory.
	GraderJar string `yaml:"grader-jar"`
	TestClass string `yaml:"test-class"`
	Java      string `yaml:"java"`
	Timeout   string `yaml:"timeout"`
}

type simulatorPart struct {
	Test string `yaml:"test"`
}

type simulatorOutput struct {
	Tests []simulatorTest `json:"tests"`
	Error *string         `json:"error"`
}

type simulatorTest struct {
	MethodName      string `json:"methodName"`
	Total           int    `json:"total"`
	Failed          int    `json:"failed"`
	PartialFailures []struct {
		DisplayName string  `json:"displayName"`
		Message     *string `json:"message"`
	} `json:"partialFailures"`
}

// Simulator runs a circuit simulator grading jar and scores each Part by the
// fraction of its test's checks that passed.
type Simulator struct {
	args    []string
	timeout time.Duration
}

// NewSimulator builds the simulator backend.
func NewSimulator(_ *Registry, opts map[string]interface{}) (Backend, error) {
	var cfg simulatorOptions
	if err := options.Decode(opts, &cfg); err != nil {
		return nil, optionsError(KindSimulator, err)
	}
	if cfg.GraderJar == "" || cfg.TestClass == "" {
		return nil, optionsError(KindSimulator, fmt.Errorf("grader-jar and test-class are required"))
	}
	if cfg.Java == "" {
		cfg.Java = "java"
	}
	timeout, err := parseTimeout(cfg.Timeout)
	if err != nil {
		return nil, optionsError(KindSimulator, err)
	}
	if timeout == 0 {
		timeout = defaultSimulatorTimeout
	}
	return &Simulator{
		args:    []string{cfg.Java, "-jar", cfg.GraderJar, "--zucchini", cfg.TestClass},
		timeout: timeout,
	}, nil
}

// Discovers is always true: every test the jar reports can become a Part.
func (s *Simulator) Discovers() bool { return true }

// Grade runs the jar once and maps its per-test results onto Parts. With no
// declared Parts every reported test becomes a Part.
func (s *Simulator) Grade(ctx context.Context, req Request) (Report, error) {
	tests := make([]string, len(req.Parts))
	for i, p := range req.Parts {
		var meta simulatorPart
		if err := options.Decode(p.Meta, &meta); err != nil {
			return Report{}, configErrorf(req.Component, "part %s: %v", p.ID, err)
		}
		tests[i] = meta.Test
		if tests[i] == "" {
			tests[i] = p.ID
		}
	}

	out, err := req.Executor.Exec(ctx, sandbox.Command{Args: s.args, Dir: req.WorkDir, Timeout: s.timeout})
	if err != nil {
		diag, err := classifyExecError(req.Component, s.args, err)
		if err != nil {
			return Report{}, err
		}
		return Report{Parts: FailAll(req.Parts, diag)}, nil
	}
	// stdout carries the JSON; stderr goes to the log only.
	log := processLog("simulator", sandbox.Outcome{ExitCode: out.ExitCode, Stderr: out.Stderr, Wall: out.Wall})
	if !out.Succeeded() {
		return Report{Parts: FailAll(req.Parts, "simulator failed: "+exitDiagnostic(out)), Log: log}, nil
	}

	var parsed simulatorOutput
	if err := json.Unmarshal([]byte(out.Stdout), &parsed); err != nil {
		return Report{Parts: FailAll(req.Parts, "could not parse simulator output: "+err.Error()), Log: log + out.Stdout}, nil
	}
	if parsed.Error != nil {
		return Report{Log: log}, appErr.Newf(appErr.SubmissionIOError, "component %s: %s", req.Component, *parsed.Error).
			WithDetail("component", req.Component)
	}

	byMethod := make(map[string]*simulatorTest, len(parsed.Tests))
	for i := range parsed.Tests {
		byMethod[parsed.Tests[i].MethodName] = &parsed.Tests[i]
	}
	report := Report{Log: log}
	if len(req.Parts) == 0 {
		for i := range parsed.Tests {
			report.Parts = append(report.Parts, scoreSimulatorTest(parsed.Tests[i].MethodName, &parsed.Tests[i]))
		}
		report.Parts = UniqueOutcomes(report.Parts)
		return report, nil
	}
	for i, p := range req.Parts {
		report.Parts = append(report.Parts, scoreSimulatorTest(p.ID, byMethod[tests[i]]))
	}
	return report, nil
}

func scoreSimulatorTest(partID string, t *simulatorTest) PartOutcome {
	if t == nil {
		return Fail(partID, diagnosticResultMissing)
	}
	if t.Total <= 0 {
		return Fail(partID, "test reported no checks")
	}
	lines := make([]string, 0, len(t.PartialFailures)+1)
	for _, f := range t.PartialFailures {
		msg := "(no details, sorry)"
		if f.Message != nil {
			msg = *f.Message
		}
		lines = append(lines, fmt.Sprintf("%s: %s", f.DisplayName, msg))
	}
	if omitted := t.Failed - len(t.PartialFailures); omitted > 0 {
		lines = append(lines, fmt.Sprintf("[omitted %d more failures]", omitted))
	}
	failed := t.Failed
	if failed > t.Total {
		failed = t.Total
	}
	if failed < 0 {
		failed = 0
	}
	return PartOutcome{
		PartID:     partID,
		Score:      big.NewRat(int64(t.Total-failed), int64(t.Total)),
		Diagnostic: strings.Join(lines, "\n"),
	}
}

// UniqueOutcomes renames repeated Part ids to id#2, id#3 and so on, so every
// discovered outcome keeps its own Part. The input is not modified.
func UniqueOutcomes(outcomes []PartOutcome) []PartOutcome {
	out := make([]PartOutcome, len(outcomes))
	used := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		used[o.PartID] = true
	}
	seen := make(map[string]bool, len(outcomes))
	for i, o := range outcomes {
		out[i] = o
		if !seen[o.PartID] {
			seen[o.PartID] = true
			continue
		}
		for n := 2; ; n++ {
			id := fmt.Sprintf("%s#%d", o.PartID, n)
			if !used[id] {
				used[id] = true
				seen[id] = true
				out[i].PartID = id
				break
			}
		}
	}
	return out
}

// SynthesizeParts turns discovered outcomes into weight-1 Parts for a
// Component that declared none.
func SynthesizeParts(outcomes []PartOutcome) []model.Part {
	parts := make([]model.Part, len(outcomes))
	for i, o := range outcomes {
		parts[i] = model.Part{ID: o.PartID, Weight: big.NewRat(1, 1)}
	}
	return parts
}
