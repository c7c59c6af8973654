package service

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"autograder/internal/grading/backend"
	"autograder/internal/grading/model"
	"autograder/internal/grading/penalty"
	"autograder/internal/grading/weight"
	"autograder/internal/grading/workspace"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

// DiagnosticNoResult marks a declared Part the backend reported nothing for.
const DiagnosticNoResult = "no result reported"

// DiagnosticNoParts marks a Component whose backend discovered no Parts.
const DiagnosticNoParts = "backend reported no parts"

// GradeOne runs one submission through Extracted, Grading and then Graded or
// Broken, and persists its result. Problems scoped to the submission end in
// Broken with a nil error. A returned error means the run cannot go on:
// the environment is unusable, the result could not be stored or ctx ended.
// An interrupted submission is left in the state it started in.
func (m *Manager) GradeOne(ctx context.Context, sub *model.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = logger.WithSubmission(ctx, sub.ID)
	before := *sub
	restore := func() {
		sub.Status, sub.Cause, sub.Result = before.Status, before.Cause, before.Result
		m.record(ctx, sub)
	}

	if err := sub.Transition(model.StatusExtracted); err != nil {
		return err
	}
	m.record(ctx, sub)
	res := model.NewGradeResult(m.assignment, sub)

	if missing := m.missingInputs(sub); len(missing) > 0 {
		cause := "missing required files: " + strings.Join(missing, ", ")
		logger.Warn(ctx, "submission broken", zap.Strings("missing", missing))
		if err := sub.MarkBroken(cause); err != nil {
			return err
		}
		return m.finish(ctx, sub, res)
	}

	if err := sub.Transition(model.StatusGrading); err != nil {
		return err
	}
	m.record(ctx, sub)

	var fatal error
	for i := range m.assignment.Components {
		comp := &m.assignment.Components[i]
		cctx := logger.WithComponent(ctx, comp.Name)
		cr, err := m.gradeComponent(cctx, sub, i)
		if err == nil {
			cr.NormWeight = res.Components[i].NormWeight
			res.Components[i] = cr
			continue
		}
		if ctx.Err() != nil {
			restore()
			return ctx.Err()
		}
		code := appErr.GetCode(err)
		switch {
		case code.IsFatal():
			fatal = err
		case code == appErr.BackendConfigurationError, code == appErr.SubmissionIOError:
		default:
			logger.Warn(cctx, "component failed", zap.Error(err))
			res.Components[i] = failedComponent(res.Components[i], comp, err.Error())
			continue
		}
		logger.Warn(cctx, "submission broken", zap.Error(err))
		res.Components[i] = failedComponent(res.Components[i], comp, err.Error())
		res.Components[i].Graded = false
		if err := sub.MarkBroken(fmt.Sprintf("component %s: %s", comp.Name, err.Error())); err != nil {
			return err
		}
		break
	}

	if sub.Status == model.StatusGrading {
		if err := sub.Transition(model.StatusGraded); err != nil {
			return err
		}
	}
	if err := m.finish(ctx, sub, res); err != nil {
		return err
	}
	return fatal
}

// missingInputs checks every Component's required files up front so a
// submission is never half graded for a missing file.
func (m *Manager) missingInputs(sub *model.Submission) []string {
	seen := make(map[string]bool)
	var missing []string
	for i := range m.assignment.Components {
		for _, pattern := range workspace.Missing(sub.Root, m.assignment.Components[i].RequiredFiles(), sub.Placements) {
			if !seen[pattern] {
				seen[pattern] = true
				missing = append(missing, pattern)
			}
		}
	}
	return missing
}

func (m *Manager) gradeComponent(ctx context.Context, sub *model.Submission, index int) (model.ComponentResult, error) {
	comp := &m.assignment.Components[index]
	b := m.compiled.Backends[index]

	dir, cleanup, err := m.workspace.Scratch(sub.ID + "-" + comp.Name)
	if err != nil {
		return model.ComponentResult{}, appErr.Wrapf(err, appErr.BackendInfrastructureError, "prepare scratch dir")
	}
	defer cleanup()

	patterns := append(append([]string{}, comp.Files...), comp.OptionalFiles...)
	missing, err := workspace.CopyInputs(sub.Root, dir, patterns, sub.Placements)
	if err != nil {
		return model.ComponentResult{}, appErr.Wrapf(err, appErr.SubmissionIOError, "copy inputs: %v", err)
	}
	for _, pattern := range missing {
		if contains(comp.Files, pattern) {
			return model.ComponentResult{}, appErr.Newf(appErr.SubmissionIOError, "required file %s disappeared", pattern)
		}
	}
	if _, err := workspace.CopyInputs(m.assignment.Dir, dir, comp.GradingFiles, nil); err != nil {
		return model.ComponentResult{}, appErr.Wrapf(err, appErr.BackendInfrastructureError, "copy grading files")
	}

	logger.Debug(ctx, "grading component", zap.String("backend", comp.Backend), zap.String("dir", dir))
	report, err := b.Grade(ctx, backend.Request{
		Component: comp.Name,
		Parts:     comp.Parts,
		WorkDir:   dir,
		Timeout:   m.partTimeout,
		Executor:  m.executor,
		Prompter:  m.prompter,
	})
	if err != nil {
		return model.ComponentResult{}, err
	}
	return mergeReport(ctx, comp, report), nil
}

// mergeReport folds backend outcomes into the Component's result node. A
// Component without declared Parts takes the Parts the backend discovered, or
// a single zero Part when there were none.
func mergeReport(ctx context.Context, comp *model.Component, report backend.Report) model.ComponentResult {
	parts, outcomes := comp.Parts, report.Parts
	if len(parts) == 0 {
		outcomes = backend.UniqueOutcomes(outcomes)
		parts = backend.SynthesizeParts(outcomes)
		if len(parts) == 0 {
			logger.Warn(ctx, "backend discovered no parts")
			parts = []model.Part{{ID: comp.Name, Weight: weight.One()}}
			outcomes = []backend.PartOutcome{backend.Fail(comp.Name, DiagnosticNoParts)}
		}
	}
	byID := make(map[string]backend.PartOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.PartID] = o
	}

	cr := model.ComponentResult{
		Name:   comp.Name,
		Weight: new(big.Rat).Set(comp.Weight),
		Graded: true,
		Log:    report.Log,
		Parts:  make([]model.PartResult, len(parts)),
	}
	for i, p := range parts {
		o, ok := byID[p.ID]
		delete(byID, p.ID)
		score := weight.Zero()
		diag := DiagnosticNoResult
		if ok {
			score = weight.Clamp01(o.Score)
			diag = o.Diagnostic
		}
		cr.Parts[i] = model.PartResult{
			ID:         p.ID,
			Weight:     new(big.Rat).Set(p.Weight),
			Score:      score,
			Earned:     new(big.Rat).Mul(score, p.Weight),
			Passed:     score.Cmp(weight.One()) == 0,
			Diagnostic: diag,
		}
	}
	if len(byID) > 0 {
		extra := make([]string, 0, len(byID))
		for id := range byID {
			extra = append(extra, id)
		}
		sort.Strings(extra)
		logger.Warn(ctx, "backend reported undeclared parts", zap.Strings("parts", extra))
	}
	cr.Fraction = weight.ComponentFraction(cr.Scores())
	return cr
}

func failedComponent(prev model.ComponentResult, comp *model.Component, diag string) model.ComponentResult {
	prev.Graded = true
	prev.Diagnostic = diag
	prev.Fraction = weight.Zero()
	prev.Earned = weight.Zero()
	prev.Parts = model.ZeroParts(comp.Parts, diag)
	return prev
}

// finish aggregates, applies penalties and persists. Storing is not
// interrupted by ctx so a finished grade is never lost.
func (m *Manager) finish(ctx context.Context, sub *model.Submission, res *model.GradeResult) error {
	res.Status = sub.Status
	res.BrokenCause = sub.Cause
	m.score(res, sub)

	if err := m.store.Save(context.WithoutCancel(ctx), res); err != nil {
		return err
	}
	sub.Result = res
	m.record(ctx, sub)
	logger.Info(ctx, "submission finished",
		zap.String("status", string(sub.Status)),
		zap.String("score", res.FinalScore.RatString()),
		zap.String("percent", res.Percent),
	)
	return nil
}

func (m *Manager) score(res *model.GradeResult, sub *model.Submission) {
	scores := make([]weight.ComponentScore, len(res.Components))
	for i := range res.Components {
		scores[i] = weight.ComponentScore{Weight: res.Components[i].Weight, Fraction: res.Components[i].Fraction}
	}
	contributions, err := weight.Contributions(scores)
	if err != nil {
		// Component weights are validated positive at load.
		contributions = make([]*big.Rat, len(scores))
		for i := range contributions {
			contributions[i] = weight.Zero()
		}
	}
	for i := range res.Components {
		res.Components[i].Earned = contributions[i]
	}
	raw := weight.Sum(contributions...)
	final, applied := penalty.Apply(m.compiled.Penalties, raw, sub.SubmittedAt, m.assignment.DueDate)
	res.RawScore = raw
	res.FinalScore = final
	res.Penalties = applied
	res.Points = new(big.Rat).Mul(final, res.MaxPoints)
	res.Percent = weight.Percent(final, 2)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
