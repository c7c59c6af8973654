// Package service runs the grading state machine over a batch of submissions.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"autograder/internal/grading/backend"
	"autograder/internal/grading/config"
	"autograder/internal/grading/model"
	"autograder/internal/grading/repository"
	"autograder/internal/grading/workspace"
	"autograder/internal/sandbox"
	appErr "autograder/pkg/errors"
	"autograder/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultPartTimeout = time.Minute

// StatusRecorder mirrors submission state changes somewhere observable.
type StatusRecorder interface {
	Record(ctx context.Context, submissionID string, status model.Status, cause string) error
}

// budgeted is implemented by backends that run inside an isolation context.
type budgeted interface {
	Budget() sandbox.Budget
}

// Manager grades submissions of one assignment.
type Manager struct {
	assignment  *model.Assignment
	compiled    *config.Compiled
	store       repository.ResultStore
	workspace   *workspace.Workspace
	executor    sandbox.Executor
	prompter    backend.Prompter
	status      StatusRecorder
	partTimeout time.Duration
	poolSize    int
	sem         chan struct{}
}

// Config holds manager dependencies and settings.
type Config struct {
	Assignment *config.Compiled
	Store      repository.ResultStore
	Workspace  *workspace.Workspace
	// Executor runs processes for components that are not sandboxed.
	Executor sandbox.Executor
	// Prompter answers interactive backends. Optional.
	Prompter backend.Prompter
	// Status mirrors state changes. Optional.
	Status       StatusRecorder
	PoolSize     int
	HostMemoryMB int64
	PartTimeout  time.Duration
}

// NewManager validates dependencies and sizes the worker pool.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Assignment == nil || cfg.Assignment.Assignment == nil {
		return nil, fmt.Errorf("assignment is required")
	}
	if len(cfg.Assignment.Backends) != len(cfg.Assignment.Assignment.Components) {
		return nil, fmt.Errorf("assignment has %d components but %d backends",
			len(cfg.Assignment.Assignment.Components), len(cfg.Assignment.Backends))
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("workspace is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	partTimeout := cfg.PartTimeout
	if partTimeout <= 0 {
		partTimeout = defaultPartTimeout
	}
	poolSize := PoolSize(cfg.Assignment, cfg.PoolSize, cfg.HostMemoryMB)
	return &Manager{
		assignment:  cfg.Assignment.Assignment,
		compiled:    cfg.Assignment,
		store:       cfg.Store,
		workspace:   cfg.Workspace,
		executor:    cfg.Executor,
		prompter:    cfg.Prompter,
		status:      cfg.Status,
		partTimeout: partTimeout,
		poolSize:    poolSize,
		sem:         make(chan struct{}, poolSize),
	}, nil
}

// PoolSize returns how many submissions may be graded at once: requested,
// capped by what host memory allows for the largest sandbox budget, and 1
// when any component needs an operator.
func PoolSize(compiled *config.Compiled, requested int, hostMemoryMB int64) int {
	size := requested
	if size <= 0 {
		size = 1
	}
	if compiled.Interactive() {
		return 1
	}
	for _, b := range compiled.Backends {
		sb, ok := b.(budgeted)
		if !ok {
			continue
		}
		if limit := sandbox.MaxConcurrent(hostMemoryMB, sb.Budget()); limit > 0 && limit < size {
			size = limit
		}
	}
	return size
}

// PoolSize returns the configured worker count.
func (m *Manager) PoolSize() int { return m.poolSize }

// Assignment returns the assignment being graded.
func (m *Manager) Assignment() *model.Assignment { return m.assignment }

// GradeAll grades every submission with a bounded pool. The first error that
// GradeOne returns stops the run: in-flight submissions are interrupted and
// the rest are left untouched. The summary covers every submission passed in.
func (m *Manager) GradeAll(ctx context.Context, subs []*model.Submission) (Summary, error) {
	ctx = logger.WithRunID(ctx, uuid.NewString())
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	logger.Info(ctx, "grading run started",
		zap.String("assignment", m.assignment.Name),
		zap.Int("submissions", len(subs)),
		zap.Int("pool_size", m.poolSize),
	)
	start := time.Now()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		runErr   error
	)
	for _, sub := range subs {
		if err := m.acquireSlot(runCtx); err != nil {
			break
		}
		wg.Add(1)
		go func(sub *model.Submission) {
			defer wg.Done()
			defer m.releaseSlot()
			if err := m.GradeOne(runCtx, sub); err != nil {
				failOnce.Do(func() {
					runErr = err
					cancel(err)
				})
			}
		}(sub)
	}
	wg.Wait()

	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	summary := Summarize(subs)
	fields := []zap.Field{
		zap.Int("graded", summary.Graded),
		zap.Int("broken", len(summary.Broken)),
		zap.Int("pending", summary.Pending),
		zap.Duration("elapsed", time.Since(start)),
	}
	if runErr != nil {
		logger.Error(ctx, "grading run aborted", append(fields, zap.Error(runErr))...)
		return summary, runErr
	}
	logger.Info(ctx, "grading run finished", fields...)
	return summary, nil
}

// Recover records operator placements for a submission and grades it again.
// An empty placements map keeps the ones already recorded.
func (m *Manager) Recover(ctx context.Context, sub *model.Submission, placements map[string]string) error {
	if sub == nil {
		return appErr.ValidationError("submission", "required")
	}
	for expected, actual := range placements {
		if err := workspace.ValidPattern(expected); err != nil {
			return appErr.ValidationError("placement", err.Error())
		}
		if _, err := workspace.Resolve(sub.Root, actual); errors.Is(err, workspace.ErrOutsideRoot) {
			return appErr.ValidationError("placement", err.Error())
		}
		sub.Place(expected, actual)
	}
	logger.Info(logger.WithSubmission(ctx, sub.ID), "regrading after recovery", zap.Int("placements", len(sub.Placements)))
	return m.GradeOne(ctx, sub)
}

func (m *Manager) acquireSlot(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseSlot() {
	select {
	case <-m.sem:
	default:
	}
}

func (m *Manager) record(ctx context.Context, sub *model.Submission) {
	if m.status == nil {
		return
	}
	if err := m.status.Record(context.WithoutCancel(ctx), sub.ID, sub.Status, sub.Cause); err != nil {
		logger.Warn(ctx, "mirror status failed", zap.String("status", string(sub.Status)), zap.Error(err))
	}
}
