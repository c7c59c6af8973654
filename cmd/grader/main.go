package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"autograder/internal/common/cache"
	"autograder/internal/grading/backend"
	"autograder/internal/grading/config"
	"autograder/internal/grading/model"
	"autograder/internal/grading/recovery"
	"autograder/internal/grading/repository"
	"autograder/internal/grading/service"
	"autograder/internal/grading/submission"
	"autograder/internal/grading/workspace"
	"autograder/internal/sandbox"
	"autograder/internal/sandbox/engine"
	"autograder/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader.yaml"

// exitError reports a usage, configuration or infrastructure failure. A
// completed run exits 0, or 1 when any submission is Broken.
const exitError = 2

const usage = `usage: grader [-config path] <command> [flags]

commands:
  grade    [-only id,...] [-recover]   grade submissions
  recover  [-id id]                    fix broken submissions interactively
  summary                              summarize stored results
  archive  [-name name]                upload stored results to object storage
  serve                                serve stored results over HTTP
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("grader", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitError
	}

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return exitError
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return exitError
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "grade":
		return runGrade(ctx, appCfg, rest)
	case "recover":
		return runRecover(ctx, appCfg, rest)
	case "summary":
		return runSummary(ctx, appCfg)
	case "archive":
		return runArchive(ctx, appCfg, rest)
	case "serve":
		return runServe(ctx, appCfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitError
	}
}

// app holds what every grading command shares.
type app struct {
	cfg      *AppConfig
	compiled *config.Compiled
	loader   *submission.Loader
	store    *repository.FileStore
	redis    *cache.RedisCache
	status   *repository.StatusRepository
	terminal *recovery.Terminal
}

func newApp(ctx context.Context, cfg *AppConfig) (*app, error) {
	var provider *sandbox.Provider
	if cfg.Sandbox.Enabled {
		eng, err := engine.NewEngine(cfg.Sandbox.toEngineConfig())
		if err != nil {
			return nil, fmt.Errorf("init sandbox engine failed: %w", err)
		}
		provider, err = sandbox.NewProvider(eng, cfg.Sandbox.toProviderConfig())
		if err != nil {
			return nil, fmt.Errorf("init sandbox provider failed: %w", err)
		}
	}

	compiled, err := config.Load(cfg.Grading.Assignment, backend.NewRegistry(provider))
	if err != nil {
		return nil, err
	}
	loader, err := submission.NewLoader(cfg.Grading.Submissions)
	if err != nil {
		return nil, err
	}
	store, err := repository.NewFileStore(cfg.Grading.Results)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, compiled: compiled, loader: loader, store: store}

	if cfg.Status.Enabled {
		a.redis, err = cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis failed: %w", err)
		}
		a.status = repository.NewStatusRepository(a.redis, compiled.Assignment.Name, cfg.Status.TTL)
	}
	logger.Info(ctx, "assignment loaded",
		zap.String("assignment", compiled.Assignment.Name),
		zap.Int("components", len(compiled.Assignment.Components)),
		zap.Bool("interactive", compiled.Interactive()),
		zap.Bool("sandbox", provider != nil))
	return a, nil
}

func (a *app) openTerminal() (*recovery.Terminal, error) {
	if a.terminal != nil {
		return a.terminal, nil
	}
	t, err := recovery.NewTerminal(a.cfg.Grading.HistoryFile)
	if err != nil {
		return nil, err
	}
	a.terminal = t
	return t, nil
}

func (a *app) close() {
	if a.terminal != nil {
		_ = a.terminal.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func (a *app) newManager(withTerminal bool) (*service.Manager, error) {
	ws, err := workspace.New(a.cfg.Grading.WorkRoot)
	if err != nil {
		return nil, err
	}
	mcfg := service.Config{
		Assignment:   a.compiled,
		Store:        a.store,
		Workspace:    ws,
		Executor:     sandbox.NewLocalExecutor(a.cfg.Grading.Env, a.cfg.Grading.MaxOutputBytes),
		PoolSize:     a.cfg.Grading.PoolSize,
		HostMemoryMB: sandbox.HostMemoryMB(),
		PartTimeout:  a.cfg.Grading.PartTimeout,
	}
	if withTerminal || a.compiled.Interactive() {
		t, err := a.openTerminal()
		if err != nil {
			return nil, err
		}
		mcfg.Prompter = t
	}
	if a.status != nil {
		mcfg.Status = a.status
	}
	return service.NewManager(mcfg)
}

// lock takes the run lock when the status mirror is enabled. The returned
// release func is never nil.
func (a *app) lock(ctx context.Context) (func(), error) {
	if a.status == nil {
		return func() {}, nil
	}
	ok, err := a.status.Lock(ctx, a.cfg.Status.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("another grading run holds the lock for %s", a.compiled.Assignment.Name)
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(a.cfg.Status.LockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.status.Refresh(ctx, a.cfg.Status.LockTTL); err != nil {
					logger.Warn(ctx, "refresh run lock failed", zap.Error(err))
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		if err := a.status.Unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn(ctx, "release run lock failed", zap.Error(err))
		}
	}, nil
}

func runGrade(ctx context.Context, cfg *AppConfig, args []string) int {
	fs := flag.NewFlagSet("grade", flag.ContinueOnError)
	only := fs.String("only", "", "Comma-separated submission ids to grade")
	recoverBroken := fs.Bool("recover", false, "Open a recovery session for broken submissions after grading")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fail(ctx, "init grader failed", err)
	}
	defer a.close()

	release, err := a.lock(ctx)
	if err != nil {
		return fail(ctx, "acquire run lock failed", err)
	}
	defer release()

	subs, err := a.loader.List(ctx, splitIDs(*only)...)
	if err != nil {
		return fail(ctx, "list submissions failed", err)
	}
	mgr, err := a.newManager(*recoverBroken)
	if err != nil {
		return fail(ctx, "init manager failed", err)
	}

	summary, err := mgr.GradeAll(ctx, subs)
	if err != nil {
		_ = summary.Write(os.Stdout)
		return fail(ctx, "grading run halted", err)
	}
	if *recoverBroken && len(summary.Broken) > 0 {
		if err := recoverSession(ctx, a, mgr, subs); err != nil {
			return fail(ctx, "recovery session failed", err)
		}
		summary = service.Summarize(subs)
	}
	if err := summary.Write(os.Stdout); err != nil {
		return fail(ctx, "write summary failed", err)
	}
	return summary.ExitCode()
}

func runRecover(ctx context.Context, cfg *AppConfig, args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	id := fs.String("id", "", "Recover only this submission")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return fail(ctx, "init grader failed", err)
	}
	defer a.close()

	release, err := a.lock(ctx)
	if err != nil {
		return fail(ctx, "acquire run lock failed", err)
	}
	defer release()

	subs, err := a.loader.List(ctx, splitIDs(*id)...)
	if err != nil {
		return fail(ctx, "list submissions failed", err)
	}
	if err := service.Resume(ctx, a.store, subs); err != nil {
		return fail(ctx, "load stored results failed", err)
	}
	mgr, err := a.newManager(true)
	if err != nil {
		return fail(ctx, "init manager failed", err)
	}
	if err := recoverSession(ctx, a, mgr, subs); err != nil {
		return fail(ctx, "recovery session failed", err)
	}
	summary := service.Summarize(subs)
	if err := summary.Write(os.Stdout); err != nil {
		return fail(ctx, "write summary failed", err)
	}
	return summary.ExitCode()
}

func recoverSession(ctx context.Context, a *app, mgr *service.Manager, subs []*model.Submission) error {
	t, err := a.openTerminal()
	if err != nil {
		return err
	}
	session := recovery.New(t, t.Stdout(), mgr, a.compiled.Assignment)
	recovered, err := session.Run(ctx, subs)
	logger.Info(ctx, "recovery session finished", zap.Int("recovered", recovered))
	if errors.Is(err, recovery.ErrQuit) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func runSummary(ctx context.Context, cfg *AppConfig) int {
	store, err := repository.NewFileStore(cfg.Grading.Results)
	if err != nil {
		return fail(ctx, "open result store failed", err)
	}
	results, err := service.LoadResults(ctx, store)
	if err != nil {
		return fail(ctx, "load results failed", err)
	}
	summary := service.SummarizeResults(results)
	if err := summary.Write(os.Stdout); err != nil {
		return fail(ctx, "write summary failed", err)
	}
	return summary.ExitCode()
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func fail(ctx context.Context, msg string, err error) int {
	logger.Error(ctx, msg, zap.Error(err))
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	return exitError
}
