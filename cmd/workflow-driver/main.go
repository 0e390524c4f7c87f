// Command workflow-driver runs a workflow graph to completion: it builds a
// Scheduler over a declared or programmatic graph, then calls Tick in a
// loop until the run is done, failed with a dependency cycle, or cancelled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rezkam/workflow-graph/internal/backend"
	"github.com/rezkam/workflow-graph/internal/backend/memory"
	"github.com/rezkam/workflow-graph/internal/backend/sqlite"
	"github.com/rezkam/workflow-graph/internal/config"
	"github.com/rezkam/workflow-graph/internal/domain"
	"github.com/rezkam/workflow-graph/internal/graph"
	"github.com/rezkam/workflow-graph/internal/observability"
	"github.com/rezkam/workflow-graph/internal/scheduler"
)

// repeatedFlag collects every occurrence of a flag given multiple times on
// the command line, e.g. --starting-job A --starting-job B.
type repeatedFlag []string

func (f *repeatedFlag) String() string { return strings.Join(*f, ",") }
func (f *repeatedFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	var (
		startingJobs    repeatedFlag
		failedOutcomes  repeatedFlag
		jobsGraphPath   = flag.String("jobs-graph", "", "path to a YAML job graph; overrides the built-in example graph")
		resumeFromJobID = flag.String("resume-from-jobid", "", "resume a prior run from this backend job id")
		managerName     = flag.String("manager-name", "", "this scheduler run's name (overrides WORKFLOW_MANAGER_NAME)")
		maxRunningJobs  = flag.Int("max-running-jobs", 0, "cap on concurrently running jobs (0 = unbounded)")
		onlyStarting    = flag.Bool("only-starting-jobs", false, "disable on_finish routing; run exactly the starting set")
		comment         = flag.String("comment", "", "free-form note; ignored, has no effect on scheduling")
		backendKind     = flag.String("backend", "", "memory or sqlite (overrides WORKFLOW_BACKEND)")
	)
	flag.Var(&startingJobs, "starting-job", "a task id to seed as pending; may be repeated")
	flag.Var(&failedOutcomes, "failed-outcomes", "an additional outcome string to classify as failed; may be repeated")
	flag.Parse()

	_ = comment // accepted and ignored; never logged and never influences scheduling (§6).

	if err := run(runOptions{
		startingJobs:    startingJobs,
		failedOutcomes:  failedOutcomes,
		jobsGraphPath:   *jobsGraphPath,
		resumeFromJobID: *resumeFromJobID,
		managerName:     *managerName,
		maxRunningJobs:  *maxRunningJobs,
		onlyStarting:    *onlyStarting,
		backendKind:     *backendKind,
		comment:         *comment,
	}); err != nil {
		slog.Error("workflow-driver exited with error", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	startingJobs    []string
	failedOutcomes  []string
	jobsGraphPath   string
	resumeFromJobID string
	managerName     string
	maxRunningJobs  int
	onlyStarting    bool
	backendKind     string
	comment         string
}

func run(opts runOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg, opts)
	if cfg.ManagerName == "" {
		return fmt.Errorf("manager name is required: set --manager-name or WORKFLOW_MANAGER_NAME")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, logger, err := observability.InitLogger(ctx, cfg.ServiceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, cfg.ServiceName, cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	be, closeBackend, err := buildBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	model, err := buildGraph(opts.jobsGraphPath)
	if err != nil {
		return fmt.Errorf("building job graph: %w", err)
	}

	schedOpts := []scheduler.Option{scheduler.WithLogger(logger)}
	if cfg.MaxRunningJobs > 0 {
		schedOpts = append(schedOpts, scheduler.WithMaxRunningJobs(cfg.MaxRunningJobs))
	}
	if cfg.OnlyStartingJobs {
		schedOpts = append(schedOpts, scheduler.WithOnlyStartingJobs())
	}
	if len(opts.failedOutcomes) > 0 {
		schedOpts = append(schedOpts, scheduler.WithExtraFailedOutcomes(opts.failedOutcomes...))
	}

	s, err := scheduler.New(cfg.ManagerName, model, be, schedOpts...)
	if err != nil {
		return fmt.Errorf("constructing scheduler: %w", err)
	}

	if cfg.ResumeFromJobID != "" {
		if err := s.Resume(ctx, cfg.ResumeFromJobID, opts.startingJobs); err != nil {
			return fmt.Errorf("resuming from %q: %w", cfg.ResumeFromJobID, err)
		}
	} else {
		if len(opts.startingJobs) == 0 {
			return fmt.Errorf("%w: --starting-job is required when not resuming", domain.ErrNoStartingSet)
		}
		if err := s.Seed(opts.startingJobs); err != nil {
			return fmt.Errorf("seeding starting jobs: %w", err)
		}
	}

	return driveLoop(ctx, s, cfg.PollInterval)
}

func applyFlagOverrides(cfg *config.Config, opts runOptions) {
	if opts.managerName != "" {
		cfg.ManagerName = opts.managerName
	}
	if opts.resumeFromJobID != "" {
		cfg.ResumeFromJobID = opts.resumeFromJobID
	}
	if opts.maxRunningJobs > 0 {
		cfg.MaxRunningJobs = opts.maxRunningJobs
	}
	if opts.onlyStarting {
		cfg.OnlyStartingJobs = true
	}
	if opts.backendKind != "" {
		cfg.Backend = opts.backendKind
	}
}

func buildBackend(ctx context.Context, cfg *config.Config) (backend.Backend, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		sb, err := sqlite.Open(ctx, sqlite.DBConfig{Driver: cfg.BackendDriver, DSN: cfg.BackendDSN})
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite backend: %w", err)
		}
		sb.SetIdentity(cfg.ManagerName, cfg.ResumeFromJobID)
		go func() { _ = sb.Run(ctx, sqlite.DefaultReconcilerConfig()) }()
		return sb, func() { _ = sb.Close() }, nil
	case "memory", "":
		return memory.New(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func buildGraph(yamlPath string) (*graph.Model, error) {
	if yamlPath == "" {
		return exampleGraph(), nil
	}
	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", yamlPath, err)
	}
	return graph.FromYAML(data)
}

// driveLoop implements §4: call Tick repeatedly with a fixed sleep in
// between. The scheduler itself never waits.
func driveLoop(ctx context.Context, s *scheduler.Scheduler, pollInterval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		done, err := s.Tick(ctx)
		if err != nil {
			var cycleErr *scheduler.DependencyCycleError
			if errors.As(err, &cycleErr) {
				return cycleErr
			}
			return fmt.Errorf("tick: %w", err)
		}
		if done {
			slog.Info("workflow complete")
			return nil
		}

		slog.Debug("tick complete", "pending", s.PendingLen(), "running", s.RunningLen())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
