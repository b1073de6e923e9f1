package installer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/oshokin/snipvault-installer/internal/domain/resource"
	"github.com/oshokin/snipvault-installer/internal/logger"
	"github.com/oshokin/snipvault-installer/internal/repository/history"
	"github.com/oshokin/snipvault-installer/internal/repository/manifest"
	"github.com/oshokin/snipvault-installer/internal/service/environment"
	"github.com/oshokin/snipvault-installer/internal/service/prerequisite"
	"github.com/oshokin/snipvault-installer/internal/service/provisioner"
	"github.com/oshokin/snipvault-installer/internal/service/verifier"
	"github.com/oshokin/snipvault-installer/internal/telemetry"
)

const (
	// MaxConcurrency caps the fetch+verify worker pool.
	MaxConcurrency = 4
	// DefaultSmokeTimeout bounds the version query of the installed entry point.
	DefaultSmokeTimeout = 10 * time.Second
)

// Fetcher retrieves resource payloads.
type Fetcher interface {
	Fetch(ctx context.Context, d resource.Descriptor) ([]byte, error)
}

// Builder creates and populates the installation root.
type Builder interface {
	EnsureRoot(ctx context.Context, path string) (*environment.InstallationRoot, error)
	Install(ctx context.Context, root *environment.InstallationRoot, a resource.Artifact) (environment.Action, error)
	WriteLauncher(ctx context.Context, root *environment.InstallationRoot, l environment.Launcher) (string, error)
}

// Provisioner creates the runtime directories.
type Provisioner interface {
	Provision(ctx context.Context, baseDir string) (*provisioner.ProvisionedState, error)
}

// Recorder stores a summary of every run.
type Recorder interface {
	RecordRun(ctx context.Context, run history.Run) error
}

// Options are inputs accepted by the installer entry point.
type Options struct {
	// Manifest supplies the resources to install.
	Manifest manifest.Repository
	// Fetcher downloads payloads.
	Fetcher Fetcher
	// Builder installs payloads into RootDir.
	Builder Builder
	// Provisioner creates runtime directories under BaseDir.
	Provisioner Provisioner
	// Prerequisites are host commands required on PATH; checked before fetching unless VerifyOnly.
	Prerequisites []string
	// Recorder is optional; when set every run is recorded.
	Recorder Recorder
	// RootDir is the installation root.
	RootDir string
	// BaseDir receives the state, logs and cache directories.
	BaseDir string
	// Launcher describes the entry point and the smoke test expectation.
	Launcher environment.Launcher
	// Concurrency is the worker pool size, capped at MaxConcurrency.
	Concurrency int
	// VerifyOnly stops the run after FetchingAndVerifying.
	VerifyOnly bool
	// SmokeTimeout bounds the version query; zero means DefaultSmokeTimeout.
	SmokeTimeout time.Duration
}

// Installed reports what happened to one resource during BuildingEnvironment.
type Installed struct {
	Name   string
	Action environment.Action
}

// Result summarizes a run. It is returned for failed runs too.
type Result struct {
	RunID       string
	Phase       Phase
	FailedPhase Phase
	Transitions []Phase
	Resources   []string
	Installed   []Installed
	EntryPoint  string
	Provisioned *provisioner.ProvisionedState
	SmokeOutput string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// runner holds the mutable state of a single installation run.
// It is unexported; call Run(ctx, Options).
type runner struct {
	opts   *Options
	result *Result

	manifest  *resource.Manifest
	artifacts []resource.Artifact
	root      *environment.InstallationRoot

	runCounter     metric.Int64Counter
	installCounter metric.Int64Counter
}

// Run executes one installation and is the public entry point for the CLI.
// The returned error is the unmodified error of the failing component.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	r := newRunner(opts)

	ctx = logger.WithName(ctx, "installer")
	ctx = logger.WithFields(ctx, "run_id", r.result.RunID, "verify_only", opts.VerifyOnly)

	ctx, span := telemetry.Tracer().Start(ctx, "install",
		trace.WithAttributes(
			attribute.String("run.id", r.result.RunID),
			attribute.Bool("run.verify_only", opts.VerifyOnly),
		))
	defer span.End()

	err := r.run(ctx)

	r.result.FinishedAt = time.Now()
	r.record(ctx, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, r.result.FailedPhase.String())
		logger.ErrorKV(ctx, "Installation aborted", "phase", r.result.FailedPhase, "error", err)

		return r.result, err
	}

	logger.InfoKV(ctx, "Installation completed", "duration", r.result.FinishedAt.Sub(r.result.StartedAt))

	return r.result, nil
}

func validateOptions(opts *Options) error {
	switch {
	case opts == nil || opts.Manifest == nil:
		return errNoManifest
	case opts.Fetcher == nil:
		return errNoFetcher
	case opts.VerifyOnly:
		return nil
	case opts.Builder == nil:
		return errNoBuilder
	case opts.Provisioner == nil:
		return errNoProvisioner
	case opts.RootDir == "":
		return errNoRoot
	case opts.BaseDir == "":
		return errNoBaseDir
	}

	return nil
}

func newRunner(opts *Options) *runner {
	return &runner{
		opts: opts,
		result: &Result{
			RunID:       uuid.NewString(),
			Phase:       PhaseIdle,
			FailedPhase: PhaseIdle,
			Transitions: []Phase{PhaseIdle},
			StartedAt:   time.Now(),
		},
		runCounter: telemetry.Int64Counter(
			"installer.runs",
			"Installation runs by final phase",
		),
		installCounter: telemetry.Int64Counter(
			"installer.resources.installed",
			"Resources handled during BuildingEnvironment by action",
		),
	}
}

// step is one phase of the pipeline.
type step struct {
	phase Phase
	run   func(ctx context.Context) error
}

// run walks the state machine, stopping at the first failure.
func (r *runner) run(ctx context.Context) error {
	steps := []step{
		{PhaseLoadingManifest, r.loadManifest},
		{PhaseFetchingAndVerifying, r.fetchAndVerify},
		{PhaseBuildingEnvironment, r.buildEnvironment},
		{PhaseProvisioning, r.provision},
		{PhaseSmokeTesting, r.smokeTest},
	}

	for _, s := range steps {
		if r.opts.VerifyOnly && s.phase > PhaseFetchingAndVerifying {
			break
		}

		if err := r.transition(ctx, s.phase); err != nil {
			return err
		}

		if err := r.runPhase(ctx, s); err != nil {
			r.abort(ctx)

			return err
		}
	}

	return r.transition(ctx, PhaseDone)
}

// runPhase runs one step inside its own span and honours cancellation between steps.
func (r *runner) runPhase(ctx context.Context, s step) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := telemetry.Tracer().Start(ctx, s.phase.String())
	defer span.End()

	if err := s.run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase failed")

		return err
	}

	return nil
}

// transition moves the state machine, refusing edges it does not define.
func (r *runner) transition(ctx context.Context, to Phase) error {
	from := r.result.Phase
	if !canTransition(from, to, r.opts.VerifyOnly) {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, from, to)
	}

	r.result.Phase = to
	r.result.Transitions = append(r.result.Transitions, to)

	logger.InfoKV(ctx, "Phase changed", "from", from, "to", to)

	return nil
}

// abort records the failing phase and enters Aborted.
func (r *runner) abort(ctx context.Context) {
	r.result.FailedPhase = r.result.Phase
	// Aborted is reachable from every non-terminal phase, so this cannot fail.
	_ = r.transition(ctx, PhaseAborted)

	// Buffered payloads are dropped, nothing is rolled back.
	r.artifacts = nil
}

func (r *runner) loadManifest(ctx context.Context) error {
	m, err := r.opts.Manifest.Load(ctx)
	if err != nil {
		return err
	}

	r.manifest = m
	r.result.Resources = m.Names()

	logger.InfoKV(ctx, "Manifest loaded", "resources", r.result.Resources)

	if r.opts.VerifyOnly {
		return nil
	}

	return prerequisite.Check(ctx, r.opts.Prerequisites)
}

// fetchAndVerify downloads and checks every resource on a bounded pool.
// Results land in manifest-indexed slots so completion order does not matter.
// The first failure cancels the remaining work and is the error returned.
func (r *runner) fetchAndVerify(ctx context.Context) error {
	count := r.manifest.Len()
	artifacts := make([]resource.Artifact, count)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(poolSize(r.opts.Concurrency, count))

	for i := range count {
		d := r.manifest.At(i)

		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			workerCtx := logger.WithKV(groupCtx, "resource", d.Name)

			data, err := r.opts.Fetcher.Fetch(workerCtx, d)
			if err != nil {
				return err
			}

			if err = verifier.VerifyResource(d.Name, data, d.ExpectedHash); err != nil {
				return err
			}

			artifacts[i] = resource.Artifact{Descriptor: d, Data: data}

			logger.DebugKV(workerCtx, "Resource verified", "bytes", len(data))

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	r.artifacts = artifacts

	logger.InfoKV(ctx, "All resources fetched and verified", "count", len(artifacts))

	return nil
}

// buildEnvironment installs the buffered artifacts strictly in manifest order.
func (r *runner) buildEnvironment(ctx context.Context) error {
	root, err := r.opts.Builder.EnsureRoot(ctx, r.opts.RootDir)
	if err != nil {
		return err
	}

	r.root = root

	for _, a := range r.artifacts {
		action, installErr := r.opts.Builder.Install(ctx, root, a)
		if installErr != nil {
			return installErr
		}

		r.installCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(action))))
		r.result.Installed = append(r.result.Installed, Installed{Name: a.Descriptor.Name, Action: action})
	}

	// Payloads are on disk now.
	r.artifacts = nil

	entryPoint, err := r.opts.Builder.WriteLauncher(ctx, root, r.opts.Launcher)
	if err != nil {
		return err
	}

	r.result.EntryPoint = entryPoint

	return nil
}

func (r *runner) provision(ctx context.Context) error {
	state, err := r.opts.Provisioner.Provision(ctx, r.opts.BaseDir)
	if err != nil {
		return err
	}

	r.result.Provisioned = state

	return nil
}

func (r *runner) smokeTest(ctx context.Context) error {
	timeout := r.opts.SmokeTimeout
	if timeout <= 0 {
		timeout = DefaultSmokeTimeout
	}

	output, err := queryVersion(ctx, r.result.EntryPoint, r.opts.Launcher.Product, timeout)
	r.result.SmokeOutput = output

	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Smoke test passed", "output", output)

	return nil
}

// record stores the run summary; recording failures never replace the run error.
func (r *runner) record(ctx context.Context, runErr error) {
	r.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", r.result.Phase.String())))

	if r.opts.Recorder == nil {
		return
	}

	run := history.Run{
		ID:         r.result.RunID,
		StartedAt:  r.result.StartedAt,
		FinishedAt: r.result.FinishedAt,
		Phase:      r.result.Phase.String(),
		VerifyOnly: r.opts.VerifyOnly,
		Resources:  r.result.Resources,
	}

	if runErr != nil {
		run.FailedPhase = r.result.FailedPhase.String()
		run.Error = runErr.Error()
	}

	// Record even when the run was canceled.
	recordCtx := context.WithoutCancel(ctx)

	if err := r.opts.Recorder.RecordRun(recordCtx, run); err != nil {
		logger.WarnKV(ctx, "Unable to record run history", "error", err)
	}
}

// poolSize returns the worker count: the number of resources, capped by the
// configured concurrency and MaxConcurrency, and at least one.
func poolSize(concurrency, resources int) int {
	if concurrency <= 0 || concurrency > MaxConcurrency {
		concurrency = MaxConcurrency
	}

	return max(1, min(concurrency, resources))
}
