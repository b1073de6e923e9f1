package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/oshokin/snipvault-installer/internal/domain/resource"
	"github.com/oshokin/snipvault-installer/internal/repository/history"
	"github.com/oshokin/snipvault-installer/internal/repository/manifest"
	"github.com/oshokin/snipvault-installer/internal/service/environment"
	"github.com/oshokin/snipvault-installer/internal/service/prerequisite"
	"github.com/oshokin/snipvault-installer/internal/service/provisioner"
	"github.com/oshokin/snipvault-installer/internal/service/verifier"
)

const testProduct = "SnipVault"

var errNoPayload = errors.New("no payload")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sha256Hash(data []byte) resource.Hash {
	sum := sha256.Sum256(data)

	return resource.Hash{Algorithm: resource.SHA256, Digest: hex.EncodeToString(sum[:])}
}

// staticManifest encodes the payloads into a manifest in the given order.
func staticManifest(t *testing.T, names []string, payloads map[string][]byte) manifest.Repository {
	t.Helper()

	descriptors := make([]resource.Descriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, resource.Descriptor{
			Name:         name,
			SourceURL:    "https://example.com/" + name + ".tar.gz",
			ExpectedHash: sha256Hash(payloads[name]),
			Version:      "1.0.0",
		})
	}

	contents, err := manifest.Encode(descriptors)
	require.NoError(t, err)

	return manifest.NewStaticStore(contents)
}

// gatedFetcher serves payloads; a resource listed in after waits until its
// predecessor finished, which forces a chosen completion order.
type gatedFetcher struct {
	payloads map[string][]byte
	after    map[string]string
	fail     map[string]error

	mu        sync.Mutex
	done      map[string]chan struct{}
	completed []string
	calls     int
}

func newGatedFetcher(payloads map[string][]byte) *gatedFetcher {
	done := make(map[string]chan struct{}, len(payloads))
	for name := range payloads {
		done[name] = make(chan struct{})
	}

	return &gatedFetcher{
		payloads: payloads,
		after:    map[string]string{},
		fail:     map[string]error{},
		done:     done,
	}
}

func (f *gatedFetcher) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if dep, ok := f.after[d.Name]; ok {
		select {
		case <-f.done[dep]:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := f.fail[d.Name]; err != nil {
		return nil, err
	}

	data, ok := f.payloads[d.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errNoPayload, d.Name)
	}

	f.mu.Lock()
	f.completed = append(f.completed, d.Name)
	f.mu.Unlock()

	close(f.done[d.Name])

	return data, nil
}

// recordingBuilder records install order and writes a launcher printing banner.
type recordingBuilder struct {
	dir    string
	banner string

	mu        sync.Mutex
	installed []string
	ensured   int
}

func (b *recordingBuilder) EnsureRoot(_ context.Context, path string) (*environment.InstallationRoot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ensured++

	return &environment.InstallationRoot{Path: path}, nil
}

func (b *recordingBuilder) Install(
	_ context.Context,
	_ *environment.InstallationRoot,
	a resource.Artifact,
) (environment.Action, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.installed = append(b.installed, a.Descriptor.Name)

	return environment.ActionInstalled, nil
}

func (b *recordingBuilder) WriteLauncher(
	_ context.Context,
	_ *environment.InstallationRoot,
	_ environment.Launcher,
) (string, error) {
	path := filepath.Join(b.dir, "launcher")
	script := fmt.Sprintf("#!/bin/sh\necho %q\n", b.banner)

	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { //nolint:gosec // Must be executable.
		return "", err
	}

	return path, nil
}

type memoryRecorder struct {
	mu   sync.Mutex
	runs []history.Run
	err  error
}

func (r *memoryRecorder) RecordRun(_ context.Context, run history.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runs = append(r.runs, run)

	return r.err
}

func testPayloads() map[string][]byte {
	return map[string][]byte{
		"a": []byte("payload a"),
		"b": []byte("payload b"),
		"c": []byte("payload c"),
	}
}

func testLauncher() environment.Launcher {
	return environment.Launcher{
		Product:    testProduct,
		Version:    "1.0.0",
		EntryPoint: "snipvault",
		Command:    "true",
	}
}

func fullOptions(t *testing.T, repo manifest.Repository, f Fetcher, b Builder) *Options {
	t.Helper()

	dir := t.TempDir()

	return &Options{
		Manifest:    repo,
		Fetcher:     f,
		Builder:     b,
		Provisioner: provisioner.New(),
		RootDir:     filepath.Join(dir, "libexec"),
		BaseDir:     filepath.Join(dir, "var"),
		Launcher:    testLauncher(),
		Concurrency: MaxConcurrency,
	}
}

// TestRun_InstallsInManifestOrder completes fetches as [c, a, b] and expects installs as [a, b, c].
// Not parallel: the smoke test executes a freshly written script.
func TestRun_InstallsInManifestOrder(t *testing.T) {
	payloads := testPayloads()
	fetcher := newGatedFetcher(payloads)
	fetcher.after["a"] = "c"
	fetcher.after["b"] = "a"

	builder := &recordingBuilder{dir: t.TempDir(), banner: testProduct + " 1.0.0"}
	recorder := &memoryRecorder{}

	opts := fullOptions(t, staticManifest(t, []string{"a", "b", "c"}, payloads), fetcher, builder)
	opts.Recorder = recorder

	result, err := Run(context.Background(), opts)
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"c", "a", "b"}, fetcher.completed); diff != "" {
		t.Fatalf("completion order mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, builder.installed); diff != "" {
		t.Fatalf("install order mismatch (-want +got):\n%s", diff)
	}

	wantTransitions := []Phase{
		PhaseIdle,
		PhaseLoadingManifest,
		PhaseFetchingAndVerifying,
		PhaseBuildingEnvironment,
		PhaseProvisioning,
		PhaseSmokeTesting,
		PhaseDone,
	}
	require.Equal(t, wantTransitions, result.Transitions)
	require.Equal(t, PhaseDone, result.Phase)
	require.Equal(t, PhaseIdle, result.FailedPhase)
	require.Equal(t, []string{"a", "b", "c"}, result.Resources)
	require.Equal(t, testProduct+" 1.0.0", result.SmokeOutput)
	require.NotEmpty(t, result.RunID)
	require.False(t, result.FinishedAt.Before(result.StartedAt))

	require.NotNil(t, result.Provisioned)

	for _, name := range []string{provisioner.StateDir, provisioner.LogsDir, provisioner.CacheDir} {
		path, ok := result.Provisioned.Path(name)
		require.True(t, ok, name)
		require.DirExists(t, path)
	}

	require.Len(t, recorder.runs, 1)
	require.Equal(t, result.RunID, recorder.runs[0].ID)
	require.Equal(t, "Done", recorder.runs[0].Phase)
	require.Empty(t, recorder.runs[0].Error)
}

// TestRun_VerifyOnly stops after FetchingAndVerifying without touching the builder.
func TestRun_VerifyOnly(t *testing.T) {
	t.Parallel()

	payloads := testPayloads()
	recorder := &memoryRecorder{}

	result, err := Run(context.Background(), &Options{
		Manifest:   staticManifest(t, []string{"a", "b", "c"}, payloads),
		Fetcher:    newGatedFetcher(payloads),
		Recorder:   recorder,
		VerifyOnly: true,
	})
	require.NoError(t, err)
	require.Equal(t, []Phase{
		PhaseIdle,
		PhaseLoadingManifest,
		PhaseFetchingAndVerifying,
		PhaseDone,
	}, result.Transitions)
	require.Empty(t, result.Installed)
	require.Empty(t, result.EntryPoint)

	require.Len(t, recorder.runs, 1)
	require.True(t, recorder.runs[0].VerifyOnly)
}

// TestRun_MismatchAbortsBeforeBuilding checks nothing is installed after a bad digest.
func TestRun_MismatchAbortsBeforeBuilding(t *testing.T) {
	t.Parallel()

	payloads := testPayloads()
	repo := staticManifest(t, []string{"a", "b", "c"}, payloads)

	served := testPayloads()
	served["b"] = []byte("tampered b")

	builder := &recordingBuilder{dir: t.TempDir(), banner: testProduct}
	recorder := &memoryRecorder{}

	opts := fullOptions(t, repo, newGatedFetcher(served), builder)
	opts.Recorder = recorder

	result, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, verifier.ErrMismatch)

	var mismatch *verifier.MismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, "b", mismatch.Resource)

	require.Equal(t, PhaseAborted, result.Phase)
	require.Equal(t, PhaseFetchingAndVerifying, result.FailedPhase)
	require.NotContains(t, result.Transitions, PhaseBuildingEnvironment)
	require.Zero(t, builder.ensured)
	require.Empty(t, builder.installed)
	require.NoDirExists(t, opts.BaseDir)

	require.Len(t, recorder.runs, 1)
	require.Equal(t, "Aborted", recorder.runs[0].Phase)
	require.Equal(t, "FetchingAndVerifying", recorder.runs[0].FailedPhase)
	require.Equal(t, err.Error(), recorder.runs[0].Error)
}

// TestRun_FetchErrorReturnedUnchanged checks the component error is surfaced as is.
func TestRun_FetchErrorReturnedUnchanged(t *testing.T) {
	t.Parallel()

	errUnreachable := errors.New("unreachable")

	payloads := testPayloads()
	fetcher := newGatedFetcher(payloads)
	fetcher.fail["c"] = errUnreachable
	// a never finishes on its own: it waits for c, which fails.
	fetcher.after["a"] = "c"

	builder := &recordingBuilder{dir: t.TempDir(), banner: testProduct}

	result, err := Run(context.Background(),
		fullOptions(t, staticManifest(t, []string{"a", "b", "c"}, payloads), fetcher, builder))
	require.Same(t, errUnreachable, err)
	require.Equal(t, PhaseFetchingAndVerifying, result.FailedPhase)
	require.Empty(t, builder.installed)
}

// TestRun_SmokeTestFailure reports a launcher that does not print the product.
// Not parallel: executes a freshly written script.
func TestRun_SmokeTestFailure(t *testing.T) {
	payloads := testPayloads()
	builder := &recordingBuilder{dir: t.TempDir(), banner: "SomethingElse 0.1"}

	result, err := Run(context.Background(),
		fullOptions(t, staticManifest(t, []string{"a"}, payloads), newGatedFetcher(payloads), builder))
	require.ErrorIs(t, err, ErrSmokeTest)
	require.ErrorIs(t, err, errProductNotReported)

	var smokeErr *SmokeTestError
	require.ErrorAs(t, err, &smokeErr)
	require.Equal(t, "SomethingElse 0.1", smokeErr.Output)

	require.Equal(t, PhaseAborted, result.Phase)
	require.Equal(t, PhaseSmokeTesting, result.FailedPhase)
	require.Equal(t, []string{"a"}, builder.installed)
}

// TestRun_BrokenLauncherCommandFailsSmokeTest installs through the real builder
// with a command that does not exist, so the forwarded --version cannot succeed.
// Not parallel: executes a freshly written script.
func TestRun_BrokenLauncherCommandFailsSmokeTest(t *testing.T) {
	payloads := testPayloads()

	opts := fullOptions(t, staticManifest(t, []string{"a", "b"}, payloads), newGatedFetcher(payloads), environment.New())
	opts.Launcher.Command = "/nonexistent/snipvault-python -m snipvault"

	result, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, ErrSmokeTest)
	require.NotErrorIs(t, err, errProductNotReported)

	var smokeErr *SmokeTestError
	require.ErrorAs(t, err, &smokeErr)
	require.NotContains(t, smokeErr.Output, testProduct+" 1.0.0")

	require.Equal(t, PhaseAborted, result.Phase)
	require.Equal(t, PhaseSmokeTesting, result.FailedPhase)
	require.FileExists(t, result.EntryPoint)
}

// TestRun_SmokeTestMissingEntryPoint fails when the launcher cannot be executed.
func TestRun_SmokeTestMissingEntryPoint(t *testing.T) {
	t.Parallel()

	_, err := queryVersion(context.Background(),
		filepath.Join(t.TempDir(), "missing"), testProduct, DefaultSmokeTimeout)
	require.ErrorIs(t, err, ErrSmokeTest)
	require.ErrorIs(t, err, os.ErrNotExist)
}

// TestRun_CanceledContext aborts in the first phase.
func TestRun_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payloads := testPayloads()

	result, err := Run(ctx, &Options{
		Manifest:   staticManifest(t, []string{"a"}, payloads),
		Fetcher:    newGatedFetcher(payloads),
		VerifyOnly: true,
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, PhaseAborted, result.Phase)
	require.Equal(t, PhaseLoadingManifest, result.FailedPhase)
}

// TestRun_RecorderFailureIsIgnored keeps a successful run successful.
func TestRun_RecorderFailureIsIgnored(t *testing.T) {
	t.Parallel()

	payloads := testPayloads()
	recorder := &memoryRecorder{err: errors.New("disk full")}

	result, err := Run(context.Background(), &Options{
		Manifest:   staticManifest(t, []string{"a", "b"}, payloads),
		Fetcher:    newGatedFetcher(payloads),
		Recorder:   recorder,
		VerifyOnly: true,
	})
	require.NoError(t, err)
	require.Equal(t, PhaseDone, result.Phase)
	require.Len(t, recorder.runs, 1)
}

// TestRun_MissingPrerequisiteAbortsBeforeFetching stops in LoadingManifest and names every absent command.
func TestRun_MissingPrerequisiteAbortsBeforeFetching(t *testing.T) {
	t.Parallel()

	payloads := testPayloads()
	fetcher := newGatedFetcher(payloads)
	builder := &recordingBuilder{dir: t.TempDir(), banner: testProduct}

	opts := fullOptions(t, staticManifest(t, []string{"a"}, payloads), fetcher, builder)
	opts.Prerequisites = []string{"sh", "snipvault-absent-postgres"}

	result, err := Run(context.Background(), opts)
	require.ErrorIs(t, err, prerequisite.ErrMissing)

	var missingErr *prerequisite.MissingError
	require.ErrorAs(t, err, &missingErr)
	require.Equal(t, []string{"snipvault-absent-postgres"}, missingErr.Names)

	require.Equal(t, PhaseAborted, result.Phase)
	require.Equal(t, PhaseLoadingManifest, result.FailedPhase)
	require.Zero(t, fetcher.calls)
	require.Zero(t, builder.ensured)
}

// TestRun_VerifyOnlySkipsPrerequisites verifies payloads on hosts without the runtime tools.
func TestRun_VerifyOnlySkipsPrerequisites(t *testing.T) {
	t.Parallel()

	payloads := testPayloads()

	result, err := Run(context.Background(), &Options{
		Manifest:      staticManifest(t, []string{"a"}, payloads),
		Fetcher:       newGatedFetcher(payloads),
		Prerequisites: []string{"snipvault-absent-postgres"},
		VerifyOnly:    true,
	})
	require.NoError(t, err)
	require.Equal(t, PhaseDone, result.Phase)
}

// TestRun_InvalidManifest aborts in LoadingManifest without fetching.
func TestRun_InvalidManifest(t *testing.T) {
	t.Parallel()

	fetcher := newGatedFetcher(nil)

	result, err := Run(context.Background(), &Options{
		Manifest:   manifest.NewStaticStore([]byte("resources: []\n")),
		Fetcher:    fetcher,
		VerifyOnly: true,
	})
	require.ErrorIs(t, err, manifest.ErrInvalid)
	require.Equal(t, PhaseLoadingManifest, result.FailedPhase)
	require.Zero(t, fetcher.calls)
}

func TestRun_InvalidOptions(t *testing.T) {
	t.Parallel()

	repo := manifest.NewStaticStore(nil)
	fetcher := newGatedFetcher(nil)
	builder := &recordingBuilder{}

	tests := []struct {
		name string
		opts *Options
		want error
	}{
		{name: "nil", opts: nil, want: errNoManifest},
		{name: "no manifest", opts: &Options{Fetcher: fetcher}, want: errNoManifest},
		{name: "no fetcher", opts: &Options{Manifest: repo}, want: errNoFetcher},
		{name: "no builder", opts: &Options{Manifest: repo, Fetcher: fetcher}, want: errNoBuilder},
		{
			name: "no provisioner",
			opts: &Options{Manifest: repo, Fetcher: fetcher, Builder: builder},
			want: errNoProvisioner,
		},
		{
			name: "no root",
			opts: &Options{Manifest: repo, Fetcher: fetcher, Builder: builder, Provisioner: provisioner.New()},
			want: errNoRoot,
		},
		{
			name: "no base dir",
			opts: &Options{
				Manifest:    repo,
				Fetcher:     fetcher,
				Builder:     builder,
				Provisioner: provisioner.New(),
				RootDir:     "/tmp/root",
			},
			want: errNoBaseDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			result, err := Run(context.Background(), tt.opts)
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, result)
		})
	}
}

func TestPoolSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		concurrency, resources, want int
	}{
		{concurrency: 0, resources: 10, want: MaxConcurrency},
		{concurrency: 16, resources: 10, want: MaxConcurrency},
		{concurrency: 2, resources: 10, want: 2},
		{concurrency: 4, resources: 3, want: 3},
		{concurrency: 4, resources: 0, want: 1},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, poolSize(tt.concurrency, tt.resources), "%+v", tt)
	}
}
