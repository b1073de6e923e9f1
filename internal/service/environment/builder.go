package environment

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/snipvault-installer/internal/domain/resource"
	"github.com/oshokin/snipvault-installer/internal/logger"
	"github.com/oshokin/snipvault-installer/internal/repository/receipt"
	"github.com/oshokin/snipvault-installer/internal/service/verifier"
)

const (
	// ResourcesDir holds installed payloads, one subdirectory per resource.
	ResourcesDir = "resources"
	// BinDir holds the entry-point launcher.
	BinDir = "bin"

	// DirMode is used for every directory created inside the root.
	DirMode os.FileMode = 0o755
	// FileMode is used for installed payloads.
	FileMode os.FileMode = 0o644
	// ExecutableMode is used for the launcher.
	ExecutableMode os.FileMode = 0o755
)

var (
	errNotDirectory = errors.New("path exists and is not a directory")
	errNotWritable  = errors.New("directory is not writable")
	errNilRoot      = errors.New("installation root is not initialized")
)

// Error describes a filesystem-level failure of the environment builder.
type Error struct {
	// Op is the failed operation, e.g. "ensure root" or "install".
	Op string
	// Path is the affected location.
	Path string
	// Resource is set for install failures.
	Resource string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s at %s: %v", e.Op, e.Resource, e.Path, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Action reports what Install did.
type Action string

const (
	// ActionInstalled means the resource was not present before.
	ActionInstalled Action = "installed"
	// ActionReplaced means a different hash or version was overwritten.
	ActionReplaced Action = "replaced"
	// ActionUnchanged means the same hash and version were already installed.
	ActionUnchanged Action = "unchanged"
)

// InstallationRoot is the isolated environment together with its installed set.
type InstallationRoot struct {
	// Path is the root directory.
	Path string

	receipt *receipt.Receipt
	repo    receipt.Repository
}

// Installed returns installed resource names in first-install order.
func (r *InstallationRoot) Installed() []string {
	return r.receipt.Names()
}

// Has reports whether name is recorded as installed.
func (r *InstallationRoot) Has(name string) bool {
	_, ok := r.receipt.Find(name)

	return ok
}

// Entry returns the receipt entry for name.
func (r *InstallationRoot) Entry(name string) (receipt.Entry, bool) {
	return r.receipt.Find(name)
}

// Builder creates and populates installation roots.
type Builder struct{}

// New creates a Builder.
func New() *Builder {
	return &Builder{}
}

// EnsureRoot creates the root if absent and loads its receipt if present.
func (b *Builder) EnsureRoot(ctx context.Context, path string) (*InstallationRoot, error) {
	path = filepath.Clean(path)

	info, err := os.Stat(path)

	switch {
	case err == nil && !info.IsDir():
		return nil, &Error{Op: "ensure root", Path: path, Err: errNotDirectory}
	case errors.Is(err, os.ErrNotExist):
		logger.InfoKV(ctx, "Creating installation root", "path", path)

		if err = os.MkdirAll(path, DirMode); err != nil {
			return nil, &Error{Op: "ensure root", Path: path, Err: err}
		}
	case err != nil:
		return nil, &Error{Op: "ensure root", Path: path, Err: err}
	}

	if err = probeWritable(path); err != nil {
		return nil, &Error{Op: "ensure root", Path: path, Err: err}
	}

	repo := receipt.NewFileRepository(path)

	current, err := repo.Load(ctx)

	switch {
	case errors.Is(err, receipt.ErrNotFound):
		current = new(receipt.Receipt)
	case err != nil:
		return nil, &Error{Op: "load receipt", Path: repo.Path(), Err: err}
	default:
		logger.DebugKV(ctx, "Found existing installation", "path", path, "installed", current.Names())
	}

	return &InstallationRoot{
		Path:    path,
		receipt: current,
		repo:    repo,
	}, nil
}

// Install places one verified artifact into the root.
// The same name at the same effective version is a no-op; anything else overwrites.
func (b *Builder) Install(ctx context.Context, root *InstallationRoot, artifact resource.Artifact) (Action, error) {
	if root == nil || root.receipt == nil {
		return "", &Error{Op: "install", Resource: artifact.Descriptor.Name, Err: errNilRoot}
	}

	d := artifact.Descriptor

	if err := resource.ValidateName(d.Name); err != nil {
		return "", &Error{Op: "install", Path: root.Path, Resource: d.Name, Err: err}
	}

	relFile := filepath.Join(ResourcesDir, d.Name, safeFileName(d))
	target := filepath.Join(root.Path, relFile)

	previous, found := root.receipt.Find(d.Name)
	if found && b.isCurrent(previous, d, relFile, target) {
		logger.DebugKV(ctx, "Resource already installed", "resource", d.Name, "version", d.Version)

		return ActionUnchanged, nil
	}

	if err := b.apply(target, artifact); err != nil {
		return "", &Error{Op: "install", Path: target, Resource: d.Name, Err: err}
	}

	if found && filepath.FromSlash(previous.File) != relFile {
		b.removeStale(ctx, root, previous)
	}

	root.receipt.Put(receipt.Entry{
		Name:      d.Name,
		Version:   d.Version,
		Algorithm: d.ExpectedHash.AlgorithmOrDefault(),
		Digest:    strings.ToLower(d.ExpectedHash.Digest),
		File:      filepath.ToSlash(relFile),
	})

	if err := root.repo.Save(ctx, root.receipt); err != nil {
		return "", &Error{Op: "save receipt", Path: root.Path, Resource: d.Name, Err: err}
	}

	action := ActionInstalled
	if found {
		action = ActionReplaced
	}

	logger.InfoKV(ctx, "Resource installed", "resource", d.Name, "version", d.Version, "action", action)

	return action, nil
}

// removeStale deletes the payload of a previous version. Receipt paths that
// leave the resources directory are ignored, the receipt file is not trusted.
func (b *Builder) removeStale(ctx context.Context, root *InstallationRoot, previous receipt.Entry) {
	rel := filepath.FromSlash(previous.File)
	if !filepath.IsLocal(rel) || !strings.HasPrefix(rel, ResourcesDir+string(filepath.Separator)) {
		logger.WarnKV(ctx, "Ignoring previous payload outside the resources directory",
			"resource", previous.Name, "file", previous.File)

		return
	}

	stale := filepath.Join(root.Path, rel)
	if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Unable to remove previous payload", "path", stale, "error", err)
	}
}

// isCurrent reports whether the recorded entry matches the descriptor and the file on disk.
func (b *Builder) isCurrent(previous receipt.Entry, d resource.Descriptor, relFile, target string) bool {
	recorded := resource.Hash{Algorithm: previous.Algorithm, Digest: previous.Digest}
	if !recorded.Equal(d.ExpectedHash) || previous.Version != d.Version {
		return false
	}

	if filepath.FromSlash(previous.File) != relFile {
		return false
	}

	contents, err := os.ReadFile(target)
	if err != nil {
		return false
	}

	return verifier.Verify(contents, d.ExpectedHash) == nil
}

// apply writes the payload atomically, re-checking its digest on the way.
func (b *Builder) apply(target string, artifact resource.Artifact) error {
	if err := os.MkdirAll(filepath.Dir(target), DirMode); err != nil {
		return err
	}

	hashFunction, err := verifier.Function(artifact.Descriptor.ExpectedHash.AlgorithmOrDefault())
	if err != nil {
		return err
	}

	checksum, err := hex.DecodeString(artifact.Descriptor.ExpectedHash.Digest)
	if err != nil {
		return err
	}

	// go-update swaps files by renaming the current target away first.
	placeholder := false

	if _, err = os.Stat(target); errors.Is(err, os.ErrNotExist) {
		var f *os.File

		f, err = os.OpenFile(target, os.O_CREATE|os.O_WRONLY, FileMode)
		if err != nil {
			return err
		}

		if err = f.Close(); err != nil {
			return err
		}

		placeholder = true
	}

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: FileMode,
		Checksum:   checksum,
		Hash:       hashFunction,
	}

	if err = goupdate.Apply(bytes.NewReader(artifact.Data), options); err != nil {
		if placeholder {
			_ = os.Remove(target)
		}

		if rollbackErr := goupdate.RollbackError(err); rollbackErr != nil {
			return fmt.Errorf("apply failed and rollback failed: %w", rollbackErr)
		}

		return err
	}

	return nil
}

// probeWritable creates and removes a temporary file inside dir.
func probeWritable(dir string) error {
	probe, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("%w: %w", errNotWritable, err)
	}

	name := probe.Name()

	if err = probe.Close(); err != nil {
		return err
	}

	return os.Remove(name)
}

// safeFileName returns the artifact file name, falling back to the resource name.
func safeFileName(d resource.Descriptor) string {
	name := d.FileName()
	if resource.ValidateName(name) != nil {
		return d.Name
	}

	return name
}
