package provisioner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/snipvault-installer/internal/logger"
)

// Runtime directory names created under the base directory.
const (
	StateDir = "state"
	LogsDir  = "logs"
	CacheDir = "cache"

	// DirMode is applied to newly created directories.
	DirMode os.FileMode = 0o755
	// ownerRWX must be present on every provisioned directory.
	ownerRWX os.FileMode = 0o700
)

var errNotDirectory = errors.New("path exists and is not a directory")

// Error describes an unrecoverable provisioning failure.
type Error struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Directory is the status of one provisioned directory.
type Directory struct {
	Name    string
	Path    string
	Mode    os.FileMode
	Created bool
}

// ProvisionedState lists the runtime directories in creation order.
type ProvisionedState struct {
	BaseDir     string
	Directories []Directory
}

// Path returns the location of the named directory.
func (s *ProvisionedState) Path(name string) (string, bool) {
	for _, d := range s.Directories {
		if d.Name == name {
			return d.Path, true
		}
	}

	return "", false
}

// Provisioner creates runtime directories.
type Provisioner struct {
	names []string
}

// New returns a provisioner for the state, logs and cache directories.
func New() *Provisioner {
	return &Provisioner{
		names: []string{StateDir, LogsDir, CacheDir},
	}
}

// Provision creates the runtime directories under baseDir.
// Existing directories are success; missing owner permissions are added.
func (p *Provisioner) Provision(ctx context.Context, baseDir string) (*ProvisionedState, error) {
	baseDir = filepath.Clean(baseDir)
	state := &ProvisionedState{
		BaseDir:     baseDir,
		Directories: make([]Directory, 0, len(p.names)),
	}

	for _, name := range p.names {
		dir, err := ensureDir(filepath.Join(baseDir, name))
		if err != nil {
			return nil, err
		}

		dir.Name = name
		state.Directories = append(state.Directories, dir)

		logger.DebugKV(ctx, "Runtime directory ready",
			"path", dir.Path, "mode", dir.Mode.String(), "created", dir.Created)
	}

	logger.InfoKV(ctx, "Runtime directories provisioned", "base_dir", baseDir)

	return state, nil
}

// ensureDir creates path with MkdirAll semantics and repairs owner permissions.
func ensureDir(path string) (Directory, error) {
	dir := Directory{Path: path}

	info, err := os.Stat(path)

	switch {
	case err == nil && !info.IsDir():
		return dir, &Error{Path: path, Err: errNotDirectory}
	case errors.Is(err, os.ErrNotExist):
		if err = os.MkdirAll(path, DirMode); err != nil {
			return dir, &Error{Path: path, Err: err}
		}

		dir.Created = true
	case err != nil:
		return dir, &Error{Path: path, Err: err}
	}

	if info, err = os.Stat(path); err != nil {
		return dir, &Error{Path: path, Err: err}
	}

	mode := info.Mode().Perm()
	if mode&ownerRWX != ownerRWX {
		mode |= ownerRWX
		if err = os.Chmod(path, mode); err != nil {
			return dir, &Error{Path: path, Err: err}
		}
	}

	dir.Mode = mode

	return dir, nil
}
