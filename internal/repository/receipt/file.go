package receipt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// Filename is the receipt location relative to the installation root.
const Filename = ".install-receipt.yaml"

// filePermissions restricts the receipt to its owner.
const filePermissions = 0o600

// ErrNotFound is returned when the root has no receipt yet.
var ErrNotFound = errors.New("receipt not found")

// Entry records one installed resource.
type Entry struct {
	// Name is the resource name.
	Name string `yaml:"name"`
	// Version is the optional resource version.
	Version string `yaml:"version,omitempty"`
	// Algorithm is the digest algorithm tag.
	Algorithm string `yaml:"algorithm"`
	// Digest is the hex digest of the installed payload.
	Digest string `yaml:"digest"`
	// File is the payload path relative to the root.
	File string `yaml:"file"`
}

// Receipt is the ordered list of installed resources.
type Receipt struct {
	Entries []Entry `yaml:"installed"`
}

// Find returns the entry for name.
func (r *Receipt) Find(name string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}

	i := slices.IndexFunc(r.Entries, func(e Entry) bool { return e.Name == name })
	if i < 0 {
		return Entry{}, false
	}

	return r.Entries[i], true
}

// Put inserts or replaces the entry with the same name, keeping first-install order.
func (r *Receipt) Put(entry Entry) {
	i := slices.IndexFunc(r.Entries, func(e Entry) bool { return e.Name == entry.Name })
	if i < 0 {
		r.Entries = append(r.Entries, entry)
		return
	}

	r.Entries[i] = entry
}

// Names returns the installed resource names.
func (r *Receipt) Names() []string {
	if r == nil {
		return nil
	}

	names := make([]string, 0, len(r.Entries))
	for _, e := range r.Entries {
		names = append(names, e.Name)
	}

	return names
}

// Repository defines persistence operations for receipts.
type Repository interface {
	Load(ctx context.Context) (*Receipt, error)
	Save(ctx context.Context, receipt *Receipt) error
}

// FileRepository persists a receipt to a YAML file inside the installation root.
type FileRepository struct {
	// path is the filesystem location of the receipt.
	path string
	// mu protects concurrent access to the receipt file.
	mu sync.Mutex
}

// NewFileRepository creates a repository for the receipt of the given root.
func NewFileRepository(root string) *FileRepository {
	return &FileRepository{
		path: filepath.Join(filepath.Clean(root), Filename),
	}
}

// Path returns the receipt file location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the receipt from disk.
func (r *FileRepository) Load(_ context.Context) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read receipt: %w", err)
	}

	var receipt Receipt
	if err = yaml.Unmarshal(contents, &receipt); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}

	return &receipt, nil
}

// Save writes the receipt atomically through a temporary file and rename.
func (r *FileRepository) Save(_ context.Context, receipt *Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	tmp := r.path + ".tmp"
	if err = os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}

	if err = os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace receipt: %w", err)
	}

	return nil
}
