package manifest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/snipvault-installer/internal/domain/resource"
)

// defaultManifest is used when no manifest path is configured.
//
//go:embed default.yaml
var defaultManifest []byte

var (
	// ErrInvalid is the sentinel every manifest failure unwraps to.
	ErrInvalid = errors.New("invalid manifest")

	errNoResources   = errors.New("manifest lists no resources")
	errDuplicateName = errors.New("duplicate resource name")
	errMissingName   = errors.New("resource name is empty")
	errMissingURL    = errors.New("resource url is empty")
	errBadURL        = errors.New("resource url must be absolute http(s)")
)

// Error describes why a manifest could not be loaded.
type Error struct {
	// Source is the file path or "embedded".
	Source string
	// Resource is the offending entry name, when known.
	Resource string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("manifest %s: resource %q: %v", e.Source, e.Resource, e.Err)
	}

	return fmt.Sprintf("manifest %s: %v", e.Source, e.Err)
}

// Unwrap exposes both ErrInvalid and the underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	return []error{ErrInvalid, e.Err}
}

// Repository loads the manifest for a run.
type Repository interface {
	Load(ctx context.Context) (*resource.Manifest, error)
}

// document is the on-disk YAML layout.
type document struct {
	Resources []entry `yaml:"resources"`
}

// entry is one resource as written in YAML.
type entry struct {
	Name    string `yaml:"name"`
	URL     string `yaml:"url"`
	Hash    string `yaml:"hash"`
	Version string `yaml:"version,omitempty"`
}

// Store reads manifests from a file or from the embedded default.
type Store struct {
	// path is the manifest location; empty selects the embedded manifest.
	path string
	// contents overrides path when set, used for in-memory manifests.
	contents []byte
}

// NewFileStore returns a store reading the manifest at path.
// An empty path selects the embedded default manifest.
func NewFileStore(path string) *Store {
	if path != "" {
		path = filepath.Clean(path)
	}

	return &Store{path: path}
}

// NewStaticStore returns a store backed by the provided YAML document.
func NewStaticStore(contents []byte) *Store {
	return &Store{contents: bytes.Clone(contents)}
}

// Load reads, parses and validates the manifest.
func (s *Store) Load(_ context.Context) (*resource.Manifest, error) {
	source, contents, err := s.read()
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}

	var doc document

	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)

	if err = decoder.Decode(&doc); err != nil {
		return nil, &Error{Source: source, Err: fmt.Errorf("decode yaml: %w", err)}
	}

	descriptors, err := toDescriptors(source, doc.Resources)
	if err != nil {
		return nil, err
	}

	return resource.NewManifest(descriptors), nil
}

// Encode renders descriptors in the manifest YAML layout.
func Encode(resources []resource.Descriptor) ([]byte, error) {
	doc := document{
		Resources: make([]entry, 0, len(resources)),
	}

	for _, d := range resources {
		doc.Resources = append(doc.Resources, entry{
			Name:    d.Name,
			URL:     d.SourceURL,
			Hash:    d.ExpectedHash.String(),
			Version: d.Version,
		})
	}

	return yaml.Marshal(&doc)
}

// read returns the source label and the raw document.
func (s *Store) read() (string, []byte, error) {
	switch {
	case s.contents != nil:
		return "inline", s.contents, nil
	case s.path == "":
		return "embedded", defaultManifest, nil
	}

	contents, err := os.ReadFile(s.path)
	if err != nil {
		return s.path, nil, fmt.Errorf("read manifest: %w", err)
	}

	return s.path, contents, nil
}

// toDescriptors validates entries and converts them into domain descriptors.
func toDescriptors(source string, entries []entry) ([]resource.Descriptor, error) {
	if len(entries) == 0 {
		return nil, &Error{Source: source, Err: errNoResources}
	}

	var (
		seen        = make(map[string]struct{}, len(entries))
		descriptors = make([]resource.Descriptor, 0, len(entries))
	)

	for i, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return nil, &Error{Source: source, Err: fmt.Errorf("entry #%d: %w", i+1, errMissingName)}
		}

		if err := resource.ValidateName(name); err != nil {
			return nil, &Error{Source: source, Resource: name, Err: err}
		}

		if _, found := seen[name]; found {
			return nil, &Error{Source: source, Resource: name, Err: errDuplicateName}
		}

		seen[name] = struct{}{}

		if err := validateURL(e.URL); err != nil {
			return nil, &Error{Source: source, Resource: name, Err: err}
		}

		hash, err := resource.ParseHash(e.Hash)
		if err != nil {
			return nil, &Error{Source: source, Resource: name, Err: err}
		}

		descriptors = append(descriptors, resource.Descriptor{
			Name:         name,
			SourceURL:    strings.TrimSpace(e.URL),
			ExpectedHash: hash,
			Version:      strings.TrimSpace(e.Version),
		})
	}

	return descriptors, nil
}

// validateURL accepts absolute http and https URLs only.
func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errMissingURL
	}

	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", errBadURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", errBadURL, raw)
	}

	return nil
}
