package resource

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
)

// ErrInvalidName is returned for names that cannot be used as a single path element.
var ErrInvalidName = errors.New("name cannot be used as a file or directory name")

// ValidateName rejects names that would escape or collide inside an installation root.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	return nil
}

// Descriptor identifies one resource to install.
type Descriptor struct {
	// Name is unique within a manifest.
	Name string
	// SourceURL is where the payload is downloaded from.
	SourceURL string
	// ExpectedHash is the digest the payload must match.
	ExpectedHash Hash
	// Version is optional and informational; it takes part in re-run checks.
	Version string
}

// FileName derives the artifact file name from the last URL path segment.
// It falls back to the resource name when the URL carries no usable segment.
func (d Descriptor) FileName() string {
	u, err := url.Parse(d.SourceURL)
	if err != nil {
		return d.Name
	}

	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return d.Name
	}

	return base
}

// Manifest is the ordered, immutable list of resources for one run.
// The order is the installation order.
type Manifest struct {
	resources []Descriptor
}

// NewManifest copies the descriptors into a new manifest.
// Validation is the responsibility of the manifest store.
func NewManifest(resources []Descriptor) *Manifest {
	return &Manifest{
		resources: slices.Clone(resources),
	}
}

// Len returns the number of resources.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}

	return len(m.resources)
}

// At returns the descriptor at position i.
func (m *Manifest) At(i int) Descriptor {
	return m.resources[i]
}

// Resources returns a copy of the descriptors in installation order.
func (m *Manifest) Resources() []Descriptor {
	if m == nil {
		return nil
	}

	return slices.Clone(m.resources)
}

// Names returns the resource names in installation order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, m.Len())
	for _, d := range m.Resources() {
		names = append(names, d.Name)
	}

	return names
}

// Artifact is a fetched payload together with the descriptor it was fetched for.
type Artifact struct {
	Descriptor Descriptor
	Data       []byte
}
