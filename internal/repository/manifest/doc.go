// Package manifest implements the resource descriptor store.
//
// A Store reads the flat, pre-resolved resource list from a YAML file or from
// the manifest embedded into the binary, validates it and hands out an
// immutable resource.Manifest.
package manifest
