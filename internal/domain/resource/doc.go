// Package resource contains the core domain types of the installer.
//
// It defines Hash (an expected content digest tagged with its algorithm),
// Descriptor (one named resource to install) and Manifest (the ordered,
// immutable list of descriptors for a run).
package resource
