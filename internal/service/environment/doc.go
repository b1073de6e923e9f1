// Package environment builds the isolated installation root.
//
// A Builder creates the root directory, installs verified payloads into it one
// at a time through atomic replacement, tracks what is installed in a receipt
// and writes the entry-point launcher. Re-installing a resource at the same
// hash and version is a no-op, so a failed run can simply be repeated.
package environment
