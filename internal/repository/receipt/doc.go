// Package receipt persists the set of resources installed into an
// installation root.
//
// The FileRepository stores the receipt as deterministic YAML inside the root
// so that a second run over the same manifest rewrites identical bytes.
package receipt
