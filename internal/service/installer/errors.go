package installer

import (
	"errors"
	"fmt"
)

var (
	// ErrSmokeTest is the sentinel every smoke-test failure unwraps to.
	ErrSmokeTest = errors.New("smoke test failed")

	errProductNotReported = errors.New("version output does not mention the product")
	errNoManifest         = errors.New("manifest repository is required")
	errNoFetcher          = errors.New("fetcher is required")
	errNoBuilder          = errors.New("environment builder is required")
	errNoProvisioner      = errors.New("provisioner is required")
	errNoRoot             = errors.New("installation root path is required")
	errNoBaseDir          = errors.New("base directory is required")
)

// SmokeTestError reports that the installed entry point did not identify itself.
type SmokeTestError struct {
	// EntryPoint is the executed launcher.
	EntryPoint string
	// Product is the expected name.
	Product string
	// Output is what the launcher printed.
	Output string
	// Err is the execution error or errProductNotReported.
	Err error
}

// Error implements the error interface.
func (e *SmokeTestError) Error() string {
	return fmt.Sprintf("smoke test of %s (expecting %q) failed: %v; output: %q",
		e.EntryPoint, e.Product, e.Err, e.Output)
}

// Unwrap exposes ErrSmokeTest and the underlying cause.
func (e *SmokeTestError) Unwrap() []error {
	return []error{ErrSmokeTest, e.Err}
}
