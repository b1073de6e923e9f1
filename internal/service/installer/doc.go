// Package installer orchestrates an installation run.
//
// A run moves through LoadingManifest, FetchingAndVerifying,
// BuildingEnvironment, Provisioning and SmokeTesting to Done, or stops in
// Aborted with the error of the component that failed. Fetching and
// verification run on a bounded worker pool; installation into the root is
// strictly sequential in manifest order. The orchestrator never repairs a
// partially built environment: every step is idempotent, so a failed run is
// simply repeated.
//
// Concurrent runs against the same installation root are not supported; the
// CLI serializes them with a lock file.
package installer
