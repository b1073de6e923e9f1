package cli

import (
	"context"
	"errors"

	"github.com/oshokin/snipvault-installer/internal/lockfile"
	"github.com/oshokin/snipvault-installer/internal/repository/manifest"
	"github.com/oshokin/snipvault-installer/internal/service/environment"
	"github.com/oshokin/snipvault-installer/internal/service/fetcher"
	"github.com/oshokin/snipvault-installer/internal/service/installer"
	"github.com/oshokin/snipvault-installer/internal/service/prerequisite"
	"github.com/oshokin/snipvault-installer/internal/service/provisioner"
	"github.com/oshokin/snipvault-installer/internal/service/verifier"
)

// Process exit codes, one per error class.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitManifest     = 2
	ExitFetch        = 3
	ExitVerify       = 4
	ExitEnvironment  = 5
	ExitProvision    = 6
	ExitSmokeTest    = 7
	ExitLocked       = 8
	ExitPrerequisite = 9
	ExitInterrupted  = 130
)

// ExitCode maps an error returned by a command to the process exit status.
func ExitCode(err error) int {
	var (
		fetchErr     *fetcher.Error
		envErr       *environment.Error
		provisionErr *provisioner.Error
	)

	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		// Components wrap the cancellation in their own error types.
		return ExitInterrupted
	case errors.Is(err, lockfile.ErrLocked):
		return ExitLocked
	case errors.Is(err, manifest.ErrInvalid):
		return ExitManifest
	case errors.Is(err, prerequisite.ErrMissing):
		return ExitPrerequisite
	case errors.Is(err, verifier.ErrMismatch), errors.Is(err, verifier.ErrUnsupportedAlgorithm):
		return ExitVerify
	case errors.As(err, &fetchErr):
		return ExitFetch
	case errors.As(err, &envErr):
		return ExitEnvironment
	case errors.As(err, &provisionErr):
		return ExitProvision
	case errors.Is(err, installer.ErrSmokeTest):
		return ExitSmokeTest
	default:
		return ExitFailure
	}
}
