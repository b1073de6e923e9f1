package prerequisite

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/oshokin/snipvault-installer/internal/logger"
)

// ErrMissing is the sentinel every MissingError unwraps to.
var ErrMissing = errors.New("host prerequisite is missing")

// MissingError lists the commands that could not be found on PATH.
type MissingError struct {
	Names []string
}

// Error implements the error interface.
func (e *MissingError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissing, strings.Join(e.Names, ", "))
}

// Unwrap returns ErrMissing.
func (e *MissingError) Unwrap() error { return ErrMissing }

// Check looks up every name on PATH and reports all missing ones at once.
func Check(ctx context.Context, names []string) error {
	var missing []string

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		path, err := exec.LookPath(name)
		if err != nil {
			logger.DebugKV(ctx, "Prerequisite not found", "name", name, "error", err)

			missing = append(missing, name)

			continue
		}

		logger.DebugKV(ctx, "Prerequisite found", "name", name, "path", path)
	}

	if len(missing) > 0 {
		return &MissingError{Names: missing}
	}

	return nil
}
