package installer

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// textBusyRetries bounds retries of an exec that raced a concurrent fork holding the fresh launcher open.
const (
	textBusyRetries = 5
	textBusyWait    = 50 * time.Millisecond
)

// queryVersion runs `<entryPoint> --version` and checks the output mentions product.
func queryVersion(ctx context.Context, entryPoint, product string, timeout time.Duration) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		output []byte
		err    error
	)

	for attempt := 0; ; attempt++ {
		output, err = exec.CommandContext(cmdCtx, entryPoint, "--version").CombinedOutput()
		if !errors.Is(err, syscall.ETXTBSY) || attempt >= textBusyRetries {
			break
		}

		time.Sleep(textBusyWait)
	}

	text := strings.TrimSpace(string(output))

	if err != nil {
		return text, &SmokeTestError{EntryPoint: entryPoint, Product: product, Output: text, Err: err}
	}

	if product == "" || !strings.Contains(text, product) {
		return text, &SmokeTestError{EntryPoint: entryPoint, Product: product, Output: text, Err: errProductNotReported}
	}

	return text, nil
}
