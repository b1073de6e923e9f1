package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/oshokin/snipvault-installer/internal/domain/resource"
	"github.com/oshokin/snipvault-installer/internal/logger"
	"github.com/oshokin/snipvault-installer/internal/telemetry"
	"github.com/oshokin/snipvault-installer/internal/version"
)

const (
	// DefaultAttempts is the total number of tries per resource.
	DefaultAttempts = 3
	// DefaultInitialBackoff is the wait after the first failed attempt.
	DefaultInitialBackoff = 200 * time.Millisecond
	// DefaultMultiplier grows the wait between attempts: 200ms, 800ms, 3200ms.
	DefaultMultiplier = 4
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second

	// maxBackoff caps a single wait.
	maxBackoff = 30 * time.Second
)

var (
	errBadStatus = errors.New("unexpected http status")
	errBadURL    = errors.New("malformed source url")
)

// Error describes a failed fetch.
type Error struct {
	// Resource is the descriptor name.
	Resource string
	// URL is the source location.
	URL string
	// StatusCode is the last HTTP status, zero for transport failures.
	StatusCode int
	// Attempts is how many requests were issued.
	Attempts int
	// Permanent is false only when the caller may retry the whole fetch later.
	Permanent bool
	// Err is the last underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}

	return fmt.Sprintf("fetch %s from %s failed (%s, %d attempt(s), %s): %v",
		e.Resource, e.URL, kind, e.Attempts, statusText(e.StatusCode), e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Fetcher retrieves resource payloads.
type Fetcher struct {
	// client issues the HTTP requests.
	client *http.Client
	// attempts is the retry budget including the first try.
	attempts uint
	// initialBackoff is the first wait between attempts.
	initialBackoff time.Duration
	// multiplier grows the wait after every failure.
	multiplier float64
	// attemptCounter counts issued requests by resource and outcome.
	attemptCounter metric.Int64Counter
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithTimeout sets the per-attempt timeout of the default client.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.client.Timeout = timeout
		}
	}
}

// WithAttempts sets the total number of tries.
func WithAttempts(attempts int) Option {
	return func(f *Fetcher) {
		if attempts > 0 {
			f.attempts = uint(attempts)
		}
	}
}

// WithBackoff sets the initial wait and its growth factor.
func WithBackoff(initial time.Duration, multiplier float64) Option {
	return func(f *Fetcher) {
		if initial > 0 {
			f.initialBackoff = initial
		}

		if multiplier >= 1 {
			f.multiplier = multiplier
		}
	}
}

// New creates a Fetcher with the default retry budget.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:         &http.Client{Timeout: DefaultTimeout},
		attempts:       DefaultAttempts,
		initialBackoff: DefaultInitialBackoff,
		multiplier:     DefaultMultiplier,
		attemptCounter: telemetry.Int64Counter(
			"installer.fetch.attempts",
			"HTTP requests issued for resource payloads",
		),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch downloads the payload of d, retrying transient failures.
func (f *Fetcher) Fetch(ctx context.Context, d resource.Descriptor) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "fetch",
		trace.WithAttributes(attribute.String("resource.name", d.Name)))
	defer span.End()

	data, attempts, err := f.fetch(ctx, d)

	span.SetAttributes(attribute.Int("fetch.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")

		return nil, err
	}

	return data, nil
}

func (f *Fetcher) fetch(ctx context.Context, d resource.Descriptor) ([]byte, int, error) {
	fail := func(attempts, status int, err error) *Error {
		return &Error{
			Resource:   d.Name,
			URL:        d.SourceURL,
			StatusCode: status,
			Attempts:   attempts,
			Permanent:  true,
			Err:        err,
		}
	}

	sourceURL, err := url.ParseRequestURI(d.SourceURL)
	if err != nil || (sourceURL.Scheme != "http" && sourceURL.Scheme != "https") || sourceURL.Host == "" {
		return nil, 0, fail(0, 0, fmt.Errorf("%w: %q", errBadURL, d.SourceURL))
	}

	var (
		attempts   int
		lastStatus int
	)

	operation := func() ([]byte, error) {
		attempts++

		data, status, attemptErr := f.get(ctx, sourceURL.String())
		lastStatus = status

		f.attemptCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resource", d.Name),
			attribute.Bool("success", attemptErr == nil),
		))

		if attemptErr == nil {
			return data, nil
		}

		if !isTransient(ctx, status, attemptErr) {
			return nil, backoff.Permanent(attemptErr)
		}

		return nil, attemptErr
	}

	notify := func(err error, wait time.Duration) {
		logger.WarnKV(ctx, "Transient fetch failure, retrying",
			"resource", d.Name, "attempt", attempts, "wait", wait, "error", err)
	}

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(f.attempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return nil, attempts, fail(attempts, lastStatus, err)
	}

	logger.DebugKV(ctx, "Fetched resource", "resource", d.Name, "bytes", len(data), "attempts", attempts)

	return data, attempts, nil
}

// newBackOff returns a deterministic exponential schedule.
func (f *Fetcher) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     f.initialBackoff,
		RandomizationFactor: 0,
		Multiplier:          f.multiplier,
		MaxInterval:         maxBackoff,
	}
}

// get performs one request and returns the body of a 2xx response.
func (f *Fetcher) get(ctx context.Context, sourceURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, http.NoBody)
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("User-Agent", version.UserAgent())

	response, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		// Drain so the connection can be reused by the next attempt.
		_, _ = io.Copy(io.Discard, response.Body)

		return nil, response.StatusCode, fmt.Errorf("%s, %s: %w", sourceURL, response.Status, errBadStatus)
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, response.StatusCode, fmt.Errorf("read body: %w", err)
	}

	return data, response.StatusCode, nil
}

// isTransient classifies a failed attempt.
func isTransient(ctx context.Context, status int, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	if errors.Is(err, errBadStatus) {
		return status >= http.StatusInternalServerError ||
			status == http.StatusTooManyRequests ||
			status == http.StatusRequestTimeout
	}

	// Transport and body read failures: resets, refused connections, timeouts.
	return true
}

// statusText renders a status code for error messages.
func statusText(code int) string {
	if code == 0 {
		return "no response"
	}

	return strconv.Itoa(code) + " " + http.StatusText(code)
}
