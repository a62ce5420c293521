package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/riveroon/twitch-archive/pkg/logging"
)

// RetryConfig configures a bounded retry loop with a fixed delay between
// attempts.
type RetryConfig struct {
	// Attempts is the total number of attempts, including the first.
	Attempts int
	// Delay is the fixed delay between attempts. Zero means immediate retry.
	Delay time.Duration
	// Op names the operation in retry logs.
	Op string
	// Logger for retry events. May be nil.
	Logger logging.Logger
}

// Run executes fn under the retry config and returns the last result. Any
// error is considered retryable; callers that want a non-retryable outcome
// return it as a value, not an error.
func Run[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	builder := retrypolicy.NewBuilder[T]().
		WithMaxRetries(cfg.Attempts - 1).
		ReturnLastFailure()

	if cfg.Delay > 0 {
		builder = builder.WithDelay(cfg.Delay)
	}

	if cfg.Logger != nil {
		builder = builder.OnRetry(func(e failsafe.ExecutionEvent[T]) {
			cfg.Logger.WithError(e.LastError()).WithFields(logging.Fields{
				"op":      cfg.Op,
				"attempt": e.Attempts(),
			}).Debug("Operation failed; retrying")
		})
	}

	return failsafe.With(builder.Build()).WithContext(ctx).Get(fn)
}

// NewHTTPClient returns an HTTP client with a per-request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
