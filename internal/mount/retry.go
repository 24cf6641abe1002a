package mount

import (
	"context"
	"log/slog"
	"time"

	"github.com/RevCBH/winforge/internal/image"
	"github.com/RevCBH/winforge/internal/logging"
)

// RetryConfig controls retries of transient mount failures
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts before giving up
	MaxAttempts int

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries
	MaxBackoff time.Duration

	// BackoffMultiply is the factor to multiply backoff by after each attempt
	BackoffMultiply float64
}

// DefaultRetryConfig matches the config package defaults
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  2 * time.Second,
	MaxBackoff:      30 * time.Second,
	BackoffMultiply: 2.0,
}

// RetryResult indicates the outcome of a retried operation
type RetryResult struct {
	// Success indicates if the operation eventually succeeded
	Success bool

	// Attempts is how many attempts were made
	Attempts int

	// LastErr is the error from the final failed attempt (if any)
	LastErr error
}

// RetryWithBackoff retries operation with exponential backoff while
// retryable(err) holds. Permanent errors return immediately.
func RetryWithBackoff(
	ctx context.Context,
	cfg RetryConfig,
	retryable func(error) bool,
	operation func(ctx context.Context) error,
) RetryResult {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return RetryResult{Success: true, Attempts: attempt}
		}

		lastErr = err
		if !retryable(err) {
			return RetryResult{Success: false, Attempts: attempt, LastErr: err}
		}

		if attempt < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return RetryResult{Success: false, Attempts: attempt, LastErr: ctx.Err()}
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiply)
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return RetryResult{Success: false, Attempts: cfg.MaxAttempts, LastErr: lastErr}
}

// MountWithRetry mounts img, retrying only transient failures. onRetry, if
// set, is called before every retry with the failed attempt number.
func MountWithRetry(
	ctx context.Context,
	d Driver,
	img image.Image,
	dir string,
	cfg RetryConfig,
	logger *slog.Logger,
	onRetry func(attempt int, err error),
) (*Handle, RetryResult) {
	logger = logging.OrNop(logger)
	var h *Handle
	attempt := 0
	res := RetryWithBackoff(ctx, cfg, IsTransient, func(ctx context.Context) error {
		attempt++
		var err error
		h, err = d.Mount(ctx, img, dir)
		if err != nil && IsTransient(err) && attempt < cfg.MaxAttempts {
			logger.Warn("transient mount failure, retrying",
				"image", img.Name(), "attempt", attempt, "error", err)
			if onRetry != nil {
				onRetry(attempt, err)
			}
		}
		return err
	})
	if !res.Success {
		return nil, res
	}
	return h, res
}
