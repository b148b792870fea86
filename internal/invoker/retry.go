package invoker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/googleapi"

	"github.com/pitabwire/dfrun/internal/config"
	"github.com/pitabwire/dfrun/model"
)

// executeWithRetry runs fn up to cfg.MaxAttempts times with exponential
// backoff. Only errors accepted by isRetryableError are retried.
func executeWithRetry(
	ctx context.Context,
	cfg config.RetryConfig,
	logger *zap.Logger,
	op string,
	fn func(ctx context.Context) error,
) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(cfg, attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableError(err) || attempt+1 == maxAttempts {
			return err
		}
		logger.Debug("invoker: retrying after error",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Int("max", maxAttempts),
			zap.Error(err),
		)
	}
	return lastErr
}

// classifyError converts a Dataform client error into an ErrorEnvelope.
// Cancellation of the parent context is returned unchanged.
func classifyError(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewBackendTimeoutError().WithCause(err)
	}
	if isConnectionError(err) {
		return model.NewBackendUnavailableError().WithCause(err)
	}
	return model.NewRemoteCallError(op+" failed", err)
}

// isServerFailure reports whether err should count against the breaker.
// 4xx responses are caller mistakes, not infrastructure failures.
func isServerFailure(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= 500 || gerr.Code == http.StatusTooManyRequests
	}
	return true
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if model.HasCode(err, model.ErrBackendTimeout) {
		return true
	}
	// An open breaker surfaces as BACKEND_UNAVAILABLE without a cause.
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}

	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay > cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	return delay
}
