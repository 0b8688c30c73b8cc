package routing

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/vietddude/chainsync/internal/infra/rpc/provider"
)

// RetryConfig defines retry behavior for transient failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiple"`
	// MaxResubmits bounds how often one request goes back to the queue
	// after a rate limit.
	MaxResubmits int `yaml:"max_resubmits"`
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialDelay:    250 * time.Millisecond,
	MaxDelay:        10 * time.Second,
	BackoffMultiple: 2.0,
	MaxResubmits:    50,
}

// ErrorAction determines how to handle an error.
type ErrorAction int

const (
	// ActionResubmit puts the request back in the queue straight away. The
	// endpoint's cooldown does the waiting.
	ActionResubmit ErrorAction = iota
	// ActionFailover resubmits so another endpoint can serve the method.
	ActionFailover
	// ActionRetry resubmits after an exponential backoff.
	ActionRetry
	// ActionFatal returns the error to the caller.
	ActionFatal
)

// ClassifyError determines the action for a failed request.
func ClassifyError(err error) ErrorAction {
	switch {
	case err == nil:
		return ActionFatal // Should not happen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrMethodUnsupported), errors.Is(err, ErrStopped):
		return ActionFatal
	case provider.IsRateLimited(err):
		return ActionResubmit
	case provider.IsUnsupportedMethod(err):
		return ActionFailover
	}

	// The endpoint answered with a JSON-RPC error or a client error: the
	// request itself is at fault and the caller has to deal with it.
	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code != 0 || rpcErr.Status < http.StatusInternalServerError {
			return ActionFatal
		}
	}

	// Network, 5xx, etc.
	return ActionRetry
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.BackoffMultiple, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	return time.Duration(delay)
}
