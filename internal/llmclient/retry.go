package llmclient

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffFactory builds the retry policy for one Generate call. Tests swap it
// for a zero-delay policy.
type backoffFactory func() backoff.BackOff

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	b.MaxInterval = 30 * time.Second
	return b
}

// isTransientStatus reports whether an HTTP status is worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable,
		http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// retry runs op under the policy, stopping early when ctx is done.
func retry(ctx context.Context, factory backoffFactory, op backoff.Operation) error {
	return backoff.Retry(op, backoff.WithContext(factory(), ctx))
}
