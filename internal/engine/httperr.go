package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/helberjf/video-transcript/internal/model"
)

// apiError is a non-200 answer from a cloud API.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, body)
}

// isRetryable returns true for transient errors (rate limit, server errors).
func (e *apiError) isRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

// retryOnce runs call and repeats it once after backoff when the failure is transient.
func retryOnce(ctx context.Context, backoff time.Duration, call func() (string, error)) (string, error) {
	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		text, err := call()
		if err == nil {
			return text, nil
		}
		lastErr = err

		var ae *apiError
		if errors.As(err, &ae) && !ae.isRetryable() {
			return "", err
		}
		var me *model.Error
		if errors.As(err, &me) || ctx.Err() != nil {
			return "", err
		}
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", lastErr
}

// classify maps a cloud call failure onto the error taxonomy.
func classify(op, provider string, err error) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.E(model.KindBackendTimeout, op, provider+" did not answer in time", err)
	}
	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden:
			return model.E(model.KindBackendUnavailable, op, provider+" rejected the API key", err)
		case ae.StatusCode == http.StatusTooManyRequests:
			return model.E(model.KindBackendRejected, op, provider+" rate limit exceeded", err)
		case ae.StatusCode >= http.StatusInternalServerError:
			return model.E(model.KindBackendRejected, op, provider+" service error", err)
		default:
			return model.E(model.KindBackendRejected, op, fmt.Sprintf("%s rejected the request (HTTP %d)", provider, ae.StatusCode), err)
		}
	}
	return model.E(model.KindBackendUnavailable, op, provider+" unreachable", err)
}
