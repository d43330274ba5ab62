package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ZanzyTHEbar/essayflow"
)

// classify maps a provider failure onto the backend error classes. status is
// the HTTP status of the provider response, or 0 when none was received.
func classify(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", provider, essayflow.ErrBackendTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", provider, err)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: %v", provider, essayflow.ErrRateLimited, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%s: %w: %v", provider, essayflow.ErrBackendTimeout, err)
	case status >= 500:
		return fmt.Errorf("%s: %w: status %d: %v", provider, essayflow.ErrTransport, status, err)
	case status >= 400:
		return fmt.Errorf("%s: %w: status %d: %v", provider, essayflow.ErrBackendRejected, status, err)
	default:
		return fmt.Errorf("%s: %w: %v", provider, essayflow.ErrTransport, err)
	}
}

func emptyResponse(provider string) error {
	return fmt.Errorf("%s: %w: empty response", provider, essayflow.ErrMalformedResponse)
}
