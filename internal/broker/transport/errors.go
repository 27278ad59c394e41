package transport

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotConnected is returned for REST calls issued before Connect.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrNoToken means no access token could be obtained at all; callers see
	// this as a connection failure, never as silent unauthenticated traffic.
	ErrNoToken = errors.New("no authentication token available")
)

// APIError is a non-2xx response from the broker. The original status code
// and body are preserved so callers can distinguish causes.
type APIError struct {
	Status     int
	Endpoint   string
	Body       string
	RetryAfter time.Duration // populated for 429 responses
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// RateLimited reports whether err is a 429 response.
func RateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// AuthExpired reports whether err is a 401 response.
func AuthExpired(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Retryable reports whether err warrants a backoff retry: transport-level
// failures and 5xx responses. 429 and 401 have their own paths and are not
// considered retryable here.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	// No HTTP status at all: connection refused, reset, timeout.
	return err != nil
}

// ClientError reports whether err is a non-retryable 4xx other than 401/429.
func ClientError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Status {
	case http.StatusUnauthorized, http.StatusTooManyRequests:
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}
