// Package transport sends REST requests to the broker and classifies the
// responses into the error taxonomy the executor retries on.
package transport

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Client is a thin wrapper over resty. Retries are deliberately left to the
// executor; the transport performs exactly one attempt per call.
type Client struct {
	client *resty.Client
}

// NewClient creates a transport client for the given broker base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "gobroker/1.0")

	return &Client{client: client}
}

// Request describes a single REST call.
type Request struct {
	Method   string
	Endpoint string
	Query    map[string]string
	Body     any
	Token    string // bearer token; empty for the login call
}

// Do performs the request once, decoding a 2xx JSON body into out (when
// non-nil). Non-2xx responses come back as *APIError; transport-level
// failures are wrapped with context.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	r := c.client.R().SetContext(ctx)

	if req.Token != "" {
		r.SetAuthToken(req.Token)
	}
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json")
		r.SetBody(req.Body)
	}
	if out != nil {
		// Some broker responses omit the Content-Type header; decode any
		// success body as JSON rather than trusting the label.
		r.SetResult(out)
		r.ForceContentType("application/json")
	}

	var resp *resty.Response
	var err error
	switch strings.ToUpper(req.Method) {
	case http.MethodGet:
		resp, err = r.Get(req.Endpoint)
	case http.MethodPost:
		resp, err = r.Post(req.Endpoint)
	case http.MethodPut:
		resp, err = r.Put(req.Endpoint)
	case http.MethodDelete:
		resp, err = r.Delete(req.Endpoint)
	default:
		return errors.Errorf("unsupported method: %s", req.Method)
	}

	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.Endpoint)
	}

	if resp.IsSuccess() {
		return nil
	}

	apiErr := &APIError{
		Status:   resp.StatusCode(),
		Endpoint: req.Endpoint,
		Body:     strings.TrimSpace(string(resp.Body())),
	}
	if apiErr.Status == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(resp.Header().Get("Retry-After"))
	}
	return apiErr
}

// parseRetryAfter reads a Retry-After header given in whole seconds.
// Returns zero when absent or malformed; the executor applies its default.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
