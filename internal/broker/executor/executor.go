// Package executor drains the request queue and drives each REST call
// through rate limiting, retry with backoff, token refresh, and the
// circuit breaker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lockerbot/gobroker/internal/broker/circuit"
	"github.com/lockerbot/gobroker/internal/broker/queue"
	"github.com/lockerbot/gobroker/internal/broker/token"
	"github.com/lockerbot/gobroker/internal/broker/transport"
	"github.com/lockerbot/gobroker/pkg/ratelimit"
)

var log = logrus.WithField("component", "executor")

// ErrOverloaded is returned when the bounded queue sheds the request.
var ErrOverloaded = errors.New("request shed: queue at capacity")

// Priority bands. Order placement and cancellation outrank everything;
// account reads outrank market reads.
const (
	PriorityOrder   = 0
	PriorityAccount = 1
	PriorityMarket  = 2
)

// Request is one REST call to the broker. Immutable once queued.
type Request struct {
	Method   string
	Endpoint string
	Query    map[string]string
	Body     any
	Priority int
}

// Config controls retry behavior.
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64 // fraction of the delay, 0..1
	Max429Wait        time.Duration
	DefaultRetryAfter time.Duration
}

// job pairs a queued request with its caller's reply channel.
type job struct {
	ctx  context.Context
	req  Request
	out  any
	done chan error // buffered, written exactly once
}

// Executor owns the request-processing loop.
type Executor struct {
	cfg       Config
	transport *transport.Client
	limiter   *ratelimit.TokenBucket
	breaker   *circuit.Breaker
	tokens    *token.Manager
	pending   *queue.Queue[*job]
}

// New wires the executor to its collaborators.
func New(cfg Config, tr *transport.Client, limiter *ratelimit.TokenBucket, breaker *circuit.Breaker, tokens *token.Manager, capacity int) *Executor {
	return &Executor{
		cfg:       cfg,
		transport: tr,
		limiter:   limiter,
		breaker:   breaker,
		tokens:    tokens,
		pending:   queue.New[*job](capacity),
	}
}

// Execute queues the request and blocks until the processing loop completes
// it, decoding a successful JSON response into out when non-nil. Suspended
// endpoints are rejected before they ever enter the queue.
func (e *Executor) Execute(ctx context.Context, req Request, out any) error {
	if e.breaker.Suspended(req.Endpoint) {
		return fmt.Errorf("%s: %w", req.Endpoint, circuit.ErrSuspended)
	}

	j := &job{ctx: ctx, req: req, out: out, done: make(chan error, 1)}

	evicted, hasEvicted, ok := e.pending.Put(j, req.Priority)
	if !ok {
		return fmt.Errorf("%s: %w", req.Endpoint, ErrOverloaded)
	}
	if hasEvicted {
		log.Warnf("queue full: shed %s %s to admit %s %s",
			evicted.req.Method, evicted.req.Endpoint, req.Method, req.Endpoint)
		evicted.done <- fmt.Errorf("%s: %w", evicted.req.Endpoint, ErrOverloaded)
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		// The loop may still run the request; the buffered done channel
		// keeps it from blocking. A cancelled request is never re-enqueued.
		return ctx.Err()
	}
}

// Run consumes the queue until ctx ends. Requests run one at a time, so
// queued priority order is exactly execution order and an in-flight request
// is never preempted.
func (e *Executor) Run(ctx context.Context) {
	for {
		j, err := e.pending.Get(ctx)
		if err != nil {
			return
		}
		if j.ctx.Err() != nil {
			j.done <- j.ctx.Err()
			continue
		}
		j.done <- e.attempt(j)
	}
}

// Close wakes the loop and any blocked callers.
func (e *Executor) Close() {
	e.pending.Close()
}

// QueueLen reports the number of queued requests.
func (e *Executor) QueueLen() int {
	return e.pending.Len()
}

// attempt runs the full retry cycle for one request.
func (e *Executor) attempt(j *job) error {
	endpoint := j.req.Endpoint
	ctx := j.ctx

	var lastErr error
	var rateLimitWait time.Duration
	refreshed := false

	for attempt := 0; attempt <= e.cfg.MaxRetries; {
		if e.breaker.Suspended(endpoint) {
			return fmt.Errorf("%s: %w", endpoint, circuit.ErrSuspended)
		}

		if err := e.limiter.Acquire(ctx); err != nil {
			return err
		}

		err := e.send(ctx, j)
		if err == nil {
			e.breaker.RecordSuccess(endpoint)
			return nil
		}
		lastErr = err

		switch {
		case errors.Is(err, transport.ErrNoToken):
			// Not logged in; retrying cannot help.
			return err

		case transport.RateLimited(err):
			// Server-directed wait. Does not consume a retry slot, but the
			// accumulated wait is capped so a storm cannot pin the loop.
			wait := retryAfter(err, e.cfg.DefaultRetryAfter)
			rateLimitWait += wait
			if rateLimitWait > e.cfg.Max429Wait {
				log.Errorf("%s: rate limited beyond %v cap, giving up", endpoint, e.cfg.Max429Wait)
				e.breaker.RecordFailure(endpoint)
				return err
			}
			log.Warnf("%s: rate limited, honoring Retry-After %v", endpoint, wait)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue

		case transport.AuthExpired(err) && !refreshed:
			// One coalesced refresh per attempt cycle, then an immediate
			// resend with no backoff. The resend's outcome is classified
			// like any other attempt, so a post-refresh 404 or 429 keeps
			// its meaning. A second 401 in the same cycle burns a retry
			// slot below, so a broken token cannot loop forever.
			refreshed = true
			log.Warnf("%s: got 401, refreshing access token", endpoint)
			if refreshErr := e.tokens.Refresh(ctx); refreshErr != nil {
				log.Errorf("token refresh failed: %v", refreshErr)
				lastErr = refreshErr
				break
			}
			continue

		case transport.ClientError(err):
			// Non-retryable; surface verbatim.
			e.breaker.RecordFailure(endpoint)
			return err
		}

		// Transient network, 5xx, a failed refresh, or a repeated 401:
		// consume a retry slot with jittered exponential backoff.
		attempt++
		if attempt > e.cfg.MaxRetries {
			break
		}
		refreshed = false
		delay := e.retryDelay(attempt)
		e.logRetry(attempt, endpoint, delay, lastErr)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}

	e.breaker.RecordFailure(endpoint)
	return lastErr
}

// send performs one transport attempt with the current access token.
func (e *Executor) send(ctx context.Context, j *job) error {
	tok, err := e.tokens.Current()
	if err != nil {
		return err
	}
	req := transport.Request{
		Method:   j.req.Method,
		Endpoint: j.req.Endpoint,
		Query:    j.req.Query,
		Body:     j.req.Body,
		Token:    tok,
	}
	return e.transport.Do(ctx, req, j.out)
}

// retryDelay computes min(base * 2^attempt, max) with a ± jitter fraction,
// so many in-flight requests do not retry in lockstep.
func (e *Executor) retryDelay(attempt int) time.Duration {
	delay := e.cfg.BaseDelay
	for i := 0; i < attempt && delay < e.cfg.MaxDelay; i++ {
		delay *= 2
	}
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	if e.cfg.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * e.cfg.Jitter * float64(delay)
		delay += time.Duration(spread)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// logRetry escalates severity as retries accumulate.
func (e *Executor) logRetry(attempt int, endpoint string, delay time.Duration, err error) {
	switch {
	case attempt <= 1:
		log.Debugf("%s: attempt %d failed, retrying in %v: %v", endpoint, attempt, delay, err)
	case attempt < e.cfg.MaxRetries:
		log.Warnf("%s: attempt %d failed, retrying in %v: %v", endpoint, attempt, delay, err)
	default:
		log.Errorf("%s: attempt %d failed, last retry in %v: %v", endpoint, attempt, delay, err)
	}
}

func retryAfter(err error, fallback time.Duration) time.Duration {
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
