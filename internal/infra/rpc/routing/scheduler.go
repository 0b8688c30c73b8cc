// Package routing dispatches JSON-RPC requests across endpoints.
//
// This package contains:
//   - Scheduler: a FIFO dispatch loop that admits each request to the
//     available endpoint with the lowest expected latency
//   - Retry: classification of failures into resubmit, failover, retry
//     with backoff and fatal
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chainsync/internal/indexing/metrics"
	"github.com/vietddude/chainsync/internal/infra/rpc/budget"
)

var (
	// ErrMethodUnsupported is returned when every endpoint has rejected the method.
	ErrMethodUnsupported = errors.New("method unsupported by every endpoint")

	// ErrStopped is returned for requests the scheduler will not serve
	// because it has been stopped.
	ErrStopped = errors.New("scheduler stopped")
)

// Transport is one upstream endpoint.
type Transport interface {
	Name() string
	Request(ctx context.Context, method string, params []any) (json.RawMessage, error)
}

// Config tunes the scheduler.
type Config struct {
	// Chain labels metrics and logs.
	Chain string

	Endpoint budget.Config
	Retry    RetryConfig

	// PollInterval is how long the loop waits before retrying admission
	// when no endpoint can take the head of the queue.
	PollInterval time.Duration

	// PacingInterval is the minimum gap between two requests to the same
	// endpoint.
	PacingInterval time.Duration
}

// DefaultConfig returns scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:       budget.DefaultConfig(),
		Retry:          DefaultRetryConfig,
		PollInterval:   time.Millisecond,
		PacingInterval: time.Millisecond,
	}
}

// EndpointStats describes one endpoint.
type EndpointStats struct {
	Name string `json:"name"`
	budget.Stats
}

type response struct {
	raw json.RawMessage
	err error
}

type request struct {
	ctx    context.Context
	method string
	params []any
	result chan response
}

type completion struct {
	req      *request
	endpoint int
	latency  time.Duration
	raw      json.RawMessage
	err      error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClock replaces time.Now for admission and accounting.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns the endpoint states of a set of transports. All state is
// confined to the dispatch goroutine started by Start; request goroutines
// report back over channels.
type Scheduler struct {
	cfg        Config
	transports []Transport
	endpoints  []*budget.Endpoint
	queue      []*request

	submitCh chan *request
	doneCh   chan *completion
	statsCh  chan chan []EndpointStats
	stopped  chan struct{}
	cancel   context.CancelFunc

	now func() time.Time
	log *slog.Logger
}

// NewScheduler creates a scheduler over transports. Start must be called
// before requests are served.
func NewScheduler(cfg Config, transports []Transport, opts ...Option) *Scheduler {
	d := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.PacingInterval <= 0 {
		cfg.PacingInterval = d.PacingInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = d.Retry
	}
	if cfg.Retry.MaxResubmits <= 0 {
		cfg.Retry.MaxResubmits = d.Retry.MaxResubmits
	}

	s := &Scheduler{
		cfg:        cfg,
		transports: transports,
		endpoints:  make([]*budget.Endpoint, len(transports)),
		submitCh:   make(chan *request),
		doneCh:     make(chan *completion),
		statsCh:    make(chan chan []EndpointStats),
		stopped:    make(chan struct{}),
		now:        time.Now,
		log:        slog.Default(),
	}
	for i := range transports {
		s.endpoints[i] = budget.NewEndpoint(cfg.Endpoint)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the dispatch loop. It runs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop halts the dispatch loop. Queued requests fail with ErrStopped;
// in-flight requests still deliver their result.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.stopped
	}
}

// Request sends one JSON-RPC call and returns its raw result. Rate-limited
// requests go back through the queue up to Retry.MaxResubmits times and
// requests rejected as unsupported fail over; transient failures are
// retried with backoff.
func (s *Scheduler) Request(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var lastErr error
	retries, resubmits := 0, 0

	for {
		raw, err := s.submit(ctx, method, params)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		switch ClassifyError(err) {
		case ActionFatal:
			return nil, err
		case ActionResubmit:
			if resubmits++; resubmits >= s.cfg.Retry.MaxResubmits {
				return nil, fmt.Errorf("rate limited %d times: %w", resubmits, err)
			}
			continue
		case ActionFailover:
			continue
		case ActionRetry:
		}

		if retries++; retries >= s.cfg.Retry.MaxAttempts {
			return nil, fmt.Errorf("failed after %d attempts: %w", retries, lastErr)
		}

		delay := calculateBackoff(retries-1, s.cfg.Retry)
		s.log.Debug("Retrying RPC request", "chain", s.cfg.Chain, "method", method, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Stats returns a snapshot of every endpoint.
func (s *Scheduler) Stats(ctx context.Context) ([]EndpointStats, error) {
	reply := make(chan []EndpointStats, 1)
	select {
	case s.statsCh <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopped:
		return nil, ErrStopped
	}
	return <-reply, nil
}

func (s *Scheduler) submit(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	req := &request{
		ctx:    ctx,
		method: method,
		params: params,
		result: make(chan response, 1),
	}

	select {
	case s.submitCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopped:
		return nil, ErrStopped
	}

	select {
	case resp := <-req.result:
		return resp.raw, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)

	poll := time.NewTimer(s.cfg.PollInterval)
	poll.Stop()
	defer poll.Stop()
	polling := false

	for {
		select {
		case <-ctx.Done():
			for _, req := range s.queue {
				req.result <- response{err: ErrStopped}
			}
			s.queue = nil
			return
		case req := <-s.submitCh:
			s.queue = append(s.queue, req)
		case c := <-s.doneCh:
			s.complete(c)
		case reply := <-s.statsCh:
			reply <- s.stats()
		case <-poll.C:
			polling = false
		}

		if !s.dispatch() && !polling {
			poll.Reset(s.cfg.PollInterval)
			polling = true
		}
		metrics.RPCQueueDepth.WithLabelValues(s.cfg.Chain).Set(float64(len(s.queue)))
	}
}

// dispatch issues queued requests in order until the head cannot be
// admitted anywhere. It reports whether the queue was drained.
func (s *Scheduler) dispatch() bool {
	for len(s.queue) > 0 {
		req := s.queue[0]

		if err := req.ctx.Err(); err != nil {
			s.pop()
			req.result <- response{err: err}
			continue
		}

		if !s.supported(req.method) {
			s.pop()
			req.result <- response{err: fmt.Errorf("%w: %s", ErrMethodUnsupported, req.method)}
			continue
		}

		now := s.now()
		idx := s.pick(req.method, now)
		if idx < 0 {
			return false
		}

		s.pop()
		s.issue(idx, req, now)
	}
	return true
}

func (s *Scheduler) pop() {
	s.queue[0] = nil
	s.queue = s.queue[1:]
}

// pick returns the available endpoint with the lowest expected latency,
// or -1 when none can take the request.
func (s *Scheduler) pick(method string, now time.Time) int {
	best := -1
	var bestLatency time.Duration
	for i, ep := range s.endpoints {
		if !ep.Available(method, now) {
			continue
		}
		if latency := ep.ExpectedLatency(); best < 0 || latency < bestLatency {
			best, bestLatency = i, latency
		}
	}
	return best
}

func (s *Scheduler) supported(method string) bool {
	for _, ep := range s.endpoints {
		if ep.Supports(method) {
			return true
		}
	}
	return false
}

func (s *Scheduler) issue(idx int, req *request, now time.Time) {
	transport := s.transports[idx]
	prev := s.endpoints[idx].Begin(now)
	metrics.RPCInflight.WithLabelValues(s.cfg.Chain, transport.Name()).Inc()

	go func() {
		if !prev.IsZero() && now.Sub(prev) < s.cfg.PacingInterval {
			select {
			case <-time.After(s.cfg.PacingInterval):
			case <-req.ctx.Done():
			}
		}

		start := s.now()
		raw, err := transport.Request(req.ctx, req.method, req.params)
		c := &completion{
			req:      req,
			endpoint: idx,
			latency:  s.now().Sub(start),
			raw:      raw,
			err:      err,
		}

		select {
		case s.doneCh <- c:
		case <-s.stopped:
			req.result <- response{raw: raw, err: err}
		}
	}()
}

// complete applies the outcome of a request to its endpoint and hands the
// result to the caller.
func (s *Scheduler) complete(c *completion) {
	ep := s.endpoints[c.endpoint]
	name := s.transports[c.endpoint].Name()
	now := s.now()

	ep.Finish()
	metrics.RPCInflight.WithLabelValues(s.cfg.Chain, name).Dec()
	metrics.RPCCallsTotal.WithLabelValues(s.cfg.Chain, name, c.req.method).Inc()

	switch action := ClassifyError(c.err); {
	case c.err == nil:
		ep.RecordSuccess(now, c.latency)
		metrics.RPCLatency.WithLabelValues(s.cfg.Chain, name, c.req.method).Observe(c.latency.Seconds())
	case action == ActionResubmit:
		ep.RecordRateLimit(now)
		metrics.RPCErrorsTotal.WithLabelValues(s.cfg.Chain, name, "rate_limited").Inc()
		s.log.Debug("Endpoint rate limited",
			"chain", s.cfg.Chain,
			"provider", name,
			"ceiling", ep.Ceiling(),
		)
	case action == ActionFailover:
		ep.MarkUnsupported(c.req.method)
		metrics.RPCErrorsTotal.WithLabelValues(s.cfg.Chain, name, "unsupported").Inc()
		s.log.Warn("Endpoint does not support method",
			"chain", s.cfg.Chain,
			"provider", name,
			"method", c.req.method,
		)
	case errors.Is(c.err, context.Canceled), errors.Is(c.err, context.DeadlineExceeded):
		// The caller gave up; nothing was learned about the endpoint.
	default:
		ep.RecordError(now)
		metrics.RPCErrorsTotal.WithLabelValues(s.cfg.Chain, name, "error").Inc()
	}

	metrics.RPCRateCeiling.WithLabelValues(s.cfg.Chain, name).Set(ep.Ceiling())
	c.req.result <- response{raw: c.raw, err: c.err}
}

func (s *Scheduler) stats() []EndpointStats {
	out := make([]EndpointStats, len(s.endpoints))
	for i, ep := range s.endpoints {
		out[i] = EndpointStats{Name: s.transports[i].Name(), Stats: ep.Stats()}
	}
	return out
}
