package budget

import (
	"math"
	"time"
)

type bucket struct {
	start   int64 // unix millis, aligned to BucketSize
	count   int
	errors  int
	latency time.Duration
}

// Endpoint is the capacity model of one transport.
type Endpoint struct {
	cfg Config

	estimatedRPS float64
	confirmedRPS float64 // 0 until a provider pushes back

	buckets     []bucket
	completed   int
	rateLimited bool
	lastRequest time.Time
	inflight    int
	unsupported map[string]struct{}
}

// Stats is a read-only view of an Endpoint.
type Stats struct {
	EstimatedRPS    float64       `json:"estimated_rps"`
	ConfirmedRPS    float64       `json:"confirmed_rps,omitempty"`
	Inflight        int           `json:"inflight"`
	Completed       int           `json:"completed"`
	RateLimited     bool          `json:"rate_limited"`
	ExpectedLatency time.Duration `json:"expected_latency"`
	Unsupported     []string      `json:"unsupported,omitempty"`
}

// NewEndpoint creates an endpoint with no history.
func NewEndpoint(cfg Config) *Endpoint {
	cfg = cfg.withDefaults()
	return &Endpoint{
		cfg:          cfg,
		estimatedRPS: cfg.InitialRPS,
		unsupported:  make(map[string]struct{}),
	}
}

// Ceiling returns the confirmed ceiling if known, else the estimate.
func (e *Endpoint) Ceiling() float64 {
	if e.confirmedRPS > 0 {
		return e.confirmedRPS
	}
	return e.estimatedRPS
}

// Available is the admission test for sending method at now.
func (e *Endpoint) Available(method string, now time.Time) bool {
	if _, ok := e.unsupported[method]; ok {
		return false
	}

	if e.rateLimited && now.Sub(e.lastRequest) < e.cfg.RateLimitCooldown {
		return false
	}

	if e.completed < ColdStartRequests && e.inflight >= ColdStartRequests {
		return false
	}

	recent := e.requestsSince(now.Add(-time.Second))
	return float64(recent+e.inflight) < e.Ceiling()
}

// Supports reports whether method has not been rejected by the endpoint.
func (e *Endpoint) Supports(method string) bool {
	_, ok := e.unsupported[method]
	return !ok
}

// ExpectedLatency is the mean latency of successful requests in the window.
// It is DefaultLatency with no history and saturates when every request in
// the window failed.
func (e *Endpoint) ExpectedLatency() time.Duration {
	if len(e.buckets) == 0 {
		return DefaultLatency
	}

	var total time.Duration
	var count, errs int
	for _, b := range e.buckets {
		total += b.latency
		count += b.count
		errs += b.errors
	}

	ok := count - errs
	if ok <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return total / time.Duration(ok)
}

// Begin accounts for a request issued at now and returns the time of the
// previous request, for pacing.
func (e *Endpoint) Begin(now time.Time) time.Time {
	prev := e.lastRequest
	e.inflight++
	e.lastRequest = now
	return prev
}

// Finish releases the in-flight slot taken by Begin. It must run exactly
// once per Begin, whatever the outcome.
func (e *Endpoint) Finish() {
	if e.inflight > 0 {
		e.inflight--
	}
}

// RecordSuccess adds a successful response to the bucket for now and
// clears the rate-limit flag.
func (e *Endpoint) RecordSuccess(now time.Time, latency time.Duration) {
	b, created := e.bucketFor(now)
	b.count++
	b.latency += latency
	e.completed++
	e.rateLimited = false

	if created && b.start%int64(time.Second/time.Millisecond) == 0 {
		e.estimatedRPS *= e.cfg.GrowthFactor
	}
}

// RecordRateLimit flags the endpoint as throttled and confirms a ceiling
// just under the current estimate.
func (e *Endpoint) RecordRateLimit(now time.Time) {
	e.rateLimited = true
	e.confirmedRPS = e.estimatedRPS * e.cfg.DerateFactor
	e.recordError(now)
}

// RecordError counts a failed request against the endpoint.
func (e *Endpoint) RecordError(now time.Time) {
	e.recordError(now)
}

// MarkUnsupported stops method from being sent to the endpoint again.
func (e *Endpoint) MarkUnsupported(method string) {
	e.unsupported[method] = struct{}{}
}

// Stats returns a snapshot of the endpoint.
func (e *Endpoint) Stats() Stats {
	s := Stats{
		EstimatedRPS:    e.estimatedRPS,
		ConfirmedRPS:    e.confirmedRPS,
		Inflight:        e.inflight,
		Completed:       e.completed,
		RateLimited:     e.rateLimited,
		ExpectedLatency: e.ExpectedLatency(),
	}
	for method := range e.unsupported {
		s.Unsupported = append(s.Unsupported, method)
	}
	return s
}

func (e *Endpoint) recordError(now time.Time) {
	b, _ := e.bucketFor(now)
	b.count++
	b.errors++
	e.completed++
}

func (e *Endpoint) requestsSince(cutoff time.Time) int {
	from := cutoff.UnixMilli()
	n := 0
	for i := len(e.buckets) - 1; i >= 0 && e.buckets[i].start > from; i-- {
		n += e.buckets[i].count
	}
	return n
}

// bucketFor returns the bucket holding now, appending a new one (and
// evicting the oldest past MaxBuckets) when now falls in a later bucket.
func (e *Endpoint) bucketFor(now time.Time) (*bucket, bool) {
	size := BucketSize.Milliseconds()
	start := now.UnixMilli() / size * size

	if n := len(e.buckets); n > 0 && e.buckets[n-1].start >= start {
		return &e.buckets[n-1], false
	}

	if len(e.buckets) >= MaxBuckets {
		e.buckets = append(e.buckets[:0], e.buckets[1:]...)
	}
	e.buckets = append(e.buckets, bucket{start: start})
	return &e.buckets[len(e.buckets)-1], true
}
