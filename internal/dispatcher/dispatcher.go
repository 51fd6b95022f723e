// Package dispatcher sends requests to the upstream metadata API with
// caching, de-duplication, batching, rate limiting, a FIFO concurrency gate,
// retries, and stale fallback.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/onnwee/cinestream/backend/internal/cache"
	"github.com/onnwee/cinestream/backend/internal/circuitbreaker"
	"github.com/onnwee/cinestream/backend/internal/config"
	"github.com/onnwee/cinestream/backend/internal/events"
	"github.com/onnwee/cinestream/backend/internal/httpx"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/metrics"
	"github.com/onnwee/cinestream/backend/internal/tracing"
)

// Namespace is the cache namespace used for upstream responses.
const Namespace = "http"

var errLocalBudget = errors.New("local request budget exhausted")

// Config holds dispatcher settings.
type Config struct {
	BaseURL        string
	DefaultParams  map[string]string // added to every upstream URL, never part of cache keys
	DefaultHeaders map[string]string
	UserAgent      string

	MaxConcurrent     int
	QueueTimeout      time.Duration
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Timeout           time.Duration // per attempt
	BatchWindow       time.Duration
	Retry             httpx.Policy

	DefaultCacheTTL    time.Duration
	NegativeTTL        time.Duration // zero keeps known failures for the process lifetime
	NegativeMaxEntries int64

	BreakerFailures int
	BreakerCooldown time.Duration

	OutcomeHistory int
}

// DefaultConfig returns stock dispatcher settings.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:      6,
		QueueTimeout:       30 * time.Second,
		RateLimitRequests:  40,
		RateLimitWindow:    10 * time.Second,
		Timeout:            10 * time.Second,
		BatchWindow:        100 * time.Millisecond,
		Retry:              httpx.DefaultPolicy(),
		DefaultCacheTTL:    5 * time.Minute,
		NegativeMaxEntries: 10000,
		BreakerFailures:    5,
		BreakerCooldown:    30 * time.Second,
		OutcomeHistory:     100,
	}
}

// ConfigFromEnv maps the process configuration onto dispatcher settings.
func ConfigFromEnv(c *config.Config) Config {
	d := DefaultConfig()
	d.BaseURL = c.CatalogBaseURL
	d.UserAgent = c.UserAgent
	d.DefaultParams = map[string]string{}
	if c.CatalogAPIKey != "" {
		d.DefaultParams["api_key"] = c.CatalogAPIKey
	}
	if c.CatalogLanguage != "" {
		d.DefaultParams["language"] = c.CatalogLanguage
	}
	d.MaxConcurrent = c.HTTPMaxConcurrent
	d.QueueTimeout = c.HTTPQueueTimeout
	d.RateLimitRequests = c.HTTPRateLimitRequests
	d.RateLimitWindow = c.HTTPRateLimitWindow
	d.Timeout = c.HTTPTimeout
	d.BatchWindow = c.HTTPBatchWindow
	d.Retry = httpx.PolicyFromConfig(c)
	d.DefaultCacheTTL = c.CacheDefaultTTL
	d.NegativeTTL = c.HTTPNegativeCacheTTL
	d.BreakerFailures = c.BreakerFailures
	d.BreakerCooldown = c.BreakerCooldown
	return d
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = d.RateLimitRequests
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = d.RateLimitWindow
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = d.BatchWindow
	}
	if c.DefaultCacheTTL <= 0 {
		c.DefaultCacheTTL = d.DefaultCacheTTL
	}
	if c.NegativeMaxEntries <= 0 {
		c.NegativeMaxEntries = d.NegativeMaxEntries
	}
	if c.OutcomeHistory <= 0 {
		c.OutcomeHistory = d.OutcomeHistory
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	return c
}

// Tuning is the subset of settings the adaptive controller may change.
type Tuning struct {
	MaxConcurrent int           `json:"max_concurrent"`
	BatchWindow   time.Duration `json:"batch_window"`
	Timeout       time.Duration `json:"timeout"`
}

// Payload is what the dispatcher stores in the response cache.
type Payload struct {
	Status      int       `json:"status" msgpack:"status" cbor:"status"`
	ContentType string    `json:"content_type" msgpack:"content_type" cbor:"content_type"`
	Body        []byte    `json:"body" msgpack:"body" cbor:"body"`
	FetchedAt   time.Time `json:"fetched_at" msgpack:"fetched_at" cbor:"fetched_at"`
}

// ResponseCache is the slice of the cache façade the dispatcher needs.
type ResponseCache interface {
	Get(key string, opts ...cache.GetOption) (Payload, bool)
	GetStale(key string, opts ...cache.GetOption) (Payload, bool)
	Set(key string, value Payload, opts cache.SetOptions) bool
}

// RequestOptions describe one request. The zero value is an uncached GET.
type RequestOptions struct {
	Method        string
	Params        map[string]string
	Data          any // JSON-encoded as the request body
	Headers       map[string]string
	UseCache      bool
	CacheTTL      time.Duration
	RetryAttempts *int // overrides the retry policy when set
	BatchKey      string
	Tags          []string
	Priority      cache.Priority
}

// Response is a settled upstream (or cached) response.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Attempts  int
	Cached    bool // served from a fresh cache entry
	Stale     bool // served from an expired entry after the upstream failed
	Shared    bool // joined an identical in-flight request
	FetchedAt time.Time
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Call is one entry of a Batch.
type Call struct {
	Endpoint string
	Options  RequestOptions
}

// Result pairs a Batch call with its outcome.
type Result struct {
	Response *Response
	Err      error
}

// Outcome is one settled network request, kept for the adaptive controller.
type Outcome struct {
	At       time.Time
	Duration time.Duration
	Success  bool
	Status   int
	Kind     Kind
}

// SettleEvent is emitted whenever Request returns.
type SettleEvent struct {
	Endpoint string
	Method   string
	Outcome  string
	Status   int
	Attempts int
	Duration time.Duration
	Err      error
}

// InFlight describes a request holding a concurrency slot.
type InFlight struct {
	ID         uint64            `json:"id"`
	Endpoint   string            `json:"endpoint"`
	Method     string            `json:"method"`
	Params     map[string]string `json:"params,omitempty"`
	RetryCount int               `json:"retry_count"`
	StartedAt  time.Time         `json:"started_at"`
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	InFlight      int       `json:"in_flight"`
	Queued        int       `json:"queued"`
	MaxInFlight   int       `json:"max_in_flight"`
	Limit         int       `json:"limit"`
	Tuning        Tuning    `json:"tuning"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	Breaker       string    `json:"breaker"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option { return func(d *Dispatcher) { d.client = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	cache  ResponseCache
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	limiter  *rate.Limiter
	refill   time.Duration // time to earn one token back
	gate     *gate
	batches  *batcher
	flights  singleflight.Group
	negative *negativeCache
	breaker  *circuitbreaker.CircuitBreaker

	tuningMu sync.RWMutex
	tuning   Tuning

	cooldownMu sync.Mutex
	cooldown   time.Time

	joinMu  sync.Mutex
	joining map[string]int

	inflightMu sync.Mutex
	inflight   map[uint64]*InFlight
	nextID     atomic.Uint64
	batchSeq   atomic.Uint64

	outcomeMu sync.Mutex
	outcomes  []Outcome
	outcomeAt int
	outcomeN  int

	settled events.Subject[SettleEvent]
	stopped atomic.Bool
}

// New creates a dispatcher. c may be nil to disable response caching.
func New(cfg Config, c ResponseCache, opts ...Option) (*Dispatcher, error) {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		cache:    c,
		client:   &http.Client{},
		now:      time.Now,
		sleep:    httpx.SleepContext,
		joining:  make(map[string]int),
		inflight: make(map[uint64]*InFlight),
		outcomes: make([]Outcome, cfg.OutcomeHistory),
		tuning: Tuning{
			MaxConcurrent: cfg.MaxConcurrent,
			BatchWindow:   cfg.BatchWindow,
			Timeout:       cfg.Timeout,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.WithComponent("dispatcher")
	}

	neg, err := newNegativeCache(cfg.NegativeMaxEntries, cfg.NegativeTTL)
	if err != nil {
		return nil, fmt.Errorf("negative cache: %w", err)
	}
	d.negative = neg

	d.refill = cfg.RateLimitWindow / time.Duration(cfg.RateLimitRequests)
	d.limiter = rate.NewLimiter(rate.Every(d.refill), cfg.RateLimitRequests)
	d.gate = newGate(cfg.MaxConcurrent)
	d.batches = newBatcher(func() time.Duration { return d.Tuning().BatchWindow })
	d.breaker = circuitbreaker.New(circuitbreaker.Config{
		Name:             "upstream",
		FailureThreshold: cfg.BreakerFailures,
		Cooldown:         cfg.BreakerCooldown,
		Now:              d.now,
		IsFailure:        func(err error) bool { return KindOf(err) == KindNetworkFailure },
	})
	return d, nil
}

// Request performs one logical request.
func (d *Dispatcher) Request(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	var member *batchMember
	if opts.BatchKey != "" && !d.stopped.Load() {
		member = d.batches.register(opts.BatchKey)
	}
	return d.request(ctx, endpoint, opts, member)
}

func (d *Dispatcher) request(ctx context.Context, endpoint string, opts RequestOptions, member *batchMember) (*Response, error) {
	defer member.ack()

	opts.Method = strings.ToUpper(opts.Method)
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	ctx, span := tracing.StartSpan(ctx, "dispatcher.Request", trace.WithAttributes(
		attribute.String("http.method", opts.Method),
		attribute.String("dispatcher.endpoint", endpoint),
	))
	defer span.End()

	start := d.now()
	resp, err := d.resolve(ctx, endpoint, opts, member)
	outcome := outcomeLabel(resp, err)
	metrics.DispatcherRequests.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("dispatcher.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}

	ev := SettleEvent{Endpoint: endpoint, Method: opts.Method, Outcome: outcome, Duration: d.now().Sub(start), Err: err}
	if resp != nil {
		ev.Status, ev.Attempts = resp.Status, resp.Attempts
	}
	var de *Error
	if errors.As(err, &de) {
		ev.Status, ev.Attempts = de.Status, de.Attempts
	}
	d.settled.Emit(ev)
	return resp, err
}

func outcomeLabel(resp *Response, err error) string {
	switch {
	case err != nil:
		if k := KindOf(err); k != 0 {
			return k.String()
		}
		return "canceled"
	case resp.Stale:
		return "stale"
	case resp.Cached:
		return "cached"
	case resp.Shared:
		return "shared"
	}
	return "success"
}

func (d *Dispatcher) resolve(ctx context.Context, endpoint string, opts RequestOptions, member *batchMember) (*Response, error) {
	key := cache.Key(opts.Method+" "+endpoint, opts.Params)
	cacheable := opts.UseCache && d.cache != nil && opts.Method == http.MethodGet

	if cacheable {
		if p, ok := d.cache.Get(key, cache.WithNamespace(Namespace)); ok {
			return fromPayload(p, true, false), nil
		}
	}
	if d.stopped.Load() {
		return nil, &Error{Kind: KindNetworkFailure, Endpoint: endpoint, Local: true, Err: ErrStopped}
	}

	sig := signature(key, opts.Data)
	if kf, ok := d.negative.get(sig); ok {
		metrics.DispatcherNegativeHits.Inc()
		return nil, &Error{Kind: KindClientError, Status: kf.status, Endpoint: endpoint, Local: true, Upstream: kf.upstream}
	}
	if until := d.cooldownUntil(); d.now().Before(until) {
		return nil, &Error{Kind: KindRateLimited, Status: http.StatusTooManyRequests, Endpoint: endpoint, RetryAt: until, Local: true}
	}

	if member != nil {
		if err := member.wait(ctx); err != nil {
			return nil, err
		}
	}

	var resp *Response
	var err error
	if opts.Method == http.MethodGet || opts.Method == http.MethodHead || opts.BatchKey != "" {
		resp, err = d.shared(ctx, endpoint, opts, key, sig, member)
	} else {
		resp, err = d.execute(ctx, endpoint, opts, key, sig, member)
	}
	if err == nil {
		return resp, nil
	}

	// stale-while-revalidate: a failed refresh falls back to whatever we have
	if cacheable && staleEligible(err) {
		if p, ok := d.cache.GetStale(key, cache.WithNamespace(Namespace)); ok {
			d.log.Warn("serving stale response after upstream failure", "endpoint", endpoint, "error", err)
			return fromPayload(p, false, true), nil
		}
	}
	return nil, err
}

func staleEligible(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == KindNetworkFailure || de.Kind == KindQueueTimeout || (de.Kind == KindRateLimited && !de.Local)
}

// shared joins an identical in-flight request or leads a new one. The flight
// runs detached from any one caller's cancellation.
func (d *Dispatcher) shared(ctx context.Context, endpoint string, opts RequestOptions, key, sig string, member *batchMember) (*Response, error) {
	dedupe := sig
	if opts.BatchKey != "" && opts.Method != http.MethodGet && opts.Method != http.MethodHead {
		dedupe = opts.BatchKey + "|" + sig
	}

	d.joinMu.Lock()
	joined := d.joining[dedupe] > 0
	d.joining[dedupe]++
	d.joinMu.Unlock()
	defer func() {
		d.joinMu.Lock()
		if d.joining[dedupe]--; d.joining[dedupe] <= 0 {
			delete(d.joining, dedupe)
		}
		d.joinMu.Unlock()
	}()
	if joined {
		member.ack()
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := d.flights.DoChan(dedupe, func() (interface{}, error) {
		return d.execute(flightCtx, endpoint, opts, key, sig, member)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		resp := res.Val.(*Response)
		if res.Shared {
			metrics.DispatcherDedupeJoins.Inc()
			cp := *resp
			cp.Shared = true
			return &cp, nil
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// execute runs one request through the rate limiter, gate, breaker, and
// retry loop.
func (d *Dispatcher) execute(ctx context.Context, endpoint string, opts RequestOptions, key, sig string, member *batchMember) (*Response, error) {
	if !d.limiter.Allow() {
		member.ack()
		return nil, &Error{Kind: KindRateLimited, Endpoint: endpoint, RetryAt: d.now().Add(d.refill), Local: true, Err: errLocalBudget}
	}

	queuedAt := time.Now()
	t := d.gate.enqueue()
	d.observeGate()
	member.ack()
	if err := d.gate.wait(ctx, t, d.cfg.QueueTimeout); err != nil {
		d.observeGate()
		if errors.Is(err, ErrQueueTimeout) {
			d.recordOutcome(Outcome{At: d.now(), Duration: time.Since(queuedAt), Kind: KindQueueTimeout})
			return nil, &Error{Kind: KindQueueTimeout, Endpoint: endpoint, Local: true, Err: err}
		}
		if errors.Is(err, ErrStopped) {
			return nil, &Error{Kind: KindNetworkFailure, Endpoint: endpoint, Local: true, Err: err}
		}
		return nil, err
	}
	metrics.DispatcherQueueWait.Observe(time.Since(queuedAt).Seconds())
	defer func() {
		d.gate.release()
		d.observeGate()
	}()
	d.observeGate()

	if !d.breaker.Allow() {
		return nil, &Error{Kind: KindNetworkFailure, Endpoint: endpoint, RetryAt: d.breaker.RetryAt(), Local: true, Err: circuitbreaker.ErrCircuitOpen}
	}

	rec := d.track(endpoint, opts)
	defer d.untrack(rec.ID)

	started := d.now()
	resp, err := d.attempts(ctx, endpoint, opts, rec)
	if err == nil {
		err = d.classify(endpoint, resp, sig)
	}
	d.breaker.Record(err)

	o := Outcome{At: d.now(), Duration: d.now().Sub(started), Success: err == nil, Kind: KindOf(err)}
	if resp != nil {
		o.Status = resp.Status
	}
	if ctx.Err() == nil || err == nil {
		d.recordOutcome(o)
	}
	if err != nil {
		return nil, err
	}

	out := &Response{
		Status:    resp.Status,
		Header:    resp.Header,
		Body:      resp.Body,
		Attempts:  resp.Attempts,
		FetchedAt: d.now(),
	}
	if opts.UseCache && d.cache != nil && opts.Method == http.MethodGet {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			ttl = d.cfg.DefaultCacheTTL
		}
		d.cache.Set(key, Payload{
			Status:      out.Status,
			ContentType: out.Header.Get("Content-Type"),
			Body:        out.Body,
			FetchedAt:   out.FetchedAt,
		}, cache.SetOptions{
			TTL:       ttl,
			Priority:  opts.Priority,
			Tags:      opts.Tags,
			Namespace: Namespace,
			Compress:  true,
		})
	}
	return out, nil
}

func (d *Dispatcher) attempts(ctx context.Context, endpoint string, opts RequestOptions, rec *InFlight) (*httpx.Response, error) {
	policy := d.cfg.Retry
	policy.AttemptTimeout = d.Tuning().Timeout
	r := &httpx.Retrier{
		Client: d.client,
		Policy: policy,
		Log:    d.log,
		Sleep:  d.sleep,
		Now:    d.now,
		Observer: func(info httpx.AttemptInfo) {
			if info.Wait > 0 {
				d.inflightMu.Lock()
				rec.RetryCount = info.Attempt
				d.inflightMu.Unlock()
			}
			if info.Status == http.StatusTooManyRequests && info.Wait > 0 {
				d.setCooldown(d.now().Add(info.Wait))
			}
		},
	}
	retries := policy.MaxRetries
	if opts.RetryAttempts != nil && *opts.RetryAttempts >= 0 {
		retries = *opts.RetryAttempts
	}

	resp, err := r.Do(ctx, func(actx context.Context) (*http.Request, error) {
		return d.newRequest(actx, endpoint, opts)
	}, nil, retries)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindNetworkFailure, Endpoint: endpoint, Attempts: retries + 1, Err: err}
	}
	return resp, nil
}

// classify turns a final upstream response into nil or a typed error, and
// records client errors as known failures.
func (d *Dispatcher) classify(endpoint string, resp *httpx.Response, sig string) error {
	if resp.Status < 400 {
		return nil
	}
	up := Classify(resp.Status, resp.Body)
	e := &Error{Status: resp.Status, Endpoint: endpoint, Attempts: resp.Attempts, Upstream: up, Err: up}
	switch {
	case resp.Status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		until := d.cooldownUntil()
		if ra, ok := httpx.RetryAfter(resp.Header, d.now()); ok {
			until = d.now().Add(ra)
			d.setCooldown(until)
		}
		e.RetryAt = until
	case resp.Status >= 500:
		e.Kind = KindNetworkFailure
	default:
		e.Kind = KindClientError
		d.negative.add(sig, &knownFailure{status: resp.Status, upstream: up, at: d.now()})
		d.log.Info("recorded known-failed request", "endpoint", endpoint, "status", resp.Status)
	}
	return e
}

func (d *Dispatcher) newRequest(ctx context.Context, endpoint string, opts RequestOptions) (*http.Request, error) {
	u, err := d.buildURL(endpoint, opts.Params)
	if err != nil {
		return nil, err
	}
	var body *bytes.Reader
	if opts.Data != nil {
		b, err := json.Marshal(opts.Data)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, opts.Method, u, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, opts.Method, u, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", d.cfg.UserAgent)
	}
	for k, v := range d.cfg.DefaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (d *Dispatcher) buildURL(endpoint string, params map[string]string) (string, error) {
	raw := endpoint
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		raw = strings.TrimRight(d.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	q := u.Query()
	for k, v := range d.cfg.DefaultParams {
		if q.Get(k) == "" {
			q.Set(k, v)
		}
	}
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// signature identifies a request for the known-failure cache and dedupe.
func signature(key string, data any) string {
	if data == nil {
		return key
	}
	b, err := json.Marshal(data)
	if err != nil {
		return key
	}
	sum := sha1.Sum(b)
	return key + "#" + hex.EncodeToString(sum[:8])
}

func fromPayload(p Payload, cached, stale bool) *Response {
	h := http.Header{}
	if p.ContentType != "" {
		h.Set("Content-Type", p.ContentType)
	}
	return &Response{
		Status:    p.Status,
		Header:    h,
		Body:      p.Body,
		Cached:    cached,
		Stale:     stale,
		FetchedAt: p.FetchedAt,
	}
}

// Batch dispatches calls under one batch key so they are released together
// in call order. Results are returned in call order.
func (d *Dispatcher) Batch(ctx context.Context, calls []Call) []Result {
	key := fmt.Sprintf("batch-%d", d.batchSeq.Add(1))
	results := make([]Result, len(calls))

	var wg sync.WaitGroup
	for i, c := range calls {
		opts := c.Options
		if opts.BatchKey == "" {
			opts.BatchKey = key
		}
		var member *batchMember
		if !d.stopped.Load() {
			member = d.batches.register(opts.BatchKey)
		}
		wg.Add(1)
		go func(i int, endpoint string, opts RequestOptions, member *batchMember) {
			defer wg.Done()
			resp, err := d.request(ctx, endpoint, opts, member)
			results[i] = Result{Response: resp, Err: err}
		}(i, c.Endpoint, opts, member)
	}
	wg.Wait()
	return results
}

// Preload warms the cache for endpoints at low priority. Failures are only logged.
func (d *Dispatcher) Preload(ctx context.Context, endpoints ...string) int {
	calls := make([]Call, 0, len(endpoints))
	for _, ep := range endpoints {
		calls = append(calls, Call{Endpoint: ep, Options: RequestOptions{UseCache: true, Priority: cache.PriorityLow}})
	}
	warmed := 0
	for i, res := range d.Batch(ctx, calls) {
		if res.Err != nil {
			d.log.Warn("preload failed", "endpoint", calls[i].Endpoint, "error", res.Err)
			continue
		}
		warmed++
	}
	return warmed
}

// Tune applies new concurrency, batch window, and timeout settings. Requests
// already holding a slot keep the settings they started with.
func (d *Dispatcher) Tune(t Tuning) {
	cur := d.Tuning()
	if t.MaxConcurrent <= 0 {
		t.MaxConcurrent = cur.MaxConcurrent
	}
	if t.BatchWindow <= 0 {
		t.BatchWindow = cur.BatchWindow
	}
	if t.Timeout <= 0 {
		t.Timeout = cur.Timeout
	}
	d.tuningMu.Lock()
	d.tuning = t
	d.tuningMu.Unlock()
	d.gate.resize(t.MaxConcurrent)
	d.log.Info("dispatcher tuned", "max_concurrent", t.MaxConcurrent, "batch_window", t.BatchWindow, "timeout", t.Timeout)
}

// Tuning returns the current tuning.
func (d *Dispatcher) Tuning() Tuning {
	d.tuningMu.RLock()
	defer d.tuningMu.RUnlock()
	return d.tuning
}

// Outcomes returns recent network outcomes, oldest first.
func (d *Dispatcher) Outcomes() []Outcome {
	d.outcomeMu.Lock()
	defer d.outcomeMu.Unlock()
	out := make([]Outcome, 0, d.outcomeN)
	size := len(d.outcomes)
	start := (d.outcomeAt - d.outcomeN + size) % size
	for i := 0; i < d.outcomeN; i++ {
		out = append(out, d.outcomes[(start+i)%size])
	}
	return out
}

func (d *Dispatcher) recordOutcome(o Outcome) {
	d.outcomeMu.Lock()
	defer d.outcomeMu.Unlock()
	d.outcomes[d.outcomeAt] = o
	d.outcomeAt = (d.outcomeAt + 1) % len(d.outcomes)
	if d.outcomeN < len(d.outcomes) {
		d.outcomeN++
	}
}

// InFlight lists requests currently holding a concurrency slot.
func (d *Dispatcher) InFlight() []InFlight {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	out := make([]InFlight, 0, len(d.inflight))
	for _, rec := range d.inflight {
		out = append(out, *rec)
	}
	return out
}

func (d *Dispatcher) track(endpoint string, opts RequestOptions) *InFlight {
	rec := &InFlight{
		ID:        d.nextID.Add(1),
		Endpoint:  endpoint,
		Method:    opts.Method,
		Params:    opts.Params,
		StartedAt: d.now(),
	}
	d.inflightMu.Lock()
	d.inflight[rec.ID] = rec
	d.inflightMu.Unlock()
	return rec
}

func (d *Dispatcher) untrack(id uint64) {
	d.inflightMu.Lock()
	delete(d.inflight, id)
	d.inflightMu.Unlock()
}

// Stats returns gate usage, tuning, and cooldown state.
func (d *Dispatcher) Stats() Stats {
	g := d.gate.stats()
	s := Stats{
		InFlight:    g.Active,
		Queued:      g.Queued,
		MaxInFlight: g.Peak,
		Limit:       g.Limit,
		Tuning:      d.Tuning(),
		Breaker:     d.breaker.GetState().String(),
	}
	if until := d.cooldownUntil(); d.now().Before(until) {
		s.CooldownUntil = until
	}
	return s
}

func (d *Dispatcher) observeGate() {
	g := d.gate.stats()
	metrics.DispatcherInFlight.Set(float64(g.Active))
	metrics.DispatcherQueued.Set(float64(g.Queued))
}

func (d *Dispatcher) cooldownUntil() time.Time {
	d.cooldownMu.Lock()
	defer d.cooldownMu.Unlock()
	return d.cooldown
}

func (d *Dispatcher) setCooldown(until time.Time) {
	d.cooldownMu.Lock()
	extended := until.After(d.cooldown)
	if extended {
		d.cooldown = until
	}
	d.cooldownMu.Unlock()
	if extended {
		d.log.Warn("upstream rate limit cooldown", "until", until.Format(time.RFC3339), "wait", until.Sub(d.now()))
	}
}

// ForgetFailures drops every known-failed signature.
func (d *Dispatcher) ForgetFailures() { d.negative.clear() }

// OnSettle subscribes to settle events.
func (d *Dispatcher) OnSettle(fn func(SettleEvent)) (unsubscribe func()) {
	return d.settled.On(fn)
}

// Stop rejects queued requests, releases open batch windows, and frees the
// known-failure cache. In-flight requests finish normally.
func (d *Dispatcher) Stop() {
	if !d.stopped.CompareAndSwap(false, true) {
		return
	}
	d.batches.stop()
	d.gate.stop()
	d.settled.Reset()
	d.negative.close()
}
