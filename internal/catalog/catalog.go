// Package catalog is a typed client for the upstream movie/TV metadata API,
// built on the request dispatcher and its response cache.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/cinestream/backend/internal/cache"
	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/tracing"
)

// ErrInvalidArgument is returned for requests rejected before dispatch.
var ErrInvalidArgument = errors.New("invalid argument")

// Requester is the dispatcher surface the client needs.
type Requester interface {
	Request(ctx context.Context, endpoint string, opts dispatcher.RequestOptions) (*dispatcher.Response, error)
	Batch(ctx context.Context, calls []dispatcher.Call) []dispatcher.Result
}

// Invalidator removes cached responses.
type Invalidator interface {
	Invalidate(f cache.Filter) int
}

// TTLs per resource kind.
type TTLs struct {
	Details  time.Duration
	Search   time.Duration
	Trending time.Duration
}

// DefaultTTLs returns the stock cache lifetimes.
func DefaultTTLs() TTLs {
	return TTLs{Details: time.Hour, Search: 5 * time.Minute, Trending: 15 * time.Minute}
}

// Client is safe for concurrent use.
type Client struct {
	req   Requester
	inval Invalidator // may be nil
	ttl   TTLs
	log   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTTLs overrides the cache lifetimes.
func WithTTLs(t TTLs) Option { return func(c *Client) { c.ttl = t } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.log = l } }

// New creates a client. inval may be nil when responses are not cached.
func New(req Requester, inval Invalidator, opts ...Option) *Client {
	c := &Client{req: req, inval: inval, ttl: DefaultTTLs()}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.WithComponent("catalog")
	}
	return c
}

// MovieTag and TVTag label cached responses for targeted invalidation.
func MovieTag(id int) string { return "movie:" + strconv.Itoa(id) }
func TVTag(id int) string    { return "tv:" + strconv.Itoa(id) }

func movieEndpoint(id int) string { return "/movie/" + strconv.Itoa(id) }

func (c *Client) detailsOptions(tag string) dispatcher.RequestOptions {
	return dispatcher.RequestOptions{
		Params:   map[string]string{"append_to_response": "credits,videos"},
		UseCache: true,
		CacheTTL: c.ttl.Details,
		Tags:     []string{tag, "details"},
		Priority: cache.PriorityHigh,
	}
}

// Movie fetches movie details.
func (c *Client) Movie(ctx context.Context, id int) (*Movie, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: movie id must be positive", ErrInvalidArgument)
	}
	var m Movie
	f, err := c.fetch(ctx, "catalog.Movie", movieEndpoint(id), c.detailsOptions(MovieTag(id)), &m)
	if err != nil {
		return nil, err
	}
	m.Freshness = f
	return &m, nil
}

// TV fetches TV show details.
func (c *Client) TV(ctx context.Context, id int) (*TVShow, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: tv id must be positive", ErrInvalidArgument)
	}
	var s TVShow
	f, err := c.fetch(ctx, "catalog.TV", "/tv/"+strconv.Itoa(id), c.detailsOptions(TVTag(id)), &s)
	if err != nil {
		return nil, err
	}
	s.Freshness = f
	return &s, nil
}

// Search runs a multi search.
func (c *Client) Search(ctx context.Context, query string, page int) (*Page[MediaItem], error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}
	if page <= 0 {
		page = 1
	}
	if page > 500 {
		return nil, fmt.Errorf("%w: page must be at most 500", ErrInvalidArgument)
	}
	opts := dispatcher.RequestOptions{
		Params:   map[string]string{"query": query, "page": strconv.Itoa(page), "include_adult": "false"},
		UseCache: true,
		CacheTTL: c.ttl.Search,
		Tags:     []string{"search"},
		Priority: cache.PriorityLow,
	}
	var p Page[MediaItem]
	f, err := c.fetch(ctx, "catalog.Search", "/search/multi", opts, &p)
	if err != nil {
		return nil, err
	}
	p.Freshness = f
	return &p, nil
}

var (
	trendingMedia   = map[string]bool{"all": true, "movie": true, "tv": true, "person": true}
	trendingWindows = map[string]bool{"day": true, "week": true}
)

// Trending lists trending media for a time window.
func (c *Client) Trending(ctx context.Context, media, window string) (*Page[MediaItem], error) {
	if !trendingMedia[media] {
		return nil, fmt.Errorf("%w: unknown media type %q", ErrInvalidArgument, media)
	}
	if !trendingWindows[window] {
		return nil, fmt.Errorf("%w: unknown time window %q", ErrInvalidArgument, window)
	}
	opts := dispatcher.RequestOptions{
		UseCache: true,
		CacheTTL: c.ttl.Trending,
		Tags:     []string{"trending"},
		Priority: cache.PriorityNormal,
	}
	var p Page[MediaItem]
	f, err := c.fetch(ctx, "catalog.Trending", "/trending/"+media+"/"+window, opts, &p)
	if err != nil {
		return nil, err
	}
	p.Freshness = f
	for i := range p.Results {
		if p.Results[i].MediaType == "" && media != "all" {
			p.Results[i].MediaType = media
		}
	}
	return &p, nil
}

// PreloadMovies warms the cache for movie details at low priority and
// reports how many succeeded. Failures are logged, not returned.
func (c *Client) PreloadMovies(ctx context.Context, ids []int) int {
	ctx, span := tracing.StartSpan(ctx, "catalog.PreloadMovies", trace.WithAttributes(attribute.Int("catalog.count", len(ids))))
	defer span.End()

	calls := make([]dispatcher.Call, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		opts := c.detailsOptions(MovieTag(id))
		opts.Priority = cache.PriorityLow
		calls = append(calls, dispatcher.Call{Endpoint: movieEndpoint(id), Options: opts})
	}
	warmed := 0
	for i, res := range c.req.Batch(ctx, calls) {
		if res.Err != nil {
			c.log.Warn("movie preload failed", "endpoint", calls[i].Endpoint, "error", res.Err)
			continue
		}
		warmed++
	}
	span.SetAttributes(attribute.Int("catalog.warmed", warmed))
	return warmed
}

// InvalidateMovie drops cached responses tagged with the movie id.
func (c *Client) InvalidateMovie(id int) int {
	if c.inval == nil {
		return 0
	}
	return c.inval.Invalidate(cache.Filter{Namespace: dispatcher.Namespace, Tags: []string{MovieTag(id)}})
}

// InvalidateTV drops cached responses tagged with the show id.
func (c *Client) InvalidateTV(id int) int {
	if c.inval == nil {
		return 0
	}
	return c.inval.Invalidate(cache.Filter{Namespace: dispatcher.Namespace, Tags: []string{TVTag(id)}})
}

func (c *Client) fetch(ctx context.Context, op, endpoint string, opts dispatcher.RequestOptions, out any) (Freshness, error) {
	ctx, span := tracing.StartSpan(ctx, op, trace.WithAttributes(attribute.String("catalog.endpoint", endpoint)))
	defer span.End()

	resp, err := c.req.Request(ctx, endpoint, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return Freshness{}, err
	}
	span.SetAttributes(
		attribute.Bool("catalog.cached", resp.Cached),
		attribute.Bool("catalog.stale", resp.Stale),
	)
	if err := resp.Decode(out); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		return Freshness{}, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return Freshness{Cached: resp.Cached, Stale: resp.Stale}, nil
}
