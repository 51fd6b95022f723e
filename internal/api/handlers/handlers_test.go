package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/catalog"
	"github.com/onnwee/cinestream/backend/internal/dispatcher"
)

type fakeCatalog struct {
	mu        sync.Mutex
	movies    map[int]*catalog.Movie
	err       error
	query     string
	page      int
	preloaded []int
}

func (f *fakeCatalog) Movie(ctx context.Context, id int) (*catalog.Movie, error) {
	if f.err != nil {
		return nil, f.err
	}
	m, ok := f.movies[id]
	if !ok {
		return nil, &dispatcher.Error{Kind: dispatcher.KindClientError, Status: http.StatusNotFound}
	}
	return m, nil
}

func (f *fakeCatalog) TV(ctx context.Context, id int) (*catalog.TVShow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.TVShow{ID: id, Name: "Show"}, nil
}

func (f *fakeCatalog) Search(ctx context.Context, query string, page int) (*catalog.Page[catalog.MediaItem], error) {
	f.mu.Lock()
	f.query, f.page = query, page
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.Page[catalog.MediaItem]{Page: page, Results: []catalog.MediaItem{{ID: 1, Title: "Heat"}}}, nil
}

func (f *fakeCatalog) Trending(ctx context.Context, media, window string) (*catalog.Page[catalog.MediaItem], error) {
	if window != "day" && window != "week" {
		return nil, fmt.Errorf("%w: unknown time window %q", catalog.ErrInvalidArgument, window)
	}
	return &catalog.Page[catalog.MediaItem]{Page: 1}, nil
}

func (f *fakeCatalog) PreloadMovies(ctx context.Context, ids []int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preloaded = append(f.preloaded, ids...)
	return len(ids) - 1
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apierr.ErrorResponse {
	t.Helper()
	var resp apierr.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp
}

func withVars(req *http.Request, vars map[string]string) *http.Request {
	return mux.SetURLVars(req, vars)
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestGetMovie(t *testing.T) {
	svc := &fakeCatalog{movies: map[int]*catalog.Movie{550: {ID: 550, Title: "Fight Club"}}}
	h := NewCatalogHandler(svc)

	rr := httptest.NewRecorder()
	h.GetMovie(rr, withVars(httptest.NewRequest(http.MethodGet, "/api/movies/550", nil), map[string]string{"id": "550"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var m catalog.Movie
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Title != "Fight Club" {
		t.Errorf("unexpected movie: %+v", m)
	}
}

func TestGetMovieMarksFreshness(t *testing.T) {
	tests := []struct {
		name      string
		freshness catalog.Freshness
		xcache    string
		warning   bool
	}{
		{"upstream", catalog.Freshness{}, "MISS", false},
		{"cache hit", catalog.Freshness{Cached: true}, "HIT", false},
		{"stale fallback", catalog.Freshness{Stale: true}, "STALE", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &catalog.Movie{Freshness: tt.freshness, ID: 550, Title: "Fight Club"}
			h := NewCatalogHandler(&fakeCatalog{movies: map[int]*catalog.Movie{550: m}})

			rr := httptest.NewRecorder()
			h.GetMovie(rr, withVars(httptest.NewRequest(http.MethodGet, "/api/movies/550", nil), map[string]string{"id": "550"}))

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rr.Code)
			}
			if got := rr.Header().Get(HeaderCache); got != tt.xcache {
				t.Errorf("X-Cache = %q, want %q", got, tt.xcache)
			}
			warning := rr.Header().Get("Warning")
			if tt.warning != (warning != "") {
				t.Errorf("unexpected Warning %q", warning)
			}
			if cc := rr.Header().Get("Cache-Control"); tt.warning != (cc == "no-cache") {
				t.Errorf("unexpected Cache-Control %q", cc)
			}
		})
	}
}

func TestGetMovieErrors(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		err        error
		wantStatus int
		wantCode   apierr.ErrorCode
	}{
		{"non numeric id", "abc", nil, http.StatusBadRequest, apierr.ErrValidationInvalidValue},
		{"zero id", "0", nil, http.StatusBadRequest, apierr.ErrValidationInvalidValue},
		{"unknown title", "1", nil, http.StatusNotFound, apierr.ErrResourceNotFound},
		{"upstream rate limited", "550", &dispatcher.Error{Kind: dispatcher.KindRateLimited, RetryAt: time.Now().Add(3 * time.Second)}, http.StatusTooManyRequests, apierr.ErrUpstreamRateLimited},
		{"queue timeout", "550", &dispatcher.Error{Kind: dispatcher.KindQueueTimeout}, http.StatusServiceUnavailable, apierr.ErrUpstreamQueueTimeout},
		{"network failure", "550", &dispatcher.Error{Kind: dispatcher.KindNetworkFailure, Status: http.StatusBadGateway}, http.StatusBadGateway, apierr.ErrUpstreamUnavailable},
		{"deadline", "550", context.DeadlineExceeded, http.StatusRequestTimeout, apierr.ErrSystemTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCatalogHandler(&fakeCatalog{movies: map[int]*catalog.Movie{550: {ID: 550}}, err: tt.err})
			rr := httptest.NewRecorder()
			h.GetMovie(rr, withVars(httptest.NewRequest(http.MethodGet, "/api/movies/"+tt.id, nil), map[string]string{"id": tt.id}))

			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if got := decodeError(t, rr).Error.Code; got != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, got)
			}
		})
	}
}

func TestGetMovieRateLimitedSetsRetryAfter(t *testing.T) {
	err := &dispatcher.Error{Kind: dispatcher.KindRateLimited, RetryAt: time.Now().Add(2500 * time.Millisecond)}
	h := NewCatalogHandler(&fakeCatalog{err: err})
	rr := httptest.NewRecorder()
	h.GetMovie(rr, withVars(httptest.NewRequest(http.MethodGet, "/api/movies/1", nil), map[string]string{"id": "1"}))

	if got := rr.Header().Get("Retry-After"); got != "3" && got != "2" {
		t.Errorf("expected Retry-After near 3s, got %q", got)
	}
}

func TestGetTV(t *testing.T) {
	h := NewCatalogHandler(&fakeCatalog{})
	rr := httptest.NewRecorder()
	h.GetTV(rr, withVars(httptest.NewRequest(http.MethodGet, "/api/tv/1399", nil), map[string]string{"id": "1399"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSearch(t *testing.T) {
	svc := &fakeCatalog{}
	h := NewCatalogHandler(svc)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantQuery  string
		wantPage   int
	}{
		{"query and page", "/api/search?q=heat&page=2", http.StatusOK, "heat", 2},
		{"default page", "/api/search?q=heat", http.StatusOK, "heat", 1},
		{"trimmed query", "/api/search?q=%20%20alien%20", http.StatusOK, "alien", 1},
		{"missing query", "/api/search", http.StatusBadRequest, "", 0},
		{"blank query", "/api/search?q=%20%20", http.StatusBadRequest, "", 0},
		{"bad page", "/api/search?q=heat&page=x", http.StatusBadRequest, "", 0},
		{"negative page", "/api/search?q=heat&page=-1", http.StatusBadRequest, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.query, svc.page = "", 0
			rr := httptest.NewRecorder()
			h.Search(rr, httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if svc.query != tt.wantQuery || svc.page != tt.wantPage {
				t.Errorf("expected search(%q, %d), got search(%q, %d)", tt.wantQuery, tt.wantPage, svc.query, svc.page)
			}
		})
	}
}

func TestTrendingInvalidArgument(t *testing.T) {
	h := NewCatalogHandler(&fakeCatalog{})
	rr := httptest.NewRecorder()
	req := withVars(httptest.NewRequest(http.MethodGet, "/api/trending/movie/year", nil), map[string]string{"media": "movie", "window": "year"})
	h.GetTrending(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	resp := decodeError(t, rr)
	if resp.Error.Code != apierr.ErrValidationInvalidValue {
		t.Errorf("expected %s, got %s", apierr.ErrValidationInvalidValue, resp.Error.Code)
	}
	if resp.Error.Message != `unknown time window "year"` {
		t.Errorf("unexpected message %q", resp.Error.Message)
	}
}

func TestPreloadMovies(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid", `{"ids":[550,680,13]}`, http.StatusOK},
		{"empty list", `{"ids":[]}`, http.StatusBadRequest},
		{"missing ids", `{}`, http.StatusBadRequest},
		{"unknown field", `{"ids":[1],"force":true}`, http.StatusBadRequest},
		{"malformed", `{"ids":`, http.StatusBadRequest},
		{"too many", `{"ids":[` + repeatIDs(maxPreloadBatch+1) + `]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeCatalog{}
			h := NewCatalogHandler(svc)
			rr := httptest.NewRecorder()
			h.PreloadMovies(rr, jsonRequest(http.MethodPost, "/api/movies/preload", tt.body))
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rr.Code, rr.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if len(svc.preloaded) != 0 {
					t.Errorf("rejected request still preloaded %v", svc.preloaded)
				}
				return
			}
			var resp preloadResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Requested != 3 || resp.Warmed != 2 {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func repeatIDs(n int) string {
	var b bytes.Buffer
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteByte(',')
		}
		fmt.Fprint(&b, i)
	}
	return b.String()
}
