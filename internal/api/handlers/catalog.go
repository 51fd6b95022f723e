package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/catalog"
	"github.com/onnwee/cinestream/backend/internal/middleware"
)

const (
	maxQueryRunes   = 200
	maxPreloadBatch = 50
)

// Response headers describing how a catalog result was served.
const (
	HeaderCache    = "X-Cache"
	staleWarning   = `110 - "Response is Stale"`
	staleCacheCtrl = "no-cache"
)

// served is implemented by catalog results.
type served interface {
	Served() catalog.Freshness
}

// writeCatalog writes a catalog result and marks how it was served. Stale
// bodies carry a Warning and must be revalidated before reuse.
func writeCatalog(w http.ResponseWriter, v served) {
	h := w.Header()
	switch f := v.Served(); {
	case f.Stale:
		h.Set(HeaderCache, "STALE")
		h.Set("Warning", staleWarning)
		h.Set("Cache-Control", staleCacheCtrl)
	case f.Cached:
		h.Set(HeaderCache, "HIT")
	default:
		h.Set(HeaderCache, "MISS")
	}
	writeJSON(w, http.StatusOK, v)
}

// CatalogService is the catalog client surface the handlers use.
type CatalogService interface {
	Movie(ctx context.Context, id int) (*catalog.Movie, error)
	TV(ctx context.Context, id int) (*catalog.TVShow, error)
	Search(ctx context.Context, query string, page int) (*catalog.Page[catalog.MediaItem], error)
	Trending(ctx context.Context, media, window string) (*catalog.Page[catalog.MediaItem], error)
	PreloadMovies(ctx context.Context, ids []int) int
}

// CatalogHandler proxies the metadata API through the dispatcher.
type CatalogHandler struct {
	svc      CatalogService
	sanitize middleware.SanitizeInput
}

// NewCatalogHandler creates a catalog handler.
func NewCatalogHandler(svc CatalogService) *CatalogHandler {
	return &CatalogHandler{svc: svc}
}

func pathID(r *http.Request) (int, *apierr.Error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, apierr.ValidationInvalidValue("id", "id must be a positive integer")
	}
	return id, nil
}

// GetMovie returns movie details with credits and videos.
// GET /api/movies/{id}
func (h *CatalogHandler) GetMovie(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	m, err := h.svc.Movie(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r, "movie", err)
		return
	}
	writeCatalog(w, m)
}

// GetTV returns TV show details.
// GET /api/tv/{id}
func (h *CatalogHandler) GetTV(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	s, err := h.svc.TV(r.Context(), id)
	if err != nil {
		writeUpstreamError(w, r, "tv", err)
		return
	}
	writeCatalog(w, s)
}

// Search runs a multi search.
// GET /api/search?q=...&page=...
func (h *CatalogHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := h.sanitize.SanitizeString(r.URL.Query().Get("q"), maxQueryRunes)
	if q == "" {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationMissingField("q"))
		return
	}
	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p < 1 {
			apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("page", "page must be a positive integer"))
			return
		}
		page = p
	}
	res, err := h.svc.Search(r.Context(), q, page)
	if err != nil {
		writeUpstreamError(w, r, "search", err)
		return
	}
	writeCatalog(w, res)
}

// GetTrending lists trending media.
// GET /api/trending/{media}/{window}
func (h *CatalogHandler) GetTrending(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	res, err := h.svc.Trending(r.Context(), vars["media"], vars["window"])
	if err != nil {
		writeUpstreamError(w, r, "trending", err)
		return
	}
	writeCatalog(w, res)
}

type preloadRequest struct {
	IDs []int `json:"ids"`
}

type preloadResponse struct {
	Requested int `json:"requested"`
	Warmed    int `json:"warmed"`
}

// PreloadMovies warms the cache for a list of movie ids.
// POST /api/movies/preload
func (h *CatalogHandler) PreloadMovies(w http.ResponseWriter, r *http.Request) {
	var req preloadRequest
	if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	if len(req.IDs) == 0 {
		apierr.WriteErrorWithContext(w, r, apierr.ValidationMissingField("ids"))
		return
	}
	if len(req.IDs) > maxPreloadBatch {
		apierr.WriteErrorWithContext(w, r,
			apierr.ValidationInvalidValue("ids", "at most "+strconv.Itoa(maxPreloadBatch)+" ids per request"))
		return
	}
	warmed := h.svc.PreloadMovies(r.Context(), req.IDs)
	writeJSON(w, http.StatusOK, preloadResponse{Requested: len(req.IDs), Warmed: warmed})
}
