package handlers

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/cache"
	"github.com/onnwee/cinestream/backend/internal/dispatcher"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/middleware"
)

// CacheStore is the response cache surface exposed to operators.
type CacheStore interface {
	Stats() cache.Stats
	Entries() []cache.EntryInfo
	Invalidate(f cache.Filter) int
	Clear()
}

// RequestStats is the dispatcher surface exposed to operators.
type RequestStats interface {
	Stats() dispatcher.Stats
	InFlight() []dispatcher.InFlight
	ForgetFailures()
}

// CacheAdminHandler handles cache administration endpoints.
type CacheAdminHandler struct {
	cache    CacheStore
	requests RequestStats
}

// NewCacheAdminHandler creates a new cache admin handler. requests may be nil.
func NewCacheAdminHandler(c CacheStore, requests RequestStats) *CacheAdminHandler {
	return &CacheAdminHandler{cache: c, requests: requests}
}

type cacheStatsResponse struct {
	Cache    cache.Stats       `json:"cache"`
	Requests *dispatcher.Stats `json:"requests,omitempty"`
}

// GetCacheStats returns current cache and dispatcher statistics.
// GET /api/cache/stats
func (h *CacheAdminHandler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	resp := cacheStatsResponse{Cache: h.cache.Stats()}
	if h.requests != nil {
		s := h.requests.Stats()
		resp.Requests = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEntries lists cached entries, most recently used first.
// GET /api/cache/entries?limit=...
func (h *CacheAdminHandler) GetEntries(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			apierr.WriteErrorWithContext(w, r, apierr.ValidationInvalidValue("limit", "limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	entries := h.cache.Entries()
	total := len(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"total": total, "entries": entries})
}

// GetInFlight lists upstream requests currently being executed.
// GET /api/cache/inflight
func (h *CacheAdminHandler) GetInFlight(w http.ResponseWriter, r *http.Request) {
	if h.requests == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"requests": []dispatcher.InFlight{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requests": h.requests.InFlight()})
}

type invalidateRequest struct {
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
	Pattern   string   `json:"pattern"`
	Priority  string   `json:"priority"`
	OlderThan string   `json:"older_than"` // Go duration, e.g. "10m"
}

func (req invalidateRequest) filter() (cache.Filter, *apierr.Error) {
	f := cache.Filter{Namespace: req.Namespace, Tags: req.Tags}
	if req.Pattern != "" {
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			return f, apierr.CacheInvalidFilter("pattern is not a valid regular expression").
				WithDetails(map[string]interface{}{"field": "pattern"})
		}
		f.Pattern = re
	}
	if req.Priority != "" {
		p, err := cache.ParsePriority(req.Priority)
		if err != nil {
			return f, apierr.CacheInvalidFilter("unknown priority").
				WithDetails(map[string]interface{}{"field": "priority"})
		}
		f.Priority = &p
	}
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d < 0 {
			return f, apierr.CacheInvalidFilter("older_than must be a non-negative duration").
				WithDetails(map[string]interface{}{"field": "older_than"})
		}
		f.OlderThan = d
	}
	return f, nil
}

// InvalidateCache removes the entries matching a filter. An empty filter
// removes everything.
// POST /api/cache/invalidate
func (h *CacheAdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if apiErr := middleware.DecodeJSON(r, &req); apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	f, apiErr := req.filter()
	if apiErr != nil {
		apierr.WriteErrorWithContext(w, r, apiErr)
		return
	}
	removed := h.cache.Invalidate(f)
	logger.InfoContext(r.Context(), "cache invalidated", "removed", removed, "namespace", req.Namespace, "tags", req.Tags, "pattern", req.Pattern)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "removed": removed})
}

// ClearCache drops every entry and the dispatcher's known failures.
// POST /api/cache/clear
func (h *CacheAdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Clear()
	if h.requests != nil {
		h.requests.ForgetFailures()
	}
	logger.InfoContext(r.Context(), "cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Cache cleared successfully",
	})
}
