package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/l0p7/wishmeta/internal/cache"
	"github.com/l0p7/wishmeta/internal/extract"
)

// codeMethodNotAllowed is used for the 405 reply; it is not part of the
// extraction error vocabulary.
const codeMethodNotAllowed extract.Code = "METHOD_NOT_ALLOWED"

type successResponse struct {
	Success        bool              `json:"success"`
	Data           *extract.Metadata `json:"data"`
	Cached         bool              `json:"cached"`
	ProcessingTime int64             `json:"processingTime"`
}

type errorResponse struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error"`
	Code      extract.Code `json:"code"`
	Details   string       `json:"details,omitempty"`
	ResetTime *time.Time   `json:"resetTime,omitempty"`
}

type batchRequest struct {
	URLs    []string      `json:"urls"`
	Options *batchOptions `json:"options,omitempty"`
}

type batchOptions struct {
	ForceRefresh        *bool `json:"forceRefresh,omitempty"`
	IncludeRetailerData *bool `json:"includeRetailerData,omitempty"`
	// Timeout is the per-URL extraction budget in milliseconds.
	Timeout *int64 `json:"timeout,omitempty"`
}

type batchItem struct {
	URL     string            `json:"url"`
	Success bool              `json:"success"`
	Data    *extract.Metadata `json:"data,omitempty"`
	Cached  bool              `json:"cached"`
	Error   string            `json:"error,omitempty"`
	Code    extract.Code      `json:"code,omitempty"`
	Details string            `json:"details,omitempty"`
}

type batchSummary struct {
	Total          int   `json:"total"`
	Successful     int   `json:"successful"`
	Failed         int   `json:"failed"`
	Cached         int   `json:"cached"`
	ProcessingTime int64 `json:"processingTime"`
}

type batchResponse struct {
	Success bool         `json:"success"`
	Results []batchItem  `json:"results"`
	Summary batchSummary `json:"summary"`
}

type healthResponse struct {
	Status           string      `json:"status"`
	CacheEntries     int64       `json:"cacheEntries"`
	Cache            cache.Stats `json:"cache"`
	RateLimitClients int         `json:"rateLimitClients"`
	Retailers        int         `json:"retailers,omitempty"`
	RetailerSource   string      `json:"retailerSource,omitempty"`
	ObservedAt       time.Time   `json:"observedAt"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

// WriteError emits the JSON failure shape for err.
func (s *Service) WriteError(w http.ResponseWriter, err *extract.Error) {
	s.writeJSON(w, err.Status(), errorResponse{
		Success: false,
		Error:   err.Message,
		Code:    err.Code,
		Details: err.Details,
	})
}

func millisSince(start, now time.Time) int64 {
	return now.Sub(start).Milliseconds()
}
