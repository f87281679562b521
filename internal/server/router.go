package server

import (
	"net/http"
	"strings"
)

// MetadataHTTP defines the minimal surface the lifecycle router needs from the
// metadata service to serve HTTP requests.
type MetadataHTTP interface {
	ServeMetadata(http.ResponseWriter, *http.Request)
	ServeHealth(http.ResponseWriter, *http.Request)
}

// NewMetadataHandler wires URL dispatch in front of the metadata service. A nil
// metrics handler leaves /metrics unrouted.
func NewMetadataHandler(svc MetadataHTTP, metricsHandler http.Handler) http.Handler {
	if svc == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metadata service unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch parseRoute(r.URL.Path) {
		case routeMetadata:
			svc.ServeMetadata(w, r)
		case routeHealth:
			svc.ServeHealth(w, r)
		case routeMetrics:
			if metricsHandler == nil {
				http.NotFound(w, r)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

type route int

const (
	routeUnknown route = iota
	routeMetadata
	routeHealth
	routeMetrics
)

func parseRoute(path string) route {
	trimmed := strings.ToLower(strings.Trim(path, "/"))
	switch trimmed {
	case "api/metadata":
		return routeMetadata
	case "health", "healthz":
		return routeHealth
	case "metrics":
		return routeMetrics
	}
	return routeUnknown
}
