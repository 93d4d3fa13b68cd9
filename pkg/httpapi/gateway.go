// Package httpapi implements the HTTP Gateway: the fixed health/models/
// stats endpoints plus dynamic path-to-capability dispatch, SSE
// streaming, API-key auth, and CORS.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/moondream/station/pkg/analytics"
	"github.com/moondream/station/pkg/config"
	"github.com/moondream/station/pkg/manifest"
	"github.com/moondream/station/pkg/middleware"
	"github.com/moondream/station/pkg/service"
	"github.com/moondream/station/pkg/session"
)

// Service is the subset of *service.Service the gateway depends on: a
// read-only collaborator that only calls Execute/IsRunning/Stats against
// whatever service is bound, never owning the pool or handles itself.
type Service interface {
	IsRunning() bool
	Execute(ctx context.Context, function string, args map[string]any, timeout time.Duration) (map[string]any, error)
	Stats() service.Stats
}

// Gateway wires the fixed + dynamic HTTP surface to an Inference
// Service, a Manifest Store, and the ambient analytics/session
// collaborators.
type Gateway struct {
	service        Service
	manifestStore  *manifest.Store
	analytics      analytics.Collector
	session        *session.Recorder
	apiKey         string
	allowedOrigins []string
	serverName     string
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithAPIKey enables auth middleware requiring an exact X-API-Key match.
func WithAPIKey(key string) Option {
	return func(g *Gateway) { g.apiKey = key }
}

// WithAllowedOrigins overrides the CORS allowlist (default:
// config.DefaultAllowedOrigins). Pass the station's configured
// "allowed_origins" value (via config.Store.GetStringSlice) to let
// operators widen or narrow it without a code change.
func WithAllowedOrigins(origins []string) Option {
	return func(g *Gateway) { g.allowedOrigins = origins }
}

// WithAnalytics attaches a telemetry collaborator (default: analytics.NoOp).
func WithAnalytics(c analytics.Collector) Option {
	return func(g *Gateway) { g.analytics = c }
}

// New constructs a Gateway.
func New(svc Service, manifestStore *manifest.Store, sessionRecorder *session.Recorder, opts ...Option) *Gateway {
	g := &Gateway{
		service:        svc,
		manifestStore:  manifestStore,
		analytics:      analytics.NoOp{},
		session:        sessionRecorder,
		allowedOrigins: config.DefaultAllowedOrigins,
		serverName:     "moondream-station",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler returns the fully wired http.Handler: request-id tagging, then
// CORS, then auth, then the fixed-route/dynamic-dispatch mux.
func (g *Gateway) Handler() http.Handler {
	// Fixed routes serve GET and HEAD; any other method on those paths
	// falls through to dynamic dispatch.
	fixed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				g.handleDynamic(w, r)
				return
			}
			h(w, r)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", fixed(g.handleHealth))
	mux.HandleFunc("/v1/models", fixed(g.handleModels))
	mux.HandleFunc("/v1/stats", fixed(g.handleStats))
	mux.HandleFunc("/", g.handleDynamic)

	var handler http.Handler = mux
	handler = g.authMiddleware(handler)
	handler = middleware.CorsMiddleware(g.allowedOrigins, handler)
	handler = middleware.RequestIDMiddleware(handler)
	return handler
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "server": g.serverName})
}

func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	models := g.manifestStore.GetModels()
	list := make([]map[string]any, 0, len(models))
	mf := g.manifestStore.GetManifest()
	order := []string{}
	if mf != nil {
		order = mf.ModelOrder
	}
	for _, id := range order {
		m := models[id]
		list = append(list, map[string]any{
			"id":          id,
			"name":        m.Name,
			"description": m.Description,
			"version":     m.Version,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := g.service.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"running":            stats.Running,
		"model":              stats.Model,
		"workers":            stats.Pool.Workers,
		"queue_size":         stats.Pool.QueueSize,
		"max_queue_size":     stats.Pool.MaxQueueSize,
		"processing":         stats.Pool.Processing,
		"timeouts":           stats.Pool.Timeouts,
		"default_timeout":    stats.Pool.DefaultTimeout.Seconds(),
		"requests_processed": g.session.RequestsProcessed(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
