// ABOUTME: HTTP surface: health probes, Prometheus metrics, and a small
// ABOUTME: routing API for inspecting workers and injecting events and RPCs.

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshgate/mesh-gateway/internal/wire"
)

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealth)
	r.Get("/readyz", g.handleReady)

	if g.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g.metrics.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/workers", g.handleListWorkers)
		r.Get("/subscriptions", g.handleListSubscriptions)
		r.Post("/events", g.handlePublishEvent)
		r.Post("/rpc", g.handleInvoke)
	})

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.WorkerCount()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no workers connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d workers)", n)
}

// workerInfo is the public view of one connection.
type workerInfo struct {
	ConnectionID   string   `json:"connection_id"`
	SupportedTypes []string `json:"supported_types"`
	PendingCount   int      `json:"pending_requests"`
}

func (g *Gateway) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	g.connMu.RLock()
	infos := make([]workerInfo, 0, len(g.conns))
	for _, c := range g.conns {
		infos = append(infos, workerInfo{
			ConnectionID:   c.ID,
			SupportedTypes: c.SupportedTypes(),
			PendingCount:   c.PendingCount(),
		})
	}
	g.connMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"gateway_id": g.id,
		"workers":    infos,
	})
}

func (g *Gateway) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": g.subs.Snapshot(),
	})
}

// handlePublishEvent accepts a CloudEvent and pushes it through the same
// dispatch path worker-published events take. Missing ids are assigned.
func (g *Gateway) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	var ev wire.CloudEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid event body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Id == "" {
		ev.Id = ulid.Make().String()
	}
	if ev.SpecVersion == "" {
		ev.SpecVersion = wire.SpecVersion
	}
	if err := g.DispatchEvent(r.Context(), &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": ev.Id})
}

type invokeRequest struct {
	Target  string `json:"target"` // "Type/Key"
	Method  string `json:"method,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

func (g *Gateway) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var body invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	target, err := wire.ParseAgentId(body.Target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := g.InvokeRequest(r.Context(), &wire.Request{
		RequestId: ulid.Make().String(),
		Target:    target,
		Method:    body.Method,
		Payload:   body.Payload,
	})
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
