// Package httpapi serves the node's read-only operational surface:
// /healthz and Prometheus's /metrics, on HTTP_PORT. This is deliberately
// not a client-facing task submission API; it exposes only ops signals
// about this node's own view of the swarm.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bftswarm/node/internal/registry"
)

// HealthStatus is the JSON body served at /healthz.
type HealthStatus struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
	Peers     struct {
		Live    int `json:"live"`
		Suspect int `json:"suspect"`
		Dead    int `json:"dead"`
	} `json:"peers"`
}

// Server wraps an http.Server exposing the node's ops surface.
type Server struct {
	nodeID   string
	registry *registry.Registry
	logger   *zap.Logger
	httpSrv  *http.Server
}

// New constructs the ops HTTP server, listening on addr (e.g. ":8080").
func New(nodeID, addr string, reg *registry.Registry, logger *zap.Logger) *Server {
	s := &Server{nodeID: nodeID, registry: reg, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Start begins serving in the background and returns immediately. The
// http.ErrServerClosed returned after Shutdown is expected and not logged;
// any other ListenAndServe error is logged at error.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http api server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	live, suspect, dead := s.registry.Counts()

	status := HealthStatus{NodeID: s.nodeID, Timestamp: time.Now()}
	status.Peers.Live = live
	status.Peers.Suspect = suspect
	status.Peers.Dead = dead

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
