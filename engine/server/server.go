// Package server exposes the control plane of the I/O engine over HTTP:
// nexus lifecycle, child membership, rebuild control, and metrics.
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/openebs/mayastor-sub001/engine/core"
	"github.com/openebs/mayastor-sub001/engine/nexus"
	"github.com/openebs/mayastor-sub001/engine/pstore"
	"github.com/openebs/mayastor-sub001/engine/stats"
)

// Options configures one engine server.
type Options struct {
	Pool           *core.Pool
	Store          pstore.NexusInfoStore
	PersistTimeout time.Duration
}

// Server owns the nexus registry and the HTTP routes operating on it.
type Server struct {
	opts   Options
	router *mux.Router

	mu      sync.Mutex
	nexuses map[string]*nexus.Nexus
}

func NewServer(opts Options) (*Server, error) {
	if opts.Pool == nil || opts.Store == nil {
		return nil, fmt.Errorf("server: reactor pool and persistence store are required")
	}
	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		nexuses: make(map[string]*nexus.Nexus),
	}

	r := s.router
	r.HandleFunc("/healthz", s.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.Handle("/metrics", stats.Handler()).Methods(http.MethodGet)

	v0 := r.PathPrefix("/v0").Subrouter()
	v0.HandleFunc("/nexuses", s.listNexusHandler).Methods(http.MethodGet)
	v0.HandleFunc("/nexuses", s.createNexusHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}", s.getNexusHandler).Methods(http.MethodGet)
	v0.HandleFunc("/nexuses/{name}", s.destroyNexusHandler).Methods(http.MethodDelete)
	v0.HandleFunc("/nexuses/{name}/shutdown", s.shutdownNexusHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}/share", s.shareNexusHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}/unshare", s.unshareNexusHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}/children", s.addChildHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}/children", s.removeChildHandler).Methods(http.MethodDelete)
	v0.HandleFunc("/nexuses/{name}/children/fault", s.faultChildHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}/rebuilds", s.startRebuildHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}/rebuilds", s.rebuildProgressHandler).Methods(http.MethodGet)
	v0.HandleFunc("/nexuses/{name}/rebuilds", s.stopRebuildHandler).Methods(http.MethodDelete)
	v0.HandleFunc("/nexuses/{name}/rebuilds/pause", s.pauseRebuildHandler).Methods(http.MethodPost)
	v0.HandleFunc("/nexuses/{name}/rebuilds/resume", s.resumeRebuildHandler).Methods(http.MethodPost)
	return s, nil
}

// Router exposes the handler tree for mounting on an http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) lookup(name string) (*nexus.Nexus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, found := s.nexuses[name]
	if !found {
		return nil, fmt.Errorf("no nexus %q", name)
	}
	return n, nil
}

// Close shuts every nexus down cleanly. Called on process teardown.
func (s *Server) Close() {
	s.mu.Lock()
	all := make([]*nexus.Nexus, 0, len(s.nexuses))
	for _, n := range s.nexuses {
		all = append(all, n)
	}
	s.nexuses = make(map[string]*nexus.Nexus)
	s.mu.Unlock()

	for _, n := range all {
		n.Shutdown()
	}
	glog.V(0).Infof("engine server closed, %d nexus(es) shut down", len(all))
}
