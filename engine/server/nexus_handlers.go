package server

import (
	"fmt"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/openebs/mayastor-sub001/engine/nexus"
	"github.com/openebs/mayastor-sub001/engine/stats"
	"github.com/openebs/mayastor-sub001/engine/util"
)

type createNexusRequest struct {
	Name      string   `json:"name"`
	UUID      string   `json:"uuid,omitempty"`
	BlockSize uint32   `json:"block_size"`
	NumBlocks uint64   `json:"num_blocks"`
	Children  []string `json:"children"`
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJson(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": util.Version(),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.nexuses)
	s.mu.Unlock()
	writeJson(w, r, http.StatusOK, map[string]interface{}{
		"version": util.Version(),
		"nexuses": count,
		"memory":  stats.MemStat(),
	})
}

func (s *Server) listNexusHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	all := make([]*nexus.Nexus, 0, len(s.nexuses))
	for _, n := range s.nexuses {
		all = append(all, n)
	}
	s.mu.Unlock()

	out := make([]nexus.NexusSnapshot, 0, len(all))
	for _, n := range all {
		out = append(out, n.Snapshot())
	}
	writeJson(w, r, http.StatusOK, out)
}

func (s *Server) createNexusHandler(w http.ResponseWriter, r *http.Request) {
	var req createNexusRequest
	if err := readJson(r, &req); err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	_, exists := s.nexuses[req.Name]
	s.mu.Unlock()
	if exists {
		writeJsonError(w, r, http.StatusConflict, fmt.Errorf("nexus %q already exists", req.Name))
		return
	}

	n, err := nexus.Create(nexus.Options{
		Name:           req.Name,
		UUID:           req.UUID,
		BlockSize:      req.BlockSize,
		NumBlocks:      req.NumBlocks,
		Children:       req.Children,
		Pool:           s.opts.Pool,
		Store:          s.opts.Store,
		PersistTimeout: s.opts.PersistTimeout,
	})
	if err != nil {
		writeJsonError(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	s.mu.Lock()
	if _, exists := s.nexuses[req.Name]; exists {
		// Lost a create race; undo ours.
		s.mu.Unlock()
		n.Shutdown()
		writeJsonError(w, r, http.StatusConflict, fmt.Errorf("nexus %q already exists", req.Name))
		return
	}
	s.nexuses[req.Name] = n
	s.mu.Unlock()

	glog.V(0).Infof("created nexus %s via %s", req.Name, r.RemoteAddr)
	writeJson(w, r, http.StatusCreated, n.Snapshot())
}

func (s *Server) getNexusHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	writeJson(w, r, http.StatusOK, n.Snapshot())
}

func (s *Server) destroyNexusHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	n, found := s.nexuses[name]
	delete(s.nexuses, name)
	s.mu.Unlock()
	if !found {
		writeJsonError(w, r, http.StatusNotFound, fmt.Errorf("no nexus %q", name))
		return
	}
	if err := n.Destroy(); err != nil {
		writeJsonError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJson(w, r, http.StatusOK, nil)
}

func (s *Server) shutdownNexusHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	n.Shutdown()
	writeJson(w, r, http.StatusOK, n.Snapshot())
}

func (s *Server) shareNexusHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	shareName, err := n.Share()
	if err != nil {
		writeJsonError(w, r, http.StatusConflict, err)
		return
	}
	writeJson(w, r, http.StatusOK, map[string]string{"share_name": shareName})
}

func (s *Server) unshareNexusHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	n.Unshare()
	writeJson(w, r, http.StatusOK, nil)
}

type childRequest struct {
	URI string `json:"uri"`
}

// childArg accepts the child URI either as a JSON body or a query parameter,
// since replica URIs do not fit in a path segment.
func childArg(r *http.Request) (string, error) {
	if uri := r.URL.Query().Get("uri"); uri != "" {
		return uri, nil
	}
	var req childRequest
	if err := readJson(r, &req); err != nil {
		return "", fmt.Errorf("child uri required: %v", err)
	}
	if req.URI == "" {
		return "", fmt.Errorf("child uri required")
	}
	return req.URI, nil
}

func (s *Server) addChildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	uri, err := childArg(r)
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := n.AddChild(uri); err != nil {
		writeJsonError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeJson(w, r, http.StatusCreated, n.Snapshot())
}

func (s *Server) removeChildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	uri, err := childArg(r)
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := n.RemoveChild(uri); err != nil {
		writeJsonError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeJson(w, r, http.StatusOK, n.Snapshot())
}

func (s *Server) faultChildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	uri, err := childArg(r)
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := n.FaultChild(uri); err != nil {
		writeJsonError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeJson(w, r, http.StatusOK, n.Snapshot())
}

type startRebuildRequest struct {
	URI           string `json:"uri"`
	Verify        bool   `json:"verify,omitempty"`
	SegmentBlocks uint64 `json:"segment_blocks,omitempty"`
}

func (s *Server) startRebuildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	var req startRebuildRequest
	if err := readJson(r, &req); err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.URI == "" {
		writeJsonError(w, r, http.StatusBadRequest, fmt.Errorf("child uri required"))
		return
	}
	if _, err := n.StartRebuild(req.URI, nexus.RebuildOptions{
		Verify:        req.Verify,
		SegmentBlocks: req.SegmentBlocks,
	}); err != nil {
		writeJsonError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeJson(w, r, http.StatusAccepted, n.Snapshot())
}

func (s *Server) rebuildProgressHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	uri, err := childArg(r)
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	p, err := n.RebuildProgress(uri)
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	writeJson(w, r, http.StatusOK, p)
}

func (s *Server) stopRebuildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	uri, err := childArg(r)
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := n.StopRebuild(uri); err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	writeJson(w, r, http.StatusOK, n.Snapshot())
}

func (s *Server) pauseRebuildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	uri, err := childArg(r)
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := n.PauseRebuild(uri); err != nil {
		writeJsonError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeJson(w, r, http.StatusOK, nil)
}

func (s *Server) resumeRebuildHandler(w http.ResponseWriter, r *http.Request) {
	n, err := s.lookup(mux.Vars(r)["name"])
	if err != nil {
		writeJsonError(w, r, http.StatusNotFound, err)
		return
	}
	uri, err := childArg(r)
	if err != nil {
		writeJsonError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := n.ResumeRebuild(uri); err != nil {
		writeJsonError(w, r, http.StatusUnprocessableEntity, err)
		return
	}
	writeJson(w, r, http.StatusOK, nil)
}
