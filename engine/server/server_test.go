package server

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openebs/mayastor-sub001/engine/core"
	"github.com/openebs/mayastor-sub001/engine/nexus"
	"github.com/openebs/mayastor-sub001/engine/pstore"
)

var serverSeq int

func newTestServer(t *testing.T) *Server {
	t.Helper()
	serverSeq++
	pool := core.NewPool(2)
	pool.Start()
	t.Cleanup(pool.Stop)
	store := &pstore.MemoryStore{}
	require.NoError(t, store.Initialize(nil, ""))
	s, err := NewServer(Options{Pool: pool, Store: store, PersistTimeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, obj interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), obj), "body: %s", w.Body.String())
}

func childURI(i int) string {
	return fmt.Sprintf("mem:///srv%d-c%d?size_mb=1&blk_size=512", serverSeq, i)
}

func createReq(children ...string) createNexusRequest {
	return createNexusRequest{
		Name:      fmt.Sprintf("srv-nexus-%d", serverSeq),
		BlockSize: 512,
		NumBlocks: 2048,
		Children:  children,
	}
}

func TestServer(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "healthz", run: testHealthz},
		{name: "nexus_lifecycle", run: testNexusLifecycle},
		{name: "duplicate_create_conflicts", run: testDuplicateCreateConflicts},
		{name: "child_membership", run: testChildMembership},
		{name: "rebuild_flow", run: testRebuildFlow},
		{name: "share_unshare", run: testServerShareUnshare},
		{name: "unknown_nexus_404", run: testUnknownNexus404},
		{name: "metrics_exposed", run: testMetricsExposed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func testHealthz(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	decode(t, w, &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["version"])
}

func testNexusLifecycle(t *testing.T) {
	s := newTestServer(t)
	req := createReq(childURI(0), childURI(1))

	w := do(t, s, http.MethodPost, "/v0/nexuses", req)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var snap nexus.NexusSnapshot
	decode(t, w, &snap)
	assert.Equal(t, req.Name, snap.Name)
	assert.Equal(t, "online", snap.Status)
	assert.Len(t, snap.Children, 2)

	w = do(t, s, http.MethodGet, "/v0/nexuses/"+req.Name, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/v0/nexuses", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []nexus.NexusSnapshot
	decode(t, w, &all)
	assert.Len(t, all, 1)

	w = do(t, s, http.MethodPost, "/v0/nexuses/"+req.Name+"/shutdown", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &snap)
	assert.Equal(t, "shutdown", snap.Status)

	w = do(t, s, http.MethodDelete, "/v0/nexuses/"+req.Name, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, http.MethodGet, "/v0/nexuses/"+req.Name, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func testDuplicateCreateConflicts(t *testing.T) {
	s := newTestServer(t)
	req := createReq(childURI(0))
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v0/nexuses", req).Code)
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, "/v0/nexuses", req).Code)
}

func testChildMembership(t *testing.T) {
	s := newTestServer(t)
	req := createReq(childURI(0), childURI(1))
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v0/nexuses", req).Code)
	base := "/v0/nexuses/" + req.Name

	w := do(t, s, http.MethodPost, base+"/children", childRequest{URI: childURI(2)})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var snap nexus.NexusSnapshot
	decode(t, w, &snap)
	require.Len(t, snap.Children, 3)
	assert.Equal(t, "degraded", snap.Status) // new child is unsynced

	w = do(t, s, http.MethodPost, base+"/children/fault", childRequest{URI: childURI(1)})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &snap)
	for _, c := range snap.Children {
		if c.URI == childURI(1) {
			assert.Equal(t, "faulted", c.State)
		}
	}

	w = do(t, s, http.MethodDelete, base+"/children?uri="+url.QueryEscape(childURI(2)), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &snap)
	assert.Len(t, snap.Children, 2)
}

func testRebuildFlow(t *testing.T) {
	s := newTestServer(t)
	req := createReq(childURI(0))
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v0/nexuses", req).Code)
	base := "/v0/nexuses/" + req.Name

	added := childURI(1)
	require.Equal(t, http.StatusCreated,
		do(t, s, http.MethodPost, base+"/children", childRequest{URI: added}).Code)

	w := do(t, s, http.MethodPost, base+"/rebuilds", startRebuildRequest{URI: added})
	require.Equal(t, http.StatusAccepted, w.Code, "body: %s", w.Body.String())

	deadline := time.Now().Add(10 * time.Second)
	for {
		var snap nexus.NexusSnapshot
		decode(t, do(t, s, http.MethodGet, base, nil), &snap)
		synced := false
		for _, c := range snap.Children {
			if c.URI == added && c.SyncState == "synced" {
				synced = true
			}
		}
		if synced {
			assert.Equal(t, "online", snap.Status)
			require.NotEmpty(t, snap.History)
			assert.Equal(t, "completed", snap.History[len(snap.History)-1].State)
			break
		}
		require.True(t, time.Now().Before(deadline), "rebuild did not complete")
		time.Sleep(5 * time.Millisecond)
	}

	// The job is gone once it completed.
	w = do(t, s, http.MethodGet, base+"/rebuilds?uri="+url.QueryEscape(added), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func testServerShareUnshare(t *testing.T) {
	s := newTestServer(t)
	req := createReq(childURI(0))
	require.Equal(t, http.StatusCreated, do(t, s, http.MethodPost, "/v0/nexuses", req).Code)
	base := "/v0/nexuses/" + req.Name

	w := do(t, s, http.MethodPost, base+"/share", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	decode(t, w, &resp)
	assert.Contains(t, resp["share_name"], req.Name)

	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, base+"/unshare", nil).Code)
}

func testUnknownNexus404(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v0/nexuses/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/v0/nexuses/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		do(t, s, http.MethodPost, "/v0/nexuses/nope/children", childRequest{URI: "mem:///x"}).Code)
}

func testMetricsExposed(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
}
