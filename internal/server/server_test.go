package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"converge/internal/config"
	"converge/internal/engine"
	"converge/internal/registry"
)

type stubSource struct{}

func (stubSource) ResolveRevision(ctx context.Context, target engine.Target) (string, error) {
	return "deadbeef", nil
}

func (stubSource) Render(ctx context.Context, target engine.Target, revision string) ([]*unstructured.Unstructured, error) {
	return nil, nil
}

type stubCluster struct{}

func (stubCluster) List(ctx context.Context, target engine.Target, gvks []schema.GroupVersionKind) ([]*unstructured.Unstructured, error) {
	return nil, nil
}

func (stubCluster) Get(ctx context.Context, target engine.Target, id engine.ObjectIdentity) (*unstructured.Unstructured, error) {
	return nil, nil
}

func (stubCluster) Apply(ctx context.Context, target engine.Target, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return obj, nil
}

func (stubCluster) Delete(ctx context.Context, target engine.Target, id engine.ObjectIdentity) error {
	return nil
}

func testServer(t *testing.T) *Server {
	t.Helper()

	store, err := registry.NewStore(t.TempDir())
	require.NoError(t, err)

	cfg := config.GetDefaultConfig()
	scheduler := engine.NewScheduler(engine.SchedulerConfig{}, stubSource{}, stubCluster{})
	return New(cfg, scheduler, store)
}

func postTarget(t *testing.T, s *Server, target engine.Target) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(target)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/targets", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func apiTarget(name string) engine.Target {
	return engine.Target{
		Name:        name,
		RepoURL:     "https://git.example.com/" + name + ".git",
		Revision:    "main",
		Path:        "manifests",
		Destination: engine.Destination{Context: "prod", Namespace: name},
	}
}

func TestCreateTarget(t *testing.T) {
	s := testServer(t)

	rec := postTarget(t, s, apiTarget("web"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created engine.Target
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "web", created.Name)
	// Unset interval is defaulted.
	assert.Equal(t, 3*time.Minute, created.Interval)

	// The definition is persisted for restarts.
	persisted, err := s.store.Load("web")
	require.NoError(t, err)
	assert.Equal(t, created, persisted)
}

func TestCreateTargetValidation(t *testing.T) {
	s := testServer(t)

	target := apiTarget("web")
	target.RepoURL = ""
	rec := postTarget(t, s, target)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTargetConflict(t *testing.T) {
	s := testServer(t)

	require.Equal(t, http.StatusCreated, postTarget(t, s, apiTarget("web")).Code)
	assert.Equal(t, http.StatusConflict, postTarget(t, s, apiTarget("web")).Code)
}

func TestGetTarget(t *testing.T) {
	s := testServer(t)
	require.Equal(t, http.StatusCreated, postTarget(t, s, apiTarget("web")).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/targets/web", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp targetStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "web", resp.Target.Name)
	assert.Equal(t, engine.PhaseIdle, resp.State.Phase)
}

func TestGetTargetNotFound(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/targets/ghost", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTargets(t *testing.T) {
	s := testServer(t)
	require.Equal(t, http.StatusCreated, postTarget(t, s, apiTarget("api")).Code)
	require.Equal(t, http.StatusCreated, postTarget(t, s, apiTarget("web")).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/targets", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []targetStateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "api", resp[0].Target.Name)
	assert.Equal(t, "web", resp[1].Target.Name)
}

func TestUpdateTarget(t *testing.T) {
	s := testServer(t)
	require.Equal(t, http.StatusCreated, postTarget(t, s, apiTarget("web")).Code)

	t.Run("revision change is accepted", func(t *testing.T) {
		updated := apiTarget("web")
		updated.Revision = "v2.0.0"
		body, err := json.Marshal(updated)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPut, "/api/targets/web", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		persisted, err := s.store.Load("web")
		require.NoError(t, err)
		assert.Equal(t, "v2.0.0", persisted.Revision)
	})

	t.Run("identity change is rejected", func(t *testing.T) {
		updated := apiTarget("web")
		updated.RepoURL = "https://git.example.com/other.git"
		body, err := json.Marshal(updated)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPut, "/api/targets/web", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDeleteTarget(t *testing.T) {
	s := testServer(t)
	require.Equal(t, http.StatusCreated, postTarget(t, s, apiTarget("web")).Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/targets/web", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := s.store.Load("web")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	req = httptest.NewRequest(http.MethodDelete, "/api/targets/web", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncTarget(t *testing.T) {
	s := testServer(t)
	require.Equal(t, http.StatusCreated, postTarget(t, s, apiTarget("web")).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/targets/web/sync", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/targets/ghost/sync", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "metrics")
	assert.Contains(t, resp, "queueLength")
}
