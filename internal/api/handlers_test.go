package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/history"
	"github.com/mattjoyce/rendergate/internal/inspect"
)

// mockBatches implements BatchReader for testing
type mockBatches struct {
	listFunc func(ctx context.Context, limit int) ([]history.Batch, error)
	getFunc  func(ctx context.Context, batchID string) (*history.Batch, []history.Record, error)
}

func (m *mockBatches) ListBatches(ctx context.Context, limit int) ([]history.Batch, error) {
	if m.listFunc == nil {
		return nil, nil
	}
	return m.listFunc(ctx, limit)
}

func (m *mockBatches) GetBatch(ctx context.Context, batchID string) (*history.Batch, []history.Record, error) {
	if m.getFunc == nil {
		return nil, nil, history.ErrBatchNotFound
	}
	return m.getFunc(ctx, batchID)
}

func testRegistry(t *testing.T) *binding.Registry {
	t.Helper()
	reg := binding.NewRegistry()
	require.NoError(t, reg.Add(&binding.Binding{
		Name:        "unroll",
		SceneFile:   "/scenes/Unroll.blend",
		EntryScript: "/scenes/run.py",
		Description: "Unrolled cloth sequence",
		Params: binding.Params{
			{Name: binding.ParamNumFrames, Type: binding.TypeInt},
			{Name: "meshName", Type: binding.TypeString},
		},
	}))
	require.NoError(t, reg.Add(&binding.Binding{
		Name:        "cloth_drop",
		SceneFile:   "/scenes/ClothDrop.blend",
		EntryScript: "/scenes/run.py",
	}))
	return reg
}

func newTestServer(t *testing.T, cfg Config, batches BatchReader) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, batches, testRegistry(t), logger).Handler()
}

func get(t *testing.T, h http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret"}, &mockBatches{})

	rr := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp HealthzResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.BindingsLoaded)
}

func TestListBindings(t *testing.T) {
	h := newTestServer(t, Config{}, &mockBatches{})

	rr := get(t, h, "/bindings", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp BindingListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Bindings, 2)
	assert.Equal(t, "cloth_drop", resp.Bindings[0].Name)
	assert.Empty(t, resp.Bindings[0].Params)
	assert.Equal(t, "unroll", resp.Bindings[1].Name)
	assert.Equal(t, []string{"numFrames", "meshName"}, resp.Bindings[1].Params)
}

func TestGetBinding(t *testing.T) {
	h := newTestServer(t, Config{}, &mockBatches{})

	rr := get(t, h, "/bindings/unroll", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var b binding.Binding
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	assert.Equal(t, "/scenes/Unroll.blend", b.SceneFile)
	assert.Equal(t, binding.DefaultFramePattern, b.FramePattern)

	rr = get(t, h, "/bindings/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "binding not found")
}

func TestListBatches(t *testing.T) {
	var gotLimit int
	batches := &mockBatches{
		listFunc: func(_ context.Context, limit int) ([]history.Batch, error) {
			gotLimit = limit
			return []history.Batch{
				{ID: "b-2", Status: history.BatchRunning, JobCount: 3, StartedAt: time.Now()},
				{ID: "b-1", Status: history.BatchSucceeded, JobCount: 1, StartedAt: time.Now()},
			}, nil
		},
	}
	h := newTestServer(t, Config{}, batches)

	rr := get(t, h, "/batches?limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, gotLimit)

	var resp BatchListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Batches, 2)
	assert.Equal(t, "b-2", resp.Batches[0].ID)

	rr = get(t, h, "/batches", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, gotLimit)
}

func TestListBatches_BadLimit(t *testing.T) {
	h := newTestServer(t, Config{}, &mockBatches{})
	for _, q := range []string{"abc", "0", "-1", "501"} {
		rr := get(t, h, "/batches?limit="+q, nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "limit=%s", q)
	}
}

func TestListBatches_Empty(t *testing.T) {
	h := newTestServer(t, Config{}, &mockBatches{})
	rr := get(t, h, "/batches", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"batches":[]}`, rr.Body.String())
}

func TestListBatches_StoreError(t *testing.T) {
	h := newTestServer(t, Config{}, &mockBatches{
		listFunc: func(context.Context, int) ([]history.Batch, error) {
			return nil, errors.New("database is locked")
		},
	})
	rr := get(t, h, "/batches", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.NotContains(t, rr.Body.String(), "database is locked")
}

func TestGetBatch(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(time.Minute)
	detail := "renderer exited with code 1"
	batches := &mockBatches{
		getFunc: func(_ context.Context, id string) (*history.Batch, []history.Record, error) {
			if id != "b-1" {
				return nil, nil, history.ErrBatchNotFound
			}
			return &history.Batch{ID: "b-1", Status: history.BatchFailed, JobCount: 2, StartedAt: started, CompletedAt: &done},
				[]history.Record{
					{BatchID: "b-1", Seq: 0, JobName: "run1", Binding: "unroll", State: "succeeded"},
					{BatchID: "b-1", Seq: 1, JobName: "run2", Binding: "unroll", State: "failed", Reason: "render_error", ExitCode: 1, LastError: &detail},
				}, nil
		},
	}
	h := newTestServer(t, Config{}, batches)

	rr := get(t, h, "/batches/b-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var report inspect.BatchReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "b-1", report.BatchID)
	assert.Equal(t, "failed", report.Status)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Jobs, 2)
	assert.Equal(t, detail, report.Jobs[1].Detail)

	rr = get(t, h, "/batches/b-404", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret"}, &mockBatches{})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rr := get(t, h, "/bindings", headers)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestCORSAllowedOrigins(t *testing.T) {
	h := newTestServer(t, Config{APIKey: "secret", AllowedOrigins: []string{"http://dash.local"}}, &mockBatches{})

	req := httptest.NewRequest(http.MethodOptions, "/bindings", nil)
	req.Header.Set("Origin", "http://dash.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Less(t, rr.Code, 300, "preflight must not hit auth")
	assert.Equal(t, "http://dash.local", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = get(t, h, "/bindings", map[string]string{"Origin": "http://dash.local", "Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "http://dash.local", rr.Header().Get("Access-Control-Allow-Origin"))

	rr = get(t, h, "/bindings", map[string]string{"Origin": "http://evil.local", "Authorization": "Bearer secret"})
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))

	plain := newTestServer(t, Config{}, &mockBatches{})
	rr = get(t, plain, "/bindings", map[string]string{"Origin": "http://dash.local"})
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
