package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vibehost/provisioner/internal/backend"
	perrors "github.com/vibehost/provisioner/internal/errors"
	"github.com/vibehost/provisioner/internal/topology"
)

// fakePlatform records requests against an in-memory orchestration API
type fakePlatform struct {
	mu          sync.Mutex
	serverCalls int32
	authHeaders []string
	apps        map[string]string // app id -> status
	projects    map[string]bool
	lastApp     ApplicationRequest
	serverCode  int
}

func newFakePlatform(t *testing.T) (*fakePlatform, *httptest.Server) {
	t.Helper()
	f := &fakePlatform{apps: map[string]string{}, projects: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.serverCalls, 1)
		if f.serverCode != 0 {
			w.WriteHeader(f.serverCode)
			_, _ = w.Write([]byte(`{"message":"Server not found."}`))
			return
		}
		_, _ = w.Write([]byte(`{"id": 1, "name": "localhost"}`))
	})
	mux.HandleFunc("POST /api/v1/projects", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.mu.Lock()
		f.projects["7"] = true
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"id": 7}`))
	})
	mux.HandleFunc("POST /api/v1/projects/{pid}/applications", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		var req ApplicationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		f.mu.Lock()
		f.lastApp = req
		f.apps["app-1"] = "created"
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"id": "app-1"}`))
	})
	mux.HandleFunc("POST /api/v1/projects/{pid}/applications/{aid}/deploy", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.setStatus(r.PathValue("aid"), "running")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("POST /api/v1/projects/{pid}/applications/{aid}/stop", func(w http.ResponseWriter, r *http.Request) {
		f.record(r)
		f.setStatus(r.PathValue("aid"), "exited")
	})
	mux.HandleFunc("GET /api/v1/projects/{pid}/applications/{aid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		status, ok := f.apps[r.PathValue("aid")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("aid"), "status": status, "fqdn": "https://acme.example.com"})
	})
	mux.HandleFunc("DELETE /api/v1/projects/{pid}/applications/{aid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.apps[r.PathValue("aid")]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.apps, r.PathValue("aid"))
	})
	mux.HandleFunc("DELETE /api/v1/projects/{pid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.projects[r.PathValue("pid")] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.projects, r.PathValue("pid"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePlatform) record(r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))
}

func (f *fakePlatform) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.apps[id]; ok {
		f.apps[id] = status
	}
}

func newAdapter(url string) *Adapter {
	client := NewClient(ClientConfig{URL: url, APIKey: "secret-key", ServerID: 1}, zap.NewNop())
	return NewAdapter(client, zap.NewNop())
}

func definition(t *testing.T) *topology.Definition {
	t.Helper()
	def, err := topology.Build(topology.Request{StackName: "acme", Domain: "example.com", Email: "admin@acme.io"}, topology.DefaultImages)
	require.NoError(t, err)
	return def
}

func TestAdapter_FullLifecycle(t *testing.T) {
	f, srv := newFakePlatform(t)
	a := newAdapter(srv.URL)
	ctx := context.Background()

	ns, err := a.CreateNamespace(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "7", ns)

	h, err := a.CreateStack(ctx, ns, definition(t))
	require.NoError(t, err)
	assert.Equal(t, backend.Handle{StackName: "acme", Namespace: "7", Application: "app-1"}, h)

	assert.Equal(t, "docker-compose", f.lastApp.Type)
	assert.Equal(t, 1, f.lastApp.ServerID)
	assert.Equal(t, "acme.example.com", f.lastApp.Domain)
	assert.Equal(t, 3000, f.lastApp.Port)
	assert.Equal(t, "acme.example.com", f.lastApp.EnvVariables["DISCOURSE_HOSTNAME"])
	assert.NotEmpty(t, f.lastApp.EnvVariables["POSTGRES_PASSWORD"])

	var manifest struct {
		Services map[string]any `yaml:"services"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(f.lastApp.DockerCompose), &manifest))
	assert.Contains(t, manifest.Services, "discourse-acme")
	assert.Contains(t, manifest.Services, "postgres-acme")
	assert.Contains(t, manifest.Services, "redis-acme")

	states, err := a.StatusOf(ctx, h)
	require.NoError(t, err)
	for _, s := range states {
		assert.False(t, s.Running)
	}

	require.NoError(t, a.Deploy(ctx, h))
	states, err = a.StatusOf(ctx, h)
	require.NoError(t, err)
	require.Len(t, states, 3)
	for _, s := range states {
		assert.True(t, s.Running, s.Name)
		assert.Equal(t, "running", s.RawState)
	}

	require.NoError(t, a.Stop(ctx, h))
	states, err = a.StatusOf(ctx, h)
	require.NoError(t, err)
	assert.False(t, states[0].Running)

	exists, err := a.Exists(ctx, h)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, a.Destroy(ctx, h))
	exists, err = a.Exists(ctx, h)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting again hits 404s, which count as success
	require.NoError(t, a.Destroy(ctx, h))

	for _, hdr := range f.authHeaders {
		assert.Equal(t, "Bearer secret-key", hdr)
	}
}

func TestAdapter_VerifiesServerOnce(t *testing.T) {
	f, srv := newFakePlatform(t)
	a := newAdapter(srv.URL)
	ctx := context.Background()

	_, err := a.CreateNamespace(ctx, "acme")
	require.NoError(t, err)
	_, err = a.CreateNamespace(ctx, "globex")
	require.NoError(t, err)
	require.NoError(t, a.Ping(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.serverCalls))
}

func TestAdapter_Diagnostics(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown server", func(t *testing.T) {
		f, srv := newFakePlatform(t)
		f.serverCode = http.StatusNotFound
		a := newAdapter(srv.URL)

		_, err := a.CreateNamespace(ctx, "acme")
		require.Error(t, err)
		assert.ErrorIs(t, err, perrors.ErrBackendUnavailable)
		assert.Equal(t, perrors.StageNamespace, perrors.GetStage(err))
		assert.Contains(t, err.Error(), "COOLIFY_SERVER_ID")

		// A failed verification is retried on the next call
		f.serverCode = 0
		_, err = a.CreateNamespace(ctx, "acme")
		require.NoError(t, err)
	})

	t.Run("rejected credentials", func(t *testing.T) {
		f, srv := newFakePlatform(t)
		f.serverCode = http.StatusUnauthorized
		a := newAdapter(srv.URL)

		_, err := a.CreateNamespace(ctx, "acme")
		assert.ErrorIs(t, err, perrors.ErrBackendUnavailable)
		assert.Contains(t, err.Error(), "COOLIFY_API_KEY")
	})

	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		a := newAdapter(url)

		_, err := a.CreateNamespace(ctx, "acme")
		require.Error(t, err)
		assert.ErrorIs(t, err, perrors.ErrBackendUnavailable)
		assert.Contains(t, err.Error(), "COOLIFY_URL")
	})

	t.Run("rejected application", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"message":"docker_compose is invalid"}`))
		}))
		t.Cleanup(srv.Close)
		a := newAdapter(srv.URL)

		_, err := a.CreateStack(ctx, "7", definition(t))
		require.Error(t, err)
		assert.Equal(t, perrors.ErrCodeBackendFailure, perrors.GetCode(err))
		assert.Equal(t, perrors.StageStack, perrors.GetStage(err))
		assert.Contains(t, err.Error(), "docker_compose is invalid")
	})
}

func TestAdapter_StatusOfMissingApplication(t *testing.T) {
	_, srv := newFakePlatform(t)
	a := newAdapter(srv.URL)

	states, err := a.StatusOf(context.Background(), backend.Handle{StackName: "acme", Namespace: "7", Application: "gone"})
	require.NoError(t, err)
	for _, s := range states {
		assert.False(t, s.Running)
		assert.Equal(t, "missing", s.RawState)
	}
}

func TestAdapter_DestroyEmptyHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	a := newAdapter(srv.URL)

	require.NoError(t, a.Destroy(context.Background(), backend.Handle{StackName: "acme"}))
	exists, err := a.Exists(context.Background(), backend.Handle{StackName: "acme"})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestID_UnmarshalJSON(t *testing.T) {
	var out struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 42, "b": "f1c2", "c": null}`), &out))
	assert.Equal(t, ID("42"), out.A)
	assert.Equal(t, ID("f1c2"), out.B)
	assert.Equal(t, ID(""), out.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &out))
}
