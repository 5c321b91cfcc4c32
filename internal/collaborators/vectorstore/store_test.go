package vectorstore_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	es "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/collaborators"
	"github.com/jonesrussell/curator/internal/collaborators/vectorstore"
)

// fakeCluster serves the handful of endpoints the store calls.
type fakeCluster struct {
	mu      sync.Mutex
	docs    map[string]json.RawMessage
	created string
	status  int
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
		return
	}

	body, _ := io.ReadAll(r.Body)
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.Method == http.MethodHead && len(parts) == 1:
		if f.created == "" {
			w.WriteHeader(http.StatusNotFound)
		}
	case r.Method == http.MethodPut && len(parts) == 1:
		f.created = string(body)
		_, _ = w.Write([]byte(`{"acknowledged":true}`))
	case len(parts) == 3 && parts[1] == "_doc":
		f.docs[parts[2]] = body
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	case len(parts) == 2 && parts[1] == "_mget":
		var req struct {
			IDs []string `json:"ids"`
		}
		_ = json.Unmarshal(body, &req)
		type doc struct {
			ID     string          `json:"_id"`
			Found  bool            `json:"found"`
			Source json.RawMessage `json:"_source,omitempty"`
		}
		out := struct {
			Docs []doc `json:"docs"`
		}{}
		for _, id := range req.IDs {
			src, ok := f.docs[id]
			out.Docs = append(out.Docs, doc{ID: id, Found: ok, Source: src})
		}
		_ = json.NewEncoder(w).Encode(out)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func newStore(t *testing.T) (*vectorstore.Store, *fakeCluster) {
	t.Helper()

	cluster := &fakeCluster{docs: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	client, err := es.NewClient(es.Config{Addresses: []string{srv.URL}, DisableRetry: true})
	require.NoError(t, err)
	return vectorstore.New(client, vectorstore.Config{Index: "vectors", Dimensions: 3}, logger.NewNop()), cluster
}

func TestStore_EnsureIndexCreatesMapping(t *testing.T) {
	store, cluster := newStore(t)

	require.NoError(t, store.EnsureIndex(t.Context()))
	assert.Contains(t, cluster.created, `"dense_vector"`)
	assert.Contains(t, cluster.created, `"dims":3`)

	before := cluster.created
	require.NoError(t, store.EnsureIndex(t.Context()))
	assert.Equal(t, before, cluster.created)
}

func TestStore_PutThenLookup(t *testing.T) {
	store, _ := newStore(t)

	id, err := store.Put(t.Context(), "c1", []float64{0.1, 0.2, 0.3})
	require.NoError(t, err)
	assert.Equal(t, "shared:c1", id)

	found, err := store.Lookup(t.Context(), []string{"c1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float64{"c1": {0.1, 0.2, 0.3}}, found)
}

func TestStore_LookupEmpty(t *testing.T) {
	store, _ := newStore(t)

	found, err := store.Lookup(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestStore_PutClassifiesErrors(t *testing.T) {
	store, cluster := newStore(t)

	cluster.status = http.StatusServiceUnavailable
	_, err := store.Put(t.Context(), "c1", []float64{1})
	require.Error(t, err)
	assert.False(t, collaborators.IsPermanent(err))

	cluster.status = http.StatusBadRequest
	_, err = store.Put(t.Context(), "c1", []float64{1})
	require.Error(t, err)
	assert.True(t, collaborators.IsPermanent(err))

	_, err = store.Put(t.Context(), "c1", nil)
	assert.True(t, collaborators.IsPermanent(err))
}
