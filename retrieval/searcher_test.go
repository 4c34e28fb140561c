package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVectorIndex struct {
	mu          sync.Mutex
	collections []string
	points      []map[string]any
	searches    []map[string]any
}

func (s *stubVectorIndex) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/points/search"):
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			s.searches = append(s.searches, req)

			results := make([]map[string]any, 0, len(s.points))
			for _, point := range s.points {
				results = append(results, map[string]any{
					"id":      point["id"],
					"score":   0.9,
					"payload": point["payload"],
				})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"result": results})
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/points"):
			var req struct {
				Points []map[string]any `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			s.points = append(s.points, req.Points...)
			_ = json.NewEncoder(w).Encode(map[string]any{"result": true, "status": "ok"})
		case r.Method == http.MethodPut:
			s.collections = append(s.collections, path.Base(r.URL.Path))
			_ = json.NewEncoder(w).Encode(map[string]any{"result": true, "status": "ok"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func serveStubEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Input []string `json:"input"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	data := make([]map[string]any, len(req.Input))
	for i := range req.Input {
		data[i] = map[string]any{"index": i, "embedding": []float64{0.1, 0.2, 0.3, 0.4}}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func newStubSearcher(t *testing.T) (*Searcher, *stubVectorIndex) {
	t.Helper()

	stub := &stubVectorIndex{}
	vectorSrv := httptest.NewServer(stub.handler())
	t.Cleanup(vectorSrv.Close)
	embedSrv := httptest.NewServer(http.HandlerFunc(serveStubEmbeddings))
	t.Cleanup(embedSrv.Close)

	t.Setenv("EMBEDDING_API_KEY", "test-key")
	t.Setenv("EMBEDDING_BASE_URL", embedSrv.URL)
	t.Setenv("QDRANT_URL", vectorSrv.URL)
	t.Setenv("QDRANT_COLLECTION", "fabula_memories_test")
	t.Setenv("QDRANT_VECTOR_DIM", "4")

	searcher, err := NewSearcherFromEnv()
	require.NoError(t, err)
	require.NotNil(t, searcher)
	return searcher, stub
}

func TestNewSearcherFromEnvWithoutKeyIsDisabled(t *testing.T) {
	t.Setenv("EMBEDDING_API_KEY", "")
	t.Setenv("LLM_API_KEY", "")

	searcher, err := NewSearcherFromEnv()
	require.NoError(t, err)
	assert.Nil(t, searcher)
}

func TestPrepareCreatesCollection(t *testing.T) {
	searcher, stub := newStubSearcher(t)

	require.NoError(t, searcher.Prepare(context.Background()))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, []string{"fabula_memories_test"}, stub.collections)
}

func TestIndexThenSearchRoundTrip(t *testing.T) {
	searcher, stub := newStubSearcher(t)
	ctx := context.Background()
	require.NoError(t, searcher.Prepare(ctx))

	ref, err := searcher.Index(ctx, 7, "the innkeeper is named Brona", map[string]any{"kind": "memory"})
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	stub.mu.Lock()
	require.Len(t, stub.points, 1)
	payload, ok := stub.points[0]["payload"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, payload["session_id"])
	assert.Equal(t, "the innkeeper is named Brona", payload["content"])
	assert.Equal(t, "memory", payload["kind"])
	stub.mu.Unlock()

	matches, err := searcher.Search(ctx, 7, "innkeeper", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, ref, matches[0].Ref)
	assert.Equal(t, "the innkeeper is named Brona", matches[0].Content)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.searches, 1)
	filter, ok := stub.searches[0]["filter"].(map[string]any)
	require.True(t, ok, "search must be scoped to the session")
	must, ok := filter["must"].([]any)
	require.True(t, ok)
	require.Len(t, must, 1)
	clause, ok := must[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "session_id", clause["key"])
}
