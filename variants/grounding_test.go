package variants

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabula_back/retrieval"
)

type vectorIndexStub struct {
	mu     sync.Mutex
	points []map[string]any
}

func (s *vectorIndexStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/points/search"):
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
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"result": true, "status": "ok"})
		}
	})
}

func (s *vectorIndexStub) payloads() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]map[string]any, 0, len(s.points))
	for _, point := range s.points {
		if payload, ok := point["payload"].(map[string]any); ok {
			out = append(out, payload)
		}
	}
	return out
}

func newGroundedLedger(t *testing.T) (*Ledger, *vectorIndexStub) {
	t.Helper()

	stub := &vectorIndexStub{}
	vectorSrv := httptest.NewServer(stub.handler())
	t.Cleanup(vectorSrv.Close)
	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
	}))
	t.Cleanup(embedSrv.Close)

	t.Setenv("EMBEDDING_API_KEY", "test-key")
	t.Setenv("EMBEDDING_BASE_URL", embedSrv.URL)
	t.Setenv("QDRANT_URL", vectorSrv.URL)
	t.Setenv("QDRANT_COLLECTION", "variant_memories_test")
	t.Setenv("QDRANT_VECTOR_DIM", "4")

	searcher, err := retrieval.NewSearcherFromEnv()
	require.NoError(t, err)
	require.NotNil(t, searcher)
	require.NoError(t, searcher.Prepare(context.Background()))

	base := newTestLedger(t)
	return NewLedger(base.db, base.sessions, searcher), stub
}

func TestAttachMemoryIndexesUnreferencedContent(t *testing.T) {
	ledger, stub := newGroundedLedger(t)
	ctx := context.Background()

	variant := seedVariant(t, ledger)

	memory, err := ledger.AttachMemory(ctx, variant.ID, variant.SessionID, "", "the innkeeper's name is Brona", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, memory.VectorRef)

	payloads := stub.payloads()
	require.Len(t, payloads, 1)
	assert.EqualValues(t, variant.SessionID, payloads[0]["session_id"])
	assert.Equal(t, "the innkeeper's name is Brona", payloads[0]["content"])
}

func TestAttachMemoryKeepsExistingVectorRef(t *testing.T) {
	ledger, stub := newGroundedLedger(t)
	ctx := context.Background()

	variant := seedVariant(t, ledger)

	memory, err := ledger.AttachMemory(ctx, variant.ID, variant.SessionID, "ref-known", "already indexed", nil)
	require.NoError(t, err)
	assert.Equal(t, "ref-known", memory.VectorRef)
	assert.Empty(t, stub.payloads())
}

func TestCommitIndexesPromotedReply(t *testing.T) {
	ledger, stub := newGroundedLedger(t)
	ctx := context.Background()

	variant := seedVariant(t, ledger)

	message, err := ledger.Commit(ctx, variant.ID)
	require.NoError(t, err)

	payloads := stub.payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, variant.Content, payloads[0]["content"])
	assert.Equal(t, "assistant", payloads[0]["role"])
	assert.EqualValues(t, message.ID, payloads[0]["message_id"])
}

func TestGroundAttachesIndexMatches(t *testing.T) {
	ledger, stub := newGroundedLedger(t)
	ctx := context.Background()

	variant := seedVariant(t, ledger)

	stub.mu.Lock()
	stub.points = append(stub.points, map[string]any{
		"id": "ref-seeded",
		"payload": map[string]any{
			"session_id": variant.SessionID,
			"content":    "the tavern sits at a crossroads",
		},
	})
	stub.mu.Unlock()

	memories, err := ledger.Ground(ctx, variant.ID, "where is the tavern", 5)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "ref-seeded", memories[0].VectorRef)
	assert.Equal(t, "the tavern sits at a crossroads", memories[0].Content)
}
