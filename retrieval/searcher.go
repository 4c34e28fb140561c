package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const defaultCollection = "fabula_memories"

// Match is one ranked grounding result from the vector index.
type Match struct {
	Ref      string         `json:"ref"`
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Searcher embeds a query and answers it against the vector index. Callers
// only keep the references it returns; similarity ranking stays inside the
// index.
type Searcher struct {
	embedder   Embedder
	vectors    *vectorClient
	collection string
	vectorDim  int
}

// NewSearcherFromEnv wires the embedder and vector client together. Returns
// (nil, nil) when embeddings are not configured; grounding is optional and
// degrades to empty results.
func NewSearcherFromEnv() (*Searcher, error) {
	embedder, err := NewHTTPEmbedderFromEnv()
	if err != nil {
		return nil, err
	}
	if embedder == nil {
		return nil, nil
	}

	vectors, err := newVectorClientFromEnv()
	if err != nil {
		return nil, err
	}

	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = defaultCollection
	}

	vectorDim := 1024
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorDim = parsed
		}
	}

	return &Searcher{
		embedder:   embedder,
		vectors:    vectors,
		collection: collection,
		vectorDim:  vectorDim,
	}, nil
}

// Prepare creates the backing collection if it does not exist yet.
func (s *Searcher) Prepare(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.vectors.EnsureCollection(ctx, s.collection, s.vectorDim)
}

// Index embeds and stores one content entry, returning its reference.
func (s *Searcher) Index(ctx context.Context, sessionID uint64, content string, metadata map[string]any) (string, error) {
	if s == nil {
		return "", errors.New("retrieval: searcher is not configured")
	}

	vectors, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return "", err
	}
	if len(vectors) == 0 {
		return "", errors.New("retrieval: nothing to index")
	}

	payload := map[string]any{"session_id": sessionID, "content": content}
	for key, value := range metadata {
		payload[key] = value
	}

	ref := uuid.NewString()
	if err := s.vectors.UpsertPoints(ctx, s.collection, []vectorPoint{{
		ID:      ref,
		Vector:  vectors[0],
		Payload: payload,
	}}); err != nil {
		return "", err
	}
	return ref, nil
}

// Search embeds the query and returns ranked matches scoped to one session.
func (s *Searcher) Search(ctx context.Context, sessionID uint64, query string, limit int) ([]Match, error) {
	if s == nil {
		return nil, nil
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	var filter map[string]any
	if sessionID != 0 {
		filter = map[string]any{
			"must": []map[string]any{
				{"key": "session_id", "match": map[string]any{"value": sessionID}},
			},
		}
	}

	hits, err := s.vectors.Search(ctx, s.collection, vectors[0], limit, filter)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		match := Match{Ref: hit.ID, Score: hit.Score, Metadata: hit.Payload}
		if content, ok := hit.Payload["content"].(string); ok {
			match.Content = content
		}
		matches = append(matches, match)
	}
	return matches, nil
}
