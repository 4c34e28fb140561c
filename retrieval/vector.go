package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type vectorClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type vectorPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type vectorHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

func newVectorClientFromEnv() (*vectorClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("retrieval: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("retrieval: parse Qdrant URL: %w", err)
	}

	return &vectorClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
	}, nil
}

func (c *vectorClient) do(ctx context.Context, method, path string, payload any) (*http.Response, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("retrieval: encode %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("retrieval: create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %s request failed: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("retrieval: %s status %s: %s", path, resp.Status, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (c *vectorClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if c == nil {
		return errors.New("retrieval: vector client is not configured")
	}
	if vectorSize <= 0 {
		return errors.New("retrieval: vector size must be positive")
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": "Cosine"},
	}
	resp, err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), payload)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *vectorClient) UpsertPoints(ctx context.Context, collection string, points []vectorPoint) error {
	if c == nil {
		return errors.New("retrieval: vector client is not configured")
	}
	if len(points) == 0 {
		return nil
	}

	resp, err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(collection)+"/points", map[string]any{"points": points})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *vectorClient) Search(ctx context.Context, collection string, vector []float32, limit int, filter map[string]any) ([]vectorHit, error) {
	if c == nil {
		return nil, errors.New("retrieval: vector client is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		payload["filter"] = filter
	}

	resp, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/search", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("retrieval: decode search response: %w", err)
	}

	hits := make([]vectorHit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hits = append(hits, vectorHit{
			ID:      stringifyPointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return hits, nil
}

func stringifyPointID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
