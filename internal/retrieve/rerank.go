package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPReranker calls an external cross-encoder service. The service
// takes a query/passage pair and returns a relevance score; anything
// speaking that contract (a TEI reranker, a bespoke sidecar) plugs in.
type HTTPReranker struct {
	url    string
	client *http.Client
}

func NewHTTPReranker(url string) *HTTPReranker {
	return &HTTPReranker{
		url: url,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type rerankRequest struct {
	Query   string `json:"query"`
	Passage string `json:"passage"`
}

type rerankResponse struct {
	Score float64 `json:"score"`
}

// Score returns the cross-encoder relevance of passage for query.
func (r *HTTPReranker) Score(ctx context.Context, query, passage string) (float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Passage: passage})
	if err != nil {
		return 0, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rerank request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read rerank response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rerank status %d: %s", resp.StatusCode, firstN(string(raw), 200))
	}

	var out rerankResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, fmt.Errorf("parse rerank response: %w", err)
	}
	return out.Score, nil
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
