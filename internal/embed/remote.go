package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RemoteProvider embeds through a self-hosted service speaking the
// OpenAI /v1/embeddings wire format (vLLM, Ollama, ONNX Runtime
// Server and similar).
type RemoteProvider struct {
	endpoint  string
	model     string
	batchSize int
	client    *http.Client

	mu  sync.Mutex
	dim int // 0 = auto-detect on first successful call
}

// NewRemoteProvider creates a fallback provider for an
// OpenAI-compatible embedding endpoint. dim 0 auto-detects.
func NewRemoteProvider(endpoint, model string, dim int) *RemoteProvider {
	return &RemoteProvider{
		endpoint:  strings.TrimRight(endpoint, "/"),
		model:     model,
		dim:       dim,
		batchSize: 32,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *RemoteProvider) Name() string { return "remote/" + p.model }

func (p *RemoteProvider) NativeDim() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dim
}

func (p *RemoteProvider) BatchLimit() int { return p.batchSize }

type remoteEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type remoteEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (p *RemoteProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *RemoteProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(remoteEmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed endpoint: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed endpoint status %d: %s", resp.StatusCode, firstN(respBody, 200))
	}

	var parsed remoteEmbedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed endpoint returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed endpoint returned out-of-range index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}

	p.mu.Lock()
	if p.dim == 0 && len(out[0]) > 0 {
		p.dim = len(out[0])
	}
	p.mu.Unlock()

	return out, nil
}

func firstN(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
