package embed

import (
	"context"
	"fmt"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider embeds through the OpenAI embeddings API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	dim       int
	batchSize int
}

// NewOpenAIProvider creates the primary high-dimension provider.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	dim := 1536 // text-embedding-3-small / ada-002
	if model == "text-embedding-3-large" {
		dim = 3072
	}
	return &OpenAIProvider{
		client:    openai.NewClient(apiKey),
		model:     model,
		dim:       dim,
		batchSize: 64,
	}
}

func (p *OpenAIProvider) Name() string    { return "openai/" + p.model }
func (p *OpenAIProvider) NativeDim() int  { return p.dim }
func (p *OpenAIProvider) BatchLimit() int { return p.batchSize }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	// The API may return items out of order; Index restores input order.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
