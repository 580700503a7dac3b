package embed

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashProvider is the last-resort embedder: deterministic
// feature-hashed term-frequency vectors computed locally, so the chain
// can always produce something retrievable during provider outages.
// Quality is strictly keyword-level; provenance marks these vectors so
// dense search never mixes them with model embeddings.
type HashProvider struct {
	dim int
}

// NewHashProvider creates the tertiary fallback embedder.
func NewHashProvider(dim int) *HashProvider {
	if dim <= 0 {
		dim = 256
	}
	return &HashProvider{dim: dim}
}

func (p *HashProvider) Name() string    { return "hash/tf" }
func (p *HashProvider) NativeDim() int  { return p.dim }
func (p *HashProvider) BatchLimit() int { return 1024 }

var tokenRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dim)]++
	}
	l2normalize(vec)
	return vec, nil
}

func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func l2normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
