// Package embed generates dense embeddings through an ordered
// multi-provider fallback chain. Every vector is zero-padded to the
// canonical schema dimension and carries provenance (provider name,
// native dimension) so downstream scoring can account for
// mixed-resolution vectors instead of comparing them blindly.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/quantlake/finsight/internal/corpus"
)

// Provider is one embedding backend.
type Provider interface {
	Name() string
	NativeDim() int
	BatchLimit() int
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrAllProvidersFailed is returned when no provider in the chain
// produced a vector.
var ErrAllProvidersFailed = errors.New("all embedding providers failed")

// maxInputChars is the safe truncation bound applied before any
// provider sees the text.
const maxInputChars = 8000

// Chain tries providers in order: primary first, falling through on
// failure. Calls are paced by a shared token bucket so batch ingestion
// cannot outrun provider rate limits.
type Chain struct {
	providers []Provider
	dim       int // canonical schema dimension
	limiter   *rate.Limiter
	log       *slog.Logger
}

// NewChain builds a provider chain. dim is the canonical dimension all
// vectors are padded to; limiter may be nil for unpaced use in tests.
func NewChain(providers []Provider, dim int, limiter *rate.Limiter, log *slog.Logger) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("embed: empty provider chain")
	}
	for _, p := range providers {
		if p.NativeDim() > dim {
			return nil, fmt.Errorf("embed: provider %s native dim %d exceeds canonical dim %d", p.Name(), p.NativeDim(), dim)
		}
	}
	return &Chain{providers: providers, dim: dim, limiter: limiter, log: log}, nil
}

// Dim returns the canonical schema dimension.
func (c *Chain) Dim() int { return c.dim }

// Primary returns the name of the first provider in the chain.
func (c *Chain) Primary() string { return c.providers[0].Name() }

// Embed embeds one text, falling through the chain on provider failure.
func (c *Chain) Embed(ctx context.Context, text string) (corpus.Vector, error) {
	text = Truncate(text)
	for _, p := range c.providers {
		if err := c.wait(ctx); err != nil {
			return corpus.Vector{}, err
		}
		values, err := p.Embed(ctx, text)
		if err != nil {
			c.log.Warn("embedding provider failed, trying next",
				"provider", p.Name(), "error", err)
			continue
		}
		return c.pad(values, p), nil
	}
	return corpus.Vector{}, ErrAllProvidersFailed
}

// EmbedBatch embeds texts preserving input order 1:1. Items a provider
// cannot embed are retried with the next provider; items that fail on
// every provider come back as empty vectors, never dropped indexes.
func (c *Chain) EmbedBatch(ctx context.Context, texts []string) ([]corpus.Vector, error) {
	out := make([]corpus.Vector, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	truncated := make([]string, len(texts))
	for i, t := range texts {
		truncated[i] = Truncate(t)
	}

	pending := make([]int, len(texts))
	for i := range pending {
		pending[i] = i
	}

	for _, p := range c.providers {
		if len(pending) == 0 {
			break
		}
		var failed []int
		limit := p.BatchLimit()
		if limit <= 0 {
			limit = len(pending)
		}
		for start := 0; start < len(pending); start += limit {
			end := min(start+limit, len(pending))
			batch := pending[start:end]

			if err := c.wait(ctx); err != nil {
				return nil, err
			}
			inputs := make([]string, len(batch))
			for i, idx := range batch {
				inputs[i] = truncated[idx]
			}
			vecs, err := p.EmbedBatch(ctx, inputs)
			if err != nil || len(vecs) != len(batch) {
				if err == nil {
					err = fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), len(batch))
				}
				c.log.Warn("embedding batch failed, deferring to next provider",
					"provider", p.Name(), "items", len(batch), "error", err)
				failed = append(failed, batch...)
				continue
			}
			for i, idx := range batch {
				out[idx] = c.pad(vecs[i], p)
			}
		}
		pending = failed
	}

	if len(pending) > 0 {
		c.log.Error("embedding exhausted all providers; emitting empty vectors",
			"items", len(pending))
	}
	return out, nil
}

func (c *Chain) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("embed rate limit: %w", err)
	}
	return nil
}

// pad zero-extends values to the canonical dimension and records
// provenance.
func (c *Chain) pad(values []float32, p Provider) corpus.Vector {
	native := len(values)
	if native == 0 {
		return corpus.Vector{}
	}
	if native > c.dim {
		values = values[:c.dim]
		native = c.dim
	}
	if native < c.dim {
		padded := make([]float32, c.dim)
		copy(padded, values)
		values = padded
	}
	return corpus.Vector{Values: values, Provider: p.Name(), NativeDim: native}
}

// Truncate bounds input length before submission to any provider.
func Truncate(text string) string {
	if len(text) <= maxInputChars {
		return text
	}
	return text[:maxInputChars]
}
