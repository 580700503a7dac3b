// Package retrieve implements hybrid search over the document index:
// dense and sparse candidate generation in parallel, reciprocal rank
// fusion, and optional cross-encoder reranking. Provider failures
// degrade the result set, they never fail the query.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/index"
)

// Degradation reasons reported alongside results.
const (
	ReasonEmbeddingUnavailable = "embedding_unavailable"
	ReasonNoMatches            = "no_matches"
	ReasonRerankerUnavailable  = "reranker_unavailable"
)

// Searcher is the index read surface the retriever needs.
type Searcher interface {
	DenseSearch(ctx context.Context, query corpus.Vector, filters corpus.Filters, k int) ([]index.Hit, error)
	SparseSearch(ctx context.Context, query string, filters corpus.Filters, k int) ([]index.Hit, error)
}

// Embedder embeds a single query string.
type Embedder interface {
	Embed(ctx context.Context, text string) (corpus.Vector, error)
}

// Reranker scores a (query, passage) pair with an external
// cross-encoder. Higher is more relevant.
type Reranker interface {
	Score(ctx context.Context, query, passage string) (float64, error)
}

// Response is one search outcome. Reason is non-empty when the
// retriever degraded (lexical-only, fused-order fallback, or an empty
// index) and explains what was skipped.
type Response struct {
	Results []corpus.RetrievalResult `json:"results"`
	Reason  string                   `json:"reason,omitempty"`
}

// Retriever runs hybrid queries. Reranker may be nil.
type Retriever struct {
	searcher Searcher
	embedder Embedder
	reranker Reranker
	log      *slog.Logger
}

func NewRetriever(searcher Searcher, embedder Embedder, reranker Reranker, log *slog.Logger) *Retriever {
	return &Retriever{searcher: searcher, embedder: embedder, reranker: reranker, log: log}
}

// Search runs the full hybrid pipeline for one query.
func (r *Retriever) Search(ctx context.Context, query string, filters corpus.Filters, topK int, useReranker bool) (Response, error) {
	if query == "" || topK <= 0 {
		return Response{Reason: ReasonNoMatches}, nil
	}

	// Candidate pools are wider than the final cut so fusion has
	// something to disagree about.
	k := 4 * topK
	if k < 20 {
		k = 20
	}

	queryVec, embedErr := r.embedder.Embed(ctx, query)
	if embedErr != nil {
		r.log.Warn("query embedding failed, degrading to lexical-only",
			"error", embedErr)
	}

	var dense, sparse []index.Hit
	g, gctx := errgroup.WithContext(ctx)
	if embedErr == nil {
		g.Go(func() error {
			var err error
			dense, err = r.searcher.DenseSearch(gctx, queryVec, filters, k)
			if err != nil {
				return fmt.Errorf("dense search: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		sparse, err = r.searcher.SparseSearch(gctx, query, filters, k)
		if err != nil {
			return fmt.Errorf("sparse search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	fused := fuse(dense, sparse)
	if len(fused) == 0 {
		return Response{Reason: ReasonNoMatches}, nil
	}

	resp := Response{}
	if embedErr != nil {
		resp.Reason = ReasonEmbeddingUnavailable
	}

	if useReranker && r.reranker != nil {
		if ok := r.rerank(ctx, query, fused, topK*3); !ok && resp.Reason == "" {
			resp.Reason = ReasonRerankerUnavailable
		}
	}

	if len(fused) > topK {
		fused = fused[:topK]
	}
	resp.Results = fused
	return resp, nil
}

// rerank rescores the top candidates in place and reports whether the
// reranker was usable. Any scoring failure abandons reranking and
// keeps the fused order.
func (r *Retriever) rerank(ctx context.Context, query string, results []corpus.RetrievalResult, n int) bool {
	if n > len(results) {
		n = len(results)
	}
	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		passage := results[i].Text
		if results[i].ContextPrefix != "" {
			passage = results[i].ContextPrefix + "\n" + passage
		}
		score, err := r.reranker.Score(ctx, query, passage)
		if err != nil {
			r.log.Warn("reranker failed, keeping fused order",
				"error", err, "candidate", results[i].Key)
			return false
		}
		scores[i] = score
	}
	for i := 0; i < n; i++ {
		s := scores[i]
		results[i].RerankScore = &s
	}
	// Stable sort of the rescored head only; the tail keeps fused order.
	head := results[:n]
	for i := 1; i < len(head); i++ {
		for j := i; j > 0 && *head[j].RerankScore > *head[j-1].RerankScore; j-- {
			head[j], head[j-1] = head[j-1], head[j]
		}
	}
	return true
}
