package retrieve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/index"
)

type fakeSearcher struct {
	dense  []index.Hit
	sparse []index.Hit
}

func (f *fakeSearcher) DenseSearch(_ context.Context, _ corpus.Vector, _ corpus.Filters, k int) ([]index.Hit, error) {
	if k < len(f.dense) {
		return f.dense[:k], nil
	}
	return f.dense, nil
}

func (f *fakeSearcher) SparseSearch(_ context.Context, _ string, _ corpus.Filters, k int) ([]index.Hit, error) {
	if k < len(f.sparse) {
		return f.sparse[:k], nil
	}
	return f.sparse, nil
}

type fakeEmbedder struct{ fail bool }

func (f *fakeEmbedder) Embed(_ context.Context, _ string) (corpus.Vector, error) {
	if f.fail {
		return corpus.Vector{}, errors.New("all providers down")
	}
	return corpus.Vector{Values: []float32{1, 0}, Provider: "fake", NativeDim: 2}, nil
}

type fakeReranker struct {
	scores map[string]float64
	fail   bool
}

func (f *fakeReranker) Score(_ context.Context, _ , passage string) (float64, error) {
	if f.fail {
		return 0, errors.New("reranker down")
	}
	for key, score := range f.scores {
		if strings.Contains(passage, key) {
			return score, nil
		}
	}
	return 0, nil
}

func hit(key, text string, score float64) index.Hit {
	return index.Hit{
		Kind: corpus.KindChunk, Key: key, Score: score,
		Text: text, Symbol: "ACME", FiscalYear: 2023,
		SourceTable: "annual_reports", SourceID: "acme-2023",
		SectionType: corpus.SectionMDA, PageStart: 1, PageEnd: 2,
	}
}

func newTestRetriever(s Searcher, e Embedder, r Reranker) *Retriever {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRetriever(s, e, r, log)
}

func TestSearch_RRFOrder(t *testing.T) {
	// dense = [A, B, C], sparse = [B, C, A]:
	//   A: 1/61 + 1/63, B: 1/62 + 1/61, C: 1/63 + 1/62
	// so B > A > C.
	searcher := &fakeSearcher{
		dense:  []index.Hit{hit("A", "text a", 0.9), hit("B", "text b", 0.8), hit("C", "text c", 0.7)},
		sparse: []index.Hit{hit("B", "text b", 3.0), hit("C", "text c", 2.0), hit("A", "text a", 1.0)},
	}
	r := newTestRetriever(searcher, &fakeEmbedder{}, nil)

	resp, err := r.Search(context.Background(), "revenue growth", corpus.Filters{}, 3, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Reason != "" {
		t.Errorf("unexpected degradation: %q", resp.Reason)
	}
	got := []string{resp.Results[0].Key, resp.Results[1].Key, resp.Results[2].Key}
	want := []string{"B", "A", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fused order = %v, want %v", got, want)
		}
	}

	// Both component scores are carried for candidates seen in both lists.
	top := resp.Results[0]
	if top.DenseScore == nil || *top.DenseScore != 0.8 {
		t.Errorf("B dense score = %v, want 0.8", top.DenseScore)
	}
	if top.LexicalScore == nil || *top.LexicalScore != 3.0 {
		t.Errorf("B lexical score = %v, want 3.0", top.LexicalScore)
	}
}

func TestSearch_SingleListCandidate(t *testing.T) {
	searcher := &fakeSearcher{
		dense:  []index.Hit{hit("A", "only dense", 0.9)},
		sparse: []index.Hit{hit("B", "only sparse", 2.0)},
	}
	r := newTestRetriever(searcher, &fakeEmbedder{}, nil)

	resp, err := r.Search(context.Background(), "q", corpus.Filters{}, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	// Equal single-term fused scores; dense-first tie-break wins.
	if resp.Results[0].Key != "A" {
		t.Errorf("tie-break order = %s first, want A (dense scanned first)", resp.Results[0].Key)
	}
	if resp.Results[0].LexicalScore != nil {
		t.Errorf("dense-only candidate has lexical score %v", *resp.Results[0].LexicalScore)
	}
	if resp.Results[1].DenseScore != nil {
		t.Errorf("sparse-only candidate has dense score %v", *resp.Results[1].DenseScore)
	}
}

func TestSearch_DegradesToLexicalOnly(t *testing.T) {
	searcher := &fakeSearcher{
		sparse: []index.Hit{hit("A", "lexical only hit", 2.0)},
	}
	r := newTestRetriever(searcher, &fakeEmbedder{fail: true}, nil)

	resp, err := r.Search(context.Background(), "q", corpus.Filters{}, 5, false)
	if err != nil {
		t.Fatalf("degradation must not error: %v", err)
	}
	if resp.Reason != ReasonEmbeddingUnavailable {
		t.Errorf("reason = %q, want %q", resp.Reason, ReasonEmbeddingUnavailable)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(resp.Results))
	}
	if resp.Results[0].DenseScore != nil {
		t.Errorf("lexical-only result carries dense score")
	}
}

func TestSearch_NoMatches(t *testing.T) {
	r := newTestRetriever(&fakeSearcher{}, &fakeEmbedder{}, nil)
	resp, err := r.Search(context.Background(), "nothing indexed", corpus.Filters{}, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Reason != ReasonNoMatches {
		t.Errorf("reason = %q, want %q", resp.Reason, ReasonNoMatches)
	}
	if len(resp.Results) != 0 {
		t.Errorf("got %d results, want 0", len(resp.Results))
	}
}

func TestSearch_RerankerReorders(t *testing.T) {
	searcher := &fakeSearcher{
		dense:  []index.Hit{hit("A", "passage alpha", 0.9), hit("B", "passage beta", 0.8)},
		sparse: []index.Hit{hit("A", "passage alpha", 2.0), hit("B", "passage beta", 1.0)},
	}
	reranker := &fakeReranker{scores: map[string]float64{"beta": 0.95, "alpha": 0.10}}
	r := newTestRetriever(searcher, &fakeEmbedder{}, reranker)

	resp, err := r.Search(context.Background(), "q", corpus.Filters{}, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Results[0].Key != "B" {
		t.Errorf("reranked top = %s, want B", resp.Results[0].Key)
	}
	if resp.Results[0].RerankScore == nil || *resp.Results[0].RerankScore != 0.95 {
		t.Errorf("rerank score = %v, want 0.95", resp.Results[0].RerankScore)
	}
	// Fused score is still reported alongside.
	if resp.Results[0].FusedScore == 0 {
		t.Errorf("fused score lost during rerank")
	}
}

func TestSearch_RerankerFailureKeepsFusedOrder(t *testing.T) {
	searcher := &fakeSearcher{
		dense:  []index.Hit{hit("A", "passage alpha", 0.9), hit("B", "passage beta", 0.8)},
		sparse: []index.Hit{hit("A", "passage alpha", 2.0), hit("B", "passage beta", 1.0)},
	}
	r := newTestRetriever(searcher, &fakeEmbedder{}, &fakeReranker{fail: true})

	resp, err := r.Search(context.Background(), "q", corpus.Filters{}, 2, true)
	if err != nil {
		t.Fatalf("reranker failure must not error: %v", err)
	}
	if resp.Reason != ReasonRerankerUnavailable {
		t.Errorf("reason = %q, want %q", resp.Reason, ReasonRerankerUnavailable)
	}
	if resp.Results[0].Key != "A" {
		t.Errorf("fused order not preserved: top = %s", resp.Results[0].Key)
	}
	if resp.Results[0].RerankScore != nil {
		t.Errorf("failed rerank left partial scores")
	}
}

func TestSearch_Deterministic(t *testing.T) {
	searcher := &fakeSearcher{
		dense:  []index.Hit{hit("A", "a", 0.9), hit("B", "b", 0.8), hit("C", "c", 0.7)},
		sparse: []index.Hit{hit("C", "c", 3.0), hit("A", "a", 2.0), hit("D", "d", 1.0)},
	}
	r := newTestRetriever(searcher, &fakeEmbedder{}, nil)

	var first []string
	for run := 0; run < 5; run++ {
		resp, err := r.Search(context.Background(), "q", corpus.Filters{}, 4, false)
		if err != nil {
			t.Fatal(err)
		}
		keys := make([]string, len(resp.Results))
		for i, res := range resp.Results {
			keys[i] = res.Key
		}
		if first == nil {
			first = keys
			continue
		}
		for i := range keys {
			if keys[i] != first[i] {
				t.Fatalf("run %d order %v != first %v", run, keys, first)
			}
		}
	}
}
