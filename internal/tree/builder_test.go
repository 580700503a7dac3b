package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/summarize"
)

type fakeSummarizer struct {
	calls int
	fail  bool
}

func (f *fakeSummarizer) Summarize(_ context.Context, section corpus.SectionType, text string) (summarize.Result, error) {
	f.calls++
	if f.fail {
		return summarize.Result{}, errors.New("summarizer unavailable")
	}
	return summarize.Result{
		Title:   "Summary of " + string(section),
		Summary: "Condensed: " + text[:min(40, len(text))],
	}, nil
}

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]corpus.Vector, error) {
	out := make([]corpus.Vector, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = 1
		out[i] = corpus.Vector{Values: v, Provider: "fake", NativeDim: f.dim}
	}
	return out, nil
}

var testDoc = corpus.Document{
	SourceTable: "annual_reports",
	SourceID:    "acme-2023",
	Symbol:      "ACME",
	FiscalYear:  2023,
}

func makeChunks(t *testing.T, sections ...corpus.SectionType) []corpus.Chunk {
	t.Helper()
	chunks := make([]corpus.Chunk, len(sections))
	for i, s := range sections {
		chunks[i] = corpus.Chunk{
			SourceTable: testDoc.SourceTable,
			SourceID:    testDoc.SourceID,
			ChunkIndex:  i,
			Text:        fmt.Sprintf("chunk %d text about %s performance and figures", i, s),
			SectionType: s,
			PageStart:   i + 1,
			PageEnd:     i + 1,
		}
	}
	return chunks
}

func newTestBuilder(s summarize.Summarizer, groupCap int) *Builder {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBuilder(s, &fakeEmbedder{dim: 8}, log, groupCap)
}

func TestBuild_EmptyChunkSet(t *testing.T) {
	b := newTestBuilder(&fakeSummarizer{}, 8)
	nodes, err := b.Build(context.Background(), testDoc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if nodes != nil {
		t.Fatalf("expected no nodes, got %d", len(nodes))
	}
}

func TestBuild_GroupsBySectionChange(t *testing.T) {
	chunks := makeChunks(t,
		corpus.SectionChairmanLetter, corpus.SectionChairmanLetter,
		corpus.SectionMDA,
		corpus.SectionRisks, corpus.SectionRisks,
	)
	b := newTestBuilder(&fakeSummarizer{}, 8)
	nodes, err := b.Build(context.Background(), testDoc, chunks)
	if err != nil {
		t.Fatal(err)
	}

	// Three level-1 nodes plus one level-2 root.
	if len(nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(nodes))
	}
	root := nodes[len(nodes)-1]
	if root.Level != corpus.LevelDocumentSummary {
		t.Fatalf("last node level = %d, want 2", root.Level)
	}

	var level1 []corpus.TreeNode
	for _, n := range nodes[:len(nodes)-1] {
		if n.Level != corpus.LevelSectionSummary {
			t.Fatalf("non-root node level = %d, want 1", n.Level)
		}
		if n.ParentID != root.NodeID {
			t.Errorf("node %s parent = %q, want root %q", n.NodeID, n.ParentID, root.NodeID)
		}
		level1 = append(level1, n)
	}

	// Level-1 children are contiguous chunk runs from this document.
	next := 0
	for _, n := range level1 {
		for _, childKey := range n.ChildIDs {
			want := chunks[next].Key()
			if childKey != want {
				t.Fatalf("child %q, want contiguous %q", childKey, want)
			}
			next++
		}
	}
	if next != len(chunks) {
		t.Fatalf("level-1 nodes cover %d chunks, want %d", next, len(chunks))
	}

	// Level-2 children are exactly the level-1 nodes, in order.
	if len(root.ChildIDs) != len(level1) {
		t.Fatalf("root has %d children, want %d", len(root.ChildIDs), len(level1))
	}
	for i, n := range level1 {
		if root.ChildIDs[i] != n.NodeID {
			t.Errorf("root child %d = %q, want %q", i, root.ChildIDs[i], n.NodeID)
		}
	}
}

func TestBuild_GroupCapSplitsLongSections(t *testing.T) {
	sections := make([]corpus.SectionType, 11)
	for i := range sections {
		sections[i] = corpus.SectionMDA
	}
	b := newTestBuilder(&fakeSummarizer{}, 8)
	nodes, err := b.Build(context.Background(), testDoc, makeChunks(t, sections...))
	if err != nil {
		t.Fatal(err)
	}
	// 11 mda chunks with cap 8 -> two level-1 nodes + root.
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(nodes))
	}
	if got := len(nodes[0].ChildIDs); got != 8 {
		t.Errorf("first group has %d children, want 8", got)
	}
	if got := len(nodes[1].ChildIDs); got != 3 {
		t.Errorf("second group has %d children, want 3", got)
	}
}

func TestBuild_PageRangeIsUnionOfChildren(t *testing.T) {
	chunks := makeChunks(t, corpus.SectionMDA, corpus.SectionMDA, corpus.SectionMDA)
	b := newTestBuilder(&fakeSummarizer{}, 8)
	nodes, err := b.Build(context.Background(), testDoc, chunks)
	if err != nil {
		t.Fatal(err)
	}
	section := nodes[0]
	if section.PageStart != 1 || section.PageEnd != 3 {
		t.Errorf("section page range %d-%d, want 1-3", section.PageStart, section.PageEnd)
	}
	root := nodes[len(nodes)-1]
	if root.PageStart != 1 || root.PageEnd != 3 {
		t.Errorf("root page range %d-%d, want 1-3", root.PageStart, root.PageEnd)
	}
}

func TestBuild_DegradedFallbackOnSummarizerFailure(t *testing.T) {
	chunks := makeChunks(t, corpus.SectionRisks, corpus.SectionRisks)
	b := newTestBuilder(&fakeSummarizer{fail: true}, 8)
	nodes, err := b.Build(context.Background(), testDoc, chunks)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range nodes {
		if !n.Degraded {
			t.Errorf("node %s (level %d) not marked degraded", n.NodeID, n.Level)
		}
		if n.Summary == "" {
			t.Errorf("degraded node %s has empty summary", n.NodeID)
		}
		if n.Embedding.Empty() {
			t.Errorf("degraded node %s was not embedded", n.NodeID)
		}
	}
	// Degraded summaries are truncated raw text.
	if !strings.Contains(nodes[0].Summary, "chunk 0 text") {
		t.Errorf("degraded summary should carry raw text, got %q", nodes[0].Summary)
	}
}

func TestBuild_RejectsNonContiguousChunks(t *testing.T) {
	chunks := makeChunks(t, corpus.SectionMDA, corpus.SectionMDA)
	chunks[1].ChunkIndex = 5
	b := newTestBuilder(&fakeSummarizer{}, 8)
	if _, err := b.Build(context.Background(), testDoc, chunks); !errors.Is(err, ErrInvalidChunkSet) {
		t.Fatalf("err = %v, want ErrInvalidChunkSet", err)
	}
}

func TestBuild_RejectsForeignChunks(t *testing.T) {
	chunks := makeChunks(t, corpus.SectionMDA)
	chunks[0].SourceID = "other-doc"
	b := newTestBuilder(&fakeSummarizer{}, 8)
	if _, err := b.Build(context.Background(), testDoc, chunks); !errors.Is(err, ErrInvalidChunkSet) {
		t.Fatalf("err = %v, want ErrInvalidChunkSet", err)
	}
}
