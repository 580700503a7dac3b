package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/quantlake/finsight/internal/chunker"
	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/index"
)

type fakeEmbedder struct{}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([]corpus.Vector, error) {
	out := make([]corpus.Vector, len(texts))
	for i := range texts {
		out[i] = corpus.Vector{Values: []float32{1, 0}, Provider: "fake", NativeDim: 2}
	}
	return out, nil
}

type fakeBuilder struct{ fail bool }

func (f *fakeBuilder) Build(_ context.Context, doc corpus.Document, chunks []corpus.Chunk) ([]corpus.TreeNode, error) {
	if f.fail {
		return nil, errors.New("builder broken")
	}
	childIDs := make([]string, len(chunks))
	for i, c := range chunks {
		childIDs[i] = c.Key()
	}
	return []corpus.TreeNode{{
		NodeID: "node-1", SourceTable: doc.SourceTable, SourceID: doc.SourceID,
		Level: corpus.LevelSectionSummary, Summary: "summary", ChildIDs: childIDs,
		Degraded: true,
	}}, nil
}

type fakeIndexer struct {
	mu        sync.Mutex
	docs      map[string]corpus.Document
	ingested  int
	conflicts int // fail the first N ingests with ErrConflict
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{docs: make(map[string]corpus.Document)}
}

func (f *fakeIndexer) IngestDocument(_ context.Context, doc corpus.Document, _ []corpus.Chunk, _ []corpus.TreeNode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return fmt.Errorf("racing writer: %w", index.ErrConflict)
	}
	f.ingested++
	f.docs[doc.Key()] = doc
	return nil
}

func (f *fakeIndexer) GetDocument(_ context.Context, sourceTable, sourceID string) (corpus.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[sourceTable+"/"+sourceID]
	if !ok {
		return corpus.Document{}, index.ErrNotFound
	}
	return doc, nil
}

var workerDoc = corpus.Document{
	SourceTable: "annual_reports",
	SourceID:    "acme-2023",
	Symbol:      "ACME",
	FiscalYear:  2023,
}

func reportText() string {
	sentence := "Revenue in the cloud segment grew well ahead of plan while hardware held steady. "
	return "# Management Discussion\n\n" + strings.Repeat(sentence, 12)
}

func newTestWorker(indexer Indexer, builder TreeBuilder) *Worker {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := chunker.Config{MinChunkChars: 300, MaxChunkChars: 800}
	return NewWorker(&fakeEmbedder{}, builder, indexer, log, cfg, 2)
}

func TestWorker_RawTextCompletes(t *testing.T) {
	indexer := newFakeIndexer()
	w := newTestWorker(indexer, &fakeBuilder{})

	job := NewRawTextJob(workerDoc, reportText())
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s (errors: %v)", snap.Status, snap.Progress.Errors)
	}
	if snap.Progress.TotalChunks == 0 {
		t.Error("no chunks recorded")
	}
	if snap.Progress.ChunksEmbedded != snap.Progress.TotalChunks {
		t.Errorf("embedded %d of %d chunks",
			snap.Progress.ChunksEmbedded, snap.Progress.TotalChunks)
	}
	if snap.Progress.NodesBuilt != 1 || snap.Progress.DegradedNodes != 1 {
		t.Errorf("nodes built = %d (%d degraded), want 1 (1)",
			snap.Progress.NodesBuilt, snap.Progress.DegradedNodes)
	}
	if indexer.ingested != 1 {
		t.Errorf("ingest calls = %d, want 1", indexer.ingested)
	}
	if snap.ContentHash == "" {
		t.Error("content hash not recorded")
	}
}

func TestWorker_SkipsUnchangedContent(t *testing.T) {
	indexer := newFakeIndexer()
	w := newTestWorker(indexer, &fakeBuilder{})

	first := NewRawTextJob(workerDoc, reportText())
	w.Process(context.Background(), first)
	if first.Snapshot().Status != StatusCompleted {
		t.Fatalf("first ingest: %s", first.Snapshot().Status)
	}

	second := NewRawTextJob(workerDoc, reportText())
	w.Process(context.Background(), second)
	if got := second.Snapshot().Status; got != StatusDupSkipped {
		t.Fatalf("second ingest status = %s, want %s", got, StatusDupSkipped)
	}
	if indexer.ingested != 1 {
		t.Errorf("unchanged content re-ingested: %d calls", indexer.ingested)
	}
}

func TestWorker_UnsupportedFileFails(t *testing.T) {
	w := newTestWorker(newFakeIndexer(), &fakeBuilder{})
	job := NewFileJob(workerDoc, "report.xlsx", []byte("binary"))
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusFailed || snap.Phase != "parsing" {
		t.Errorf("status/phase = %s/%s, want failed/parsing", snap.Status, snap.Phase)
	}
}

func TestWorker_EmptyContentFails(t *testing.T) {
	w := newTestWorker(newFakeIndexer(), &fakeBuilder{})
	job := NewRawTextJob(workerDoc, "too short")
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusFailed || snap.Phase != "chunking" {
		t.Errorf("status/phase = %s/%s, want failed/chunking", snap.Status, snap.Phase)
	}
}

func TestWorker_TreeFailureFailsJob(t *testing.T) {
	w := newTestWorker(newFakeIndexer(), &fakeBuilder{fail: true})
	job := NewRawTextJob(workerDoc, reportText())
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusFailed || snap.Phase != "summarizing" {
		t.Errorf("status/phase = %s/%s, want failed/summarizing", snap.Status, snap.Phase)
	}
}

func TestWorker_RetriesVersionConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("retry backoff sleeps")
	}
	indexer := newFakeIndexer()
	indexer.conflicts = 1
	w := newTestWorker(indexer, &fakeBuilder{})

	job := NewRawTextJob(workerDoc, reportText())
	w.Process(context.Background(), job)

	snap := job.Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s (errors: %v)", snap.Status, snap.Progress.Errors)
	}
	if indexer.ingested != 1 {
		t.Errorf("ingest calls = %d, want 1 after retry", indexer.ingested)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("wrapped: %w", index.ErrConflict)) {
		t.Error("version conflict should be retryable")
	}
	if IsRetryable(errors.New("plain failure")) {
		t.Error("plain errors should not be retryable")
	}
	if IsRetryable(index.ErrStaleDerived) {
		t.Error("stale-derived is a programming error, not retryable")
	}
}
