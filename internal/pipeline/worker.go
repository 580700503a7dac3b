package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantlake/finsight/internal/chunker"
	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/index"
	"github.com/quantlake/finsight/internal/parser"
)

// Embedder embeds chunk texts in batches.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]corpus.Vector, error)
}

// TreeBuilder builds a document's summary tree from its chunk set.
type TreeBuilder interface {
	Build(ctx context.Context, doc corpus.Document, chunks []corpus.Chunk) ([]corpus.TreeNode, error)
}

// Indexer is the write surface of the index the worker needs.
type Indexer interface {
	IngestDocument(ctx context.Context, doc corpus.Document, chunks []corpus.Chunk, nodes []corpus.TreeNode) error
	GetDocument(ctx context.Context, sourceTable, sourceID string) (corpus.Document, error)
}

// embedGroupSize is how many chunks each concurrent embedding call
// carries; providers batch further internally.
const embedGroupSize = 64

// Worker processes a single document job.
type Worker struct {
	embedder Embedder
	builder  TreeBuilder
	indexer  Indexer
	log      *slog.Logger
	chunkCfg chunker.Config

	maxConcurrentEmbed int
}

func NewWorker(embedder Embedder, builder TreeBuilder, indexer Indexer, log *slog.Logger, chunkCfg chunker.Config, maxEmbed int) *Worker {
	if maxEmbed < 1 {
		maxEmbed = 1
	}
	return &Worker{
		embedder:           embedder,
		builder:            builder,
		indexer:            indexer,
		log:                log,
		chunkCfg:           chunkCfg,
		maxConcurrentEmbed: maxEmbed,
	}
}

// Process runs the full ingest pipeline for a job.
func (w *Worker) Process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID, "document", job.Document.Key())

	// Phase 1: Parse (file uploads) or accept raw text.
	job.SetStatus(StatusParsing, "parsing")
	text := job.rawText
	if job.fileData != nil {
		p, err := parser.ForFile(job.Filename)
		if err != nil {
			log.Error("unsupported format", "error", err)
			job.AddError(err.Error())
			job.SetStatus(StatusFailed, "parsing")
			return
		}
		text, err = p.Parse(bytes.NewReader(job.fileData), job.Filename)
		if err != nil {
			log.Error("parse failed", "error", err)
			job.AddError(fmt.Sprintf("parse: %s", err))
			job.SetStatus(StatusFailed, "parsing")
			return
		}
	}

	job.SetContentHash(ContentHashHex([]byte(text)))
	job.Document.ContentHash = job.ContentHash

	// Phase 1.5: Dedup check against the stored document row.
	existing, err := w.indexer.GetDocument(ctx, job.Document.SourceTable, job.Document.SourceID)
	switch {
	case err == nil && existing.ContentHash == job.ContentHash && existing.ContentHash != "":
		log.Info("content unchanged, skipping", "version", existing.Version)
		job.SetStatus(StatusDupSkipped, "dedup")
		return
	case err != nil && !errors.Is(err, index.ErrNotFound):
		log.Warn("dedup check failed, proceeding", "error", err)
	}

	// Phase 2: Chunk.
	job.SetStatus(StatusChunking, "chunking")
	chunks := chunker.Chunk(text, chunker.Metadata{
		SourceTable: job.Document.SourceTable,
		SourceID:    job.Document.SourceID,
		Symbol:      job.Document.Symbol,
		FiscalYear:  job.Document.FiscalYear,
		Quarter:     job.Document.Quarter,
	}, w.chunkCfg)
	job.SetTotalChunks(len(chunks))
	log.Info("chunked document", "chunks", len(chunks))

	if len(chunks) == 0 {
		log.Warn("no chunks produced")
		job.AddError("no extractable content")
		job.SetStatus(StatusFailed, "chunking")
		return
	}

	// Phase 3: Embed chunk groups with bounded concurrency. The
	// provider chain applies its own rate limit underneath.
	job.SetStatus(StatusEmbedding, "embedding")
	if err := w.embedChunks(ctx, job, chunks); err != nil {
		log.Error("embedding failed", "error", err)
		job.AddError(fmt.Sprintf("embed: %s", err))
		job.SetStatus(StatusFailed, "embedding")
		return
	}

	// Phase 4: Build the summary tree (summarize + embed nodes).
	job.SetStatus(StatusSummarizing, "summarizing")
	nodes, err := w.builder.Build(ctx, job.Document, chunks)
	if err != nil {
		log.Error("tree build failed", "error", err)
		job.AddError(fmt.Sprintf("tree: %s", err))
		job.SetStatus(StatusFailed, "summarizing")
		return
	}
	degraded := 0
	for _, n := range nodes {
		if n.Degraded {
			degraded++
		}
	}
	job.SetNodesBuilt(len(nodes), degraded)
	if degraded > 0 {
		log.Warn("summary tree built with degraded nodes", "degraded", degraded, "total", len(nodes))
	}

	// Phase 5: Index atomically, retrying lost version races.
	job.SetStatus(StatusIndexing, "indexing")
	var lastErr error
	for attempt := range MaxRetries {
		lastErr = w.indexer.IngestDocument(ctx, job.Document, chunks, nodes)
		if lastErr == nil || !IsRetryable(lastErr) {
			break
		}
		log.Warn("retryable index error", "attempt", attempt, "error", lastErr)
		select {
		case <-time.After(Backoff(attempt)):
		case <-ctx.Done():
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		log.Error("indexing failed", "error", lastErr)
		job.AddError(fmt.Sprintf("index: %s", lastErr))
		job.SetStatus(StatusFailed, "indexing")
		return
	}

	log.Info("ingestion complete", "chunks", len(chunks), "nodes", len(nodes))
	job.SetStatus(StatusCompleted, "done")
}

// embedChunks fills chunk embeddings in place, embedGroupSize chunks
// per call, at most maxConcurrentEmbed calls in flight.
func (w *Worker) embedChunks(ctx context.Context, job *Job, chunks []corpus.Chunk) error {
	type groupResult struct {
		start   int
		vectors []corpus.Vector
		err     error
	}

	var groups [][2]int
	for start := 0; start < len(chunks); start += embedGroupSize {
		end := start + embedGroupSize
		if end > len(chunks) {
			end = len(chunks)
		}
		groups = append(groups, [2]int{start, end})
	}

	sem := make(chan struct{}, w.maxConcurrentEmbed)
	results := make(chan groupResult, len(groups))
	for _, g := range groups {
		sem <- struct{}{}
		go func(start, end int) {
			defer func() { <-sem }()
			texts := make([]string, end-start)
			for i := start; i < end; i++ {
				texts[i-start] = chunks[i].EmbeddingInput()
			}
			vectors, err := w.embedder.EmbedBatch(ctx, texts)
			results <- groupResult{start: start, vectors: vectors, err: err}
		}(g[0], g[1])
	}

	empties := 0
	for range groups {
		r := <-results
		if r.err != nil {
			return r.err
		}
		for i, v := range r.vectors {
			chunks[r.start+i].Embedding = v
			if v.Empty() {
				empties++
			}
		}
		job.AddChunksEmbedded(len(r.vectors))
	}
	if empties > 0 {
		w.log.Warn("chunks left without embeddings after provider chain",
			"job_id", job.ID, "count", empties)
	}
	return nil
}
