// Package tree builds the hierarchical summary tree over a document's
// chunks: contiguous chunk runs roll up into level-1 section-summary
// nodes, which roll up into one level-2 document-summary node. Trees
// are rebuilt wholesale whenever a document's chunk set changes.
package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantlake/finsight/internal/corpus"
	"github.com/quantlake/finsight/internal/embed"
	"github.com/quantlake/finsight/internal/summarize"
)

// Embedder is the slice of the embedding chain the builder needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([]corpus.Vector, error)
}

// Builder constructs summary trees.
type Builder struct {
	summarizer summarize.Summarizer
	embedder   Embedder
	log        *slog.Logger

	groupCap         int // max chunks per level-1 node
	summaryInputMax  int // chars of group text sent to the summarizer
	degradedSummaryN int // chars of raw text used when summarization fails
}

// NewBuilder wires a tree builder. groupCap <= 0 selects the default
// of 8 chunks per section group.
func NewBuilder(s summarize.Summarizer, e Embedder, log *slog.Logger, groupCap int) *Builder {
	if groupCap <= 0 {
		groupCap = 8
	}
	return &Builder{
		summarizer:       s,
		embedder:         e,
		log:              log,
		groupCap:         groupCap,
		summaryInputMax:  24000,
		degradedSummaryN: 600,
	}
}

// ErrInvalidChunkSet reports a structural invariant violation in the
// input chunk sequence. This escalates to the caller instead of
// degrading.
var ErrInvalidChunkSet = errors.New("tree: invalid chunk set")

// Build produces all tree nodes for one document: every level-1 node
// followed by the single level-2 root. Summarization failures degrade
// per node (truncated-text summary, Degraded=true); only structural
// violations return an error.
func (b *Builder) Build(ctx context.Context, doc corpus.Document, chunks []corpus.Chunk) ([]corpus.TreeNode, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			return nil, fmt.Errorf("%w: chunk_index %d at position %d", ErrInvalidChunkSet, c.ChunkIndex, i)
		}
		if c.SourceTable != doc.SourceTable || c.SourceID != doc.SourceID {
			return nil, fmt.Errorf("%w: chunk %s does not belong to %s", ErrInvalidChunkSet, c.Key(), doc.Key())
		}
	}

	groups := groupChunks(chunks, b.groupCap)

	rootID := corpus.NewULID()
	nodes := make([]corpus.TreeNode, 0, len(groups)+1)
	for _, g := range groups {
		nodes = append(nodes, b.sectionNode(ctx, doc, g, rootID))
	}
	nodes = append(nodes, b.documentNode(ctx, doc, rootID, nodes))

	b.embedNodes(ctx, nodes)
	return nodes, nil
}

// groupChunks splits the ordered chunk sequence into contiguous runs,
// breaking on section_type change or at the aggregate cap.
func groupChunks(chunks []corpus.Chunk, groupCap int) [][]corpus.Chunk {
	var groups [][]corpus.Chunk
	var current []corpus.Chunk
	for _, c := range chunks {
		if len(current) > 0 &&
			(c.SectionType != current[0].SectionType || len(current) >= groupCap) {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, c)
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

// sectionNode summarizes one contiguous chunk run into a level-1 node.
func (b *Builder) sectionNode(ctx context.Context, doc corpus.Document, group []corpus.Chunk, rootID string) corpus.TreeNode {
	section := group[0].SectionType

	var text strings.Builder
	childIDs := make([]string, len(group))
	pageStart, pageEnd := group[0].PageStart, group[0].PageEnd
	for i, c := range group {
		childIDs[i] = c.Key()
		if c.PageStart < pageStart {
			pageStart = c.PageStart
		}
		if c.PageEnd > pageEnd {
			pageEnd = c.PageEnd
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(c.Text)
	}

	input := text.String()
	if len(input) > b.summaryInputMax {
		input = input[:b.summaryInputMax]
	}

	result, degraded := b.summarizeWithFallback(ctx, doc, section, input)

	return corpus.TreeNode{
		NodeID:      corpus.NewULID(),
		SourceTable: doc.SourceTable,
		SourceID:    doc.SourceID,
		Level:       corpus.LevelSectionSummary,
		Title:       result.Title,
		Summary:     result.Summary,
		SectionType: section,
		ParentID:    rootID,
		ChildIDs:    childIDs,
		PageStart:   pageStart,
		PageEnd:     pageEnd,
		Degraded:    degraded,
	}
}

// documentNode synthesizes the level-2 root across all level-1 nodes.
func (b *Builder) documentNode(ctx context.Context, doc corpus.Document, rootID string, sections []corpus.TreeNode) corpus.TreeNode {
	var input strings.Builder
	fmt.Fprintf(&input, "%s %s — section summaries:\n", doc.Symbol, doc.Period())
	childIDs := make([]string, len(sections))
	pageStart, pageEnd := sections[0].PageStart, sections[0].PageEnd
	for i, n := range sections {
		childIDs[i] = n.NodeID
		if n.PageStart < pageStart {
			pageStart = n.PageStart
		}
		if n.PageEnd > pageEnd {
			pageEnd = n.PageEnd
		}
		fmt.Fprintf(&input, "\n[%s] %s\n%s\n", n.SectionType, n.Title, n.Summary)
	}

	text := input.String()
	if len(text) > b.summaryInputMax {
		text = text[:b.summaryInputMax]
	}
	result, degraded := b.summarizeWithFallback(ctx, doc, corpus.SectionBody, text)

	return corpus.TreeNode{
		NodeID:      rootID,
		SourceTable: doc.SourceTable,
		SourceID:    doc.SourceID,
		Level:       corpus.LevelDocumentSummary,
		Title:       result.Title,
		Summary:     result.Summary,
		SectionType: corpus.SectionBody,
		ChildIDs:    childIDs,
		PageStart:   pageStart,
		PageEnd:     pageEnd,
		Degraded:    degraded,
	}
}

// summarizeWithFallback retries transient summarizer failures once,
// then degrades to a truncated-text summary. Degraded nodes remain
// retrievable.
func (b *Builder) summarizeWithFallback(ctx context.Context, doc corpus.Document, section corpus.SectionType, text string) (summarize.Result, bool) {
	var lastErr error
	for attempt := range 2 {
		result, err := b.summarizer.Summarize(ctx, section, text)
		if err == nil {
			return result, false
		}
		lastErr = err
		var retryable *summarize.RetryableError
		if !errors.As(err, &retryable) || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(time.Duration(attempt+1) * time.Second):
		case <-ctx.Done():
		}
	}

	b.log.Warn("summarization failed, degrading node",
		"doc", doc.Key(), "section", section, "error", lastErr)

	summary := text
	if len(summary) > b.degradedSummaryN {
		summary = summary[:b.degradedSummaryN]
	}
	title := fmt.Sprintf("%s %s %s", doc.Symbol, doc.Period(), section)
	return summarize.Result{Title: title, Summary: summary}, true
}

// embedNodes embeds every node over its summary in one batch; items
// that fail on every provider keep an empty vector and stay reachable
// through the lexical index.
func (b *Builder) embedNodes(ctx context.Context, nodes []corpus.TreeNode) {
	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = embed.Truncate(n.Title + "\n" + n.Summary)
	}
	vecs, err := b.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		b.log.Warn("node embedding failed; nodes stay lexical-only", "error", err)
		return
	}
	for i := range nodes {
		nodes[i].Embedding = vecs[i]
	}
}
