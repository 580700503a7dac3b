// Package corpus holds the shared domain types of the document
// intelligence engine: documents, chunks, summary-tree nodes,
// embedding vectors and retrieval results.
package corpus

import "fmt"

// SectionType classifies a span of a financial document.
type SectionType string

const (
	SectionChairmanLetter SectionType = "chairman_letter"
	SectionMDA            SectionType = "mda"
	SectionHighlights     SectionType = "highlights"
	SectionRisks          SectionType = "risks"
	SectionOutlook        SectionType = "outlook"
	SectionQnA            SectionType = "qna"
	SectionBody           SectionType = "body"
)

// Document identifies one ingested source document. Re-ingestion with
// the same (SourceTable, SourceID) key is an upsert.
type Document struct {
	SourceTable string `json:"source_table"`
	SourceID    string `json:"source_id"`
	Symbol      string `json:"symbol"`
	FiscalYear  int    `json:"fiscal_year"`
	Quarter     int    `json:"quarter,omitempty"` // 0 = annual
	Title       string `json:"title,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Version     int64  `json:"version,omitempty"`
}

// Key returns the natural document key.
func (d Document) Key() string {
	return d.SourceTable + "/" + d.SourceID
}

// Period renders the fiscal period, e.g. "FY2023" or "FY2023 Q4".
func (d Document) Period() string {
	if d.Quarter > 0 {
		return fmt.Sprintf("FY%d Q%d", d.FiscalYear, d.Quarter)
	}
	return fmt.Sprintf("FY%d", d.FiscalYear)
}

// Vector is a dense embedding with provenance. Values are zero-padded
// to the canonical schema dimension; NativeDim records how many leading
// components carry signal from the producing provider.
type Vector struct {
	Values    []float32 `json:"-"`
	Provider  string    `json:"provider"`
	NativeDim int       `json:"native_dim"`
}

// Empty reports whether the vector carries no signal (failed embedding).
func (v Vector) Empty() bool { return len(v.Values) == 0 || v.NativeDim == 0 }

// Chunk is the atomic retrieval unit: a bounded span of document text.
// ChunkIndex is contiguous from 0 within a document. A chunk never
// splits a detected table row or a Q&A speaker turn.
type Chunk struct {
	SourceTable   string      `json:"source_table"`
	SourceID      string      `json:"source_id"`
	ChunkIndex    int         `json:"chunk_index"`
	Text          string      `json:"text"`
	SectionType   SectionType `json:"section_type"`
	PageStart     int         `json:"page_start"`
	PageEnd       int         `json:"page_end"`
	ContextPrefix string      `json:"context_prefix"`
	Embedding     Vector      `json:"embedding,omitempty"`
}

// Key returns the natural chunk key.
func (c Chunk) Key() string {
	return fmt.Sprintf("%s/%s/%d", c.SourceTable, c.SourceID, c.ChunkIndex)
}

// EmbeddingInput is the text submitted to the embedding provider:
// the context prefix anchors isolated chunks to company/period/section.
func (c Chunk) EmbeddingInput() string {
	if c.ContextPrefix == "" {
		return c.Text
	}
	return c.ContextPrefix + "\n" + c.Text
}

// Tree node levels.
const (
	LevelSectionSummary  = 1
	LevelDocumentSummary = 2
)

// TreeNode is one node of a document's summary tree. Level-1 nodes
// summarize a contiguous run of chunks from one document; the single
// level-2 node summarizes all level-1 nodes of that document.
type TreeNode struct {
	NodeID      string      `json:"node_id"`
	SourceTable string      `json:"source_table"`
	SourceID    string      `json:"source_id"`
	Level       int         `json:"level"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	SectionType SectionType `json:"section_type"`
	ParentID    string      `json:"parent_id,omitempty"`
	ChildIDs    []string    `json:"child_ids"` // ordered; chunk keys at level 1, node ids at level 2
	PageStart   int         `json:"page_start"`
	PageEnd     int         `json:"page_end"`
	Degraded    bool        `json:"degraded,omitempty"` // summarizer fallback was used
	Embedding   Vector      `json:"embedding,omitempty"`
}

// Result kinds.
const (
	KindChunk = "chunk"
	KindNode  = "node"
)

// RetrievalResult is one ranked hit from a hybrid search. Component
// scores are kept for observability; nil means the result did not
// appear in that list.
type RetrievalResult struct {
	Kind string `json:"kind"` // chunk | node
	Key  string `json:"key"`  // chunk natural key or node id

	Text          string      `json:"text"`
	ContextPrefix string      `json:"context_prefix,omitempty"`
	Title         string      `json:"title,omitempty"` // nodes only
	SectionType   SectionType `json:"section_type"`
	Symbol        string      `json:"symbol"`
	FiscalYear    int         `json:"fiscal_year"`
	Quarter       int         `json:"quarter,omitempty"`
	SourceTable   string      `json:"source_table"`
	SourceID      string      `json:"source_id"`
	PageStart     int         `json:"page_start"`
	PageEnd       int         `json:"page_end"`

	DenseScore   *float64 `json:"dense_score,omitempty"`
	LexicalScore *float64 `json:"lexical_score,omitempty"`
	FusedScore   float64  `json:"fused_score"`
	RerankScore  *float64 `json:"rerank_score,omitempty"`
}

// Filters narrows a search to a symbol, fiscal year and/or document
// type (source table). Zero values match everything.
type Filters struct {
	Symbol     string `json:"symbol,omitempty"`
	FiscalYear int    `json:"fiscal_year,omitempty"`
	DocType    string `json:"doc_type,omitempty"` // matches Document.SourceTable
}
