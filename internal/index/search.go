package index

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/quantlake/finsight/internal/corpus"
)

// Hit is one scored record from a single-modality search. Metadata is
// echoed from the index so callers never re-fetch rows to build
// results.
type Hit struct {
	Kind  string
	Key   string
	Score float64

	Text          string
	ContextPrefix string
	Title         string
	SectionType   corpus.SectionType
	Symbol        string
	FiscalYear    int
	Quarter       int
	SourceTable   string
	SourceID      string
	PageStart     int
	PageEnd       int
}

// DenseSearch scans stored vectors by cosine similarity against the
// query vector. Only records embedded by the same provider as the
// query are comparable; others are skipped, not scored.
func (s *Store) DenseSearch(ctx context.Context, query corpus.Vector, filters corpus.Filters, k int) ([]Hit, error) {
	if query.Empty() {
		return nil, nil
	}
	qnorm := vectorNorm(query.Values)
	if qnorm == 0 {
		return nil, nil
	}

	var hits []Hit

	where, args := filterClause(filters, "d")
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT c.source_table, c.source_id, c.chunk_index, c.text, c.section_type,
		       c.page_start, c.page_end, c.context_prefix, c.embedding, c.norm,
		       d.symbol, d.fiscal_year, d.quarter
		FROM chunks c
		JOIN documents d ON d.source_table = c.source_table AND d.source_id = c.source_id
		WHERE c.embedding_provider = ? AND c.native_dim > 0%s`, where),
		append([]any{query.Provider}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("dense chunk scan: %w", err)
	}
	for rows.Next() {
		var h Hit
		var chunkIndex int
		var emb []byte
		var norm float64
		var section string
		if err := rows.Scan(&h.SourceTable, &h.SourceID, &chunkIndex, &h.Text, &section,
			&h.PageStart, &h.PageEnd, &h.ContextPrefix, &emb, &norm,
			&h.Symbol, &h.FiscalYear, &h.Quarter); err != nil {
			rows.Close()
			return nil, err
		}
		h.Kind = corpus.KindChunk
		h.Key = fmt.Sprintf("%s/%s/%d", h.SourceTable, h.SourceID, chunkIndex)
		h.SectionType = corpus.SectionType(section)
		h.Score = cosineWithNorms(query.Values, deserializeVector(emb), qnorm, norm)
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT n.node_id, n.source_table, n.source_id, n.title, n.summary, n.section_type,
		       n.page_start, n.page_end, n.embedding, n.norm,
		       d.symbol, d.fiscal_year, d.quarter
		FROM tree_nodes n
		JOIN documents d ON d.source_table = n.source_table AND d.source_id = n.source_id
		WHERE n.embedding_provider = ? AND n.native_dim > 0%s`, where),
		append([]any{query.Provider}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("dense node scan: %w", err)
	}
	for rows.Next() {
		var h Hit
		var emb []byte
		var norm float64
		var section string
		if err := rows.Scan(&h.Key, &h.SourceTable, &h.SourceID, &h.Title, &h.Text, &section,
			&h.PageStart, &h.PageEnd, &emb, &norm,
			&h.Symbol, &h.FiscalYear, &h.Quarter); err != nil {
			rows.Close()
			return nil, err
		}
		h.Kind = corpus.KindNode
		h.SectionType = corpus.SectionType(section)
		h.Score = cosineWithNorms(query.Values, deserializeVector(emb), qnorm, norm)
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Kind != hits[j].Kind {
			return hits[i].Kind == corpus.KindChunk
		}
		return hits[i].Key < hits[j].Key
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// SparseSearch runs a weighted BM25 full-text query over the lexical
// index. The context prefix column is weighted 3x over the body, so
// company/period/section matches surface even when the body overlap is
// thin.
func (s *Store) SparseSearch(ctx context.Context, query string, filters corpus.Filters, k int) ([]Hit, error) {
	match := sanitizeFTS5(query)
	if match == "" {
		return nil, nil
	}

	where := ""
	args := []any{match}
	if filters.Symbol != "" {
		where += " AND symbol = ?"
		args = append(args, filters.Symbol)
	}
	if filters.FiscalYear > 0 {
		where += " AND fiscal_year = ?"
		args = append(args, filters.FiscalYear)
	}
	if filters.DocType != "" {
		where += " AND source_table = ?"
		args = append(args, filters.DocType)
	}
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key, kind, source_table, source_id, symbol, fiscal_year, quarter,
		       section_type, page_start, page_end, title, context_prefix, body,
		       bm25(lexical_index, 3.0, 1.0) AS rank
		FROM lexical_index
		WHERE lexical_index MATCH ?%s
		ORDER BY rank ASC
		LIMIT ?`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("sparse search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var section string
		var rank float64
		if err := rows.Scan(&h.Key, &h.Kind, &h.SourceTable, &h.SourceID,
			&h.Symbol, &h.FiscalYear, &h.Quarter, &section,
			&h.PageStart, &h.PageEnd, &h.Title, &h.ContextPrefix, &h.Text,
			&rank); err != nil {
			return nil, err
		}
		h.SectionType = corpus.SectionType(section)
		// bm25() returns lower-is-better; negate so all hit scores are
		// higher-is-better.
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func filterClause(f corpus.Filters, docAlias string) (string, []any) {
	var sb strings.Builder
	var args []any
	if f.Symbol != "" {
		fmt.Fprintf(&sb, " AND %s.symbol = ?", docAlias)
		args = append(args, f.Symbol)
	}
	if f.FiscalYear > 0 {
		fmt.Fprintf(&sb, " AND %s.fiscal_year = ?", docAlias)
		args = append(args, f.FiscalYear)
	}
	if f.DocType != "" {
		fmt.Fprintf(&sb, " AND %s.source_table = ?", docAlias)
		args = append(args, f.DocType)
	}
	return sb.String(), args
}

// sanitizeFTS5 rewrites free text into a safe FTS5 match expression:
// each token is double-quoted (neutralizing operators like NEAR, *, ^)
// and tokens are OR-ed for recall; ranking separates the good from the
// merely-matching.
func sanitizeFTS5(query string) string {
	fields := strings.FieldsFunc(query, func(r rune) bool {
		return !isAlnum(r)
	})
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func isAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r >= 0x80 // keep non-ASCII letters for unicode61
}
