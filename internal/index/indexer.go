package index

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantlake/finsight/internal/corpus"
)

// IngestDocument atomically upserts a document with its full chunk set
// and freshly rebuilt tree. Writers for the same document key are
// serialized; concurrent ingestion of different documents proceeds
// independently.
func (s *Store) IngestDocument(ctx context.Context, doc corpus.Document, chunks []corpus.Chunk, nodes []corpus.TreeNode) error {
	unlock := s.locks.Lock(doc.Key())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ingest tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertDocumentTx(ctx, tx, doc); err != nil {
		return err
	}
	if err := upsertChunksTx(ctx, tx, doc, chunks); err != nil {
		return err
	}
	if err := replaceTreeTx(ctx, tx, doc, nodes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ingest tx: %w", err)
	}
	return nil
}

// UpsertChunks upserts a document's chunk set without touching its
// tree. Callers that change a chunk set must rebuild the tree
// afterwards; IngestDocument does both in one transaction.
func (s *Store) UpsertChunks(ctx context.Context, doc corpus.Document, chunks []corpus.Chunk) error {
	unlock := s.locks.Lock(doc.Key())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	if err := upsertDocumentTx(ctx, tx, doc); err != nil {
		return err
	}
	if err := upsertChunksTx(ctx, tx, doc, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceTree discards and rewrites all tree nodes of a document
// (wholesale rebuild preserves the tree invariants; nodes are never
// patched in place).
func (s *Store) ReplaceTree(ctx context.Context, doc corpus.Document, nodes []corpus.TreeNode) error {
	unlock := s.locks.Lock(doc.Key())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tree tx: %w", err)
	}
	defer tx.Rollback()

	if err := replaceTreeTx(ctx, tx, doc, nodes); err != nil {
		return err
	}
	return tx.Commit()
}

// upsertDocumentTx inserts or updates the document row. When
// doc.Version is non-zero the update is a compare-and-swap; losing the
// race returns ErrConflict.
func upsertDocumentTx(ctx context.Context, tx *sql.Tx, doc corpus.Document) error {
	now := time.Now().Unix()

	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE source_table = ? AND source_id = ?`,
		doc.SourceTable, doc.SourceID).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (source_table, source_id, symbol, fiscal_year, quarter, title, content_hash, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			doc.SourceTable, doc.SourceID, doc.Symbol, doc.FiscalYear, doc.Quarter,
			doc.Title, doc.ContentHash, now, now)
		if err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read document version: %w", err)
	}

	if doc.Version > 0 && doc.Version != version {
		return fmt.Errorf("%w: document %s at version %d, expected %d",
			ErrConflict, doc.Key(), version, doc.Version)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET symbol = ?, fiscal_year = ?, quarter = ?, title = ?, content_hash = ?,
		    version = version + 1, updated_at = ?
		WHERE source_table = ? AND source_id = ?`,
		doc.Symbol, doc.FiscalYear, doc.Quarter, doc.Title, doc.ContentHash, now,
		doc.SourceTable, doc.SourceID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

// upsertChunksTx writes the chunk rows and their lexical postings.
// Identical content is left untouched (stored embeddings do not
// churn); a text change arriving with the old embedding is rejected
// as ErrStaleDerived.
func upsertChunksTx(ctx context.Context, tx *sql.Tx, doc corpus.Document, chunks []corpus.Chunk) error {
	for i, c := range chunks {
		if c.ChunkIndex != i {
			return fmt.Errorf("chunk set for %s: index %d at position %d, want contiguous from 0",
				doc.Key(), c.ChunkIndex, i)
		}

		var oldText string
		var oldEmb []byte
		err := tx.QueryRowContext(ctx,
			`SELECT text, embedding FROM chunks WHERE source_table = ? AND source_id = ? AND chunk_index = ?`,
			c.SourceTable, c.SourceID, c.ChunkIndex).Scan(&oldText, &oldEmb)

		newEmb := serializeVector(c.Embedding.Values)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// new row, fall through to insert
		case err != nil:
			return fmt.Errorf("read chunk %s: %w", c.Key(), err)
		case oldText == c.Text && bytes.Equal(oldEmb, newEmb):
			continue // idempotent re-upsert
		case oldText != c.Text && len(oldEmb) > 0 && bytes.Equal(oldEmb, newEmb):
			return fmt.Errorf("chunk %s: %w", c.Key(), ErrStaleDerived)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO chunks (source_table, source_id, chunk_index, text, section_type, page_start, page_end, context_prefix, embedding, embedding_provider, native_dim, norm)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_table, source_id, chunk_index) DO UPDATE SET
				text = excluded.text,
				section_type = excluded.section_type,
				page_start = excluded.page_start,
				page_end = excluded.page_end,
				context_prefix = excluded.context_prefix,
				embedding = excluded.embedding,
				embedding_provider = excluded.embedding_provider,
				native_dim = excluded.native_dim,
				norm = excluded.norm`,
			c.SourceTable, c.SourceID, c.ChunkIndex, c.Text, string(c.SectionType),
			c.PageStart, c.PageEnd, c.ContextPrefix,
			newEmb, c.Embedding.Provider, c.Embedding.NativeDim, vectorNorm(c.Embedding.Values))
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.Key(), err)
		}

		if err := upsertLexicalTx(ctx, tx, lexicalRow{
			key: c.Key(), kind: corpus.KindChunk, doc: doc,
			sectionType: c.SectionType, pageStart: c.PageStart, pageEnd: c.PageEnd,
			contextPrefix: c.ContextPrefix, body: c.Text,
		}); err != nil {
			return err
		}
	}

	// Trailing chunks from a previous, longer ingestion are removed so
	// chunk_index stays contiguous from 0.
	if err := deleteChunkTailTx(ctx, tx, doc, len(chunks)); err != nil {
		return err
	}
	return nil
}

func deleteChunkTailTx(ctx context.Context, tx *sql.Tx, doc corpus.Document, from int) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT chunk_index FROM chunks WHERE source_table = ? AND source_id = ? AND chunk_index >= ?`,
		doc.SourceTable, doc.SourceID, from)
	if err != nil {
		return fmt.Errorf("list stale chunks: %w", err)
	}
	var stale []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return err
		}
		stale = append(stale, idx)
	}
	rows.Close()

	for _, idx := range stale {
		key := fmt.Sprintf("%s/%s/%d", doc.SourceTable, doc.SourceID, idx)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chunks WHERE source_table = ? AND source_id = ? AND chunk_index = ?`,
			doc.SourceTable, doc.SourceID, idx); err != nil {
			return fmt.Errorf("delete stale chunk %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM lexical_index WHERE key = ? AND kind = ?`, key, corpus.KindChunk); err != nil {
			return fmt.Errorf("delete stale postings %s: %w", key, err)
		}
	}
	return nil
}

func replaceTreeTx(ctx context.Context, tx *sql.Tx, doc corpus.Document, nodes []corpus.TreeNode) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tree_nodes WHERE source_table = ? AND source_id = ?`,
		doc.SourceTable, doc.SourceID); err != nil {
		return fmt.Errorf("clear tree for %s: %w", doc.Key(), err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lexical_index WHERE source_table = ? AND source_id = ? AND kind = ?`,
		doc.SourceTable, doc.SourceID, corpus.KindNode); err != nil {
		return fmt.Errorf("clear node postings for %s: %w", doc.Key(), err)
	}

	for _, n := range nodes {
		childIDs, err := json.Marshal(n.ChildIDs)
		if err != nil {
			return fmt.Errorf("marshal child ids for %s: %w", n.NodeID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tree_nodes (node_id, source_table, source_id, level, title, summary, section_type, parent_id, child_ids, page_start, page_end, degraded, embedding, embedding_provider, native_dim, norm)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.NodeID, n.SourceTable, n.SourceID, n.Level, n.Title, n.Summary,
			string(n.SectionType), nullable(n.ParentID), string(childIDs),
			n.PageStart, n.PageEnd, boolToInt(n.Degraded),
			serializeVector(n.Embedding.Values), n.Embedding.Provider, n.Embedding.NativeDim,
			vectorNorm(n.Embedding.Values))
		if err != nil {
			return fmt.Errorf("insert node %s: %w", n.NodeID, err)
		}

		if err := upsertLexicalTx(ctx, tx, lexicalRow{
			key: n.NodeID, kind: corpus.KindNode, doc: doc,
			sectionType: n.SectionType, pageStart: n.PageStart, pageEnd: n.PageEnd,
			contextPrefix: n.Title, body: n.Summary, title: n.Title,
		}); err != nil {
			return err
		}
	}
	return nil
}

type lexicalRow struct {
	key           string
	kind          string
	doc           corpus.Document
	sectionType   corpus.SectionType
	pageStart     int
	pageEnd       int
	contextPrefix string
	body          string
	title         string
}

func upsertLexicalTx(ctx context.Context, tx *sql.Tx, r lexicalRow) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lexical_index WHERE key = ? AND kind = ?`, r.key, r.kind); err != nil {
		return fmt.Errorf("clear postings %s: %w", r.key, err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lexical_index (context_prefix, body, key, kind, source_table, source_id, symbol, fiscal_year, quarter, section_type, page_start, page_end, title)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.contextPrefix, r.body, r.key, r.kind, r.doc.SourceTable, r.doc.SourceID,
		r.doc.Symbol, r.doc.FiscalYear, r.doc.Quarter, string(r.sectionType),
		r.pageStart, r.pageEnd, r.title)
	if err != nil {
		return fmt.Errorf("insert postings %s: %w", r.key, err)
	}
	return nil
}

// GetChunk fetches one chunk by its natural key.
func (s *Store) GetChunk(ctx context.Context, sourceTable, sourceID string, chunkIndex int) (corpus.Chunk, error) {
	var c corpus.Chunk
	var emb []byte
	var section string
	err := s.db.QueryRowContext(ctx, `
		SELECT source_table, source_id, chunk_index, text, section_type, page_start, page_end, context_prefix, embedding, embedding_provider, native_dim
		FROM chunks WHERE source_table = ? AND source_id = ? AND chunk_index = ?`,
		sourceTable, sourceID, chunkIndex).Scan(
		&c.SourceTable, &c.SourceID, &c.ChunkIndex, &c.Text, &section,
		&c.PageStart, &c.PageEnd, &c.ContextPrefix,
		&emb, &c.Embedding.Provider, &c.Embedding.NativeDim)
	if errors.Is(err, sql.ErrNoRows) {
		return corpus.Chunk{}, fmt.Errorf("chunk %s/%s/%d: %w", sourceTable, sourceID, chunkIndex, ErrNotFound)
	}
	if err != nil {
		return corpus.Chunk{}, fmt.Errorf("get chunk: %w", err)
	}
	c.SectionType = corpus.SectionType(section)
	c.Embedding.Values = deserializeVector(emb)
	return c, nil
}

// GetNode fetches one tree node by id.
func (s *Store) GetNode(ctx context.Context, nodeID string) (corpus.TreeNode, error) {
	var n corpus.TreeNode
	var emb []byte
	var section, childIDs string
	var parent sql.NullString
	var degraded int
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, source_table, source_id, level, title, summary, section_type, parent_id, child_ids, page_start, page_end, degraded, embedding, embedding_provider, native_dim
		FROM tree_nodes WHERE node_id = ?`, nodeID).Scan(
		&n.NodeID, &n.SourceTable, &n.SourceID, &n.Level, &n.Title, &n.Summary,
		&section, &parent, &childIDs, &n.PageStart, &n.PageEnd, &degraded,
		&emb, &n.Embedding.Provider, &n.Embedding.NativeDim)
	if errors.Is(err, sql.ErrNoRows) {
		return corpus.TreeNode{}, fmt.Errorf("node %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return corpus.TreeNode{}, fmt.Errorf("get node: %w", err)
	}
	n.SectionType = corpus.SectionType(section)
	n.ParentID = parent.String
	n.Degraded = degraded != 0
	n.Embedding.Values = deserializeVector(emb)
	if err := json.Unmarshal([]byte(childIDs), &n.ChildIDs); err != nil {
		return corpus.TreeNode{}, fmt.Errorf("node %s child ids: %w", nodeID, err)
	}
	return n, nil
}

// GetDocument fetches a document row.
func (s *Store) GetDocument(ctx context.Context, sourceTable, sourceID string) (corpus.Document, error) {
	var d corpus.Document
	err := s.db.QueryRowContext(ctx, `
		SELECT source_table, source_id, symbol, fiscal_year, quarter, title, content_hash, version
		FROM documents WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID).Scan(
		&d.SourceTable, &d.SourceID, &d.Symbol, &d.FiscalYear, &d.Quarter,
		&d.Title, &d.ContentHash, &d.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return corpus.Document{}, fmt.Errorf("document %s/%s: %w", sourceTable, sourceID, ErrNotFound)
	}
	if err != nil {
		return corpus.Document{}, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// ListDocuments returns all document rows.
func (s *Store) ListDocuments(ctx context.Context) ([]corpus.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_table, source_id, symbol, fiscal_year, quarter, title, content_hash, version
		FROM documents ORDER BY source_table, source_id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []corpus.Document
	for rows.Next() {
		var d corpus.Document
		if err := rows.Scan(&d.SourceTable, &d.SourceID, &d.Symbol, &d.FiscalYear,
			&d.Quarter, &d.Title, &d.ContentHash, &d.Version); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and cascades to its chunks, tree
// nodes and all lexical postings.
func (s *Store) DeleteDocument(ctx context.Context, sourceTable, sourceID string) error {
	unlock := s.locks.Lock(sourceTable + "/" + sourceID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM lexical_index WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID); err != nil {
		return fmt.Errorf("delete postings: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tree_nodes WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return tx.Commit()
}

// VerifyDocument cross-checks the dense-side rows (chunks, tree_nodes)
// against the sparse lexical_index for one document. A key present on
// one side only is an ErrIndexInconsistency.
func (s *Store) VerifyDocument(ctx context.Context, sourceTable, sourceID string) error {
	dense := map[string]bool{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index FROM chunks WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID)
	if err != nil {
		return fmt.Errorf("verify: list chunks: %w", err)
	}
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return err
		}
		dense[fmt.Sprintf("%s/%s/%d", sourceTable, sourceID, idx)] = true
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT node_id FROM tree_nodes WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID)
	if err != nil {
		return fmt.Errorf("verify: list nodes: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		dense[id] = true
	}
	rows.Close()

	sparse := map[string]bool{}
	rows, err = s.db.QueryContext(ctx,
		`SELECT key FROM lexical_index WHERE source_table = ? AND source_id = ?`,
		sourceTable, sourceID)
	if err != nil {
		return fmt.Errorf("verify: list postings: %w", err)
	}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		sparse[key] = true
	}
	rows.Close()

	for key := range dense {
		if !sparse[key] {
			return fmt.Errorf("%w: %s missing from lexical index", ErrIndexInconsistency, key)
		}
	}
	for key := range sparse {
		if !dense[key] {
			return fmt.Errorf("%w: %s has postings but no record", ErrIndexInconsistency, key)
		}
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
