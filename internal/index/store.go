// Package index persists chunks and tree nodes in SQLite and maintains
// two consistent parallel structures over the same records: a dense
// cosine-ordered vector index and a sparse weighted FTS5 inverted
// index (context_prefix weighted above chunk body).
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("index: not found")
	// ErrConflict is returned when a versioned write lost a race with a
	// concurrent re-ingestion of the same document.
	ErrConflict = errors.New("index: version conflict")
	// ErrStaleDerived is returned when an upsert changes a chunk's text
	// without re-deriving its embedding. This is a programming error in
	// the caller, not a degradation.
	ErrStaleDerived = errors.New("index: text changed without re-derived embedding")
	// ErrIndexInconsistency is returned when the dense and sparse
	// structures disagree on a key's existence. Fatal: callers must
	// repair or rebuild, never ignore.
	ErrIndexInconsistency = errors.New("index: dense/sparse inconsistency")
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	source_table TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	fiscal_year  INTEGER NOT NULL,
	quarter      INTEGER NOT NULL DEFAULT 0,
	title        TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL DEFAULT 1,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (source_table, source_id)
);

CREATE TABLE IF NOT EXISTS chunks (
	source_table       TEXT NOT NULL,
	source_id          TEXT NOT NULL,
	chunk_index        INTEGER NOT NULL,
	text               TEXT NOT NULL,
	section_type       TEXT NOT NULL,
	page_start         INTEGER NOT NULL DEFAULT 0,
	page_end           INTEGER NOT NULL DEFAULT 0,
	context_prefix     TEXT NOT NULL DEFAULT '',
	embedding          BLOB,
	embedding_provider TEXT NOT NULL DEFAULT '',
	native_dim         INTEGER NOT NULL DEFAULT 0,
	norm               REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (source_table, source_id, chunk_index),
	FOREIGN KEY (source_table, source_id)
		REFERENCES documents(source_table, source_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tree_nodes (
	node_id            TEXT PRIMARY KEY,
	source_table       TEXT NOT NULL,
	source_id          TEXT NOT NULL,
	level              INTEGER NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	summary            TEXT NOT NULL,
	section_type       TEXT NOT NULL,
	parent_id          TEXT,
	child_ids          TEXT NOT NULL,
	page_start         INTEGER NOT NULL DEFAULT 0,
	page_end           INTEGER NOT NULL DEFAULT 0,
	degraded           INTEGER NOT NULL DEFAULT 0,
	embedding          BLOB,
	embedding_provider TEXT NOT NULL DEFAULT '',
	native_dim         INTEGER NOT NULL DEFAULT 0,
	norm               REAL NOT NULL DEFAULT 0,
	FOREIGN KEY (source_table, source_id)
		REFERENCES documents(source_table, source_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tree_nodes_document ON tree_nodes(source_table, source_id);

CREATE VIRTUAL TABLE IF NOT EXISTS lexical_index USING fts5(
	context_prefix,
	body,
	key UNINDEXED,
	kind UNINDEXED,
	source_table UNINDEXED,
	source_id UNINDEXED,
	symbol UNINDEXED,
	fiscal_year UNINDEXED,
	quarter UNINDEXED,
	section_type UNINDEXED,
	page_start UNINDEXED,
	page_end UNINDEXED,
	title UNINDEXED,
	tokenize='porter unicode61'
);
`

// Store is the SQLite-backed indexer.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	locks *keyLocks
}

// Open opens (creating if needed) the index database and applies the
// production pragmas and schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	log.Info("index opened", "path", path)
	return &Store{db: db, log: log, locks: newKeyLocks()}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
