package postgres

import (
	"context"
	"fmt"
)

const schemaLockID int64 = 2026021001

// EnsureSchema creates the documents and chunk tables. Dimensions fixes the
// embedding column width and must match the embedding model.
func (r *DocumentRepository) EnsureSchema(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive, got %d", dimensions)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	query := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS unaccent;

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	archive_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	original_filename TEXT NOT NULL,
	extension TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	checksum TEXT NOT NULL,
	storage_path TEXT NOT NULL,
	processing_status TEXT,
	processing_step TEXT,
	processing_started_at TIMESTAMPTZ,
	preview_status TEXT,
	preview_page_count INTEGER NOT NULL DEFAULT 0,
	preview_extension TEXT,
	preview_error TEXT,
	ocr_status TEXT,
	ocr_text TEXT,
	ocr_error TEXT,
	analyze_text_status TEXT,
	structured_data JSONB,
	rag_status TEXT,
	processing_log JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_archive_checksum ON documents(archive_id, checksum);
CREATE INDEX IF NOT EXISTS idx_documents_processing_status ON documents(processing_status);
CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);

CREATE TABLE IF NOT EXISTS document_chunks (
	id BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL CHECK (chunk_index >= 0),
	chunk TEXT NOT NULL,
	embedding vector(%d) NOT NULL,
	meta JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding ON document_chunks USING hnsw (embedding vector_l2_ops);
`, dimensions)

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
