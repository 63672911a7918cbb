package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

// ChunkIndex stores chunk embeddings in a pgvector column next to the documents table.
type ChunkIndex struct {
	db *sql.DB
}

func NewChunkIndex(db *sql.DB) *ChunkIndex {
	return &ChunkIndex{db: db}
}

func (c *ChunkIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

// Insert writes one batch atomically.
func (c *ChunkIndex) Insert(ctx context.Context, chunks []domain.ChunkEntry) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO document_chunks (document_id, chunk_index, chunk, embedding, meta)
VALUES ($1, $2, $3, $4, $5)
`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		meta, err := json.Marshal(nonNilMeta(chunk.Meta))
		if err != nil {
			return fmt.Errorf("marshal chunk meta: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			chunk.DocumentID, chunk.ChunkIndex, chunk.Text, pgvector.NewVector(chunk.Embedding), meta,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk tx: %w", err)
	}
	return nil
}

const retrievedColumns = `c.document_id, d.name, d.original_filename, d.extension, c.chunk_index, c.chunk`

// SearchNearest orders chunks by L2 distance to vector, closest first.
func (c *ChunkIndex) SearchNearest(ctx context.Context, vector []float32, limit int, filter domain.ChunkFilter) ([]domain.RetrievedChunk, error) {
	args := []any{pgvector.NewVector(vector), limit}
	where := ""
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		where = "WHERE c.document_id = $3"
	}

	query := `
SELECT ` + retrievedColumns + `, c.embedding <-> $1 AS distance
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
` + where + `
ORDER BY distance
LIMIT $2
`
	return c.queryChunks(ctx, query, args...)
}

// SearchKeyword matches accent-stripped, lower-cased tokens against chunk text.
// Chunks matching more tokens rank first; distance is reported as 0.
func (c *ChunkIndex) SearchKeyword(ctx context.Context, tokens []string, limit int, filter domain.ChunkFilter) ([]domain.RetrievedChunk, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	args := []any{limit}
	matches := make([]string, 0, len(tokens))
	for _, token := range tokens {
		args = append(args, "%"+escapeLike(token)+"%")
		matches = append(matches, fmt.Sprintf("unaccent(lower(c.chunk)) LIKE $%d", len(args)))
	}
	score := make([]string, len(matches))
	for i, m := range matches {
		score[i] = "(CASE WHEN " + m + " THEN 1 ELSE 0 END)"
	}

	where := "(" + strings.Join(matches, " OR ") + ")"
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		where += fmt.Sprintf(" AND c.document_id = $%d", len(args))
	}

	query := `
SELECT ` + retrievedColumns + `, 0::float8 AS distance
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE ` + where + `
ORDER BY ` + strings.Join(score, " + ") + ` DESC, c.document_id, c.chunk_index
LIMIT $1
`
	return c.queryChunks(ctx, query, args...)
}

// Neighbors returns the chunks of one document with index in [fromIndex, toIndex].
func (c *ChunkIndex) Neighbors(ctx context.Context, documentID string, fromIndex, toIndex int) ([]domain.RetrievedChunk, error) {
	return c.queryChunks(ctx, `
SELECT `+retrievedColumns+`, 0::float8 AS distance
FROM document_chunks c
JOIN documents d ON d.id = c.document_id
WHERE c.document_id = $1 AND c.chunk_index BETWEEN $2 AND $3
ORDER BY c.chunk_index
`, documentID, fromIndex, toIndex)
}

func (c *ChunkIndex) queryChunks(ctx context.Context, query string, args ...any) ([]domain.RetrievedChunk, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []domain.RetrievedChunk
	for rows.Next() {
		var chunk domain.RetrievedChunk
		if err := rows.Scan(
			&chunk.DocumentID, &chunk.DocumentName, &chunk.OriginalFilename, &chunk.Extension,
			&chunk.ChunkIndex, &chunk.Text, &chunk.Distance,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nonNilMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	return meta
}
