package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

type DocumentRepository struct {
	db *sql.DB
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

const documentColumns = `id, archive_id, name, original_filename, extension, mime_type, size_bytes, checksum, storage_path,
	processing_status, processing_step, processing_started_at,
	preview_status, preview_page_count, preview_extension, preview_error,
	ocr_status, ocr_text, ocr_error, analyze_text_status, structured_data, rag_status,
	processing_log, created_at, updated_at`

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	structured, err := marshalStructured(doc.StructuredData)
	if err != nil {
		return err
	}
	logJSON, err := json.Marshal(nonNilLog(doc.ProcessingLog))
	if err != nil {
		return fmt.Errorf("marshal processing log: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO documents (`+documentColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
`,
		doc.ID, doc.ArchiveID, doc.Name, doc.OriginalFilename, doc.Extension, doc.MimeType, doc.Size, doc.Checksum, doc.StoragePath,
		nullStatus(doc.ProcessingStatus), nullString(string(doc.ProcessingStep)), doc.ProcessingStartedAt,
		nullStatus(doc.PreviewStatus), doc.PreviewPageCount, nullString(doc.PreviewExtension), nullString(doc.PreviewError),
		nullStatus(doc.OCRStatus), nullString(doc.OCRText), nullString(doc.OCRError), nullStatus(doc.AnalyzeTextStatus), structured, nullStatus(doc.RAGStatus),
		logJSON, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.WrapError(domain.ErrDuplicateDocument, "insert document", err)
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
		}
		return nil, err
	}
	return doc, nil
}

// SaveState overwrites the pipeline state and result columns. The audit log
// is deliberately excluded; it only grows through AppendLog.
func (r *DocumentRepository) SaveState(ctx context.Context, doc *domain.Document) error {
	structured, err := marshalStructured(doc.StructuredData)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
UPDATE documents SET
	processing_status = $2, processing_step = $3, processing_started_at = $4,
	preview_status = $5, preview_page_count = $6, preview_extension = $7, preview_error = $8,
	ocr_status = $9, ocr_text = $10, ocr_error = $11,
	analyze_text_status = $12, structured_data = $13, rag_status = $14,
	updated_at = $15
WHERE id = $1
`,
		doc.ID,
		nullStatus(doc.ProcessingStatus), nullString(string(doc.ProcessingStep)), doc.ProcessingStartedAt,
		nullStatus(doc.PreviewStatus), doc.PreviewPageCount, nullString(doc.PreviewExtension), nullString(doc.PreviewError),
		nullStatus(doc.OCRStatus), nullString(doc.OCRText), nullString(doc.OCRError),
		nullStatus(doc.AnalyzeTextStatus), structured, nullStatus(doc.RAGStatus),
		now,
	)
	if err != nil {
		return fmt.Errorf("save document state: %w", err)
	}
	if err := ensureAffected(res, "save document state", doc.ID); err != nil {
		return err
	}
	doc.UpdatedAt = now
	return nil
}

// ClaimStep is a conditional update, so of two concurrent claims on the same
// row only one matches once the row lock is released.
func (r *DocumentRepository) ClaimStep(ctx context.Context, id string, step domain.Step) (bool, error) {
	column, err := stepStatusColumn(step)
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE documents SET
	`+column+` = 'queued', processing_step = $2, processing_status = 'queued', updated_at = $3
WHERE id = $1
  AND COALESCE(`+column+`, '') NOT IN ('queued', 'processing', 'done')
  AND COALESCE(processing_status, '') NOT IN ('queued', 'processing')
`, id, string(step), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim step %s: %w", step, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim step %s rows affected: %w", step, err)
	}
	return affected == 1, nil
}

func stepStatusColumn(step domain.Step) (string, error) {
	switch step {
	case domain.StepPreview:
		return "preview_status", nil
	case domain.StepOCR:
		return "ocr_status", nil
	case domain.StepAnalyze:
		return "analyze_text_status", nil
	case domain.StepRAG:
		return "rag_status", nil
	}
	return "", domain.WrapError(domain.ErrInvalidInput, "claim step", fmt.Errorf("unknown step %q", step))
}

// AppendLog concatenates one entry in place, so concurrent writers never lose entries.
func (r *DocumentRepository) AppendLog(ctx context.Context, id string, entry domain.LogEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE documents
SET processing_log = COALESCE(processing_log, '[]'::jsonb) || jsonb_build_array($2::jsonb)
WHERE id = $1
`, id, string(raw))
	if err != nil {
		return fmt.Errorf("append processing log: %w", err)
	}
	return ensureAffected(res, "append processing log", id)
}

func (r *DocumentRepository) ExistsByChecksum(ctx context.Context, archiveID int64, checksum string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS(SELECT 1 FROM documents WHERE archive_id = $1 AND checksum = $2)
`, archiveID, checksum).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check checksum: %w", err)
	}
	return exists, nil
}

func (r *DocumentRepository) ListIDsWithoutStatus(ctx context.Context, limit int) ([]string, error) {
	return r.listIDs(ctx, `
SELECT id FROM documents
WHERE processing_status IS NULL
ORDER BY created_at
LIMIT $1
`, limit)
}

func (r *DocumentRepository) ListIncomplete(ctx context.Context, limit int) ([]string, error) {
	return r.listIDs(ctx, `
SELECT id FROM documents
WHERE processing_status IS DISTINCT FROM 'complete'
ORDER BY created_at
LIMIT $1
`, limit)
}

// ListStuck returns documents scheduled or running since before the cutoff.
// Pending jobs have no start time, so their last state change is used instead.
func (r *DocumentRepository) ListStuck(ctx context.Context, before time.Time) ([]*domain.Document, error) {
	return r.listDocuments(ctx, `
SELECT `+documentColumns+` FROM documents
WHERE processing_status IN ('pending', 'queued', 'processing')
  AND COALESCE(processing_started_at, updated_at) < $1
ORDER BY created_at
`, before)
}

func (r *DocumentRepository) List(ctx context.Context, limit int) ([]*domain.Document, error) {
	return r.listDocuments(ctx, `
SELECT `+documentColumns+` FROM documents
ORDER BY created_at DESC
LIMIT $1
`, limit)
}

func (r *DocumentRepository) listIDs(ctx context.Context, query string, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document ids: %w", err)
	}
	return ids, nil
}

func (r *DocumentRepository) listDocuments(ctx context.Context, query string, args ...any) ([]*domain.Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*domain.Document, error) {
	var (
		doc                                                  domain.Document
		processingStatus, processingStep                     sql.NullString
		startedAt                                            sql.NullTime
		previewStatus, previewExt, previewErr                sql.NullString
		previewPages                                         sql.NullInt64
		ocrStatus, ocrText, ocrErr, analyzeStatus, ragStatus sql.NullString
		structuredRaw, logRaw                                []byte
	)

	err := row.Scan(
		&doc.ID, &doc.ArchiveID, &doc.Name, &doc.OriginalFilename, &doc.Extension, &doc.MimeType, &doc.Size, &doc.Checksum, &doc.StoragePath,
		&processingStatus, &processingStep, &startedAt,
		&previewStatus, &previewPages, &previewExt, &previewErr,
		&ocrStatus, &ocrText, &ocrErr, &analyzeStatus, &structuredRaw, &ragStatus,
		&logRaw, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}

	doc.ProcessingStatus = domain.Status(processingStatus.String)
	doc.ProcessingStep = domain.Step(processingStep.String)
	if startedAt.Valid {
		t := startedAt.Time
		doc.ProcessingStartedAt = &t
	}
	doc.PreviewStatus = domain.Status(previewStatus.String)
	doc.PreviewPageCount = int(previewPages.Int64)
	doc.PreviewExtension = previewExt.String
	doc.PreviewError = previewErr.String
	doc.OCRStatus = domain.Status(ocrStatus.String)
	doc.OCRText = ocrText.String
	doc.OCRError = ocrErr.String
	doc.AnalyzeTextStatus = domain.Status(analyzeStatus.String)
	doc.RAGStatus = domain.Status(ragStatus.String)

	if len(structuredRaw) > 0 {
		if err := json.Unmarshal(structuredRaw, &doc.StructuredData); err != nil {
			return nil, fmt.Errorf("unmarshal structured data: %w", err)
		}
	}
	if len(logRaw) > 0 {
		if err := json.Unmarshal(logRaw, &doc.ProcessingLog); err != nil {
			return nil, fmt.Errorf("unmarshal processing log: %w", err)
		}
	}
	doc.ProcessingLog = nonNilLog(doc.ProcessingLog)
	return &doc, nil
}

func ensureAffected(res sql.Result, operation, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrDocumentNotFound, operation, fmt.Errorf("id=%s", id))
	}
	return nil
}

func marshalStructured(data map[string]any) (any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal structured data: %w", err)
	}
	return raw, nil
}

func nullStatus(s domain.Status) any {
	return nullString(string(s))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNilLog(entries []domain.LogEntry) []domain.LogEntry {
	if entries == nil {
		return []domain.LogEntry{}
	}
	return entries
}
