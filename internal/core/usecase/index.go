package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

const defaultEmbeddingBatch = 50

type IndexExecutor struct {
	chunks    ports.ChunkIndex
	chunker   ports.Chunker
	embedder  ports.Embedder
	batchSize int
	logger    *slog.Logger
}

func NewIndexExecutor(chunks ports.ChunkIndex, chunker ports.Chunker, embedder ports.Embedder, batchSize int, logger *slog.Logger) *IndexExecutor {
	if batchSize <= 0 {
		batchSize = defaultEmbeddingBatch
	}
	return &IndexExecutor{
		chunks:    chunks,
		chunker:   chunker,
		embedder:  embedder,
		batchSize: batchSize,
		logger:    defaultLogger(logger),
	}
}

func (x *IndexExecutor) Step() domain.Step { return domain.StepRAG }

// Execute replaces every chunk of the document. Old chunks are removed even
// when the text turns out empty. A failed batch stops the run; rows from
// earlier batches stay until the next run deletes them.
func (x *IndexExecutor) Execute(ctx context.Context, doc *domain.Document) (StepResult, error) {
	if err := x.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("delete previous chunks: %w", err)
	}
	if strings.TrimSpace(doc.OCRText) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "index chunks", errors.New("OCR text is empty"))
	}

	parts := x.chunker.Split(doc.OCRText)
	if len(parts) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "index chunks", errors.New("OCR text is empty"))
	}

	meta := map[string]string{"model": x.embedder.Model()}
	next := 0
	for start := 0; start < len(parts); start += x.batchSize {
		end := min(start+x.batchSize, len(parts))
		batch := parts[start:end]

		vectors, err := x.embedder.Embed(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embed batch at chunk %d: %w", start, err)
		}

		entries := matchEmbeddings(doc.ID, batch, vectors, next, meta)
		if len(entries) < len(batch) {
			x.logger.Warn("embedding_batch_incomplete", "document_id", doc.ID, "batch_start", start, "requested", len(batch), "matched", len(entries))
		}
		if err := x.chunks.Insert(ctx, entries); err != nil {
			return nil, fmt.Errorf("insert chunks: %w", err)
		}
		next += len(entries)
	}

	if next == 0 {
		return nil, errors.New("index chunks: embedding service returned no vectors")
	}
	x.logger.Info("chunks_indexed", "document_id", doc.ID, "chunks", next)
	return nil, nil
}

// matchEmbeddings pairs vectors with batch texts by the echoed batch index and
// numbers matched pairs contiguously from first.
func matchEmbeddings(documentID string, batch []string, vectors []domain.Embedding, first int, meta map[string]string) []domain.ChunkEntry {
	byIndex := make(map[int][]float32, len(vectors))
	for _, v := range vectors {
		if v.Index < 0 || v.Index >= len(batch) || len(v.Vector) == 0 {
			continue
		}
		byIndex[v.Index] = v.Vector
	}

	entries := make([]domain.ChunkEntry, 0, len(batch))
	for i, text := range batch {
		vec, ok := byIndex[i]
		if !ok {
			continue
		}
		entries = append(entries, domain.ChunkEntry{
			DocumentID: documentID,
			ChunkIndex: first + len(entries),
			Text:       text,
			Embedding:  vec,
			Meta:       meta,
		})
	}
	return entries
}
