package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

// UploadRequest describes one incoming archive file.
type UploadRequest struct {
	ArchiveID int64
	Name      string
	Filename  string
	MimeType  string
	Body      io.Reader
}

// DocumentIngestor is the inbound contract for document upload.
type DocumentIngestor interface {
	Upload(ctx context.Context, req UploadRequest) (*domain.Document, error)
}

// DocumentReader is the inbound read model for document metadata and pipeline state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// DocumentPipeline drives a document through the fixed step sequence.
type DocumentPipeline interface {
	// Advance schedules the next unfinished step. With force set, a failed step is retried.
	Advance(ctx context.Context, documentID string, force bool) error
	// StartMissing resumes processing without retrying failed steps.
	StartMissing(ctx context.Context, documentID string) error
	// RestartFull discards every result and runs the pipeline from the first step.
	RestartFull(ctx context.Context, documentID string) error
}

// StepRunner executes one dispatched pipeline step.
type StepRunner interface {
	Run(ctx context.Context, job StepJob) error
}

// SearchService answers natural-language questions over the chunk index.
type SearchService interface {
	Search(ctx context.Context, question string, filter domain.ChunkFilter) (*domain.SearchResult, error)
}

// PipelineOperations are the bulk maintenance entry points exposed to operators.
type PipelineOperations interface {
	QueueUnprocessed(ctx context.Context, limit int) (int, error)
	ResetStuck(ctx context.Context, olderThan time.Duration, resume bool) (int, error)
	RestartIncomplete(ctx context.Context, limit int) (int, error)
}
