package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

// DocumentRepository persists and reads document state.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	// SaveState writes every pipeline state and result column of doc.
	SaveState(ctx context.Context, doc *domain.Document) error
	// ClaimStep atomically marks step queued unless it is already queued,
	// processing or done, or another step is in flight. It reports whether
	// this caller won the claim.
	ClaimStep(ctx context.Context, id string, step domain.Step) (bool, error)
	// AppendLog appends one audit entry without rewriting the existing log.
	AppendLog(ctx context.Context, id string, entry domain.LogEntry) error
	ExistsByChecksum(ctx context.Context, archiveID int64, checksum string) (bool, error)
	ListIDsWithoutStatus(ctx context.Context, limit int) ([]string, error)
	ListStuck(ctx context.Context, before time.Time) ([]*domain.Document, error)
	ListIncomplete(ctx context.Context, limit int) ([]string, error)
	List(ctx context.Context, limit int) ([]*domain.Document, error)
}

// ObjectStorage stores source documents and rendered previews.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// StepJob is the message dispatched for one pipeline step.
type StepJob struct {
	DocumentID string      `json:"document_id"`
	Step       domain.Step `json:"step"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// StepQueue publishes and consumes step jobs.
type StepQueue interface {
	PublishStep(ctx context.Context, job StepJob) error
	SubscribeSteps(ctx context.Context, handler func(context.Context, StepJob) error) error
}

// PageConverter renders a local source file into page images inside outDir.
type PageConverter interface {
	Render(ctx context.Context, srcPath, extension, outDir string) (domain.RenderedPages, error)
}

// TextExtractor transcribes page images into plain text.
type TextExtractor interface {
	ExtractText(ctx context.Context, pages []domain.PageImage) (string, error)
}

// StructuredAnalyzer maps OCR text onto archive metadata fields.
type StructuredAnalyzer interface {
	Analyze(ctx context.Context, text string) (map[string]any, error)
}

// Embedder builds vectors for chunks and query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]domain.Embedding, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// AnswerGenerator writes the final answer from retrieved context.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question, contextText string) (string, error)
}

// Chunker splits text into indexable windows.
type Chunker interface {
	Split(text string) []string
}

// ChunkIndex stores chunk embeddings and serves nearest-neighbour lookups.
type ChunkIndex interface {
	DeleteByDocument(ctx context.Context, documentID string) error
	Insert(ctx context.Context, chunks []domain.ChunkEntry) error
	SearchNearest(ctx context.Context, vector []float32, limit int, filter domain.ChunkFilter) ([]domain.RetrievedChunk, error)
	SearchKeyword(ctx context.Context, tokens []string, limit int, filter domain.ChunkFilter) ([]domain.RetrievedChunk, error)
	Neighbors(ctx context.Context, documentID string, fromIndex, toIndex int) ([]domain.RetrievedChunk, error)
}
