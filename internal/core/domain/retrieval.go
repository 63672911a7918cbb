package domain

// ChunkEntry is one indexed window of a document's OCR text.
type ChunkEntry struct {
	DocumentID string            `json:"document_id"`
	ChunkIndex int               `json:"chunk_index"`
	Text       string            `json:"chunk"`
	Embedding  []float32         `json:"-"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Embedding is one vector returned by the embedding service, tagged with the
// batch-local index of the input it belongs to.
type Embedding struct {
	Index  int
	Vector []float32
}

type ChunkFilter struct {
	DocumentID string
}

type RetrievedChunk struct {
	DocumentID       string  `json:"document_id"`
	DocumentName     string  `json:"document_name"`
	OriginalFilename string  `json:"original_filename"`
	Extension        string  `json:"extension"`
	ChunkIndex       int     `json:"chunk_index"`
	Text             string  `json:"text"`
	Distance         float64 `json:"distance"`
}

type SourceDocument struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	OriginalFilename string   `json:"original_filename"`
	Extension        string   `json:"extension"`
	Distance         float64  `json:"distance"`
	Excerpts         []string `json:"excerpts"`
}

type SearchResult struct {
	Query         string           `json:"query"`
	Answer        string           `json:"answer"`
	AnswerError   string           `json:"answer_error,omitempty"`
	Sources       []SourceDocument `json:"sources"`
	Context       string           `json:"-"`
	ContextChunks int              `json:"context_chunks"`
	KeywordMatch  bool             `json:"keyword_match"`
}
