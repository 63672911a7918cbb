package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

type QueryOptions struct {
	NearestLimit      int
	DistanceThreshold float64
	NeighborWindow    int
	MaxContextChunks  int
	ExcerptChars      int
}

func DefaultQueryOptions() QueryOptions {
	return QueryOptions{
		NearestLimit:      12,
		DistanceThreshold: 1.0,
		NeighborWindow:    2,
		MaxContextChunks:  16,
		ExcerptChars:      220,
	}
}

const minKeywordRunes = 3

type QueryUseCase struct {
	chunks    ports.ChunkIndex
	embedder  ports.Embedder
	generator ports.AnswerGenerator
	opts      QueryOptions
	logger    *slog.Logger
}

func NewQueryUseCase(
	chunks ports.ChunkIndex,
	embedder ports.Embedder,
	generator ports.AnswerGenerator,
	opts QueryOptions,
	logger *slog.Logger,
) *QueryUseCase {
	defaults := DefaultQueryOptions()
	if opts.NearestLimit <= 0 {
		opts.NearestLimit = defaults.NearestLimit
	}
	if opts.DistanceThreshold <= 0 {
		opts.DistanceThreshold = defaults.DistanceThreshold
	}
	if opts.NeighborWindow < 0 {
		opts.NeighborWindow = 0
	}
	if opts.MaxContextChunks <= 0 {
		opts.MaxContextChunks = defaults.MaxContextChunks
	}
	if opts.ExcerptChars <= 0 {
		opts.ExcerptChars = defaults.ExcerptChars
	}
	return &QueryUseCase{
		chunks:    chunks,
		embedder:  embedder,
		generator: generator,
		opts:      opts,
		logger:    defaultLogger(logger),
	}
}

func (uc *QueryUseCase) Search(ctx context.Context, question string, filter domain.ChunkFilter) (*domain.SearchResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "search", fmt.Errorf("query is empty"))
	}

	hits, keyword, err := uc.retrieve(ctx, question, filter)
	if err != nil {
		return nil, err
	}

	contextChunks, err := uc.expand(ctx, hits)
	if err != nil {
		return nil, err
	}

	result := &domain.SearchResult{
		Query:         question,
		Sources:       uc.sources(hits),
		Context:       buildContext(contextChunks),
		ContextChunks: len(contextChunks),
		KeywordMatch:  keyword,
	}
	if len(contextChunks) == 0 {
		return result, nil
	}

	answer, err := uc.generator.GenerateAnswer(ctx, question, result.Context)
	if err != nil {
		uc.logger.Warn("search_answer_failed", "error", err)
		result.AnswerError = err.Error()
		return result, nil
	}
	result.Answer = answer
	return result, nil
}

// retrieve runs the vector search and falls back to keyword matching when no
// hit is within the distance threshold.
func (uc *QueryUseCase) retrieve(ctx context.Context, question string, filter domain.ChunkFilter) ([]domain.RetrievedChunk, bool, error) {
	vector, err := uc.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, false, fmt.Errorf("search: embed query: %w", err)
	}

	nearest, err := uc.chunks.SearchNearest(ctx, vector, uc.opts.NearestLimit, filter)
	if err != nil {
		return nil, false, fmt.Errorf("search: nearest chunks: %w", err)
	}
	hits := make([]domain.RetrievedChunk, 0, len(nearest))
	for _, c := range nearest {
		if c.Distance <= uc.opts.DistanceThreshold {
			hits = append(hits, c)
		}
	}
	if len(hits) > 0 {
		return hits, false, nil
	}

	tokens := keywordTokens(question)
	if len(tokens) == 0 {
		return nil, false, nil
	}
	keywordHits, err := uc.chunks.SearchKeyword(ctx, tokens, uc.opts.NearestLimit, filter)
	if err != nil {
		return nil, false, fmt.Errorf("search: keyword chunks: %w", err)
	}
	uc.logger.Info("search_keyword_fallback", "tokens", len(tokens), "hits", len(keywordHits))
	return keywordHits, len(keywordHits) > 0, nil
}

type chunkKey struct {
	documentID string
	index      int
}

// expand adds the neighbouring chunks of every hit, in hit order, without
// duplicates and up to MaxContextChunks.
func (uc *QueryUseCase) expand(ctx context.Context, hits []domain.RetrievedChunk) ([]domain.RetrievedChunk, error) {
	seen := make(map[chunkKey]struct{})
	out := make([]domain.RetrievedChunk, 0, uc.opts.MaxContextChunks)

	add := func(c domain.RetrievedChunk) bool {
		key := chunkKey{c.DocumentID, c.ChunkIndex}
		if _, ok := seen[key]; ok {
			return true
		}
		if len(out) >= uc.opts.MaxContextChunks {
			return false
		}
		seen[key] = struct{}{}
		out = append(out, c)
		return true
	}

	for _, hit := range hits {
		if len(out) >= uc.opts.MaxContextChunks {
			break
		}
		if uc.opts.NeighborWindow == 0 {
			add(hit)
			continue
		}
		from := max(hit.ChunkIndex-uc.opts.NeighborWindow, 0)
		neighbors, err := uc.chunks.Neighbors(ctx, hit.DocumentID, from, hit.ChunkIndex+uc.opts.NeighborWindow)
		if err != nil {
			return nil, fmt.Errorf("search: neighbours of %s#%d: %w", hit.DocumentID, hit.ChunkIndex, err)
		}
		if len(neighbors) == 0 {
			neighbors = []domain.RetrievedChunk{hit}
		}
		for _, n := range neighbors {
			if n.DocumentName == "" {
				n.DocumentName = hit.DocumentName
			}
			if !add(n) {
				break
			}
		}
	}
	return out, nil
}

// sources groups hits per document in first-seen order.
func (uc *QueryUseCase) sources(hits []domain.RetrievedChunk) []domain.SourceDocument {
	out := make([]domain.SourceDocument, 0)
	index := make(map[string]int)
	for _, hit := range hits {
		excerpt := makeExcerpt(hit.Text, uc.opts.ExcerptChars)
		pos, ok := index[hit.DocumentID]
		if !ok {
			index[hit.DocumentID] = len(out)
			out = append(out, domain.SourceDocument{
				ID:               hit.DocumentID,
				Name:             hit.DocumentName,
				OriginalFilename: hit.OriginalFilename,
				Extension:        hit.Extension,
				Distance:         hit.Distance,
			})
			pos = len(out) - 1
		}
		src := &out[pos]
		if hit.Distance < src.Distance {
			src.Distance = hit.Distance
		}
		if excerpt != "" && !containsString(src.Excerpts, excerpt) {
			src.Excerpts = append(src.Excerpts, excerpt)
		}
	}
	return out
}

func buildContext(chunks []domain.RetrievedChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		name := c.DocumentName
		if name == "" {
			name = c.DocumentID
		}
		b.WriteString("Document: ")
		b.WriteString(name)
		b.WriteString("\nText: ")
		b.WriteString(strings.TrimSpace(c.Text))
	}
	return b.String()
}

// makeExcerpt collapses whitespace and cuts to limit runes.
func makeExcerpt(text string, limit int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	r := []rune(collapsed)
	if len(r) <= limit {
		return collapsed
	}
	return strings.TrimSpace(string(r[:limit])) + "..."
}

// keywordTokens lower-cases and strips diacritics, then keeps distinct
// alphanumeric tokens of at least minKeywordRunes runes.
func keywordTokens(query string) []string {
	folded := foldAccents(strings.ToLower(query))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minKeywordRunes {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
