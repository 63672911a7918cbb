package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

func TestSearchUsesNearestHitsWithinThreshold(t *testing.T) {
	chunks := &memChunks{
		nearest: []domain.RetrievedChunk{
			{DocumentID: "d1", DocumentName: "Report", ChunkIndex: 3, Text: "near   hit\ntext", Distance: 0.4},
			{DocumentID: "d2", DocumentName: "Far", ChunkIndex: 0, Text: "far hit", Distance: 1.7},
		},
	}
	generator := &generatorFake{answer: "The answer."}
	uc := NewQueryUseCase(chunks, &embedderFake{query: []float32{1}}, generator, QueryOptions{}, testLogger())

	res, err := uc.Search(context.Background(), "what happened?", domain.ChunkFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Answer != "The answer." || res.KeywordMatch {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Sources) != 1 || res.Sources[0].ID != "d1" {
		t.Fatalf("expected only the close document, got %+v", res.Sources)
	}
	if got := res.Sources[0].Excerpts; len(got) != 1 || got[0] != "near hit text" {
		t.Fatalf("unexpected excerpts %q", got)
	}
	if generator.context != "Document: Report\nText: near   hit\ntext" {
		t.Fatalf("unexpected context %q", generator.context)
	}
}

func TestSearchFallsBackToKeywordMatch(t *testing.T) {
	chunks := &memChunks{
		nearest: []domain.RetrievedChunk{{DocumentID: "d1", Distance: 3}},
		keyword: []domain.RetrievedChunk{{DocumentID: "d2", DocumentName: "Kronika", Text: "Žilina 1944"}},
	}
	uc := NewQueryUseCase(chunks, &embedderFake{}, &generatorFake{answer: "ok"}, QueryOptions{}, testLogger())

	res, err := uc.Search(context.Background(), "Kronika mesta ŽILINA a Trenčín, Žilina", domain.ChunkFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !res.KeywordMatch {
		t.Fatalf("expected keyword match flag")
	}
	want := []string{"kronika", "mesta", "zilina", "trencin"}
	if strings.Join(chunks.tokens, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected tokens %q", chunks.tokens)
	}
	if len(res.Sources) != 1 || res.Sources[0].ID != "d2" {
		t.Fatalf("unexpected sources %+v", res.Sources)
	}
}

func TestSearchExpandsNeighboursAndCapsContext(t *testing.T) {
	chunks := &memChunks{}
	for i := 0; i < 10; i++ {
		chunks.rows = append(chunks.rows, domain.ChunkEntry{DocumentID: "d1", ChunkIndex: i, Text: "t"})
	}
	chunks.nearest = []domain.RetrievedChunk{
		{DocumentID: "d1", DocumentName: "Doc", ChunkIndex: 4, Distance: 0.1},
		{DocumentID: "d1", DocumentName: "Doc", ChunkIndex: 5, Distance: 0.2},
		{DocumentID: "d1", DocumentName: "Doc", ChunkIndex: 9, Distance: 0.3},
	}
	uc := NewQueryUseCase(chunks, &embedderFake{}, &generatorFake{}, QueryOptions{NeighborWindow: 2, MaxContextChunks: 7}, testLogger())

	res, err := uc.Search(context.Background(), "question", domain.ChunkFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	// 2..6 from the first hit, 7 from the second, 8 from the third, then the cap.
	if res.ContextChunks != 7 {
		t.Fatalf("expected 7 context chunks, got %d", res.ContextChunks)
	}
	if strings.Count(res.Context, "Document: Doc") != 7 {
		t.Fatalf("expected neighbour names filled in, got %q", res.Context)
	}
}

func TestSearchWithoutHitsSkipsGeneration(t *testing.T) {
	generator := &generatorFake{answer: "unused"}
	uc := NewQueryUseCase(&memChunks{}, &embedderFake{}, generator, QueryOptions{}, testLogger())

	res, err := uc.Search(context.Background(), "a b", domain.ChunkFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if generator.calls != 0 || res.Answer != "" || len(res.Sources) != 0 {
		t.Fatalf("expected empty result, got %+v (calls=%d)", res, generator.calls)
	}
}

func TestSearchReportsAnswerErrorWithSources(t *testing.T) {
	chunks := &memChunks{nearest: []domain.RetrievedChunk{{DocumentID: "d1", Text: "x", Distance: 0.1}}}
	uc := NewQueryUseCase(chunks, &embedderFake{}, &generatorFake{err: errors.New("inference down")}, QueryOptions{}, testLogger())

	res, err := uc.Search(context.Background(), "question", domain.ChunkFilter{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.AnswerError == "" || len(res.Sources) != 1 {
		t.Fatalf("expected sources with answer error, got %+v", res)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	uc := NewQueryUseCase(&memChunks{}, &embedderFake{}, &generatorFake{}, QueryOptions{}, testLogger())
	if _, err := uc.Search(context.Background(), "  ", domain.ChunkFilter{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMakeExcerpt(t *testing.T) {
	long := strings.Repeat("á", 230)
	got := makeExcerpt(long, 220)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != 223 {
		t.Fatalf("unexpected excerpt length %d", len([]rune(got)))
	}
	if makeExcerpt(" a \n\t b ", 220) != "a b" {
		t.Fatalf("expected whitespace collapsed")
	}
}
