package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

type listChunker struct {
	parts []string
}

func (c listChunker) Split(string) []string { return c.parts }

func numberedParts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("chunk-%03d", i)
	}
	return out
}

func TestIndexEmbedsInBatchesOfFifty(t *testing.T) {
	chunks := &memChunks{}
	embedder := &embedderFake{}
	exec := NewIndexExecutor(chunks, listChunker{parts: numberedParts(120)}, embedder, 0, testLogger())

	if _, err := exec.Execute(context.Background(), &domain.Document{ID: "d1", OCRText: "text"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(embedder.batches) != 3 {
		t.Fatalf("expected 3 embed calls, got %d", len(embedder.batches))
	}
	for i, want := range []int{50, 50, 20} {
		if len(embedder.batches[i]) != want {
			t.Fatalf("batch %d: expected %d inputs, got %d", i, want, len(embedder.batches[i]))
		}
	}
	if chunks.count("d1") != 120 {
		t.Fatalf("expected 120 rows, got %d", chunks.count("d1"))
	}
	for i, row := range chunks.rows {
		if row.ChunkIndex != i {
			t.Fatalf("row %d has chunk index %d", i, row.ChunkIndex)
		}
		if row.Text != fmt.Sprintf("chunk-%03d", i) {
			t.Fatalf("row %d matched to wrong text %q", i, row.Text)
		}
		if row.Meta["model"] != "embed-test" {
			t.Fatalf("expected model meta, got %+v", row.Meta)
		}
	}
}

func TestIndexKeepsChunkIndexesDenseWhenVectorsAreMissing(t *testing.T) {
	chunks := &memChunks{}
	embedder := &embedderFake{skip: map[int]bool{1: true}}
	exec := NewIndexExecutor(chunks, listChunker{parts: numberedParts(4)}, embedder, 2, testLogger())

	if _, err := exec.Execute(context.Background(), &domain.Document{ID: "d1", OCRText: "text"}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	want := []struct {
		index int
		text  string
	}{{0, "chunk-000"}, {1, "chunk-002"}}
	if len(chunks.rows) != len(want) {
		t.Fatalf("expected %d rows, got %+v", len(want), chunks.rows)
	}
	for i, w := range want {
		if chunks.rows[i].ChunkIndex != w.index || chunks.rows[i].Text != w.text {
			t.Fatalf("row %d: got %d/%q", i, chunks.rows[i].ChunkIndex, chunks.rows[i].Text)
		}
	}
}

func TestIndexRerunReplacesRows(t *testing.T) {
	chunks := &memChunks{}
	exec := NewIndexExecutor(chunks, listChunker{parts: numberedParts(7)}, &embedderFake{}, 0, testLogger())
	doc := &domain.Document{ID: "d1", OCRText: "text"}

	for i := 0; i < 2; i++ {
		if _, err := exec.Execute(context.Background(), doc); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if chunks.count("d1") != 7 {
		t.Fatalf("expected 7 rows after rerun, got %d", chunks.count("d1"))
	}
}

func TestIndexRerunWithEmptyTextClearsOldRows(t *testing.T) {
	chunks := &memChunks{}
	exec := NewIndexExecutor(chunks, listChunker{parts: numberedParts(5)}, &embedderFake{}, 0, testLogger())

	if _, err := exec.Execute(context.Background(), &domain.Document{ID: "d1", OCRText: "text"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, err := exec.Execute(context.Background(), &domain.Document{ID: "d1", OCRText: "  "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if n := chunks.count("d1"); n != 0 {
		t.Fatalf("expected stale rows removed, got %d", n)
	}
}

func TestIndexFailures(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		parts    []string
		embedder *embedderFake
		kind     error
	}{
		{name: "empty text", text: " \n", parts: numberedParts(1), embedder: &embedderFake{}, kind: domain.ErrInvalidInput},
		{name: "no chunks", text: "text", parts: nil, embedder: &embedderFake{}, kind: domain.ErrInvalidInput},
		{name: "embed error", text: "text", parts: numberedParts(3), embedder: &embedderFake{err: domain.WrapError(domain.ErrTemporary, "embed", errors.New("503"))}, kind: domain.ErrTemporary},
		{name: "no vectors", text: "text", parts: numberedParts(1), embedder: &embedderFake{skip: map[int]bool{0: true}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			exec := NewIndexExecutor(&memChunks{}, listChunker{parts: tc.parts}, tc.embedder, 0, testLogger())
			_, err := exec.Execute(context.Background(), &domain.Document{ID: "d1", OCRText: tc.text})
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.kind != nil && !domain.IsKind(err, tc.kind) {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
		})
	}
}
