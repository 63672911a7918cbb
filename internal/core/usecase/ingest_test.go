package usecase

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

var uploadTime = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func newIngest(repo *memRepo, storage *memStorage, pipeline *pipelineFake, opts IngestOptions) *IngestUseCase {
	uc := NewIngestUseCase(repo, storage, pipeline, opts, testLogger())
	uc.newID = func() string { return "ab123456" }
	uc.now = func() time.Time { return uploadTime }
	return uc
}

func TestUploadStoresAndStartsPipeline(t *testing.T) {
	repo := newMemRepo()
	storage := newMemStorage()
	pipeline := &pipelineFake{}
	uc := newIngest(repo, storage, pipeline, IngestOptions{AutoStart: true})

	doc, err := uc.Upload(context.Background(), ports.UploadRequest{
		ArchiveID: 7,
		Filename:  "Kronika 1944.PDF",
		MimeType:  "application/pdf",
		Body:      strings.NewReader("%PDF-1.4 body"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if doc.StoragePath != "documents/ab/ab123456.pdf" {
		t.Fatalf("unexpected storage path %q", doc.StoragePath)
	}
	if doc.Name != "Kronika 1944" || doc.Extension != "pdf" {
		t.Fatalf("unexpected name/extension %q/%q", doc.Name, doc.Extension)
	}
	if string(storage.objects[doc.StoragePath]) != "%PDF-1.4 body" {
		t.Fatalf("file not stored")
	}
	stored := repo.doc("ab123456")
	for _, step := range domain.PipelineSteps {
		if stored.StepStatus(step) != domain.StatusNone {
			t.Fatalf("expected %s unscheduled, got %q", step, stored.StepStatus(step))
		}
	}
	if len(stored.ProcessingLog) != 1 || stored.ProcessingLog[0].Step != domain.LogStepUpload {
		t.Fatalf("expected upload log entry, got %+v", stored.ProcessingLog)
	}
	if len(pipeline.advanced) != 1 || pipeline.advanced[0] != "ab123456" {
		t.Fatalf("expected auto start, got %v", pipeline.advanced)
	}
	if !stored.CreatedAt.Equal(uploadTime) || !stored.UpdatedAt.Equal(uploadTime) {
		t.Fatalf("expected timestamps %v, got created=%v updated=%v", uploadTime, stored.CreatedAt, stored.UpdatedAt)
	}
}

func TestUploadDetectsMimeAndDefaultsExtension(t *testing.T) {
	repo := newMemRepo()
	pipeline := &pipelineFake{}
	uc := newIngest(repo, newMemStorage(), pipeline, IngestOptions{})

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	doc, err := uc.Upload(context.Background(), ports.UploadRequest{ArchiveID: 1, Filename: "scan", Body: bytes.NewReader(png)})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if doc.Extension != "bin" || doc.MimeType != "image/png" {
		t.Fatalf("unexpected extension/mime %q/%q", doc.Extension, doc.MimeType)
	}
	if len(pipeline.advanced) != 0 {
		t.Fatalf("pipeline must not start when auto start is off")
	}
}

func TestUploadRejectsDuplicateInSameArchive(t *testing.T) {
	repo := newMemRepo()
	storage := newMemStorage()
	uc := newIngest(repo, storage, &pipelineFake{}, IngestOptions{})

	req := func(archive int64) ports.UploadRequest {
		return ports.UploadRequest{ArchiveID: archive, Filename: "a.txt", Body: strings.NewReader("same")}
	}
	if _, err := uc.Upload(context.Background(), req(1)); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if _, err := uc.Upload(context.Background(), req(1)); !domain.IsKind(err, domain.ErrDuplicateDocument) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	uc.newID = func() string { return "cd999999" }
	if _, err := uc.Upload(context.Background(), req(2)); err != nil {
		t.Fatalf("other archive must accept the same file: %v", err)
	}
}

func TestUploadValidation(t *testing.T) {
	uc := newIngest(newMemRepo(), newMemStorage(), &pipelineFake{}, IngestOptions{MaxBytes: 4})
	tests := []struct {
		name string
		req  ports.UploadRequest
	}{
		{name: "archive", req: ports.UploadRequest{Filename: "a.pdf", Body: strings.NewReader("x")}},
		{name: "filename", req: ports.UploadRequest{ArchiveID: 1, Body: strings.NewReader("x")}},
		{name: "empty", req: ports.UploadRequest{ArchiveID: 1, Filename: "a.pdf", Body: strings.NewReader("")}},
		{name: "too large", req: ports.UploadRequest{ArchiveID: 1, Filename: "a.pdf", Body: strings.NewReader("12345")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := uc.Upload(context.Background(), tc.req); !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestUploadKeepsDocumentWhenAutoStartFails(t *testing.T) {
	repo := newMemRepo()
	uc := newIngest(repo, newMemStorage(), &pipelineFake{err: errors.New("queue down")}, IngestOptions{AutoStart: true})

	if _, err := uc.Upload(context.Background(), ports.UploadRequest{ArchiveID: 1, Filename: "a.pdf", Body: strings.NewReader("x")}); err != nil {
		t.Fatalf("upload must succeed, got %v", err)
	}
	if repo.doc("ab123456") == nil {
		t.Fatalf("document not created")
	}
}
