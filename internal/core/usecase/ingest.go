package usecase

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

const (
	DefaultUploadMaxBytes int64 = 50 << 20
	fallbackExtension           = "bin"
)

type IngestOptions struct {
	MaxBytes  int64
	AutoStart bool
}

type IngestUseCase struct {
	repo     ports.DocumentRepository
	storage  ports.ObjectStorage
	pipeline ports.DocumentPipeline
	opts     IngestOptions
	audit    auditLog
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

func NewIngestUseCase(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	pipeline ports.DocumentPipeline,
	opts IngestOptions,
	logger *slog.Logger,
) *IngestUseCase {
	logger = defaultLogger(logger)
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultUploadMaxBytes
	}
	return &IngestUseCase{
		repo:     repo,
		storage:  storage,
		pipeline: pipeline,
		opts:     opts,
		audit:    auditLog{repo: repo, logger: logger, now: time.Now},
		logger:   logger,
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

func (uc *IngestUseCase) Upload(ctx context.Context, req ports.UploadRequest) (*domain.Document, error) {
	if req.ArchiveID <= 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("archive_id must be positive"))
	}
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("filename is required"))
	}
	if req.Body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("file body is required"))
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, uc.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("upload: read body: %w", err)
	}
	if int64(len(data)) > uc.opts.MaxBytes {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", fmt.Errorf("file exceeds %d bytes", uc.opts.MaxBytes))
	}
	if len(data) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "upload", errors.New("file is empty"))
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	exists, err := uc.repo.ExistsByChecksum(ctx, req.ArchiveID, checksum)
	if err != nil {
		return nil, fmt.Errorf("upload: check duplicate: %w", err)
	}
	if exists {
		return nil, domain.WrapError(domain.ErrDuplicateDocument, "upload", fmt.Errorf("checksum %s already in archive %d", checksum, req.ArchiveID))
	}

	ext := domain.NormalizeExtension(filepath.Ext(filename))
	if ext == "" {
		ext = fallbackExtension
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}

	id := uc.newID()
	now := uc.now().UTC()
	doc := &domain.Document{
		ID:               id,
		ArchiveID:        req.ArchiveID,
		Name:             name,
		OriginalFilename: filename,
		Extension:        ext,
		MimeType:         mimeType,
		Size:             int64(len(data)),
		Checksum:         checksum,
		StoragePath:      storageKey(id, ext),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := uc.storage.Save(ctx, doc.StoragePath, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("upload: store file: %w", err)
	}
	if err := uc.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("upload: create document: %w", err)
	}
	uc.audit.append(ctx, doc, domain.LogStepUpload, domain.LogInfo, fmt.Sprintf("Document %s uploaded (%d bytes).", filename, doc.Size))

	if uc.opts.AutoStart {
		if err := uc.pipeline.Advance(ctx, doc.ID, false); err != nil {
			uc.logger.Error("upload_auto_start_failed", "document_id", doc.ID, "error", err)
		}
	}
	return doc, nil
}

// storageKey spreads source files over directories keyed by the id prefix.
func storageKey(id, ext string) string {
	bucket := id
	if len(bucket) > 2 {
		bucket = bucket[:2]
	}
	return path.Join("documents", bucket, id+"."+ext)
}
