package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

var errNoOCRImages = errors.New("could not prepare images for OCR")

type OCRExecutor struct {
	repo      ports.DocumentRepository
	storage   ports.ObjectStorage
	extractor ports.TextExtractor
	preview   *PreviewExecutor
	audit     auditLog
	logger    *slog.Logger
}

func NewOCRExecutor(
	repo ports.DocumentRepository,
	storage ports.ObjectStorage,
	extractor ports.TextExtractor,
	preview *PreviewExecutor,
	logger *slog.Logger,
) *OCRExecutor {
	logger = defaultLogger(logger)
	return &OCRExecutor{
		repo:      repo,
		storage:   storage,
		extractor: extractor,
		preview:   preview,
		audit:     auditLog{repo: repo, logger: logger, now: time.Now},
		logger:    logger,
	}
}

func (o *OCRExecutor) Step() domain.Step { return domain.StepOCR }

func (o *OCRExecutor) Execute(ctx context.Context, doc *domain.Document) (StepResult, error) {
	images, err := o.collectImages(ctx, doc)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "ocr", errNoOCRImages)
	}

	text, err := o.extractor.ExtractText(ctx, images)
	if err != nil {
		return nil, fmt.Errorf("extract text: %w", err)
	}
	return func(d *domain.Document) {
		d.OCRText = text
	}, nil
}

// collectImages feeds native images directly and everything else through its
// preview pages, rendering the preview inline when it is not done yet. Every
// preview page must be present; a partial page set fails the step.
func (o *OCRExecutor) collectImages(ctx context.Context, doc *domain.Document) ([]domain.PageImage, error) {
	if doc.IsImage() {
		data, err := o.read(ctx, doc.StoragePath)
		if err != nil {
			if domain.IsKind(err, domain.ErrObjectNotFound) {
				return nil, domain.WrapError(domain.ErrInvalidInput, "ocr", fmt.Errorf("source file missing: %s", doc.StoragePath))
			}
			return nil, err
		}
		return []domain.PageImage{{MimeType: doc.MimeType, Data: data}}, nil
	}

	if doc.PreviewStatus != domain.StatusDone {
		if err := o.renderPreviewInline(ctx, doc); err != nil {
			return nil, domain.WrapError(domain.ErrInvalidInput, "ocr", fmt.Errorf("%w: %w", errNoOCRImages, err))
		}
	}
	if doc.PreviewPageCount == 0 {
		return nil, nil
	}

	ext := doc.PreviewExtension
	if ext == "" {
		ext = "png"
	}
	images := make([]domain.PageImage, 0, doc.PreviewPageCount)
	for page := 1; page <= doc.PreviewPageCount; page++ {
		path := domain.PreviewPagePath(doc.ID, page, ext)
		data, err := o.read(ctx, path)
		if err != nil {
			if domain.IsKind(err, domain.ErrObjectNotFound) {
				return nil, domain.WrapError(domain.ErrInvalidInput, "ocr",
					fmt.Errorf("%w: preview page %d of %d is missing", errNoOCRImages, page, doc.PreviewPageCount))
			}
			return nil, err
		}
		images = append(images, domain.PageImage{Data: data})
	}
	return images, nil
}

// renderPreviewInline produces the preview as a sub-step of OCR. The preview
// status goes straight to done or failed so OCR stays the only running step.
func (o *OCRExecutor) renderPreviewInline(ctx context.Context, doc *domain.Document) error {
	pages, ext, renderErr := o.preview.render(ctx, doc)

	fresh, err := o.repo.GetByID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("reload after inline preview: %w", err)
	}
	if renderErr != nil {
		fresh.PreviewStatus = domain.StatusFailed
		fresh.PreviewError = renderErr.Error()
	} else {
		fresh.PreviewStatus = domain.StatusDone
		fresh.PreviewError = ""
		fresh.PreviewPageCount = pages
		fresh.PreviewExtension = ext
	}
	if err := o.repo.SaveState(ctx, fresh); err != nil {
		return fmt.Errorf("persist inline preview: %w", err)
	}

	if renderErr != nil {
		o.audit.append(ctx, fresh, string(domain.StepPreview), domain.LogError, "Inline preview for OCR failed: "+renderErr.Error())
		return renderErr
	}
	o.audit.append(ctx, fresh, string(domain.StepPreview), domain.LogInfo, fmt.Sprintf("Preview generated inline for OCR (%d pages).", pages))

	doc.PreviewStatus = fresh.PreviewStatus
	doc.PreviewError = ""
	doc.PreviewPageCount = pages
	doc.PreviewExtension = ext
	return nil
}

func (o *OCRExecutor) read(ctx context.Context, key string) ([]byte, error) {
	rc, err := o.storage.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}
