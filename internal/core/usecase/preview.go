package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

type PreviewExecutor struct {
	storage   ports.ObjectStorage
	converter ports.PageConverter
	tempDir   string
	logger    *slog.Logger
}

func NewPreviewExecutor(storage ports.ObjectStorage, converter ports.PageConverter, tempDir string, logger *slog.Logger) *PreviewExecutor {
	return &PreviewExecutor{
		storage:   storage,
		converter: converter,
		tempDir:   tempDir,
		logger:    defaultLogger(logger),
	}
}

func (p *PreviewExecutor) Step() domain.Step { return domain.StepPreview }

func (p *PreviewExecutor) Execute(ctx context.Context, doc *domain.Document) (StepResult, error) {
	pages, ext, err := p.render(ctx, doc)
	if err != nil {
		return nil, err
	}
	return func(d *domain.Document) {
		d.PreviewPageCount = pages
		d.PreviewExtension = ext
	}, nil
}

// render converts the stored source into preview pages and replaces any
// previously stored pages. The temporary working directory never outlives the call.
func (p *PreviewExecutor) render(ctx context.Context, doc *domain.Document) (int, string, error) {
	ext := domain.NormalizeExtension(doc.Extension)
	if !domain.SupportsPreview(ext) {
		return 0, "", domain.WrapError(domain.ErrUnsupportedFormat, "generate preview", fmt.Errorf("extension %q", ext))
	}

	workDir, err := os.MkdirTemp(p.tempDir, "preview-"+doc.ID+"-")
	if err != nil {
		return 0, "", fmt.Errorf("create preview work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.logger.Warn("preview_workdir_cleanup_failed", "dir", workDir, "error", err)
		}
	}()

	srcPath := filepath.Join(workDir, "source."+ext)
	if err := p.fetchSource(ctx, doc, srcPath); err != nil {
		return 0, "", err
	}

	outDir := filepath.Join(workDir, "out")
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return 0, "", fmt.Errorf("create preview out dir: %w", err)
	}

	rendered, err := p.converter.Render(ctx, srcPath, ext, outDir)
	if err != nil {
		return 0, "", fmt.Errorf("render preview: %w", err)
	}
	if len(rendered.Pages) == 0 {
		return 0, "", errors.New("render preview: converter produced no pages")
	}

	if err := p.storage.DeletePrefix(ctx, domain.PreviewDir(doc.ID)); err != nil {
		return 0, "", fmt.Errorf("clear old preview: %w", err)
	}
	for i, page := range rendered.Pages {
		if err := p.storePage(ctx, doc.ID, i+1, rendered.Extension, page); err != nil {
			return 0, "", err
		}
	}

	p.logger.Info("preview_rendered", "document_id", doc.ID, "pages", len(rendered.Pages), "extension", rendered.Extension)
	return len(rendered.Pages), rendered.Extension, nil
}

func (p *PreviewExecutor) fetchSource(ctx context.Context, doc *domain.Document, dst string) error {
	if doc.StoragePath == "" {
		return domain.WrapError(domain.ErrInvalidInput, "generate preview", errors.New("document has no stored file"))
	}
	src, err := p.storage.Open(ctx, doc.StoragePath)
	if err != nil {
		if domain.IsKind(err, domain.ErrObjectNotFound) {
			return domain.WrapError(domain.ErrInvalidInput, "generate preview", fmt.Errorf("source file missing: %s", doc.StoragePath))
		}
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create local source: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy source: %w", err)
	}
	return out.Close()
}

func (p *PreviewExecutor) storePage(ctx context.Context, documentID string, page int, ext, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open rendered page %d: %w", page, err)
	}
	defer f.Close()
	if err := p.storage.Save(ctx, domain.PreviewPagePath(documentID, page, ext), f); err != nil {
		return fmt.Errorf("store preview page %d: %w", page, err)
	}
	return nil
}
