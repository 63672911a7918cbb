package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

const (
	defaultTimeout = 120 * time.Second
	defaultScaleTo = 2000
)

type Config struct {
	PdftoppmBin string
	SofficeBin  string
	ScaleTo     int
	Timeout     time.Duration
}

// Converter renders archive sources into PNG pages with poppler and LibreOffice.
type Converter struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Converter {
	if cfg.PdftoppmBin == "" {
		cfg.PdftoppmBin = "pdftoppm"
	}
	if cfg.SofficeBin == "" {
		cfg.SofficeBin = "soffice"
	}
	if cfg.ScaleTo <= 0 {
		cfg.ScaleTo = defaultScaleTo
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{cfg: cfg, logger: logger}
}

// Render writes page-N.<ext> files into outDir and returns them in page order.
func (c *Converter) Render(ctx context.Context, srcPath, extension, outDir string) (domain.RenderedPages, error) {
	ext := domain.NormalizeExtension(extension)
	switch {
	case ext == "pdf":
		return c.rasterize(ctx, srcPath, outDir)
	case domain.IsWordExtension(ext):
		pdfPath, err := c.wordToPDF(ctx, srcPath, outDir)
		if err != nil {
			return domain.RenderedPages{}, err
		}
		defer os.Remove(pdfPath)
		return c.rasterize(ctx, pdfPath, outDir)
	case domain.IsImageExtension(ext):
		target := filepath.Join(outDir, "page-1."+ext)
		if err := copyFile(srcPath, target); err != nil {
			return domain.RenderedPages{}, fmt.Errorf("copy image preview: %w", err)
		}
		return domain.RenderedPages{Pages: []string{target}, Extension: ext}, nil
	default:
		return domain.RenderedPages{}, domain.WrapError(domain.ErrUnsupportedFormat, "render preview", fmt.Errorf("extension %q", ext))
	}
}

func (c *Converter) rasterize(ctx context.Context, pdfPath, outDir string) (domain.RenderedPages, error) {
	prefix := filepath.Join(outDir, "page")
	if err := c.run(ctx, c.cfg.PdftoppmBin, "-png", "-scale-to", strconv.Itoa(c.cfg.ScaleTo), pdfPath, prefix); err != nil {
		return domain.RenderedPages{}, err
	}

	pages, err := collectPages(outDir, "png")
	if err != nil {
		return domain.RenderedPages{}, err
	}
	if len(pages) == 0 {
		return domain.RenderedPages{}, fmt.Errorf("pdftoppm produced no pages")
	}

	if expected, err := countPDFPages(pdfPath); err != nil {
		c.logger.Warn("pdf_page_count_unavailable", "path", pdfPath, "error", err)
	} else if expected != len(pages) {
		return domain.RenderedPages{}, fmt.Errorf("pdftoppm produced %d pages, pdf has %d", len(pages), expected)
	}

	return domain.RenderedPages{Pages: pages, Extension: "png"}, nil
}

func (c *Converter) wordToPDF(ctx context.Context, srcPath, outDir string) (string, error) {
	convDir := filepath.Join(outDir, "pdf")
	if err := os.MkdirAll(convDir, 0o755); err != nil {
		return "", fmt.Errorf("create conversion dir: %w", err)
	}
	if err := c.run(ctx, c.cfg.SofficeBin, "--headless", "--convert-to", "pdf", "--outdir", convDir, srcPath); err != nil {
		return "", err
	}

	matches, err := filepath.Glob(filepath.Join(convDir, "*.pdf"))
	if err != nil {
		return "", fmt.Errorf("glob converted pdf: %w", err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("soffice produced no pdf")
	}
	return matches[0], nil
}

// run executes bin with a hard deadline. Non-zero exits and timeouts are
// reported as temporary so the job runner may try again.
func (c *Converter) run(ctx context.Context, bin string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// soffice needs a writable profile directory.
	cmd.Env = append(os.Environ(), "HOME="+os.TempDir())

	started := time.Now()
	err := cmd.Run()
	c.logger.Debug("converter_command",
		"bin", filepath.Base(bin),
		"duration_ms", time.Since(started).Milliseconds(),
		"error", err,
	)
	if err == nil {
		return nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTemporary, filepath.Base(bin), fmt.Errorf("timed out after %s", c.cfg.Timeout))
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("%s: %w", filepath.Base(bin), err)
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	return domain.WrapError(domain.ErrTemporary, filepath.Base(bin), errors.New(msg))
}

var pageNumber = regexp.MustCompile(`^page-(\d+)\.`)

// collectPages returns page-*.<ext> files sorted by page number. pdftoppm
// zero-pads numbers depending on the page count, so lexical order is not enough.
func collectPages(dir, ext string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "page-*."+ext))
	if err != nil {
		return nil, fmt.Errorf("glob pages: %w", err)
	}

	type page struct {
		path string
		n    int
	}
	pages := make([]page, 0, len(matches))
	for _, m := range matches {
		sub := pageNumber.FindStringSubmatch(filepath.Base(m))
		if sub == nil {
			continue
		}
		n, err := strconv.Atoi(sub[1])
		if err != nil {
			continue
		}
		pages = append(pages, page{path: m, n: n})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].n < pages[j].n })

	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.path
	}
	return out, nil
}

func countPDFPages(path string) (int, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return reader.NumPage(), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
