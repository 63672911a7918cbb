package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

type AnalyzeExecutor struct {
	analyzer ports.StructuredAnalyzer
}

func NewAnalyzeExecutor(analyzer ports.StructuredAnalyzer) *AnalyzeExecutor {
	return &AnalyzeExecutor{analyzer: analyzer}
}

func (a *AnalyzeExecutor) Step() domain.Step { return domain.StepAnalyze }

// Execute treats an unparseable answer as an empty result, not a failure.
func (a *AnalyzeExecutor) Execute(ctx context.Context, doc *domain.Document) (StepResult, error) {
	if strings.TrimSpace(doc.OCRText) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "analyze text", errors.New("missing OCR text for analysis"))
	}

	data, err := a.analyzer.Analyze(ctx, doc.OCRText)
	if err != nil {
		return nil, fmt.Errorf("analyze text: %w", err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return func(d *domain.Document) {
		d.StructuredData = data
	}, nil
}
