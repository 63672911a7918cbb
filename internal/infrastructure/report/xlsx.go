// Package report renders operator-facing exports of pipeline state.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
)

const sheetName = "Documents"

var header = []any{
	"ID", "Archive", "Name", "File", "Status", "Current step",
	"Preview", "OCR", "Analysis", "Indexing", "Pages", "Updated", "Last error",
}

// WriteDocuments writes one row per document to a single-sheet XLSX workbook.
func WriteDocuments(w io.Writer, docs []*domain.Document) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("report: rename sheet: %w", err)
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return fmt.Errorf("report: write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("report: header style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetCellStyle(sheetName, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("report: apply header style: %w", err)
	}

	for i, doc := range docs {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := documentRow(doc)
		if err := f.SetSheetRow(sheetName, cell, &row); err != nil {
			return fmt.Errorf("report: write row %d: %w", i+2, err)
		}
	}
	if err := f.SetColWidth(sheetName, "A", "A", 38); err != nil {
		return fmt.Errorf("report: column width: %w", err)
	}
	if err := f.SetColWidth(sheetName, "C", "D", 32); err != nil {
		return fmt.Errorf("report: column width: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("report: write workbook: %w", err)
	}
	return nil
}

func documentRow(doc *domain.Document) []any {
	updated := ""
	if !doc.UpdatedAt.IsZero() {
		updated = doc.UpdatedAt.UTC().Format(time.DateTime)
	}
	return []any{
		doc.ID,
		doc.ArchiveID,
		doc.Name,
		doc.OriginalFilename,
		domain.StatusLabel(doc.ProcessingStatus),
		domain.StepLabel(doc.ProcessingStep),
		domain.StatusLabel(doc.PreviewStatus),
		domain.StatusLabel(doc.OCRStatus),
		domain.StatusLabel(doc.AnalyzeTextStatus),
		domain.StatusLabel(doc.RAGStatus),
		doc.PreviewPageCount,
		updated,
		lastError(doc),
	}
}

func lastError(doc *domain.Document) string {
	for i := len(doc.ProcessingLog) - 1; i >= 0; i-- {
		if doc.ProcessingLog[i].Level == domain.LogError {
			return doc.ProcessingLog[i].Message
		}
	}
	return ""
}
