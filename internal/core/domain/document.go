package domain

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Status is shared by the per-step status fields and the overall processing status.
// The zero value means "not scheduled" and is persisted as NULL.
type Status string

const (
	StatusNone       Status = ""
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	// StatusComplete is only valid for the overall status, once every step is done.
	StatusComplete Status = "complete"
)

// InFlight reports whether a step holding this status has been accepted by a runner.
func (s Status) InFlight() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Scheduled reports whether a step holding this status is waiting for or running in a worker.
func (s Status) Scheduled() bool {
	return s == StatusPending || s.InFlight()
}

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// Audit log step names that are not pipeline steps.
const (
	LogStepManual   = "manual"
	LogStepComplete = "complete"
	LogStepSweep    = "sweep"
	LogStepUpload   = "upload"
)

type LogEntry struct {
	Time    time.Time `json:"time"`
	Step    string    `json:"step"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
}

type Document struct {
	ID               string `json:"id"`
	ArchiveID        int64  `json:"archive_id"`
	Name             string `json:"name"`
	OriginalFilename string `json:"original_filename"`
	Extension        string `json:"extension"`
	MimeType         string `json:"mime_type"`
	Size             int64  `json:"size"`
	Checksum         string `json:"checksum"`
	StoragePath      string `json:"storage_path"`

	ProcessingStatus    Status     `json:"processing_status,omitempty"`
	ProcessingStep      Step       `json:"processing_step,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`

	PreviewStatus    Status `json:"preview_status,omitempty"`
	PreviewPageCount int    `json:"preview_page_count,omitempty"`
	PreviewExtension string `json:"preview_extension,omitempty"`
	PreviewError     string `json:"preview_error,omitempty"`

	OCRStatus Status `json:"ocr_status,omitempty"`
	OCRText   string `json:"ocr_text,omitempty"`
	OCRError  string `json:"ocr_error,omitempty"`

	AnalyzeTextStatus Status         `json:"analyze_text_status,omitempty"`
	StructuredData    map[string]any `json:"structured_data,omitempty"`

	RAGStatus Status `json:"rag_status,omitempty"`

	ProcessingLog []LogEntry `json:"processing_log"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var imageExtensions = map[string]struct{}{
	"jpg": {}, "jpeg": {}, "png": {}, "gif": {}, "webp": {}, "bmp": {}, "tiff": {}, "svg": {},
}

// NormalizeExtension lower-cases an extension and strips a leading dot.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func IsImageExtension(ext string) bool {
	_, ok := imageExtensions[NormalizeExtension(ext)]
	return ok
}

func IsWordExtension(ext string) bool {
	switch NormalizeExtension(ext) {
	case "doc", "docx":
		return true
	default:
		return false
	}
}

// SupportsPreview reports whether the preview step can render the extension.
func SupportsPreview(ext string) bool {
	ext = NormalizeExtension(ext)
	return ext == "pdf" || IsWordExtension(ext) || IsImageExtension(ext)
}

func (d *Document) IsImage() bool {
	return IsImageExtension(d.Extension)
}

// PreviewDir is the storage prefix holding the rendered pages of a document.
func PreviewDir(documentID string) string {
	return path.Join("previews", documentID)
}

// PreviewPagePath returns the 1-indexed page location, e.g. previews/<id>/page-3.png.
func PreviewPagePath(documentID string, page int, ext string) string {
	return path.Join(PreviewDir(documentID), fmt.Sprintf("page-%d.%s", page, NormalizeExtension(ext)))
}

// ResetPipeline clears every pipeline state and result field. The audit log is kept.
func (d *Document) ResetPipeline() {
	d.ProcessingStatus = StatusNone
	d.ProcessingStep = ""
	d.ProcessingStartedAt = nil

	d.PreviewStatus = StatusNone
	d.PreviewPageCount = 0
	d.PreviewExtension = ""
	d.PreviewError = ""

	d.OCRStatus = StatusNone
	d.OCRText = ""
	d.OCRError = ""

	d.AnalyzeTextStatus = StatusNone
	d.StructuredData = nil

	d.RAGStatus = StatusNone
}

// AllStepsDone reports whether every pipeline step finished successfully.
func (d *Document) AllStepsDone() bool {
	for _, step := range PipelineSteps {
		if d.StepStatus(step) != StatusDone {
			return false
		}
	}
	return true
}

// LastLog returns the most recent audit entry, if any.
func (d *Document) LastLog() (LogEntry, bool) {
	if len(d.ProcessingLog) == 0 {
		return LogEntry{}, false
	}
	return d.ProcessingLog[len(d.ProcessingLog)-1], true
}

// RenderedPages is the output of a source-to-raster conversion: page image paths in page order.
type RenderedPages struct {
	Pages     []string
	Extension string
}

// PageImage is one image handed to the text extraction client.
type PageImage struct {
	MimeType string
	Data     []byte
}
