package domain

// Step names one stage of the fixed document pipeline.
type Step string

const (
	StepPreview Step = "generatePreview"
	StepOCR     Step = "ocr"
	StepAnalyze Step = "analyzeText"
	StepRAG     Step = "rag"
)

// PipelineSteps is the fixed execution order.
var PipelineSteps = []Step{StepPreview, StepOCR, StepAnalyze, StepRAG}

func (s Step) Valid() bool {
	switch s {
	case StepPreview, StepOCR, StepAnalyze, StepRAG:
		return true
	default:
		return false
	}
}

// stepFields maps a step to the document fields it owns.
// errorField is nil for steps that persist no dedicated error text.
type stepFields struct {
	status     func(d *Document) *Status
	errorField func(d *Document) *string
}

var stepTable = map[Step]stepFields{
	StepPreview: {
		status:     func(d *Document) *Status { return &d.PreviewStatus },
		errorField: func(d *Document) *string { return &d.PreviewError },
	},
	StepOCR: {
		status:     func(d *Document) *Status { return &d.OCRStatus },
		errorField: func(d *Document) *string { return &d.OCRError },
	},
	StepAnalyze: {
		status: func(d *Document) *Status { return &d.AnalyzeTextStatus },
	},
	StepRAG: {
		status: func(d *Document) *Status { return &d.RAGStatus },
	},
}

func (d *Document) StepStatus(step Step) Status {
	fields, ok := stepTable[step]
	if !ok {
		return StatusNone
	}
	return *fields.status(d)
}

func (d *Document) SetStepStatus(step Step, status Status) {
	if fields, ok := stepTable[step]; ok {
		*fields.status(d) = status
	}
}

// SetStepError stores msg in the step's error field; a no-op for steps without one.
func (d *Document) SetStepError(step Step, msg string) {
	fields, ok := stepTable[step]
	if !ok || fields.errorField == nil {
		return
	}
	*fields.errorField(d) = msg
}

func (d *Document) StepError(step Step) string {
	fields, ok := stepTable[step]
	if !ok || fields.errorField == nil {
		return ""
	}
	return *fields.errorField(d)
}

var stepLabels = map[Step]string{
	StepPreview: "Preview generation",
	StepOCR:     "OCR",
	StepAnalyze: "Text analysis",
	StepRAG:     "Retrieval indexing",
}

var statusLabels = map[Status]string{
	StatusPending:    "Waiting",
	StatusQueued:     "Queued",
	StatusProcessing: "Processing",
	StatusDone:       "Done",
	StatusFailed:     "Failed",
	StatusComplete:   "Complete",
}

func StepLabel(step Step) string {
	if step == "" {
		return "-"
	}
	if label, ok := stepLabels[step]; ok {
		return label
	}
	return string(step)
}

func StatusLabel(status Status) string {
	if status == StatusNone {
		return "Not started"
	}
	if label, ok := statusLabels[status]; ok {
		return label
	}
	return string(status)
}
