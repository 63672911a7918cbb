package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

// Orchestrator owns the overall pipeline state of a document and decides
// which step runs next. Exclusivity is a read-then-act check on freshly
// loaded state, not a lock.
type Orchestrator struct {
	repo    ports.DocumentRepository
	chunks  ports.ChunkIndex
	storage ports.ObjectStorage
	queue   ports.StepQueue
	audit   auditLog
	logger  *slog.Logger
	now     func() time.Time
}

func NewOrchestrator(
	repo ports.DocumentRepository,
	chunks ports.ChunkIndex,
	storage ports.ObjectStorage,
	queue ports.StepQueue,
	logger *slog.Logger,
) *Orchestrator {
	logger = defaultLogger(logger)
	return &Orchestrator{
		repo:    repo,
		chunks:  chunks,
		storage: storage,
		queue:   queue,
		audit:   auditLog{repo: repo, logger: logger, now: time.Now},
		logger:  logger,
		now:     time.Now,
	}
}

func (o *Orchestrator) Advance(ctx context.Context, documentID string, force bool) error {
	doc, err := o.repo.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("advance: load document: %w", err)
	}

	if doc.ProcessingStatus.InFlight() {
		o.logger.Debug("advance_skipped_in_flight",
			"document_id", doc.ID,
			"step", doc.ProcessingStep,
			"status", doc.ProcessingStatus,
		)
		return nil
	}

	for _, step := range domain.PipelineSteps {
		status := doc.StepStatus(step)
		switch {
		case status == domain.StatusDone:
			continue
		case status.Scheduled():
			return o.syncOverall(ctx, doc, step, status)
		case status == domain.StatusFailed && !force:
			return o.holdFailed(ctx, doc, step)
		default:
			return o.enqueue(ctx, doc, step)
		}
	}

	return o.complete(ctx, doc)
}

func (o *Orchestrator) StartMissing(ctx context.Context, documentID string) error {
	doc, err := o.repo.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("start missing: load document: %w", err)
	}
	o.audit.append(ctx, doc, domain.LogStepManual, domain.LogInfo, "Processing of missing steps started manually.")
	return o.Advance(ctx, documentID, false)
}

// RestartFull discards every step result, chunk and preview page, then runs
// the pipeline from the first step. It does not wait for a running step.
func (o *Orchestrator) RestartFull(ctx context.Context, documentID string) error {
	doc, err := o.repo.GetByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("restart: load document: %w", err)
	}

	doc.ResetPipeline()
	if err := o.repo.SaveState(ctx, doc); err != nil {
		return fmt.Errorf("restart: reset state: %w", err)
	}
	if err := o.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("restart: delete chunks: %w", err)
	}
	if err := o.storage.DeletePrefix(ctx, domain.PreviewDir(doc.ID)); err != nil {
		o.logger.Warn("restart_preview_cleanup_failed", "document_id", doc.ID, "error", err)
	}

	o.audit.append(ctx, doc, domain.LogStepManual, domain.LogInfo, "Full reprocessing from the first step started manually.")
	return o.Advance(ctx, documentID, true)
}

// ResetStuck clears scheduled or running steps older than olderThan so a later
// Advance can dispatch them again. With resume set, Advance runs immediately.
func (o *Orchestrator) ResetStuck(ctx context.Context, olderThan time.Duration, resume bool) (int, error) {
	cutoff := o.now().UTC().Add(-olderThan)
	docs, err := o.repo.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stuck: list: %w", err)
	}

	var errs []error
	reset := 0
	for _, listed := range docs {
		ok, err := o.resetDocument(ctx, listed.ID, cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		reset++

		if resume {
			if err := o.Advance(ctx, listed.ID, false); err != nil {
				errs = append(errs, fmt.Errorf("resume %s: %w", listed.ID, err))
			}
		}
	}
	return reset, errors.Join(errs...)
}

// resetDocument reloads the document and resets it only if it is still
// scheduled since before the cutoff. It reports whether it reset anything.
func (o *Orchestrator) resetDocument(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	doc, err := o.repo.GetByID(ctx, id)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reset stuck %s: reload: %w", id, err)
	}

	step := doc.ProcessingStep
	status := doc.ProcessingStatus
	since := doc.UpdatedAt
	if doc.ProcessingStartedAt != nil {
		since = *doc.ProcessingStartedAt
	}
	if !status.Scheduled() || !since.Before(cutoff) {
		o.logger.Debug("reset_stuck_skipped_changed", "document_id", doc.ID, "step", step, "status", status)
		return false, nil
	}

	for _, s := range domain.PipelineSteps {
		if doc.StepStatus(s).Scheduled() {
			doc.SetStepStatus(s, domain.StatusNone)
		}
	}
	doc.ProcessingStatus = domain.StatusNone
	doc.ProcessingStep = ""
	doc.ProcessingStartedAt = nil

	if err := o.repo.SaveState(ctx, doc); err != nil {
		return false, fmt.Errorf("reset stuck %s: %w", doc.ID, err)
	}

	o.audit.append(ctx, doc, domain.LogStepSweep, domain.LogWarning, fmt.Sprintf(
		"Step %s was %s since %s (before %s); status reset.",
		domain.StepLabel(step), domain.StatusLabel(status),
		since.UTC().Format(time.RFC3339), cutoff.Format(time.RFC3339),
	))
	return true, nil
}

// syncOverall makes the overall status agree with a step that is already scheduled.
func (o *Orchestrator) syncOverall(ctx context.Context, doc *domain.Document, step domain.Step, status domain.Status) error {
	if doc.ProcessingStep == step && doc.ProcessingStatus == status {
		return nil
	}
	doc.ProcessingStep = step
	doc.ProcessingStatus = status
	if err := o.repo.SaveState(ctx, doc); err != nil {
		return fmt.Errorf("advance: sync overall status: %w", err)
	}
	return nil
}

func (o *Orchestrator) holdFailed(ctx context.Context, doc *domain.Document, step domain.Step) error {
	doc.ProcessingStep = step
	doc.ProcessingStatus = domain.StatusFailed
	doc.ProcessingStartedAt = nil
	if err := o.repo.SaveState(ctx, doc); err != nil {
		return fmt.Errorf("advance: mark failed: %w", err)
	}
	o.audit.append(ctx, doc, string(step), domain.LogWarning,
		fmt.Sprintf("Step %s previously failed; a full restart is required to run it again.", domain.StepLabel(step)))
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, doc *domain.Document, step domain.Step) error {
	doc.SetStepStatus(step, domain.StatusPending)
	doc.SetStepError(step, "")
	doc.ProcessingStep = step
	doc.ProcessingStatus = domain.StatusPending
	doc.ProcessingStartedAt = nil
	if err := o.repo.SaveState(ctx, doc); err != nil {
		return fmt.Errorf("advance: mark %s pending: %w", step, err)
	}
	o.audit.append(ctx, doc, string(step), domain.LogInfo, fmt.Sprintf("Step %s enqueued.", domain.StepLabel(step)))

	job := ports.StepJob{DocumentID: doc.ID, Step: step, EnqueuedAt: o.now().UTC()}
	if err := o.queue.PublishStep(ctx, job); err != nil {
		return o.dispatchFailed(ctx, doc, step, err)
	}
	return nil
}

func (o *Orchestrator) dispatchFailed(ctx context.Context, doc *domain.Document, step domain.Step, dispatchErr error) error {
	msg := "dispatch failed: " + dispatchErr.Error()
	doc.SetStepStatus(step, domain.StatusFailed)
	doc.SetStepError(step, msg)
	doc.ProcessingStatus = domain.StatusFailed
	if err := o.repo.SaveState(ctx, doc); err != nil {
		o.logger.Error("dispatch_failure_not_persisted", "document_id", doc.ID, "step", step, "error", err)
	}
	o.audit.append(ctx, doc, string(step), domain.LogError, msg)
	return fmt.Errorf("advance: dispatch %s: %w", step, dispatchErr)
}

func (o *Orchestrator) complete(ctx context.Context, doc *domain.Document) error {
	if doc.ProcessingStatus == domain.StatusComplete {
		return nil
	}
	doc.ProcessingStatus = domain.StatusComplete
	doc.ProcessingStep = ""
	doc.ProcessingStartedAt = nil
	if err := o.repo.SaveState(ctx, doc); err != nil {
		return fmt.Errorf("advance: mark complete: %w", err)
	}
	o.audit.append(ctx, doc, domain.LogStepComplete, domain.LogInfo, "All processing steps finished.")
	return nil
}
