// Package orchestrator coordinates the per-page comparison pipeline. It owns
// job lifecycle, stage chaining, retries, and completion detection; the
// actual work happens in the stage workers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/extract"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
)

// JobStore is the job persistence surface the orchestrator needs.
type JobStore interface {
	Create(ctx context.Context, job *storage.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*storage.Job, error)
	MarkInProgress(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
}

// StageStore is the stage persistence surface the orchestrator needs.
type StageStore interface {
	CreateIfAbsent(ctx context.Context, rec *storage.StageRecord) (bool, error)
	GetByKey(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) (*storage.StageRecord, error)
	MarkInProgress(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) error
	MarkCompleted(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, resultRef string) error
	MarkFailed(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, errMsg string) error
	Requeue(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, errMsg string) error
	CountTerminalPages(ctx context.Context, jobID uuid.UUID) (int, error)
	CountFailedPages(ctx context.Context, jobID uuid.UUID) (int, error)
}

// DiffStore is the diff result lookup surface the orchestrator needs.
type DiffStore interface {
	GetByJobPage(ctx context.Context, jobID uuid.UUID, page int) (*storage.DiffResult, error)
}

// Auditor records job and stage transitions. May be nil.
type Auditor interface {
	Record(ctx context.Context, event storage.AuditEvent)
}

// Options tunes orchestration behavior.
type Options struct {
	// MaxRetries bounds orchestrator-level stage retries per stage record.
	MaxRetries int
	// RasterDPI is the resolution pages are rendered at during submission.
	RasterDPI int
}

// Orchestrator drives the job lifecycle and the per-page stage chain.
type Orchestrator struct {
	jobs      JobStore
	stages    StageStore
	diffs     DiffStore
	channel   queue.Channel
	blobs     blob.Store
	extractor extract.Extractor
	audit     Auditor
	opts      Options
	logger    *observability.Logger
}

// New creates an orchestrator.
func New(
	jobs JobStore,
	stages StageStore,
	diffs DiffStore,
	channel queue.Channel,
	blobs blob.Store,
	extractor extract.Extractor,
	audit Auditor,
	opts Options,
	logger *observability.Logger,
) *Orchestrator {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.RasterDPI <= 0 {
		opts.RasterDPI = 150
	}
	return &Orchestrator{
		jobs:      jobs,
		stages:    stages,
		diffs:     diffs,
		channel:   channel,
		blobs:     blobs,
		extractor: extractor,
		audit:     audit,
		opts:      opts,
		logger:    logger.WithComponent("orchestrator"),
	}
}

// CreateJob validates and rasterizes both documents, persists the job with
// its initial OCR stage records, and publishes one OCR message per page.
// Rasterization runs before any job state is written, so a submission that
// fails extraction leaves no job behind.
func (o *Orchestrator) CreateJob(ctx context.Context, baselineRef, revisedRef, requestedBy string) (uuid.UUID, error) {
	if baselineRef == "" {
		return uuid.Nil, NewValidationError("baseline_ref", "must not be empty")
	}
	if revisedRef == "" {
		return uuid.Nil, NewValidationError("revised_ref", "must not be empty")
	}

	jobID := uuid.New()
	log := o.logger.WithJob(jobID.String())

	basePages, err := o.rasterize(ctx, jobID, baselineRef, blob.SideBaseline)
	if err != nil {
		return uuid.Nil, err
	}
	revPages, err := o.rasterize(ctx, jobID, revisedRef, blob.SideRevised)
	if err != nil {
		return uuid.Nil, err
	}

	totalPages := basePages
	if revPages > totalPages {
		totalPages = revPages
	}
	if totalPages == 0 {
		return uuid.Nil, &ExtractionError{Ref: baselineRef, Err: errors.New("both documents are empty")}
	}

	job := &storage.Job{
		ID:          jobID,
		BaselineRef: baselineRef,
		RevisedRef:  revisedRef,
		TotalPages:  totalPages,
		Status:      storage.JobStatusCreated,
		RequestedBy: requestedBy,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("create job: %w", err)
	}
	o.recordJob(ctx, jobID, storage.AuditActionJobCreated, map[string]interface{}{
		"total_pages":    totalPages,
		"baseline_pages": basePages,
		"revised_pages":  revPages,
	})

	// The status flip precedes publishing: a fast worker finishing the last
	// page must find the job in_progress or finalization would be lost.
	if err := o.jobs.MarkInProgress(ctx, jobID); err != nil {
		return uuid.Nil, fmt.Errorf("start job: %w", err)
	}

	for page := 1; page <= totalPages; page++ {
		if err := o.seedOCRStage(ctx, jobID, page); err != nil {
			return uuid.Nil, err
		}
	}

	log.Info().Int("total_pages", totalPages).Msg("job created")
	return jobID, nil
}

// CancelJob requests cancellation. In-flight stage work finishes but no new
// stages are dispatched afterward. Cancelling a terminal job returns
// ConflictError.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	err := o.jobs.MarkCancelled(ctx, jobID)
	if errors.Is(err, storage.ErrConflict) {
		return &ConflictError{Reason: "job already reached a terminal state"}
	}
	if err != nil {
		return err
	}
	o.recordJob(ctx, jobID, storage.AuditActionJobCancelled, nil)
	o.logger.WithJob(jobID.String()).Info().Msg("job cancelled")
	return nil
}

// BeginStage marks a stage in progress and returns the owning job so the
// worker can observe cancellation before doing work.
func (o *Orchestrator) BeginStage(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) (*storage.Job, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if err := o.stages.MarkInProgress(ctx, jobID, kind, page); err != nil {
		return nil, err
	}
	return job, nil
}

// OnStageComplete records a stage result and dispatches the next stage of
// the same page. Safe to call more than once for the same stage.
func (o *Orchestrator) OnStageComplete(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, resultRef string) error {
	if err := o.stages.MarkCompleted(ctx, jobID, kind, page, resultRef); err != nil {
		return err
	}
	o.recordStage(ctx, jobID, kind, page, storage.AuditActionStageCompleted, nil)

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == storage.JobStatusCancelled {
		return nil
	}

	switch kind {
	case storage.StageKindOCR:
		return o.dispatchNext(ctx, jobID, storage.StageKindDiff, page)
	case storage.StageKindDiff:
		return o.dispatchNext(ctx, jobID, storage.StageKindSummary, page)
	case storage.StageKindSummary:
		return o.finalizeIfDone(ctx, job)
	default:
		return fmt.Errorf("unknown stage kind: %s", kind)
	}
}

// OnStageFailed handles a stage failure: transient failures below the retry
// budget go back to pending and are republished, everything else fails the
// page permanently. Other pages are unaffected either way.
func (o *Orchestrator) OnStageFailed(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, stageErr error, retryCount int) error {
	log := o.logger.WithJob(jobID.String()).WithStage(string(kind)).WithPage(page)

	if !IsPermanent(stageErr) && retryCount < o.opts.MaxRetries {
		if err := o.stages.Requeue(ctx, jobID, kind, page, stageErr.Error()); err != nil {
			return err
		}
		o.recordStage(ctx, jobID, kind, page, storage.AuditActionStageRetried, map[string]interface{}{
			"error": stageErr.Error(),
			"retry": retryCount + 1,
		})
		payload, topic, err := o.rebuildMessage(ctx, jobID, kind, page, retryCount+1)
		if err != nil {
			return err
		}
		log.Warn().Err(stageErr).Int("retry", retryCount+1).Msg("stage failed, retrying")
		return o.channel.Publish(ctx, topic, payload)
	}

	if err := o.stages.MarkFailed(ctx, jobID, kind, page, stageErr.Error()); err != nil {
		return err
	}
	o.recordStage(ctx, jobID, kind, page, storage.AuditActionStageFailed, map[string]interface{}{
		"error":     stageErr.Error(),
		"permanent": IsPermanent(stageErr),
	})
	log.Error().Err(stageErr).Msg("stage failed permanently")

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	return o.finalizeIfDone(ctx, job)
}

// rasterize loads a source document, renders each page, and stores the page
// images. Returns the page count.
func (o *Orchestrator) rasterize(ctx context.Context, jobID uuid.UUID, ref, side string) (int, error) {
	doc, err := o.blobs.Get(ctx, ref)
	if err != nil {
		return 0, &ExtractionError{Ref: ref, Err: err}
	}
	count, err := o.extractor.PageCount(ctx, doc)
	if err != nil {
		return 0, &ExtractionError{Ref: ref, Err: err}
	}
	for i := 0; i < count; i++ {
		img, err := o.extractor.RenderPage(ctx, doc, i, o.opts.RasterDPI)
		if err != nil {
			return 0, &ExtractionError{Ref: ref, Err: fmt.Errorf("page %d: %w", i+1, err)}
		}
		key := blob.PageKey(jobID, i+1, side)
		if _, err := o.blobs.Put(ctx, key, img, blob.ContentTypePNG); err != nil {
			return 0, &ExtractionError{Ref: ref, Err: fmt.Errorf("store page %d: %w", i+1, err)}
		}
	}
	return count, nil
}

func (o *Orchestrator) seedOCRStage(ctx context.Context, jobID uuid.UUID, page int) error {
	p := page
	created, err := o.stages.CreateIfAbsent(ctx, &storage.StageRecord{
		JobID:      jobID,
		Kind:       storage.StageKindOCR,
		PageNumber: &p,
		Status:     storage.StageStatusPending,
	})
	if err != nil {
		return fmt.Errorf("create ocr stage for page %d: %w", page, err)
	}
	if !created {
		return nil
	}

	payload, err := marshalMessage(&OCRMessage{
		JobID:       jobID,
		PageNumber:  page,
		BaselineKey: blob.PageKey(jobID, page, blob.SideBaseline),
		RevisedKey:  blob.PageKey(jobID, page, blob.SideRevised),
	})
	if err != nil {
		return err
	}
	return o.channel.Publish(ctx, queue.TopicOCR, payload)
}

// dispatchNext creates the successor stage record and publishes its message.
// The check-before-create on the stage record makes redelivered completions
// harmless: only the delivery that created the record publishes.
func (o *Orchestrator) dispatchNext(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int) error {
	p := page
	created, err := o.stages.CreateIfAbsent(ctx, &storage.StageRecord{
		JobID:      jobID,
		Kind:       kind,
		PageNumber: &p,
		Status:     storage.StageStatusPending,
	})
	if err != nil {
		return fmt.Errorf("create %s stage for page %d: %w", kind, page, err)
	}
	if !created {
		return nil
	}

	payload, topic, err := o.rebuildMessage(ctx, jobID, kind, page, 0)
	if err != nil {
		return err
	}
	return o.channel.Publish(ctx, topic, payload)
}

// rebuildMessage constructs the stage message from persisted state, so both
// first dispatch and retry republish share one code path.
func (o *Orchestrator) rebuildMessage(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page, retryCount int) ([]byte, string, error) {
	topic, err := topicFor(kind)
	if err != nil {
		return nil, "", err
	}

	var msg interface{}
	switch kind {
	case storage.StageKindOCR:
		msg = &OCRMessage{
			JobID:       jobID,
			PageNumber:  page,
			BaselineKey: blob.PageKey(jobID, page, blob.SideBaseline),
			RevisedKey:  blob.PageKey(jobID, page, blob.SideRevised),
			RetryCount:  retryCount,
		}
	case storage.StageKindDiff:
		ocrStage, err := o.stages.GetByKey(ctx, jobID, storage.StageKindOCR, page)
		if err != nil {
			return nil, "", fmt.Errorf("load ocr stage for page %d: %w", page, err)
		}
		ocrRef := ""
		if ocrStage.ResultRef != nil {
			ocrRef = *ocrStage.ResultRef
		}
		msg = &DiffMessage{
			JobID:       jobID,
			PageNumber:  page,
			BaselineKey: blob.PageKey(jobID, page, blob.SideBaseline),
			RevisedKey:  blob.PageKey(jobID, page, blob.SideRevised),
			OCRRef:      ocrRef,
			RetryCount:  retryCount,
		}
	case storage.StageKindSummary:
		dr, err := o.diffs.GetByJobPage(ctx, jobID, page)
		if err != nil {
			return nil, "", fmt.Errorf("load diff result for page %d: %w", page, err)
		}
		msg = &SummaryMessage{
			JobID:        jobID,
			PageNumber:   page,
			DiffResultID: dr.ID,
			RetryCount:   retryCount,
		}
	}

	payload, err := marshalMessage(msg)
	if err != nil {
		return nil, "", err
	}
	return payload, topic, nil
}

// finalizeIfDone completes the job once every page is terminal. The job
// fails only when every page failed; any completed page keeps the job in
// partial-success territory.
func (o *Orchestrator) finalizeIfDone(ctx context.Context, job *storage.Job) error {
	if job.Status.Terminal() {
		return nil
	}

	terminal, err := o.stages.CountTerminalPages(ctx, job.ID)
	if err != nil {
		return err
	}
	if terminal < job.TotalPages {
		return nil
	}

	failed, err := o.stages.CountFailedPages(ctx, job.ID)
	if err != nil {
		return err
	}

	log := o.logger.WithJob(job.ID.String())
	if failed >= job.TotalPages {
		err = o.jobs.MarkFailed(ctx, job.ID, "all pages failed")
		if err == nil {
			o.recordJob(ctx, job.ID, storage.AuditActionJobFailed, map[string]interface{}{
				"failed_pages": failed,
			})
			log.Error().Int("failed_pages", failed).Msg("job failed")
		}
	} else {
		err = o.jobs.MarkCompleted(ctx, job.ID)
		if err == nil {
			o.recordJob(ctx, job.ID, storage.AuditActionJobCompleted, map[string]interface{}{
				"failed_pages": failed,
			})
			log.Info().Int("failed_pages", failed).Msg("job completed")
		}
	}
	// Another worker finishing the last page concurrently may have already
	// finalized; that is not an error.
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (o *Orchestrator) recordJob(ctx context.Context, jobID uuid.UUID, action storage.AuditAction, payload map[string]interface{}) {
	if o.audit == nil {
		return
	}
	o.audit.Record(ctx, storage.AuditEvent{
		JobID:   jobID,
		Action:  action,
		Actor:   "orchestrator",
		Payload: marshalPayload(payload),
	})
}

func (o *Orchestrator) recordStage(ctx context.Context, jobID uuid.UUID, kind storage.StageKind, page int, action storage.AuditAction, payload map[string]interface{}) {
	if o.audit == nil {
		return
	}
	k := kind
	p := page
	o.audit.Record(ctx, storage.AuditEvent{
		JobID:      jobID,
		StageKind:  &k,
		PageNumber: &p,
		Action:     action,
		Actor:      "orchestrator",
		Payload:    marshalPayload(payload),
	})
}

func marshalPayload(payload map[string]interface{}) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
