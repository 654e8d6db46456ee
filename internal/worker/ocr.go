package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/orchestrator"
	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
	"github.com/drawlens/drawdiff/internal/vision"
)

// OCRArtifact is the stored output of one page's text extraction. Either
// side may be nil when the corresponding document is shorter than the other.
type OCRArtifact struct {
	Baseline *vision.Extraction `json:"baseline,omitempty"`
	Revised  *vision.Extraction `json:"revised,omitempty"`
}

// SheetName returns the best available sheet identifier, preferring the
// revised side.
func (a *OCRArtifact) SheetName() string {
	if a.Revised != nil && a.Revised.SheetName != "" {
		return a.Revised.SheetName
	}
	if a.Baseline != nil {
		return a.Baseline.SheetName
	}
	return ""
}

// OCRWorker extracts text from both sides of a page pair.
type OCRWorker struct {
	coord  Coordinator
	stages StageReader
	blobs  blob.Store
	vis    VisionClient
	logger *observability.Logger
}

// NewOCRWorker creates an OCR worker.
func NewOCRWorker(coord Coordinator, stages StageReader, blobs blob.Store, vis VisionClient, logger *observability.Logger) *OCRWorker {
	return &OCRWorker{
		coord:  coord,
		stages: stages,
		blobs:  blobs,
		vis:    vis,
		logger: logger.WithComponent("ocr_worker"),
	}
}

// Handle processes one OCR message.
func (w *OCRWorker) Handle(ctx context.Context, d queue.Delivery) error {
	var msg orchestrator.OCRMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		w.logger.Error().Err(err).Msg("dropping undecodable ocr message")
		return nil
	}
	log := w.logger.WithJob(msg.JobID.String()).WithPage(msg.PageNumber)

	job, err := w.coord.BeginStage(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		log.Debug().Str("job_status", string(job.Status)).Msg("discarding work for terminal job")
		return nil
	}

	// Redelivery of an already-completed stage just replays the chain.
	if rec, err := w.stages.GetByKey(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber); err == nil &&
		rec.Status == storage.StageStatusCompleted && rec.ResultRef != nil {
		return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber, *rec.ResultRef)
	}

	artifactKey := blob.OCRArtifactKey(msg.JobID, msg.PageNumber)
	if exists, err := w.blobs.Exists(ctx, artifactKey); err == nil && exists {
		return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber, artifactKey)
	}

	artifact, stageErr := w.extract(ctx, msg)
	if stageErr != nil {
		return w.coord.OnStageFailed(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber, stageErr, msg.RetryCount)
	}

	data, err := json.Marshal(artifact)
	if err != nil {
		return w.coord.OnStageFailed(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber,
			orchestrator.NewPermanentStageError("ocr", err), msg.RetryCount)
	}
	if _, err := w.blobs.Put(ctx, artifactKey, data, blob.ContentTypeJSON); err != nil {
		return w.coord.OnStageFailed(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber,
			orchestrator.NewStageError("ocr", err), msg.RetryCount)
	}

	log.Info().Str("sheet", artifact.SheetName()).Msg("page text extracted")
	return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindOCR, msg.PageNumber, artifactKey)
}

func (w *OCRWorker) extract(ctx context.Context, msg orchestrator.OCRMessage) (*OCRArtifact, error) {
	artifact := &OCRArtifact{}

	base, err := w.extractSide(ctx, msg.BaselineKey)
	if err != nil {
		return nil, err
	}
	artifact.Baseline = base

	rev, err := w.extractSide(ctx, msg.RevisedKey)
	if err != nil {
		return nil, err
	}
	artifact.Revised = rev

	if artifact.Baseline == nil && artifact.Revised == nil {
		return nil, orchestrator.NewPermanentStageError("ocr", fmt.Errorf("page missing on both sides"))
	}
	return artifact, nil
}

// extractSide runs extraction for one side. A missing page image means the
// document is shorter on that side, which is not a failure.
func (w *OCRWorker) extractSide(ctx context.Context, key string) (*vision.Extraction, error) {
	img, err := w.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, orchestrator.NewStageError("ocr", fmt.Errorf("load page image %s: %w", key, err))
	}

	ext, err := w.vis.Extract(ctx, img)
	if err != nil {
		var statusErr *vision.StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return nil, orchestrator.NewPermanentStageError("ocr", err)
		}
		return nil, orchestrator.NewStageError("ocr", err)
	}
	return ext, nil
}
