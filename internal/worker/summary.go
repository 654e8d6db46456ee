package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/orchestrator"
	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
	"github.com/drawlens/drawdiff/internal/vision"
)

// SummaryWorker narrates a page's diff result. AI failures never fail the
// page: a templated fallback summary keeps the result reviewable and the
// pipeline moving.
type SummaryWorker struct {
	coord     Coordinator
	diffs     DiffResultStore
	summaries SummaryStore
	blobs     blob.Store
	vis       VisionClient
	logger    *observability.Logger
}

// NewSummaryWorker creates a summary worker.
func NewSummaryWorker(coord Coordinator, diffs DiffResultStore, summaries SummaryStore, blobs blob.Store, vis VisionClient, logger *observability.Logger) *SummaryWorker {
	return &SummaryWorker{
		coord:     coord,
		diffs:     diffs,
		summaries: summaries,
		blobs:     blobs,
		vis:       vis,
		logger:    logger.WithComponent("summary_worker"),
	}
}

// Handle processes one summary message.
func (w *SummaryWorker) Handle(ctx context.Context, d queue.Delivery) error {
	var msg orchestrator.SummaryMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		w.logger.Error().Err(err).Msg("dropping undecodable summary message")
		return nil
	}
	log := w.logger.WithJob(msg.JobID.String()).WithPage(msg.PageNumber)

	job, err := w.coord.BeginStage(ctx, msg.JobID, storage.StageKindSummary, msg.PageNumber)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		log.Debug().Str("job_status", string(job.Status)).Msg("discarding work for terminal job")
		return nil
	}

	// An active summary already existing means a previous delivery finished.
	if existing, err := w.summaries.GetActiveByDiffResult(ctx, msg.DiffResultID); err == nil {
		return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindSummary, msg.PageNumber, existing.ID.String())
	}

	dr, err := w.diffs.GetByID(ctx, msg.DiffResultID)
	if err != nil {
		return w.coord.OnStageFailed(ctx, msg.JobID, storage.StageKindSummary, msg.PageNumber,
			orchestrator.NewStageError("summary", fmt.Errorf("load diff result: %w", err)), msg.RetryCount)
	}

	summary := w.summarize(ctx, dr, log)
	if err := w.summaries.Create(ctx, summary); err != nil {
		return w.coord.OnStageFailed(ctx, msg.JobID, storage.StageKindSummary, msg.PageNumber,
			orchestrator.NewStageError("summary", err), msg.RetryCount)
	}

	log.Info().Str("summary_id", summary.ID.String()).Msg("page summarized")
	return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindSummary, msg.PageNumber, summary.ID.String())
}

func (w *SummaryWorker) summarize(ctx context.Context, dr *storage.DiffResult, log *observability.Logger) *storage.ChangeSummary {
	req := vision.SummaryRequest{
		DrawingName:    dr.DrawingName,
		PageNumber:     dr.PageNumber,
		ChangeCount:    dr.ChangeCount,
		AlignmentScore: dr.AlignmentScore,
		Regions:        regionsFromMetadata(dr.Metadata),
	}

	overlay, err := w.blobs.Get(ctx, dr.OverlayRef)
	if err != nil {
		log.Warn().Err(err).Msg("overlay unavailable, summarizing from findings only")
		overlay = nil
	}

	resp, err := w.vis.Summarize(ctx, req, overlay)
	if err != nil {
		log.Warn().Err(err).Msg("ai summary failed, using fallback")
		return &storage.ChangeSummary{
			DiffResultID: dr.ID,
			SummaryText:  fallbackSummary(dr),
			Source:       storage.SummarySourceMachine,
			Active:       true,
			Structured:   json.RawMessage(fmt.Sprintf(`{"%s": true}`, storage.MetaKeyFallback)),
		}
	}

	return &storage.ChangeSummary{
		DiffResultID: dr.ID,
		SummaryText:  resp.Text,
		Structured:   resp.Structured,
		Source:       storage.SummarySourceMachine,
		Active:       true,
	}
}

// fallbackSummary builds a deterministic summary from the diff findings.
func fallbackSummary(dr *storage.DiffResult) string {
	name := dr.DrawingName
	if name == "" {
		name = fmt.Sprintf("page %d", dr.PageNumber)
	}
	if !dr.ChangesDetected {
		return fmt.Sprintf("No changes detected on %s.", name)
	}
	return fmt.Sprintf(
		"%d changed region(s) detected on %s. Review the overlay for details; automatic narration was unavailable.",
		dr.ChangeCount, name,
	)
}

func regionsFromMetadata(metadata json.RawMessage) json.RawMessage {
	if len(metadata) == 0 {
		return nil
	}
	var meta struct {
		Regions json.RawMessage `json:"regions"`
	}
	if err := json.Unmarshal(metadata, &meta); err != nil {
		return nil
	}
	return meta.Regions
}
