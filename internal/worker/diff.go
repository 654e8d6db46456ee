package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/png"

	"github.com/drawlens/drawdiff/internal/align"
	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/diff"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/orchestrator"
	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
)

// DiffWorker aligns a page pair, detects changed regions, renders the
// overlay, and persists the page's diff result.
type DiffWorker struct {
	coord   Coordinator
	diffs   DiffResultStore
	blobs   blob.Store
	aligner *align.Aligner
	engine  *diff.Engine

	// LowConfidenceThreshold marks results whose alignment score falls
	// below it so reviewers know registration may be off.
	lowConfidence float64
	logger        *observability.Logger
}

// NewDiffWorker creates a diff worker.
func NewDiffWorker(coord Coordinator, diffs DiffResultStore, blobs blob.Store, aligner *align.Aligner, engine *diff.Engine, lowConfidence float64, logger *observability.Logger) *DiffWorker {
	return &DiffWorker{
		coord:         coord,
		diffs:         diffs,
		blobs:         blobs,
		aligner:       aligner,
		engine:        engine,
		lowConfidence: lowConfidence,
		logger:        logger.WithComponent("diff_worker"),
	}
}

// Handle processes one diff message.
func (w *DiffWorker) Handle(ctx context.Context, d queue.Delivery) error {
	var msg orchestrator.DiffMessage
	if err := json.Unmarshal(d.Payload, &msg); err != nil {
		w.logger.Error().Err(err).Msg("dropping undecodable diff message")
		return nil
	}
	log := w.logger.WithJob(msg.JobID.String()).WithPage(msg.PageNumber)

	job, err := w.coord.BeginStage(ctx, msg.JobID, storage.StageKindDiff, msg.PageNumber)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		log.Debug().Str("job_status", string(job.Status)).Msg("discarding work for terminal job")
		return nil
	}

	// A diff result already existing means a previous delivery finished the
	// work; just replay the completion.
	if existing, err := w.diffs.GetByJobPage(ctx, msg.JobID, msg.PageNumber); err == nil {
		return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindDiff, msg.PageNumber, existing.OverlayRef)
	}

	result, stageErr := w.compare(ctx, msg)
	if stageErr != nil {
		return w.coord.OnStageFailed(ctx, msg.JobID, storage.StageKindDiff, msg.PageNumber, stageErr, msg.RetryCount)
	}

	if err := w.diffs.Create(ctx, result); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindDiff, msg.PageNumber, result.OverlayRef)
		}
		return w.coord.OnStageFailed(ctx, msg.JobID, storage.StageKindDiff, msg.PageNumber,
			orchestrator.NewStageError("diff", err), msg.RetryCount)
	}

	log.Info().
		Int("change_count", result.ChangeCount).
		Float64("alignment_score", result.AlignmentScore).
		Msg("page compared")
	return w.coord.OnStageComplete(ctx, msg.JobID, storage.StageKindDiff, msg.PageNumber, result.OverlayRef)
}

func (w *DiffWorker) compare(ctx context.Context, msg orchestrator.DiffMessage) (*storage.DiffResult, error) {
	baseline, err := w.loadGray(ctx, msg.BaselineKey)
	if err != nil {
		return nil, err
	}
	revised, err := w.loadGray(ctx, msg.RevisedKey)
	if err != nil {
		return nil, err
	}
	if baseline == nil && revised == nil {
		return nil, orchestrator.NewPermanentStageError("diff", fmt.Errorf("page missing on both sides"))
	}

	// A side missing entirely means the page was added or removed in the
	// revision. Compare against blank paper; no registration needed.
	score := 1.0
	switch {
	case baseline == nil:
		baseline = blankLike(revised)
	case revised == nil:
		revised = blankLike(baseline)
	default:
		res := w.aligner.Align(baseline, revised)
		score = res.Score
		revised = align.Warp(revised, res.Transform, baseline.Bounds())
	}

	report := w.engine.Compare(baseline, revised)

	overlay, err := diff.RenderOverlay(baseline, report)
	if err != nil {
		return nil, orchestrator.NewPermanentStageError("diff", err)
	}
	overlayKey := blob.OverlayKey(msg.JobID, msg.PageNumber)
	if _, err := w.blobs.Put(ctx, overlayKey, overlay, blob.ContentTypePNG); err != nil {
		return nil, orchestrator.NewStageError("diff", fmt.Errorf("store overlay: %w", err))
	}

	metadata := map[string]interface{}{
		storage.MetaKeyAlignmentScore: score,
	}
	if score < w.lowConfidence {
		metadata[storage.MetaKeyLowConfidence] = true
	}
	metadata["regions"] = json.RawMessage(report.RegionsJSON())
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, orchestrator.NewPermanentStageError("diff", err)
	}

	return &storage.DiffResult{
		JobID:           msg.JobID,
		PageNumber:      msg.PageNumber,
		DrawingName:     w.sheetName(ctx, msg.OCRRef),
		OverlayRef:      overlayKey,
		AlignmentScore:  score,
		ChangesDetected: report.ChangesDetected,
		ChangeCount:     report.ChangeCount,
		Metadata:        metaJSON,
	}, nil
}

// loadGray fetches and decodes a page image. Returns nil for a missing side.
func (w *DiffWorker) loadGray(ctx context.Context, key string) (*image.Gray, error) {
	data, err := w.blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, orchestrator.NewStageError("diff", fmt.Errorf("load page image %s: %w", key, err))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, orchestrator.NewPermanentStageError("diff", fmt.Errorf("decode page image %s: %w", key, err))
	}
	return toGray(img), nil
}

// sheetName reads the drawing name from the OCR artifact. Best effort; the
// diff stands on its own without it.
func (w *DiffWorker) sheetName(ctx context.Context, ocrRef string) string {
	if ocrRef == "" {
		return ""
	}
	data, err := w.blobs.Get(ctx, ocrRef)
	if err != nil {
		return ""
	}
	var artifact OCRArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return ""
	}
	return artifact.SheetName()
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, img, b.Min, draw.Src)
	return g
}

func blankLike(ref *image.Gray) *image.Gray {
	g := image.NewGray(ref.Bounds())
	for i := range g.Pix {
		g.Pix[i] = 0xff
	}
	return g
}
