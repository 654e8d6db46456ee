package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/drawlens/drawdiff/internal/blob"
	"github.com/drawlens/drawdiff/internal/observability"
	"github.com/drawlens/drawdiff/internal/orchestrator"
	"github.com/drawlens/drawdiff/internal/storage"
)

// maxUploadBytes bounds document uploads at 256 MiB, comfortably above any
// realistic scanned drawing set.
const maxUploadBytes = 256 << 20

type handler struct {
	deps   Deps
	logger *observability.Logger
}

// uploadDocument handles POST /api/v1/documents. The raw body is stored and
// a reference usable in job submissions is returned.
func (h *handler) uploadDocument(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read body", err.Error())
		return
	}
	if len(data) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty document", "")
		return
	}
	if len(data) > maxUploadBytes {
		h.writeError(w, http.StatusRequestEntityTooLarge, "document too large", "")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = blob.ContentTypePDF
	}

	key := "uploads/" + uuid.NewString() + ".pdf"
	ref, err := h.deps.Blobs.Put(r.Context(), key, data, contentType)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "store document", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"ref": ref})
}

// CreateJobRequest is the job submission payload.
type CreateJobRequest struct {
	BaselineRef string `json:"baseline_ref"`
	RevisedRef  string `json:"revised_ref"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// createJob handles POST /api/v1/jobs.
func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	jobID, err := h.deps.Orchestrator.CreateJob(r.Context(), req.BaselineRef, req.RevisedRef, req.RequestedBy)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID.String(),
		"status": string(storage.JobStatusInProgress),
	})
}

// getJob handles GET /api/v1/jobs/{jobID}/progress's sibling, returning the
// bare job record.
func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	view, err := h.deps.Progress.Read(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":      view.JobID,
		"status":      view.Status,
		"total_pages": view.TotalPages,
		"error":       view.Error,
	})
}

// getProgress handles GET /api/v1/jobs/{jobID}/progress.
func (h *handler) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	view, err := h.deps.Progress.Read(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// PageResultDTO is one page's comparison outcome.
type PageResultDTO struct {
	DiffResultID    string          `json:"diff_result_id"`
	PageNumber      int             `json:"page_number"`
	DrawingName     string          `json:"drawing_name,omitempty"`
	OverlayRef      string          `json:"overlay_ref"`
	AlignmentScore  float64         `json:"alignment_score"`
	ChangesDetected bool            `json:"changes_detected"`
	ChangeCount     int             `json:"change_count"`
	Summary         string          `json:"summary,omitempty"`
	SummarySource   string          `json:"summary_source,omitempty"`
	Structured      json.RawMessage `json:"structured,omitempty"`
}

// listResults handles GET /api/v1/jobs/{jobID}/results. Available results
// are returned even while the job is still running.
func (h *handler) listResults(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	results, err := h.deps.Diffs.ListByJob(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	summaries, err := h.deps.Summaries.ListActiveByJob(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	byDiff := make(map[uuid.UUID]*storage.ChangeSummary, len(summaries))
	for _, ps := range summaries {
		byDiff[ps.Summary.DiffResultID] = ps.Summary
	}

	out := make([]PageResultDTO, 0, len(results))
	for _, dr := range results {
		dto := PageResultDTO{
			DiffResultID:    dr.ID.String(),
			PageNumber:      dr.PageNumber,
			DrawingName:     dr.DrawingName,
			OverlayRef:      dr.OverlayRef,
			AlignmentScore:  dr.AlignmentScore,
			ChangesDetected: dr.ChangesDetected,
			ChangeCount:     dr.ChangeCount,
		}
		if cs, ok := byDiff[dr.ID]; ok {
			dto.Summary = cs.SummaryText
			dto.SummarySource = string(cs.Source)
			dto.Structured = cs.Structured
		}
		out = append(out, dto)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  jobID,
		"results": out,
	})
}

// listAudit handles GET /api/v1/jobs/{jobID}/audit.
func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	events, err := h.deps.Audit.ListByJob(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"events": events,
	})
}

// cancelJob handles POST /api/v1/jobs/{jobID}/cancel.
func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.deps.Orchestrator.CancelJob(r.Context(), jobID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID.String(),
		"status": string(storage.JobStatusCancelled),
	})
}

// getOverlay handles GET /api/v1/results/{diffResultID}/overlay, streaming
// the overlay PNG.
func (h *handler) getOverlay(w http.ResponseWriter, r *http.Request) {
	diffResultID, err := uuid.Parse(chi.URLParam(r, "diffResultID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid diffResultID", err.Error())
		return
	}

	dr, err := h.deps.Diffs.GetByID(r.Context(), diffResultID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	data, err := h.deps.Blobs.Get(r.Context(), dr.OverlayRef)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", blob.ContentTypePNG)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ReviseSummaryRequest is the payload for a human summary revision.
type ReviseSummaryRequest struct {
	SummaryText string `json:"summary_text"`
	Author      string `json:"author"`
}

// reviseSummary handles PUT /api/v1/results/{diffResultID}/summary. The
// machine summary stays in history; the revision becomes the active one.
func (h *handler) reviseSummary(w http.ResponseWriter, r *http.Request) {
	diffResultID, err := uuid.Parse(chi.URLParam(r, "diffResultID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid diffResultID", err.Error())
		return
	}

	var req ReviseSummaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.SummaryText == "" {
		h.writeError(w, http.StatusBadRequest, "summary_text is required", "")
		return
	}

	if _, err := h.deps.Diffs.GetByID(r.Context(), diffResultID); err != nil {
		h.writeServiceError(w, err)
		return
	}

	source := storage.SummarySourceHumanWritten
	var parentID *uuid.UUID
	if prev, err := h.deps.Summaries.GetActiveByDiffResult(r.Context(), diffResultID); err == nil {
		source = storage.SummarySourceHumanCorrected
		parentID = &prev.ID
	}

	summary := &storage.ChangeSummary{
		DiffResultID: diffResultID,
		SummaryText:  req.SummaryText,
		Source:       source,
		Active:       true,
		ParentID:     parentID,
	}
	if err := h.deps.Summaries.Create(r.Context(), summary); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"summary_id": summary.ID.String(),
		"source":     string(source),
	})
}

func (h *handler) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid jobID", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps service errors to HTTP statuses.
func (h *handler) writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *orchestrator.ValidationError
	var extractionErr *orchestrator.ExtractionError
	var conflictErr *orchestrator.ConflictError

	switch {
	case errors.As(err, &validationErr):
		h.writeError(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.As(err, &extractionErr):
		h.writeError(w, http.StatusUnprocessableEntity, "document extraction failed", err.Error())
	case errors.As(err, &conflictErr):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not found", err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		h.writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, message, detail string) {
	h.writeJSON(w, status, map[string]string{
		"error":  message,
		"detail": detail,
	})
}
