package storage

import (
	"context"
	"sort"

	"github.com/google/uuid"
)

// StageProgress describes one stage of one page as seen by a caller polling
// for progress.
type StageProgress struct {
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PageProgress describes the full per-page stage ladder, enriched with the
// page's diff outcome and active summary once those exist.
type PageProgress struct {
	PageNumber  int                      `json:"page_number"`
	Stages      map[string]StageProgress `json:"stages"`
	Done        bool                     `json:"done"`
	Failed      bool                     `json:"failed"`
	OverlayRef  string                   `json:"overlay_ref,omitempty"`
	ChangeCount *int                     `json:"change_count,omitempty"`
	Summary     string                   `json:"summary,omitempty"`
}

// ProgressView is the incremental status snapshot for a job. Pages that have
// results are reported even while sibling pages are still in flight.
type ProgressView struct {
	JobID          uuid.UUID      `json:"job_id"`
	Status         JobStatus      `json:"status"`
	TotalPages     int            `json:"total_pages"`
	CompletedPages int            `json:"completed_pages"`
	FailedPages    int            `json:"failed_pages"`
	Error          string         `json:"error,omitempty"`
	Pages          []PageProgress `json:"pages"`
}

// StageNotStarted is reported for stages whose record does not exist yet.
const StageNotStarted = "not_started"

// ProgressReader assembles progress views from the job, stage, diff, and
// summary tables.
type ProgressReader struct {
	jobs      *JobRepository
	stages    *StageRepository
	diffs     *DiffResultRepository
	summaries *SummaryRepository
}

// NewProgressReader creates a progress reader over the given repositories.
func NewProgressReader(jobs *JobRepository, stages *StageRepository, diffs *DiffResultRepository, summaries *SummaryRepository) *ProgressReader {
	return &ProgressReader{jobs: jobs, stages: stages, diffs: diffs, summaries: summaries}
}

// Read returns the current progress snapshot for a job, including each page's
// diff outcome and active summary where available.
func (r *ProgressReader) Read(ctx context.Context, jobID uuid.UUID) (*ProgressView, error) {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	records, err := r.stages.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	results, err := r.diffs.ListByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	summaries, err := r.summaries.ListActiveByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return AssembleProgress(job, records, results, summaries), nil
}

// AssembleProgress builds a progress view from a job, its stage records, and
// whatever diff results and active summaries exist so far. Pure so it can be
// exercised without a database.
func AssembleProgress(job *Job, records []*StageRecord, results []*DiffResult, summaries []*PageSummary) *ProgressView {
	view := &ProgressView{
		JobID:      job.ID,
		Status:     job.Status,
		TotalPages: job.TotalPages,
	}
	if job.ErrorMessage != nil {
		view.Error = *job.ErrorMessage
	}

	resultByPage := make(map[int]*DiffResult, len(results))
	for _, dr := range results {
		resultByPage[dr.PageNumber] = dr
	}
	summaryByPage := make(map[int]string, len(summaries))
	for _, ps := range summaries {
		summaryByPage[ps.PageNumber] = ps.Summary.SummaryText
	}

	byPage := make(map[int]map[StageKind]*StageRecord)
	for _, rec := range records {
		page := rec.Page()
		if byPage[page] == nil {
			byPage[page] = make(map[StageKind]*StageRecord)
		}
		byPage[page][rec.Kind] = rec
	}

	pages := make([]int, 0, len(byPage))
	for page := range byPage {
		pages = append(pages, page)
	}
	sort.Ints(pages)

	kinds := []StageKind{StageKindOCR, StageKindDiff, StageKindSummary}
	for _, page := range pages {
		pp := PageProgress{
			PageNumber: page,
			Stages:     make(map[string]StageProgress, len(kinds)),
		}
		for _, kind := range kinds {
			rec, ok := byPage[page][kind]
			if !ok {
				pp.Stages[string(kind)] = StageProgress{Status: StageNotStarted}
				continue
			}
			sp := StageProgress{
				Status:     string(rec.Status),
				RetryCount: rec.RetryCount,
			}
			if rec.ErrorMessage != nil {
				sp.Error = *rec.ErrorMessage
			}
			pp.Stages[string(kind)] = sp
			if rec.Status == StageStatusFailed {
				pp.Failed = true
			}
		}
		if s, ok := byPage[page][StageKindSummary]; ok && s.Status == StageStatusCompleted {
			pp.Done = true
		}
		if dr, ok := resultByPage[page]; ok {
			pp.OverlayRef = dr.OverlayRef
			count := dr.ChangeCount
			pp.ChangeCount = &count
		}
		pp.Summary = summaryByPage[page]
		if pp.Done {
			view.CompletedPages++
		}
		if pp.Failed {
			view.FailedPages++
		}
		view.Pages = append(view.Pages, pp)
	}
	return view
}
