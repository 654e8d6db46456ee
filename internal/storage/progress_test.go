package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageRec(jobID uuid.UUID, kind StageKind, page int, status StageStatus, retries int) *StageRecord {
	p := page
	return &StageRecord{
		ID:         uuid.New(),
		JobID:      jobID,
		Kind:       kind,
		PageNumber: &p,
		Status:     status,
		RetryCount: retries,
	}
}

func TestAssembleProgressMixedPages(t *testing.T) {
	jobID := uuid.New()
	job := &Job{ID: jobID, Status: JobStatusInProgress, TotalPages: 3}

	records := []*StageRecord{
		// Page 1: fully done.
		stageRec(jobID, StageKindOCR, 1, StageStatusCompleted, 0),
		stageRec(jobID, StageKindDiff, 1, StageStatusCompleted, 0),
		stageRec(jobID, StageKindSummary, 1, StageStatusCompleted, 0),
		// Page 2: diff still running, summary not yet created.
		stageRec(jobID, StageKindOCR, 2, StageStatusCompleted, 0),
		stageRec(jobID, StageKindDiff, 2, StageStatusInProgress, 1),
		// Page 3: failed at OCR.
		stageRec(jobID, StageKindOCR, 3, StageStatusFailed, 2),
	}

	view := AssembleProgress(job, records, nil, nil)

	assert.Equal(t, jobID, view.JobID)
	assert.Equal(t, 3, view.TotalPages)
	assert.Equal(t, 1, view.CompletedPages)
	assert.Equal(t, 1, view.FailedPages)
	require.Len(t, view.Pages, 3)

	page1 := view.Pages[0]
	assert.True(t, page1.Done)
	assert.False(t, page1.Failed)

	page2 := view.Pages[1]
	assert.False(t, page2.Done)
	assert.Equal(t, "in_progress", page2.Stages["diff"].Status)
	assert.Equal(t, 1, page2.Stages["diff"].RetryCount)
	assert.Equal(t, StageNotStarted, page2.Stages["summary"].Status)

	page3 := view.Pages[2]
	assert.True(t, page3.Failed)
	assert.Equal(t, "failed", page3.Stages["ocr"].Status)
	assert.Equal(t, StageNotStarted, page3.Stages["diff"].Status)
}

func TestAssembleProgressCarriesJobError(t *testing.T) {
	msg := "all pages failed"
	job := &Job{ID: uuid.New(), Status: JobStatusFailed, TotalPages: 1, ErrorMessage: &msg}

	view := AssembleProgress(job, nil, nil, nil)
	assert.Equal(t, JobStatusFailed, view.Status)
	assert.Equal(t, msg, view.Error)
	assert.Empty(t, view.Pages)
}

func TestAssembleProgressPagesSorted(t *testing.T) {
	jobID := uuid.New()
	job := &Job{ID: jobID, Status: JobStatusInProgress, TotalPages: 3}
	records := []*StageRecord{
		stageRec(jobID, StageKindOCR, 3, StageStatusPending, 0),
		stageRec(jobID, StageKindOCR, 1, StageStatusPending, 0),
		stageRec(jobID, StageKindOCR, 2, StageStatusPending, 0),
	}

	view := AssembleProgress(job, records, nil, nil)
	require.Len(t, view.Pages, 3)
	for i, pp := range view.Pages {
		assert.Equal(t, i+1, pp.PageNumber)
	}
}

func TestAssembleProgressCarriesDiffAndSummary(t *testing.T) {
	jobID := uuid.New()
	job := &Job{ID: jobID, Status: JobStatusInProgress, TotalPages: 2}

	records := []*StageRecord{
		stageRec(jobID, StageKindOCR, 1, StageStatusCompleted, 0),
		stageRec(jobID, StageKindDiff, 1, StageStatusCompleted, 0),
		stageRec(jobID, StageKindSummary, 1, StageStatusCompleted, 0),
		stageRec(jobID, StageKindOCR, 2, StageStatusInProgress, 0),
	}
	results := []*DiffResult{{
		ID:          uuid.New(),
		JobID:       jobID,
		PageNumber:  1,
		OverlayRef:  "jobs/x/overlays/001.png",
		ChangeCount: 3,
	}}
	summaries := []*PageSummary{{
		PageNumber: 1,
		Summary:    &ChangeSummary{SummaryText: "Three changes near grid B."},
	}}

	view := AssembleProgress(job, records, results, summaries)
	require.Len(t, view.Pages, 2)

	page1 := view.Pages[0]
	assert.Equal(t, "jobs/x/overlays/001.png", page1.OverlayRef)
	require.NotNil(t, page1.ChangeCount)
	assert.Equal(t, 3, *page1.ChangeCount)
	assert.Equal(t, "Three changes near grid B.", page1.Summary)

	// Page 2 has no diff result yet; its enrichment fields stay empty.
	page2 := view.Pages[1]
	assert.Empty(t, page2.OverlayRef)
	assert.Nil(t, page2.ChangeCount)
	assert.Empty(t, page2.Summary)
}
