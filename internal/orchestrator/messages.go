package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/drawlens/drawdiff/internal/queue"
	"github.com/drawlens/drawdiff/internal/storage"
)

// OCRMessage instructs an OCR worker to extract text from one page pair.
type OCRMessage struct {
	JobID       uuid.UUID `json:"job_id"`
	PageNumber  int       `json:"page_number"`
	BaselineKey string    `json:"baseline_key"`
	RevisedKey  string    `json:"revised_key"`
	RetryCount  int       `json:"retry_count"`
}

// DiffMessage instructs a diff worker to align and compare one page pair.
type DiffMessage struct {
	JobID       uuid.UUID `json:"job_id"`
	PageNumber  int       `json:"page_number"`
	BaselineKey string    `json:"baseline_key"`
	RevisedKey  string    `json:"revised_key"`
	OCRRef      string    `json:"ocr_ref"`
	RetryCount  int       `json:"retry_count"`
}

// SummaryMessage instructs a summary worker to narrate one page's diff.
type SummaryMessage struct {
	JobID        uuid.UUID `json:"job_id"`
	PageNumber   int       `json:"page_number"`
	DiffResultID uuid.UUID `json:"diff_result_id"`
	RetryCount   int       `json:"retry_count"`
}

// topicFor maps a stage kind to its queue topic.
func topicFor(kind storage.StageKind) (string, error) {
	switch kind {
	case storage.StageKindOCR:
		return queue.TopicOCR, nil
	case storage.StageKindDiff:
		return queue.TopicDiff, nil
	case storage.StageKindSummary:
		return queue.TopicSummary, nil
	default:
		return "", fmt.Errorf("unknown stage kind: %s", kind)
	}
}

func marshalMessage(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal stage message: %w", err)
	}
	return data, nil
}
