package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client is a thin HTTP client for the drawdiff API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// UploadDocument uploads a local PDF and returns its storage reference.
func (c *Client) UploadDocument(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/documents", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/pdf")

	var out struct {
		Ref string `json:"ref"`
	}
	if err := c.do(req, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

// SubmitJob creates a comparison job from two uploaded documents.
func (c *Client) SubmitJob(ctx context.Context, baselineRef, revisedRef, requestedBy string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"baseline_ref": baselineRef,
		"revised_ref":  revisedRef,
		"requested_by": requestedBy,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(req, http.StatusAccepted, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Progress mirrors the API progress payload.
type Progress struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	TotalPages     int    `json:"total_pages"`
	CompletedPages int    `json:"completed_pages"`
	FailedPages    int    `json:"failed_pages"`
	Error          string `json:"error,omitempty"`
	Pages          []struct {
		PageNumber int  `json:"page_number"`
		Done       bool `json:"done"`
		Failed     bool `json:"failed"`
	} `json:"pages"`
}

// GetProgress fetches the current job progress.
func (c *Client) GetProgress(ctx context.Context, jobID string) (*Progress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/jobs/"+jobID+"/progress", nil)
	if err != nil {
		return nil, err
	}
	var out Progress
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PageResult mirrors one entry of the API results payload.
type PageResult struct {
	DiffResultID    string  `json:"diff_result_id"`
	PageNumber      int     `json:"page_number"`
	DrawingName     string  `json:"drawing_name,omitempty"`
	AlignmentScore  float64 `json:"alignment_score"`
	ChangesDetected bool    `json:"changes_detected"`
	ChangeCount     int     `json:"change_count"`
	Summary         string  `json:"summary,omitempty"`
	SummarySource   string  `json:"summary_source,omitempty"`
}

// ListResults fetches the per-page results available so far.
func (c *Client) ListResults(ctx context.Context, jobID string) ([]PageResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/jobs/"+jobID+"/results", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []PageResult `json:"results"`
	}
	if err := c.do(req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// CancelJob requests cancellation of a running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusOK, nil)
}

func (c *Client) do(req *http.Request, wantStatus int, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error  string `json:"error"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Detail != "" {
				return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Detail)
			}
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
