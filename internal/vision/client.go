// Package vision handles communication with the OpenRouter vision API for
// page text extraction and change summarization.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drawlens/drawdiff/internal/config"
	"github.com/drawlens/drawdiff/internal/observability"
)

// Client handles communication with the OpenRouter API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
	logger     *observability.Logger
}

// Message represents a chat message.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image).
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message.
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Response represents the API response structure.
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice.
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage represents a completion message.
type ChoiceMessage struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// StatusError is returned when the API responds with a non-OK status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("vision api returned status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status warrants another attempt.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// NewClient creates a new vision client.
func NewClient(cfg config.VisionConfig, logger *observability.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.WithComponent("vision"),
	}
}

// TextBlock is one piece of text located on a page.
type TextBlock struct {
	Text string `json:"text"`
	BBox [4]int `json:"bbox"` // x, y, width, height in page pixels
	Kind string `json:"kind,omitempty"`
}

// Extraction is the structured OCR output for one page.
type Extraction struct {
	SheetName  string      `json:"sheet_name"`
	TextBlocks []TextBlock `json:"text_blocks"`
}

// Extract runs text extraction on a rasterized page image.
func (c *Client) Extract(ctx context.Context, image []byte) (*Extraction, error) {
	content, err := c.complete(ctx, extractionPrompt, image)
	if err != nil {
		return nil, err
	}

	var ext Extraction
	if err := json.Unmarshal(stripCodeFences(content), &ext); err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	return &ext, nil
}

// SummaryRequest carries the diff findings to be narrated.
type SummaryRequest struct {
	DrawingName    string          `json:"drawing_name"`
	PageNumber     int             `json:"page_number"`
	ChangeCount    int             `json:"change_count"`
	AlignmentScore float64         `json:"alignment_score"`
	Regions        json.RawMessage `json:"regions"`
	BaselineText   string          `json:"baseline_text,omitempty"`
	RevisedText    string          `json:"revised_text,omitempty"`
}

// SummaryResponse is the narrated change description.
type SummaryResponse struct {
	Text       string          `json:"summary"`
	Structured json.RawMessage `json:"changes,omitempty"`
}

// Summarize turns diff findings into a reviewer-facing narrative, optionally
// grounded on the overlay image.
func (c *Client) Summarize(ctx context.Context, req SummaryRequest, overlay []byte) (*SummaryResponse, error) {
	findings, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal summary request: %w", err)
	}

	content, err := c.complete(ctx, summaryPrompt+"\n\nFindings:\n"+string(findings), overlay)
	if err != nil {
		return nil, err
	}

	cleaned := stripCodeFences(content)
	var resp SummaryResponse
	if err := json.Unmarshal(cleaned, &resp); err != nil {
		// Some models reply with prose despite the JSON instruction. Keep it.
		return &SummaryResponse{Text: strings.TrimSpace(string(cleaned))}, nil
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("empty summary in response")
	}
	return &resp, nil
}

// complete sends a single-turn chat completion with an optional image part.
func (c *Client) complete(ctx context.Context, prompt string, image []byte) (string, error) {
	content := []ContentPart{{Type: "text", Text: prompt}}
	if len(image) > 0 {
		content = append(content, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: "data:image/png;base64," + base64.StdEncoding.EncodeToString(image),
			},
		})
	}

	body, err := json.Marshal(&Request{
		Model:    c.model,
		Messages: []Message{{Role: "user", Content: content}},
		Stream:   false,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var result string
	operation := func() error {
		resp, err := c.send(ctx, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			statusErr := &StatusError{Code: resp.StatusCode, Body: string(respBody)}
			if !statusErr.Retryable() {
				return backoff.Permanent(statusErr)
			}
			return statusErr
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		var apiResp Response
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
		if len(apiResp.Choices) == 0 {
			return fmt.Errorf("no choices in response")
		}
		result = apiResp.Choices[0].Message.Content
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("wait", wait).Msg("vision request failed, retrying")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return "", err
	}
	return result, nil
}

func (c *Client) send(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://github.com/drawlens/drawdiff")
	req.Header.Set("X-Title", "DrawDiff Revision Comparator")
	return c.httpClient.Do(req)
}

// stripCodeFences removes markdown code fences some models wrap JSON in.
func stripCodeFences(content string) []byte {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	// Trim any leading prose before the first brace.
	if start := strings.Index(s, "{"); start > 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			s = s[start : end+1]
		}
	}
	return []byte(s)
}
