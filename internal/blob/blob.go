// Package blob provides artifact storage for rasterized pages, OCR output,
// and diff overlays.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the artifact storage abstraction. Keys are opaque strings built by
// the key helpers below; callers persist returned keys as references.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Sides of a comparison.
const (
	SideBaseline = "baseline"
	SideRevised  = "revised"
)

// Common content types.
const (
	ContentTypePNG  = "image/png"
	ContentTypeJSON = "application/json"
	ContentTypePDF  = "application/pdf"
)

// DocumentKey is the key for an uploaded source document.
func DocumentKey(jobID uuid.UUID, side string) string {
	return fmt.Sprintf("jobs/%s/source/%s.pdf", jobID, side)
}

// PageKey is the key for a rasterized page image.
func PageKey(jobID uuid.UUID, page int, side string) string {
	return fmt.Sprintf("jobs/%s/pages/%03d/%s.png", jobID, page, side)
}

// OCRArtifactKey is the key for a page's extracted text artifact.
func OCRArtifactKey(jobID uuid.UUID, page int) string {
	return fmt.Sprintf("jobs/%s/ocr/%03d.json", jobID, page)
}

// OverlayKey is the key for a page's diff overlay image.
func OverlayKey(jobID uuid.UUID, page int) string {
	return fmt.Sprintf("jobs/%s/overlays/%03d.png", jobID, page)
}
