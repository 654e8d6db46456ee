// Package extract rasterizes source PDF documents into per-page PNG images.
package extract

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

// Extractor turns an uploaded document into page images.
type Extractor interface {
	// PageCount returns the number of pages in the document.
	PageCount(ctx context.Context, doc []byte) (int, error)
	// RenderPage rasterizes a single zero-based page to PNG at the given DPI.
	RenderPage(ctx context.Context, doc []byte, page int, dpi int) ([]byte, error)
}

// PDFExtractor rasterizes PDFs with MuPDF.
type PDFExtractor struct{}

// NewPDFExtractor creates a PDF extractor.
func NewPDFExtractor() *PDFExtractor {
	return &PDFExtractor{}
}

// PageCount returns the number of pages in the PDF.
func (e *PDFExtractor) PageCount(ctx context.Context, doc []byte) (int, error) {
	f, err := fitz.NewFromMemory(doc)
	if err != nil {
		return 0, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return f.NumPage(), nil
}

// RenderPage rasterizes one page to PNG.
func (e *PDFExtractor) RenderPage(ctx context.Context, doc []byte, page int, dpi int) ([]byte, error) {
	f, err := fitz.NewFromMemory(doc)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	if page < 0 || page >= f.NumPage() {
		return nil, fmt.Errorf("page %d out of range (document has %d pages)", page, f.NumPage())
	}

	img, err := f.ImageDPI(page, float64(dpi))
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", page, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page %d: %w", page, err)
	}
	return buf.Bytes(), nil
}
