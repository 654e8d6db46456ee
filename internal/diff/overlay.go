package diff

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

// Overlay colors: additions green, removals red, modified regions amber.
var (
	colorAdded    = color.RGBA{R: 0x1d, G: 0x9a, B: 0x3f, A: 0xff}
	colorRemoved  = color.RGBA{R: 0xd1, G: 0x2d, B: 0x2d, A: 0xff}
	colorModified = color.RGBA{R: 0xe0, G: 0x9f, B: 0x1f, A: 0xff}
)

const overlayFrameWidth = 3

// RenderOverlay draws the baseline page faded to light gray with each change
// region framed in its class color, and returns the encoded PNG.
func RenderOverlay(baseline *image.Gray, report *Report) ([]byte, error) {
	b := baseline.Bounds()
	canvas := image.NewRGBA(b)

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			// Fade toward white so the overlay frames stand out.
			v := baseline.GrayAt(x, y).Y
			faded := uint8(uint16(v)/2 + 128)
			canvas.SetRGBA(x, y, color.RGBA{R: faded, G: faded, B: faded, A: 0xff})
		}
	}

	for _, region := range report.Regions {
		frame := image.Rect(
			b.Min.X+region.X, b.Min.Y+region.Y,
			b.Min.X+region.X+region.Width, b.Min.Y+region.Y+region.Height,
		).Inset(-overlayFrameWidth).Intersect(b)
		drawFrame(canvas, frame, regionColor(region.Kind))
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func regionColor(kind RegionKind) color.RGBA {
	switch kind {
	case RegionAdded:
		return colorAdded
	case RegionRemoved:
		return colorRemoved
	default:
		return colorModified
	}
}

func drawFrame(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	if r.Empty() {
		return
	}
	src := &image.Uniform{C: c}
	top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+overlayFrameWidth)
	bottom := image.Rect(r.Min.X, r.Max.Y-overlayFrameWidth, r.Max.X, r.Max.Y)
	left := image.Rect(r.Min.X, r.Min.Y, r.Min.X+overlayFrameWidth, r.Max.Y)
	right := image.Rect(r.Max.X-overlayFrameWidth, r.Min.Y, r.Max.X, r.Max.Y)
	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(dst, edge.Intersect(dst.Bounds()), src, image.Point{}, draw.Src)
	}
}
