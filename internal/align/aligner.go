// Package align estimates and applies the geometric transform that registers
// a revised page image onto its baseline counterpart.
package align

import (
	"image"
	"math"
)

// Transform is an affine map from revised coordinates to baseline
// coordinates:
//
//	x' = A*x + B*y + C
//	y' = D*x + E*y + F
type Transform struct {
	A, B, C float64
	D, E, F float64
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{A: 1, E: 1}
}

// Translation returns a pure translation transform.
func Translation(dx, dy float64) Transform {
	t := Identity()
	t.C = dx
	t.F = dy
	return t
}

// Apply maps a point through the transform.
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.B*y + t.C, t.D*x + t.E*y + t.F
}

// Result carries the estimated transform and its confidence score in [0,1].
// Scores near zero mean the pages could not be registered and downstream
// consumers should flag the comparison as low confidence.
type Result struct {
	Transform Transform
	Score     float64
}

// Aligner estimates page registration.
type Aligner struct {
	// SearchRadius bounds the translation search in downsampled pixels.
	SearchRadius int
	// Downsample is the decimation factor applied before searching.
	Downsample int
}

// NewAligner returns an aligner with defaults tuned for 150 DPI scans of
// ANSI D / ARCH D sheets.
func NewAligner() *Aligner {
	return &Aligner{SearchRadius: 24, Downsample: 8}
}

// Align estimates the transform mapping revised onto baseline. The current
// estimator handles translation, which covers scanner feed drift and print
// margin shifts; rotation below ~1 degree shows up as score degradation
// rather than misregistration.
func (a *Aligner) Align(baseline, revised *image.Gray) Result {
	if baseline == nil || revised == nil {
		return Result{Transform: Identity(), Score: 0}
	}

	bs := downsample(baseline, a.Downsample)
	rs := downsample(revised, a.Downsample)

	bestDx, bestDy := 0, 0
	bestScore := -2.0
	for dy := -a.SearchRadius; dy <= a.SearchRadius; dy++ {
		for dx := -a.SearchRadius; dx <= a.SearchRadius; dx++ {
			score := ncc(bs, rs, dx, dy)
			if score > bestScore {
				bestScore = score
				bestDx, bestDy = dx, dy
			}
		}
	}

	if bestScore <= -2.0 {
		return Result{Transform: Identity(), Score: 0}
	}

	scale := float64(a.Downsample)
	return Result{
		Transform: Translation(float64(bestDx)*scale, float64(bestDy)*scale),
		// NCC lands in [-1,1]; remap to [0,1] for the confidence score.
		Score: (bestScore + 1) / 2,
	}
}

// Warp resamples src through the inverse of t into a new image matching the
// given bounds. Pixels mapping outside src are filled white, matching blank
// paper.
func Warp(src *image.Gray, t Transform, bounds image.Rectangle) *image.Gray {
	inv, ok := t.invert()
	if !ok {
		inv = Identity()
	}

	dst := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			sx, sy := inv.Apply(float64(x), float64(y))
			ix, iy := int(math.Round(sx)), int(math.Round(sy))
			if image.Pt(ix, iy).In(src.Bounds()) {
				dst.SetGray(x, y, src.GrayAt(ix, iy))
			} else {
				dst.Pix[dst.PixOffset(x, y)] = 0xff
			}
		}
	}
	return dst
}

func (t Transform) invert() (Transform, bool) {
	det := t.A*t.E - t.B*t.D
	if math.Abs(det) < 1e-12 {
		return Transform{}, false
	}
	ia := t.E / det
	ib := -t.B / det
	id := -t.D / det
	ie := t.A / det
	return Transform{
		A: ia, B: ib, C: -(ia*t.C + ib*t.F),
		D: id, E: ie, F: -(id*t.C + ie*t.F),
	}, true
}

// downsample decimates by averaging factor x factor blocks.
func downsample(img *image.Gray, factor int) *image.Gray {
	if factor <= 1 {
		return img
	}
	b := img.Bounds()
	w := b.Dx() / factor
	h := b.Dy() / factor
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n int
			for by := 0; by < factor; by++ {
				for bx := 0; bx < factor; bx++ {
					px := b.Min.X + x*factor + bx
					py := b.Min.Y + y*factor + by
					if px < b.Max.X && py < b.Max.Y {
						sum += int(img.GrayAt(px, py).Y)
						n++
					}
				}
			}
			if n > 0 {
				out.Pix[out.PixOffset(x, y)] = uint8(sum / n)
			}
		}
	}
	return out
}

// ncc computes normalized cross-correlation over the overlap of a and b when
// b is shifted by (dx, dy). Returns -2 when the overlap is degenerate.
func ncc(a, b *image.Gray, dx, dy int) float64 {
	ab := a.Bounds()
	bb := b.Bounds()

	x0 := maxInt(ab.Min.X, bb.Min.X+dx)
	x1 := minInt(ab.Max.X, bb.Max.X+dx)
	y0 := maxInt(ab.Min.Y, bb.Min.Y+dy)
	y1 := minInt(ab.Max.Y, bb.Max.Y+dy)
	if x1-x0 < 4 || y1-y0 < 4 {
		return -2
	}

	var sumA, sumB float64
	n := float64((x1 - x0) * (y1 - y0))
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sumA += float64(a.GrayAt(x, y).Y)
			sumB += float64(b.GrayAt(x-dx, y-dy).Y)
		}
	}
	meanA := sumA / n
	meanB := sumB / n

	var num, varA, varB float64
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			da := float64(a.GrayAt(x, y).Y) - meanA
			db := float64(b.GrayAt(x-dx, y-dy).Y) - meanB
			num += da * db
			varA += da * da
			varB += db * db
		}
	}
	if varA < 1e-9 || varB < 1e-9 {
		// Flat images correlate perfectly when their means agree.
		if math.Abs(meanA-meanB) < 1 {
			return 1
		}
		return 0
	}
	return num / math.Sqrt(varA*varB)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
