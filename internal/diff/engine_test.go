package diff

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blankPage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func fillInk(img *image.Gray, x0, y0, x1, y1 int) {
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetGray(x, y, color.Gray{Y: 0})
		}
	}
}

func TestCompareIdenticalPages(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	page := blankPage(200, 200)
	fillInk(page, 40, 40, 120, 44)

	report := engine.Compare(page, page)
	assert.False(t, report.ChangesDetected)
	assert.Zero(t, report.ChangeCount)
	assert.Empty(t, report.Regions)
}

func TestCompareDetectsAddition(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	baseline := blankPage(200, 200)
	revised := blankPage(200, 200)
	fillInk(revised, 50, 50, 70, 70)

	report := engine.Compare(baseline, revised)
	require.True(t, report.ChangesDetected)
	require.Len(t, report.Regions, 1)

	region := report.Regions[0]
	assert.Equal(t, RegionAdded, region.Kind)
	assert.Equal(t, 50, region.X)
	assert.Equal(t, 50, region.Y)
	assert.Equal(t, 20, region.Width)
	assert.Equal(t, 20, region.Height)
	assert.Equal(t, 400, region.AddedPixels)
	assert.Zero(t, region.RemovedPixels)
}

func TestCompareDetectsRemoval(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	baseline := blankPage(200, 200)
	fillInk(baseline, 100, 100, 130, 110)
	revised := blankPage(200, 200)

	report := engine.Compare(baseline, revised)
	require.Len(t, report.Regions, 1)
	assert.Equal(t, RegionRemoved, report.Regions[0].Kind)
	assert.Equal(t, 300, report.RemovedPixels)
}

func TestCompareDetectsModification(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	// A shape shifted within MergeGap reads as one modified region.
	baseline := blankPage(200, 200)
	fillInk(baseline, 60, 60, 80, 62)
	revised := blankPage(200, 200)
	fillInk(revised, 60, 63, 80, 65)

	report := engine.Compare(baseline, revised)
	require.Len(t, report.Regions, 1)
	assert.Equal(t, RegionModified, report.Regions[0].Kind)
}

func TestCompareSeparatesDistantChanges(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	baseline := blankPage(300, 300)
	revised := blankPage(300, 300)
	fillInk(revised, 20, 20, 40, 40)
	fillInk(revised, 200, 200, 220, 220)

	report := engine.Compare(baseline, revised)
	assert.Equal(t, 2, report.ChangeCount)
}

func TestCompareSuppressesNoise(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	baseline := blankPage(200, 200)
	revised := blankPage(200, 200)
	// A 3x3 speck is below the 24 pixel floor.
	fillInk(revised, 10, 10, 13, 13)

	report := engine.Compare(baseline, revised)
	assert.False(t, report.ChangesDetected)
}

func TestCompareIsDeterministic(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	baseline := blankPage(250, 250)
	fillInk(baseline, 30, 30, 90, 35)
	revised := blankPage(250, 250)
	fillInk(revised, 30, 30, 90, 35)
	fillInk(revised, 150, 150, 180, 180)
	fillInk(revised, 40, 200, 45, 230)

	first := engine.Compare(baseline, revised)
	for i := 0; i < 5; i++ {
		again := engine.Compare(baseline, revised)
		assert.Equal(t, first, again)
	}
}

func TestCompareHandlesSmallerRevised(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	baseline := blankPage(200, 200)
	fillInk(baseline, 150, 150, 190, 190)
	// Revised page cropped shorter; missing area reads as blank paper.
	revised := blankPage(160, 160)

	report := engine.Compare(baseline, revised)
	require.Len(t, report.Regions, 1)
	assert.Equal(t, RegionRemoved, report.Regions[0].Kind)
}

func TestRenderOverlay(t *testing.T) {
	engine := NewEngine(200, 24, 3)

	baseline := blankPage(100, 100)
	revised := blankPage(100, 100)
	fillInk(revised, 30, 30, 60, 60)

	report := engine.Compare(baseline, revised)
	data, err := RenderOverlay(baseline, report)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	// PNG signature.
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data[:4])
}
