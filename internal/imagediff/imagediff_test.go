package imagediff

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestDifferenceIdentical(t *testing.T) {
	a := solidImage(10, 10, color.NRGBA{R: 120, G: 30, B: 200, A: 255})
	b := solidImage(10, 10, color.NRGBA{R: 120, G: 30, B: 200, A: 255})

	diff, err := Difference(a, b)
	require.NoError(t, err)

	assert.Equal(t, 0.0, Percentage(diff))
	_, ok := BoundingBox(diff)
	assert.False(t, ok)
}

func TestDifferenceDimensionMismatch(t *testing.T) {
	a := solidImage(10, 10, color.NRGBA{A: 255})
	b := solidImage(10, 12, color.NRGBA{A: 255})

	_, err := Difference(a, b)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPercentageQuarter(t *testing.T) {
	a := solidImage(10, 10, color.NRGBA{A: 255})
	b := solidImage(10, 10, color.NRGBA{A: 255})
	// Change a 5x5 corner: 25 of 100 pixels differ.
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			b.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}

	diff, err := Difference(a, b)
	require.NoError(t, err)

	assert.InDelta(t, 25.0, Percentage(diff), 1e-9)

	box, ok := BoundingBox(diff)
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 5, 5), box)
}

func TestPercentageZeroArea(t *testing.T) {
	diff := image.NewNRGBA(image.Rect(0, 0, 0, 0))
	assert.Equal(t, 0.0, Percentage(diff))
}

func TestPercentageBounds(t *testing.T) {
	a := solidImage(4, 4, color.NRGBA{A: 255})
	b := solidImage(4, 4, color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	diff, err := Difference(a, b)
	require.NoError(t, err)
	assert.Equal(t, 100.0, Percentage(diff))
}

func TestCompareWritesArtifacts(t *testing.T) {
	dir := t.TempDir()
	refPath := filepath.Join(dir, "A_1.png")
	tarPath := filepath.Join(dir, "tar_A_1.png")
	outDir := filepath.Join(dir, "diff")
	require.NoError(t, os.MkdirAll(outDir, 0o755))

	ref := solidImage(20, 20, color.NRGBA{A: 255})
	tar := solidImage(20, 20, color.NRGBA{A: 255})
	tar.SetNRGBA(3, 3, color.NRGBA{R: 255, A: 255})
	writePNG(t, refPath, ref)
	writePNG(t, tarPath, tar)

	res, err := Compare(refPath, tarPath, outDir)
	require.NoError(t, err)

	assert.InDelta(t, 0.25, res.DiffPercentage, 1e-9)
	assert.Equal(t, image.Rect(3, 3, 4, 4), res.BBox)

	// Diff image is named after the reference page.
	assert.Equal(t, filepath.Join(outDir, "A_1.png"), res.DiffImagePath)
	assert.FileExists(t, res.DiffImagePath)
	assert.FileExists(t, res.ThumbnailPath)
}

func TestCompareSelfIsZero(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "A.png")
	writePNG(t, p, solidImage(8, 8, color.NRGBA{R: 9, G: 9, B: 9, A: 255}))

	res, err := Compare(p, p, dir)
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.DiffPercentage)
}
