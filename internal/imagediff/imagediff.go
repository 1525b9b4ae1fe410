// Package imagediff computes per-pixel differences between two rendered
// page images: a visual diff image highlighting changed pixels and a
// scalar diff percentage in [0, 100].
package imagediff

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"
)

// ErrDimensionMismatch marks a page pair whose raster sizes differ; no
// pixel-wise comparison is possible.
var ErrDimensionMismatch = errors.New("image dimensions differ")

const thumbnailMaxDim = 256

// Result is the outcome of one page-pair comparison.
type Result struct {
	// DiffPercentage is the share of pixels with any non-zero channel
	// delta, in [0, 100]. Identical images yield 0.
	DiffPercentage float64
	// DiffImagePath is where the visual diff image was written.
	DiffImagePath string
	// ThumbnailPath is a scaled-down copy of the diff image for reports.
	ThumbnailPath string
	// BBox is the bounding box of differing pixels; the zero rectangle
	// when the images are identical.
	BBox image.Rectangle
}

// Compare diffs the reference page against the target page and writes
// the diff image (named after the reference page) plus a thumbnail into
// outDir.
func Compare(refPath, tarPath, outDir string) (*Result, error) {
	ref, err := loadImage(refPath)
	if err != nil {
		return nil, fmt.Errorf("load reference page: %w", err)
	}
	tar, err := loadImage(tarPath)
	if err != nil {
		return nil, fmt.Errorf("load target page: %w", err)
	}

	diff, err := Difference(ref, tar)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	res.BBox, _ = BoundingBox(diff)
	res.DiffPercentage = Percentage(diff)

	name := filepath.Base(refPath)
	res.DiffImagePath = filepath.Join(outDir, name)
	if err := savePNG(res.DiffImagePath, diff); err != nil {
		return nil, err
	}

	thumb := resize.Thumbnail(thumbnailMaxDim, thumbnailMaxDim, diff, resize.Lanczos3)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	res.ThumbnailPath = filepath.Join(outDir, base+"_thumb.png")
	if err := savePNG(res.ThumbnailPath, thumb); err != nil {
		return nil, err
	}

	return res, nil
}

// Difference returns the absolute per-channel color difference of two
// equally sized images.
func Difference(a, b image.Image) (*image.NRGBA, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d",
			ErrDimensionMismatch, ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}

	out := image.NewNRGBA(image.Rect(0, 0, ab.Dx(), ab.Dy()))
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			ar, ag, abl, _ := a.At(ab.Min.X+x, ab.Min.Y+y).RGBA()
			br, bg, bbl, _ := b.At(bb.Min.X+x, bb.Min.Y+y).RGBA()
			out.SetNRGBA(x, y, color.NRGBA{
				R: absDelta(ar, br),
				G: absDelta(ag, bg),
				B: absDelta(abl, bbl),
				A: 255,
			})
		}
	}
	return out, nil
}

// BoundingBox returns the smallest rectangle containing every pixel of
// diff with a non-zero color channel. ok is false when the diff is empty
// (identical images).
func BoundingBox(diff *image.NRGBA) (box image.Rectangle, ok bool) {
	b := diff.Bounds()
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if !pixelDiffers(diff, x, y) {
				continue
			}
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
		}
	}

	if maxX < minX {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// Percentage counts differing pixels inside the bounding box and divides
// by the total pixel count of the uncropped diff image. A zero-area
// image yields 0 rather than dividing by zero.
func Percentage(diff *image.NRGBA) float64 {
	total := float64(diff.Bounds().Dx()) * float64(diff.Bounds().Dy())
	if total == 0 {
		return 0
	}

	box, ok := BoundingBox(diff)
	if !ok {
		return 0
	}

	count := 0.0
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			if pixelDiffers(diff, x, y) {
				count++
			}
		}
	}
	return count * 100 / total
}

func pixelDiffers(diff *image.NRGBA, x, y int) bool {
	c := diff.NRGBAAt(x, y)
	return c.R != 0 || c.G != 0 || c.B != 0
}

func absDelta(a, b uint32) uint8 {
	if a > b {
		return uint8((a - b) >> 8)
	}
	return uint8((b - a) >> 8)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return nil
}
