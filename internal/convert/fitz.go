package convert

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/gen2brain/go-fitz"
)

// mupdfVersion is the version of the MuPDF build bundled with go-fitz;
// the library does not expose it at runtime.
const mupdfVersion = "1.24.10"

// FitzConverter renders documents in-process through MuPDF instead of
// spawning an external binary. It produces the same name.png /
// name_<N>.png output layout as the binary converters.
type FitzConverter struct {
	DPI int
}

// NewFitzConverter creates an in-process renderer at the given DPI.
func NewFitzConverter(dpi int) *FitzConverter {
	if dpi <= 0 {
		dpi = 92
	}
	return &FitzConverter{DPI: dpi}
}

// Type identifies the in-process engine.
func (f *FitzConverter) Type() string { return "sdk" }

// Version reports the bundled MuPDF version.
func (f *FitzConverter) Version(ctx context.Context) (string, error) {
	return mupdfVersion, nil
}

// Convert renders every page of inputPath as a PNG into outDir.
func (f *FitzConverter) Convert(ctx context.Context, inputPath, outDir string) (*Status, error) {
	doc, err := fitz.New(inputPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", inputPath, err)
	}
	defer doc.Close()

	total := doc.NumPage()
	docName := filepath.Base(inputPath)

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := doc.ImageDPI(i, float64(f.DPI))
		if err != nil {
			return nil, fmt.Errorf("render page %d of %s: %w", i+1, inputPath, err)
		}

		outPath := filepath.Join(outDir, PageFileName(docName, i+1, total))
		if err := writePNG(outPath, img); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func writePNG(path string, img image.Image) error {
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
