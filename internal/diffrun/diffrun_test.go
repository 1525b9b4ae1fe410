package diffrun

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderproof/renderproof/internal/convert"
	"github.com/renderproof/renderproof/internal/corpus"
	"github.com/renderproof/renderproof/internal/identity"
	"github.com/renderproof/renderproof/internal/ledger"
	"github.com/renderproof/renderproof/internal/model"
	"github.com/renderproof/renderproof/internal/runcache"
)

func writePage(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New("", nil)
	require.NoError(t, err)
	return l
}

func TestCentralizedRunCollectsMetrics(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	src := filepath.Join(srcDir, "A.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf-bytes"), 0o644))

	layout := convert.Layout{
		Mode:       convert.ModeCentralized,
		SrcRoot:    srcDir,
		OutDir:     outDir,
		RefVersion: "11_2",
		TarVersion: "11_3",
	}
	resolver := identity.NewResolver(nil, nil)
	id, err := resolver.Identity(context.Background(), src)
	require.NoError(t, err)

	refDir := layout.RefDir(id, src)
	tarDir := layout.TarDir(id, src)
	writePage(t, filepath.Join(refDir, "A_1.png"), color.White)
	writePage(t, filepath.Join(tarDir, "A_1.png"), color.White)
	writePage(t, filepath.Join(refDir, "A_2.png"), color.White)
	writePage(t, filepath.Join(tarDir, "A_2.png"), color.Black)

	led := newTestLedger(t)
	snap := runcache.New("run-1")
	o := NewOrchestrator(layout, resolver, led, 2, DefaultMaxPages, nil)

	pairs := 0
	o.OnProgress = func() { pairs++ }

	files := []corpus.File{{Path: src, Ext: ".pdf"}}
	require.NoError(t, o.Run(context.Background(), files, snap))

	assert.Equal(t, 2, pairs)
	require.Len(t, snap.DiffMetricsRefMap, 2)
	require.Len(t, snap.DiffMetricsTarMap, 2)

	m1 := snap.DiffMetricsRefMap[filepath.Join(refDir, "A_1.png")]
	require.NotNil(t, m1)
	assert.Equal(t, 0.0, m1.DiffPercentage)
	assert.Equal(t, id, m1.Hash)
	assert.Equal(t, "11_2", m1.RefVersion)
	assert.Equal(t, "11_3", m1.TarVersion)
	assert.Equal(t, "A.pdf", m1.DocumentName)

	m2 := snap.DiffMetricsTarMap[filepath.Join(tarDir, "A_2.png")]
	require.NotNil(t, m2)
	assert.Equal(t, 100.0, m2.DiffPercentage)
	assert.Equal(t, 2, m2.PageNum)

	diffPath := snap.RefOutDiffMap[filepath.Join(refDir, "A_2.png")]
	assert.Equal(t, filepath.Join(layout.DiffDir(id, src), "A_2.png"), diffPath)
	assert.FileExists(t, diffPath)
	assert.Equal(t, diffPath, snap.TarOutDiffMap[filepath.Join(tarDir, "A_2.png")])

	assert.Empty(t, led.MissingOutputs())
}

func TestMissingTargetPageRecorded(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	src := filepath.Join(srcDir, "B.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf-bytes"), 0o644))

	layout := convert.Layout{
		Mode:       convert.ModeCentralized,
		SrcRoot:    srcDir,
		OutDir:     outDir,
		RefVersion: "11_2",
		TarVersion: "11_3",
	}
	resolver := identity.NewResolver(nil, nil)
	id, err := resolver.Identity(context.Background(), src)
	require.NoError(t, err)

	refDir := layout.RefDir(id, src)
	tarDir := layout.TarDir(id, src)
	writePage(t, filepath.Join(refDir, "B_1.png"), color.White)
	writePage(t, filepath.Join(refDir, "B_2.png"), color.White)
	writePage(t, filepath.Join(tarDir, "B_1.png"), color.White)

	led := newTestLedger(t)
	snap := runcache.New("run-2")
	o := NewOrchestrator(layout, resolver, led, 1, DefaultMaxPages, nil)

	files := []corpus.File{{Path: src, Ext: ".pdf"}}
	require.NoError(t, o.Run(context.Background(), files, snap))

	// Page 1 diffed, page 2 recorded as missing. No metric fabricated.
	assert.Len(t, snap.DiffMetricsRefMap, 1)
	missing := led.MissingOutputs()
	require.Len(t, missing, 1)
	assert.Equal(t, filepath.Join(tarDir, "B_2.png"), missing[0].Path)
	assert.Equal(t, model.SideTar, missing[0].Side)
}

func TestTargetPageVanishingBeforeDiffRecorded(t *testing.T) {
	dir := t.TempDir()
	refPath := filepath.Join(dir, "F_1.png")
	writePage(t, refPath, color.White)

	layout := convert.Layout{
		Mode:       convert.ModeCentralized,
		RefVersion: "11_2",
		TarVersion: "11_3",
	}
	led := newTestLedger(t)
	o := NewOrchestrator(layout, identity.NewResolver(nil, nil), led, 1, DefaultMaxPages, nil)

	// The pair was matched during the scan, then the target page
	// disappeared before the worker picked it up.
	job := pairJob{
		hash:    "h1",
		docName: "F.pdf",
		pageNum: 1,
		refPath: refPath,
		tarPath: filepath.Join(dir, "gone", "F_1.png"),
		diffDir: t.TempDir(),
	}
	results := make(chan pairResult, 1)
	o.diffOne(job, results)
	close(results)

	_, ok := <-results
	assert.False(t, ok, "no metric fabricated for a vanished page")

	missing := led.MissingOutputs()
	require.Len(t, missing, 1)
	assert.Equal(t, job.tarPath, missing[0].Path)
	assert.Equal(t, model.SideTar, missing[0].Side)
}

func TestMaxPagesBoundsPairs(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	src := filepath.Join(srcDir, "C.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf-bytes"), 0o644))

	layout := convert.Layout{
		Mode:       convert.ModeCentralized,
		SrcRoot:    srcDir,
		OutDir:     outDir,
		RefVersion: "11_2",
		TarVersion: "11_3",
	}
	resolver := identity.NewResolver(nil, nil)
	id, err := resolver.Identity(context.Background(), src)
	require.NoError(t, err)

	for n := 1; n <= 5; n++ {
		name := convert.PageFileName("C.pdf", n, 5)
		writePage(t, filepath.Join(layout.RefDir(id, src), name), color.White)
		writePage(t, filepath.Join(layout.TarDir(id, src), name), color.White)
	}

	led := newTestLedger(t)
	snap := runcache.New("run-3")
	o := NewOrchestrator(layout, resolver, led, 2, 3, nil)

	files := []corpus.File{{Path: src, Ext: ".pdf"}}
	require.NoError(t, o.Run(context.Background(), files, snap))

	assert.Len(t, snap.DiffMetricsRefMap, 3)
	for _, n := range []int{1, 2, 3} {
		name := convert.PageFileName("C.pdf", n, 5)
		assert.Contains(t, snap.DiffMetricsRefMap, filepath.Join(layout.RefDir(id, src), name))
	}
	assert.Empty(t, led.MissingOutputs())
}

func TestMissingReferenceOutputSkipsDocument(t *testing.T) {
	srcDir := t.TempDir()
	outDir := t.TempDir()
	src := filepath.Join(srcDir, "D.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf-bytes"), 0o644))

	layout := convert.Layout{
		Mode:       convert.ModeCentralized,
		SrcRoot:    srcDir,
		OutDir:     outDir,
		RefVersion: "11_2",
		TarVersion: "11_3",
	}
	led := newTestLedger(t)
	snap := runcache.New("run-4")
	o := NewOrchestrator(layout, identity.NewResolver(nil, nil), led, 1, DefaultMaxPages, nil)

	files := []corpus.File{{Path: src, Ext: ".pdf"}}
	require.NoError(t, o.Run(context.Background(), files, snap))

	assert.Empty(t, snap.DiffMetricsRefMap)
	missing := led.MissingOutputs()
	require.Len(t, missing, 1)
	assert.Equal(t, src, missing[0].Path)
	assert.Equal(t, model.SideRef, missing[0].Side)
}

func TestFlatRunPairsByRelativePath(t *testing.T) {
	srcDir := t.TempDir()
	refOut := t.TempDir()
	tarOut := t.TempDir()
	diffOut := t.TempDir()

	layout := convert.Layout{
		Mode:    convert.ModeFlat,
		SrcRoot: srcDir,
		RefOut:  refOut,
		TarOut:  tarOut,
		DiffOut: diffOut,
	}

	writePage(t, filepath.Join(refOut, "sub", "E.png"), color.White)
	writePage(t, filepath.Join(tarOut, "sub", "E.png"), color.Black)
	writePage(t, filepath.Join(refOut, "orphan.png"), color.White)

	led := newTestLedger(t)
	snap := runcache.New("run-5")
	o := NewOrchestrator(layout, identity.NewResolver(nil, nil), led, 2, DefaultMaxPages, nil)

	require.NoError(t, o.Run(context.Background(), nil, snap))

	refPage := filepath.Join(refOut, "sub", "E.png")
	m := snap.DiffMetricsRefMap[refPage]
	require.NotNil(t, m)
	assert.Equal(t, 100.0, m.DiffPercentage)
	assert.FileExists(t, filepath.Join(diffOut, "sub", "E.png"))

	missing := led.MissingOutputs()
	require.Len(t, missing, 1)
	assert.Equal(t, filepath.Join(tarOut, "orphan.png"), missing[0].Path)
}
