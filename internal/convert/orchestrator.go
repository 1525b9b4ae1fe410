package convert

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/renderproof/renderproof/internal/corpus"
	"github.com/renderproof/renderproof/internal/identity"
	"github.com/renderproof/renderproof/internal/ledger"
	"github.com/renderproof/renderproof/internal/model"
	"github.com/renderproof/renderproof/pkg/logger"
)

// Orchestrator converts a corpus with one converter build, one worker
// per document bounded by a pool. Reference and target batches are run
// as separate calls; their outputs live in disjoint directories.
type Orchestrator struct {
	layout   Layout
	ledger   *ledger.Ledger
	resolver *identity.Resolver
	workers  int
	log      *logger.Logger

	// OnProgress, when set, is called once per finished document.
	OnProgress func()
}

// NewOrchestrator creates a conversion orchestrator.
func NewOrchestrator(layout Layout, lg *ledger.Ledger, resolver *identity.Resolver, workers int, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		layout:   layout,
		ledger:   lg,
		resolver: resolver,
		workers:  workers,
		log:      log.WithComponent("convert"),
	}
}

// Run converts every file with conv for the given side. Per-document
// failures land in the ledger; only context cancellation aborts the
// batch.
func (o *Orchestrator) Run(ctx context.Context, files []corpus.File, conv Converter, side model.Side) error {
	if o.layout.Mode == ModeFlat {
		// Flat-mode documents from one source directory share a mirrored
		// output directory, so stale output is cleared once up front, never
		// per document while sibling workers are writing.
		if err := o.resetFlatDirs(files, side); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, f := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			o.convertOne(ctx, f, conv, side)
			if o.OnProgress != nil {
				o.OnProgress()
			}
			return nil
		})
	}
	return g.Wait()
}

// resetFlatDirs clears each distinct mirrored output directory exactly
// once before any worker starts.
func (o *Orchestrator) resetFlatDirs(files []corpus.File, side model.Side) error {
	seen := make(map[string]bool)
	for _, f := range files {
		dir := o.layout.SideDir(string(side), "", f.Path)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		if err := ClearDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) convertOne(ctx context.Context, f corpus.File, conv Converter, side model.Side) {
	log := o.log.WithFields(map[string]any{"document": f.Path, "side": string(side)})

	id := ""
	if o.layout.Mode == ModeCentralized {
		var err error
		id, err = o.resolver.Identity(ctx, f.Path)
		if err != nil {
			// Unreadable sources are excluded from the run, not fatal.
			log.WithError(err).Warn("excluding unreadable source")
			return
		}
	}

	outDir := o.layout.SideDir(string(side), id, f.Path)

	if side == model.SideRef && o.layout.Mode == ModeCentralized && DirNonEmpty(outDir) {
		// Reference output is immutable once produced.
		log.Debug("reference output exists, skipping conversion", "dir", outDir)
		return
	}

	if side == model.SideTar && o.layout.Mode == ModeCentralized {
		// The target side is the version under test: always regenerate.
		// The centralized target directory belongs to this document alone.
		if err := ClearDir(outDir); err != nil {
			log.WithError(err).Error("failed to reset target directory")
			o.ledger.Crash(f.Path, side)
			return
		}
	} else if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.WithError(err).Error("failed to create output directory")
		o.ledger.Crash(f.Path, side)
		return
	}

	status, err := conv.Convert(ctx, f.Path, outDir)
	if reason := status.FailureReason(); reason != "" {
		o.ledger.Exception(reason, f.Path, side)
		log.Warn("converter reported exception", "reason", reason)
		return
	}
	if err != nil {
		// A cancelled run kills the converter; that is an interrupt, not
		// a crash of the engine.
		if ctx.Err() != nil {
			return
		}
		o.ledger.Crash(f.Path, side)
		log.WithError(err).Warn("converter crashed")
		return
	}

	o.verifyOutputs(f, outDir, side, log)
}

// verifyOutputs checks the produced page set against the pre-scanned
// expected page count and records any absent pages.
func (o *Orchestrator) verifyOutputs(f corpus.File, outDir string, side model.Side, log *logger.Logger) {
	docName := filepath.Base(f.Path)
	set, err := ScanPages(outDir, docName)
	if err != nil {
		o.ledger.Missing(f.Path, side)
		log.WithError(err).Warn("output scan failed")
		return
	}
	if set.UnnumberedConflict != "" {
		log.Warn("unnumbered page output alongside numbered pages, ignored",
			"path", set.UnnumberedConflict)
	}

	if len(set.Pages) == 0 {
		o.ledger.Missing(f.Path, side)
		log.Warn("converter produced no pages")
		return
	}

	if f.ExpectedPages > 0 {
		for n := 1; n <= f.ExpectedPages; n++ {
			if _, ok := set.Pages[n]; !ok {
				missing := filepath.Join(outDir, PageFileName(docName, n, f.ExpectedPages))
				o.ledger.Missing(missing, side)
			}
		}
	}
}
