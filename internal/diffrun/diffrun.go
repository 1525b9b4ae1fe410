// Package diffrun matches reference and target page images by page
// number, runs the image diff engine over each pair concurrently, and
// collects per-page metrics into the run snapshot.
package diffrun

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/renderproof/renderproof/internal/convert"
	"github.com/renderproof/renderproof/internal/corpus"
	"github.com/renderproof/renderproof/internal/identity"
	"github.com/renderproof/renderproof/internal/imagediff"
	"github.com/renderproof/renderproof/internal/ledger"
	"github.com/renderproof/renderproof/internal/model"
	"github.com/renderproof/renderproof/internal/runcache"
	"github.com/renderproof/renderproof/pkg/logger"
)

// DefaultMaxPages bounds the number of page pairs diffed per document.
const DefaultMaxPages = 10

// pairJob is one page pair submitted to the diff workers.
type pairJob struct {
	hash    string
	docName string
	pageNum int
	refPath string
	tarPath string
	diffDir string
}

// pairResult is the outcome delivered to the collector.
type pairResult struct {
	job    pairJob
	metric *model.DifferenceMetric
	diff   *imagediff.Result
}

// Orchestrator runs the diff phase. Workers diff independent page
// pairs; a single collector goroutine owns the result maps, so no two
// goroutines ever write shared state.
type Orchestrator struct {
	layout   convert.Layout
	resolver *identity.Resolver
	ledger   *ledger.Ledger
	workers  int
	maxPages int
	log      *logger.Logger

	// OnProgress, when set, is called once per diffed page pair.
	OnProgress func()
}

// NewOrchestrator creates a diff orchestrator.
func NewOrchestrator(layout convert.Layout, resolver *identity.Resolver, lg *ledger.Ledger, workers, maxPages int, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if workers < 1 {
		workers = 1
	}
	if maxPages < 1 {
		maxPages = DefaultMaxPages
	}
	return &Orchestrator{
		layout:   layout,
		resolver: resolver,
		ledger:   lg,
		workers:  workers,
		maxPages: maxPages,
		log:      log.WithComponent("diffrun"),
	}
}

// Run diffs every matched page pair of the corpus and records metrics
// and diff-image paths into snap.
func (o *Orchestrator) Run(ctx context.Context, files []corpus.File, snap *runcache.Snapshot) error {
	var jobs []pairJob
	if o.layout.Mode == convert.ModeCentralized {
		jobs = o.centralizedJobs(ctx, files)
	} else {
		var err error
		jobs, err = o.flatJobs()
		if err != nil {
			return err
		}
	}

	results := make(chan pairResult, o.workers)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for res := range results {
			snap.DiffMetricsRefMap[res.job.refPath] = res.metric
			snap.DiffMetricsTarMap[res.job.tarPath] = res.metric
			snap.RefOutDiffMap[res.job.refPath] = res.diff.DiffImagePath
			snap.TarOutDiffMap[res.job.tarPath] = res.diff.DiffImagePath
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			o.diffOne(job, results)
			if o.OnProgress != nil {
				o.OnProgress()
			}
			return nil
		})
	}

	err := g.Wait()
	close(results)
	<-done
	return err
}

// centralizedJobs pairs pages under the content-addressed layout.
func (o *Orchestrator) centralizedJobs(ctx context.Context, files []corpus.File) []pairJob {
	var jobs []pairJob
	for _, f := range files {
		id, err := o.resolver.Identity(ctx, f.Path)
		if err != nil {
			o.log.WithError(err).Warn("excluding unreadable source", "document", f.Path)
			continue
		}
		docName := filepath.Base(f.Path)

		refSet, err := convert.ScanPages(o.layout.RefDir(id, f.Path), docName)
		if err != nil {
			o.ledger.Missing(f.Path, model.SideRef)
			o.log.WithError(err).Warn("no reference output", "document", f.Path)
			continue
		}
		tarSet, err := convert.ScanPages(o.layout.TarDir(id, f.Path), docName)
		if err != nil {
			o.ledger.Missing(f.Path, model.SideTar)
			o.log.WithError(err).Warn("no target output", "document", f.Path)
			continue
		}

		diffDir := o.layout.DiffDir(id, f.Path)
		if err := convert.ClearDir(diffDir); err != nil {
			o.log.WithError(err).Error("failed to reset diff directory", "dir", diffDir)
			continue
		}

		count := 0
		for _, n := range sortedPages(refSet.Pages) {
			if n > o.maxPages || count == o.maxPages {
				break
			}
			refPath := refSet.Pages[n]
			tarPath, ok := tarSet.Pages[n]
			if !ok {
				// Unmatched reference page: the target build lost it.
				expected := filepath.Join(o.layout.TarDir(id, f.Path), filepath.Base(refPath))
				o.ledger.Missing(expected, model.SideTar)
				o.log.Warn("target page missing", "document", f.Path, "page", n)
				continue
			}
			jobs = append(jobs, pairJob{
				hash:    id,
				docName: docName,
				pageNum: n,
				refPath: refPath,
				tarPath: tarPath,
				diffDir: diffDir,
			})
			count++
		}
	}
	return jobs
}

// flatJobs pairs pages by mirrored relative path under the flat layout.
func (o *Orchestrator) flatJobs() ([]pairJob, error) {
	var jobs []pairJob
	err := filepath.WalkDir(o.layout.RefOut, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".png") {
			return nil
		}
		rel, err := filepath.Rel(o.layout.RefOut, path)
		if err != nil {
			return nil
		}
		tarPath := filepath.Join(o.layout.TarOut, rel)
		if _, err := os.Stat(tarPath); err != nil {
			o.ledger.Missing(tarPath, model.SideTar)
			return nil
		}

		diffDir := filepath.Join(o.layout.DiffOut, filepath.Dir(rel))
		if err := os.MkdirAll(diffDir, 0o755); err != nil {
			return err
		}
		jobs = append(jobs, pairJob{
			docName: filepath.Base(path),
			pageNum: 1,
			refPath: path,
			tarPath: tarPath,
			diffDir: diffDir,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// diffOne compares a single pair and reports to the collector. Failed
// comparisons record nothing; no metric is fabricated.
func (o *Orchestrator) diffOne(job pairJob, results chan<- pairResult) {
	res, err := imagediff.Compare(job.refPath, job.tarPath, job.diffDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			o.ledger.Missing(job.tarPath, model.SideTar)
		}
		o.log.WithError(err).Warn("page diff failed",
			"ref", job.refPath, "tar", job.tarPath)
		return
	}

	results <- pairResult{
		job: job,
		metric: &model.DifferenceMetric{
			Hash:           job.hash,
			RefVersion:     o.layout.RefVersion,
			TarVersion:     o.layout.TarVersion,
			PageNum:        job.pageNum,
			DocumentName:   job.docName,
			DiffPercentage: res.DiffPercentage,
		},
		diff: res,
	}
}

func sortedPages(pages map[int]string) []int {
	nums := make([]int, 0, len(pages))
	for n := range pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}
