package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/time/rate"

	"github.com/renderproof/renderproof/internal/model"
	"github.com/renderproof/renderproof/pkg/logger"
)

// DocumentArtifacts bundles one assembled document with the on-disk
// diff images produced for it, for optional mirroring.
type DocumentArtifacts struct {
	Doc        *model.Document
	DiffImages []string
}

// Report summarizes one persist phase. It is written alongside the run
// outputs so a later inspection can tell what reached the store.
type Report struct {
	RunID      string `json:"run_id"`
	RefVersion string `json:"ref_version"`
	TarVersion string `json:"tar_version"`

	// Persisted lists the hashes of documents fully written.
	Persisted []string `json:"persisted"`
	// PagesSkipped lists documents whose reference run already existed,
	// so their page payloads were not re-uploaded.
	PagesSkipped []string `json:"pages_skipped"`
	// Failed maps a document hash to the error that stopped it.
	Failed map[string]string `json:"failed"`
}

// Write writes the report as indented JSON.
func (r *Report) Write(path string) error {
	sort.Strings(r.Persisted)
	sort.Strings(r.PagesSkipped)
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode persist report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write persist report: %w", err)
	}
	return nil
}

// Persister writes assembled documents to the store, child entities
// first, so an interrupted run never leaves a reference pointing at
// absent pages or metrics.
type Persister struct {
	store   Store
	mirror  *Mirror
	limiter *rate.Limiter
	log     *logger.Logger

	// OnProgress, when set, is called once per document attempted.
	OnProgress func()
}

// NewPersister creates a persister. mirror may be nil. ratePerSecond
// throttles store writes per document; 0 disables throttling.
func NewPersister(s Store, mirror *Mirror, ratePerSecond float64, log *logger.Logger) *Persister {
	if log == nil {
		log = logger.Default()
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &Persister{
		store:   s,
		mirror:  mirror,
		limiter: limiter,
		log:     log.WithComponent("persister"),
	}
}

// Persist writes every document's entity graph for the given version
// pair. A failed document is recorded in the report and does not stop
// the batch.
func (p *Persister) Persist(ctx context.Context, runID string, items []DocumentArtifacts, refVersion, tarVersion string) (*Report, error) {
	report := &Report{
		RunID:      runID,
		RefVersion: refVersion,
		TarVersion: tarVersion,
		Failed:     make(map[string]string),
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return report, err
			}
		}

		skippedPages, err := p.persistOne(ctx, item, refVersion)
		if p.OnProgress != nil {
			p.OnProgress()
		}
		if err != nil {
			p.log.WithError(err).Error("document persist failed", "hash", item.Doc.Hash)
			report.Failed[item.Doc.Hash] = err.Error()
			continue
		}
		report.Persisted = append(report.Persisted, item.Doc.Hash)
		if skippedPages {
			report.PagesSkipped = append(report.PagesSkipped, item.Doc.Hash)
		}
	}
	return report, nil
}

func (p *Persister) persistOne(ctx context.Context, item DocumentArtifacts, refVersion string) (skippedPages bool, err error) {
	doc := item.Doc
	ref := doc.References[refVersion]
	if ref == nil {
		return false, fmt.Errorf("document %s has no reference run for %s", doc.Hash, refVersion)
	}

	// A stored reference run is immutable; its page payloads are never
	// re-uploaded.
	_, err = p.store.FindReference(ctx, ref.Hash, ref.Version)
	switch {
	case err == nil:
		skippedPages = true
	case errors.Is(err, ErrNotFound):
		for _, n := range ref.PageNumbers() {
			page := ref.Pages[n]
			if page.Binary == nil && page.Path != "" {
				page.Binary, err = os.ReadFile(page.Path)
				if err != nil {
					return false, fmt.Errorf("read page %d: %w", n, err)
				}
			}
			if err := p.store.UpsertPage(ctx, page); err != nil {
				return false, err
			}
			page.Binary = nil
		}
	default:
		return false, err
	}

	for _, diff := range ref.Diffs {
		for _, metric := range diff.Metrics {
			if err := p.store.UpsertMetric(ctx, metric); err != nil {
				return skippedPages, err
			}
		}
		if err := p.store.UpsertDifference(ctx, diff); err != nil {
			return skippedPages, err
		}
	}

	if err := p.store.UpsertReference(ctx, ref); err != nil {
		return skippedPages, err
	}
	if err := p.store.UpsertDocument(ctx, doc); err != nil {
		return skippedPages, err
	}

	p.mirrorArtifacts(ctx, item, ref, skippedPages)
	return skippedPages, nil
}

// mirrorArtifacts uploads page and diff images. Mirroring is best
// effort; failures are logged but never fail the document.
func (p *Persister) mirrorArtifacts(ctx context.Context, item DocumentArtifacts, ref *model.Reference, skippedPages bool) {
	if p.mirror == nil {
		return
	}
	if !skippedPages {
		for _, n := range ref.PageNumbers() {
			page := ref.Pages[n]
			if page.Path == "" {
				continue
			}
			remote := BuildPagePath(ref.Hash, ref.Version, n)
			if _, err := p.mirror.UploadFile(ctx, page.Path, remote); err != nil {
				p.log.WithError(err).Warn("page mirror failed", "path", page.Path)
			}
		}
	}
	for _, diffPath := range item.DiffImages {
		for tarVersion := range ref.Diffs {
			remote := BuildDiffPath(ref.Hash, ref.Version, tarVersion, filepath.Base(diffPath))
			if _, err := p.mirror.UploadFile(ctx, diffPath, remote); err != nil {
				p.log.WithError(err).Warn("diff mirror failed", "path", diffPath)
			}
		}
	}
}
