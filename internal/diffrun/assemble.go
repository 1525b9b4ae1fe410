package diffrun

import (
	"context"

	"github.com/renderproof/renderproof/internal/convert"
	"github.com/renderproof/renderproof/internal/corpus"
	"github.com/renderproof/renderproof/internal/identity"
	"github.com/renderproof/renderproof/internal/model"
	"github.com/renderproof/renderproof/internal/runcache"
	"github.com/renderproof/renderproof/internal/store"
)

// BuildDocuments assembles the persistable entity graph from the
// reference outputs on disk and the collected diff results. Documents
// without any reference output are omitted; the conversion phase has
// already recorded them as failures.
func BuildDocuments(ctx context.Context, files []corpus.File, layout convert.Layout, resolver *identity.Resolver, snap *runcache.Snapshot, runType string) ([]store.DocumentArtifacts, error) {
	var items []store.DocumentArtifacts
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := resolver.Identity(ctx, f.Path)
		if err != nil {
			continue
		}

		doc, err := model.NewDocument(id, f.Path, f.Tags)
		if err != nil {
			return nil, err
		}
		ref, err := model.NewReference(doc, layout.RefVersion, runType)
		if err != nil {
			return nil, err
		}

		refSet, err := convert.ScanPages(layout.RefDir(id, f.Path), doc.Name)
		if err != nil || len(refSet.Pages) == 0 {
			continue
		}

		diff, err := model.NewDifference(id, layout.TarVersion, doc.Name)
		if err != nil {
			return nil, err
		}

		var diffImages []string
		for n, pagePath := range refSet.Pages {
			page, err := model.NewPage(id, layout.RefVersion, doc.Name, pagePath, n)
			if err != nil {
				return nil, err
			}
			ref.Pages[n] = page

			if metric := snap.DiffMetricsRefMap[pagePath]; metric != nil {
				diff.Metrics[n] = metric
			}
			if diffPath := snap.RefOutDiffMap[pagePath]; diffPath != "" {
				diff.Pages[n] = diffPath
				diffImages = append(diffImages, diffPath)
			}
		}

		if len(diff.Metrics) > 0 {
			ref.Diffs[layout.TarVersion] = diff
		}
		doc.References[layout.RefVersion] = ref

		items = append(items, store.DocumentArtifacts{
			Doc:        doc,
			DiffImages: diffImages,
		})
	}
	return items, nil
}
