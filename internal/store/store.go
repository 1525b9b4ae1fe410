// Package store persists the regression entity graph to PostgreSQL and
// optionally mirrors page and diff images to object storage.
package store

import (
	"context"
	"errors"

	"github.com/renderproof/renderproof/internal/model"
)

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface for the regression knowledge base.
// Upserts are idempotent: re-running a persist phase over the same run
// converges to the same stored state.
type Store interface {
	// FindDocument returns the document with the given content hash,
	// with its reference versions populated shallowly (no pages).
	FindDocument(ctx context.Context, hash string) (*model.Document, error)

	// FindReference returns the reference run for (hash, version), with
	// its diff target versions populated shallowly (no metrics).
	FindReference(ctx context.Context, hash, version string) (*model.Reference, error)

	// UpsertDocument inserts the document if absent. Documents are
	// immutable; an existing row is left untouched.
	UpsertDocument(ctx context.Context, doc *model.Document) error

	// UpsertReference inserts the reference run if absent. On conflict
	// only the set of diffed target versions grows; the run itself is
	// never replaced.
	UpsertReference(ctx context.Context, ref *model.Reference) error

	// UpsertPage inserts or overwrites a rendered page record.
	UpsertPage(ctx context.Context, page *model.Page) error

	// UpsertDifference merges the difference's per-page metrics into
	// any existing record for (hash, target version).
	UpsertDifference(ctx context.Context, diff *model.Difference) error

	// UpsertMetric inserts or overwrites one per-page metric.
	UpsertMetric(ctx context.Context, m *model.DifferenceMetric) error

	Close() error
}
