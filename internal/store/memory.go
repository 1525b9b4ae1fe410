package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/renderproof/renderproof/internal/model"
)

// Memory is an in-memory Store with the same merge semantics as the
// PostgreSQL implementation. Used in tests and dry runs.
type Memory struct {
	mu          sync.Mutex
	documents   map[string]*model.Document
	references  map[string]*model.Reference
	pages       map[string]*model.Page
	differences map[string]*model.Difference
	metrics     map[string]*model.DifferenceMetric

	// PageWrites counts UpsertPage calls, including overwrites.
	PageWrites int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		documents:   make(map[string]*model.Document),
		references:  make(map[string]*model.Reference),
		pages:       make(map[string]*model.Page),
		differences: make(map[string]*model.Difference),
		metrics:     make(map[string]*model.DifferenceMetric),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) FindDocument(_ context.Context, hash string) (*model.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[hash]
	if !ok {
		return nil, ErrNotFound
	}
	out := *doc
	out.References = make(map[string]*model.Reference)
	for _, ref := range m.references {
		if ref.Hash == hash {
			out.References[ref.Version] = &model.Reference{
				Hash:         ref.Hash,
				Version:      ref.Version,
				DocumentName: ref.DocumentName,
			}
		}
	}
	return &out, nil
}

func (m *Memory) FindReference(_ context.Context, hash, version string) (*model.Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.references[hash+":"+version]
	if !ok {
		return nil, ErrNotFound
	}
	out := &model.Reference{
		Hash:         ref.Hash,
		Version:      ref.Version,
		Type:         ref.Type,
		DocumentName: ref.DocumentName,
		Pages:        make(map[int]*model.Page),
		Diffs:        make(map[string]*model.Difference),
	}
	for v := range ref.Diffs {
		out.Diffs[v] = &model.Difference{
			Hash:         ref.Hash,
			Version:      v,
			DocumentName: ref.DocumentName,
		}
	}
	return out, nil
}

func (m *Memory) UpsertDocument(_ context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[doc.Hash]; ok {
		return nil
	}
	m.documents[doc.Hash] = &model.Document{
		Hash: doc.Hash,
		Name: doc.Name,
		Ext:  doc.Ext,
		Path: doc.Path,
		Tags: append([]string(nil), doc.Tags...),
	}
	return nil
}

func (m *Memory) UpsertReference(_ context.Context, ref *model.Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.references[ref.Key()]
	if !ok {
		existing = &model.Reference{
			Hash:         ref.Hash,
			Version:      ref.Version,
			Type:         ref.Type,
			DocumentName: ref.DocumentName,
			Diffs:        make(map[string]*model.Difference),
		}
		m.references[ref.Key()] = existing
	}
	for v := range ref.Diffs {
		if _, ok := existing.Diffs[v]; !ok {
			existing.Diffs[v] = &model.Difference{
				Hash:         ref.Hash,
				Version:      v,
				DocumentName: ref.DocumentName,
			}
		}
	}
	return nil
}

func (m *Memory) UpsertPage(_ context.Context, page *model.Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *page
	m.pages[pageKey(page.Hash, page.Version, page.PageNum)] = &cp
	m.PageWrites++
	return nil
}

func (m *Memory) UpsertDifference(_ context.Context, diff *model.Difference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := diff.Hash + ":" + diff.Version
	existing, ok := m.differences[key]
	if !ok {
		existing = &model.Difference{
			Hash:         diff.Hash,
			Version:      diff.Version,
			DocumentName: diff.DocumentName,
			Pages:        make(map[int]string),
			Metrics:      make(map[int]*model.DifferenceMetric),
		}
		m.differences[key] = existing
	}
	for n, path := range diff.Pages {
		existing.Pages[n] = path
	}
	for n, metric := range diff.Metrics {
		cp := *metric
		existing.Metrics[n] = &cp
	}
	return nil
}

func (m *Memory) UpsertMetric(_ context.Context, metric *model.DifferenceMetric) error {
	if err := metric.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *metric
	m.metrics[metricKey(metric)] = &cp
	return nil
}

// Page returns the stored page record, or nil.
func (m *Memory) Page(hash, version string, pageNum int) *model.Page {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[pageKey(hash, version, pageNum)]
}

// Difference returns the stored difference record, or nil.
func (m *Memory) Difference(hash, version string) *model.Difference {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.differences[hash+":"+version]
}

// Metric returns the stored metric record, or nil.
func (m *Memory) Metric(key *model.DifferenceMetric) *model.DifferenceMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metrics[metricKey(key)]
}

func pageKey(hash, version string, pageNum int) string {
	return fmt.Sprintf("%s:%s:%d", hash, version, pageNum)
}

func metricKey(m *model.DifferenceMetric) string {
	return fmt.Sprintf("%s:%s:%s:%d", m.Hash, m.RefVersion, m.TarVersion, m.PageNum)
}
