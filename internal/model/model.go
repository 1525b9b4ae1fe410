// Package model defines the typed entity graph of the regression
// knowledge base: Document -> Reference run -> Page, Difference ->
// DifferenceMetric. Entities are keyed by content hash and engine
// version and are validated at construction.
package model

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Side identifies which engine build produced an artifact.
type Side string

const (
	SideRef Side = "ref"
	SideTar Side = "tar"
)

// Document is one distinct source file, identified by its content hash.
// It is immutable after creation except for appended reference-version
// links.
type Document struct {
	Hash string   `json:"hash"`
	Name string   `json:"document_name"`
	Ext  string   `json:"ext"`
	Path string   `json:"path"`
	Tags []string `json:"tags,omitempty"`

	// References maps a reference engine version to its run.
	References map[string]*Reference `json:"references,omitempty"`
}

// NewDocument builds a Document from its content hash and source path.
func NewDocument(hash, path string, tags []string) (*Document, error) {
	if hash == "" {
		return nil, fmt.Errorf("model: document hash is empty")
	}
	if path == "" {
		return nil, fmt.Errorf("model: document path is empty")
	}
	return &Document{
		Hash:       hash,
		Name:       filepath.Base(path),
		Ext:        filepath.Ext(path),
		Path:       path,
		Tags:       tags,
		References: make(map[string]*Reference),
	}, nil
}

// Reference is one reference run: the page renders produced by the
// baseline engine build for one document. Identified by (hash, version).
// Once stored it is never re-inserted; only its diffs map grows.
type Reference struct {
	Hash         string `json:"hash"`
	Version      string `json:"version"`
	Type         string `json:"type"`
	DocumentName string `json:"document_name"`

	// Pages maps page number to the rendered reference page.
	Pages map[int]*Page `json:"pages,omitempty"`
	// Diffs maps a target engine version to its Difference record.
	Diffs map[string]*Difference `json:"diffs,omitempty"`
}

// NewReference builds a Reference run for a document and engine version.
func NewReference(doc *Document, version, runType string) (*Reference, error) {
	if doc == nil {
		return nil, fmt.Errorf("model: reference requires a document")
	}
	if version == "" {
		return nil, fmt.Errorf("model: reference version is empty")
	}
	return &Reference{
		Hash:         doc.Hash,
		Version:      version,
		Type:         runType,
		DocumentName: doc.Name,
		Pages:        make(map[int]*Page),
		Diffs:        make(map[string]*Difference),
	}, nil
}

// Key returns the natural store key of the reference run.
func (r *Reference) Key() string {
	return r.Hash + ":" + r.Version
}

// PageNumbers returns the recorded page numbers in ascending order.
func (r *Reference) PageNumbers() []int {
	nums := make([]int, 0, len(r.Pages))
	for n := range r.Pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

// Page is one rendered page image. Identity (hash, version, page number)
// never changes; the binary payload may be overwritten in place when the
// page is regenerated.
type Page struct {
	Hash         string `json:"hash"`
	Version      string `json:"version"`
	PageNum      int    `json:"page_num"`
	DocumentName string `json:"document_name"`
	Ext          string `json:"ext"`
	Path         string `json:"path"`
	Binary       []byte `json:"-"`
}

// NewPage builds a Page record for a rendered page image on disk.
func NewPage(hash, version, documentName, path string, pageNum int) (*Page, error) {
	if hash == "" || version == "" {
		return nil, fmt.Errorf("model: page requires hash and version")
	}
	if pageNum < 1 {
		return nil, fmt.Errorf("model: page number %d out of range", pageNum)
	}
	return &Page{
		Hash:         hash,
		Version:      version,
		PageNum:      pageNum,
		DocumentName: documentName,
		Ext:          strings.TrimPrefix(filepath.Ext(path), "."),
		Path:         path,
	}, nil
}

// Difference records one target version's comparison against a reference
// run, holding one metric per compared page. Identified by
// (hash, target version); additional pages merge into Metrics.
type Difference struct {
	Hash         string `json:"hash"`
	Version      string `json:"version"`
	DocumentName string `json:"document_name"`

	// Pages maps page number to the rendered diff-image path.
	Pages map[int]string `json:"pages,omitempty"`
	// Metrics maps page number to the per-page comparison result.
	Metrics map[int]*DifferenceMetric `json:"metrics,omitempty"`
}

// NewDifference builds a Difference for one target version of a document.
func NewDifference(hash, tarVersion, documentName string) (*Difference, error) {
	if hash == "" || tarVersion == "" {
		return nil, fmt.Errorf("model: difference requires hash and target version")
	}
	return &Difference{
		Hash:         hash,
		Version:      tarVersion,
		DocumentName: documentName,
		Pages:        make(map[int]string),
		Metrics:      make(map[int]*DifferenceMetric),
	}, nil
}

// DifferenceMetric is the pixel-diff result for exactly one page compared
// between one ordered (reference version, target version) pair.
type DifferenceMetric struct {
	Hash           string  `json:"hash"`
	RefVersion     string  `json:"ref_version"`
	TarVersion     string  `json:"tar_version"`
	PageNum        int     `json:"page_num"`
	DocumentName   string  `json:"document_name"`
	DiffPercentage float64 `json:"diff_percentage"`
}

// Validate checks that the metric is fully bound to its identity.
func (m *DifferenceMetric) Validate() error {
	if m.Hash == "" || m.RefVersion == "" || m.TarVersion == "" {
		return fmt.Errorf("model: metric for page %d is missing identity fields", m.PageNum)
	}
	if m.PageNum < 1 {
		return fmt.Errorf("model: metric page number %d out of range", m.PageNum)
	}
	if m.DiffPercentage < 0 || m.DiffPercentage > 100 {
		return fmt.Errorf("model: diff percentage %f out of [0,100]", m.DiffPercentage)
	}
	return nil
}
