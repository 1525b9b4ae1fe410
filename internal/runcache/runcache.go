// Package runcache checkpoints the diff phase's in-memory result maps
// to a durable JSON file so the persistence phase can resume after a
// process restart without re-running any comparisons.
package runcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/renderproof/renderproof/internal/model"
)

// SchemaVersion identifies the snapshot file layout. Load rejects any
// other version rather than guessing at field meanings.
const SchemaVersion = 1

// Snapshot is the durable state carried from the diff phase into the
// persistence phase.
type Snapshot struct {
	SchemaVersion int       `json:"schema_version"`
	RunID         string    `json:"run_id"`
	CreatedAt     time.Time `json:"created_at"`

	// Carried-over run configuration.
	OutDir     string `json:"out_dir"`
	RefOut     string `json:"ref_out"`
	TarOut     string `json:"tar_out"`
	RefBin     string `json:"ref_bin"`
	TarBin     string `json:"tar_bin"`
	RefVersion string `json:"ref_version"`
	TarVersion string `json:"tar_version"`

	// DiffMetricsRefMap maps a reference page path to its metric.
	DiffMetricsRefMap map[string]*model.DifferenceMetric `json:"diff_metrics_ref_map"`
	// DiffMetricsTarMap maps a target page path to its metric.
	DiffMetricsTarMap map[string]*model.DifferenceMetric `json:"diff_metrics_tar_map"`
	// RefOutDiffMap maps a reference page path to its diff image path.
	RefOutDiffMap map[string]string `json:"ref_out_diff_map"`
	// TarOutDiffMap maps a target page path to its diff image path.
	TarOutDiffMap map[string]string `json:"tar_out_diff_map"`
}

// New creates an empty snapshot stamped with the current schema version.
func New(runID string) *Snapshot {
	return &Snapshot{
		SchemaVersion:     SchemaVersion,
		RunID:             runID,
		CreatedAt:         time.Now().UTC(),
		DiffMetricsRefMap: make(map[string]*model.DifferenceMetric),
		DiffMetricsTarMap: make(map[string]*model.DifferenceMetric),
		RefOutDiffMap:     make(map[string]string),
		TarOutDiffMap:     make(map[string]string),
	}
}

// Save writes the snapshot atomically: a temp file in the same
// directory is renamed over the destination, so a crash mid-write never
// leaves a truncated cache.
func Save(path string, s *Snapshot) error {
	s.SchemaVersion = SchemaVersion

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("runcache: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".runcache-*.json")
	if err != nil {
		return fmt.Errorf("runcache: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("runcache: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runcache: close: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("runcache: rename: %w", err)
	}
	return nil
}

// Load reads a snapshot, reconstructing typed metric records from their
// plain JSON form. A schema-version mismatch is an error.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runcache: read: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("runcache: parse: %w", err)
	}
	if s.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("runcache: schema version %d unsupported (want %d)", s.SchemaVersion, SchemaVersion)
	}

	if s.DiffMetricsRefMap == nil {
		s.DiffMetricsRefMap = make(map[string]*model.DifferenceMetric)
	}
	if s.DiffMetricsTarMap == nil {
		s.DiffMetricsTarMap = make(map[string]*model.DifferenceMetric)
	}
	if s.RefOutDiffMap == nil {
		s.RefOutDiffMap = make(map[string]string)
	}
	if s.TarOutDiffMap == nil {
		s.TarOutDiffMap = make(map[string]string)
	}
	return &s, nil
}
