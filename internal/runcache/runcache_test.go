package runcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderproof/renderproof/internal/model"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	s := New("run-42")
	s.OutDir = "/out"
	s.RefVersion = "11_2"
	s.TarVersion = "11_3"
	s.DiffMetricsRefMap["/out/h/ref/11_2/A.png"] = &model.DifferenceMetric{
		Hash:           "h_A.pdf",
		RefVersion:     "11_2",
		TarVersion:     "11_3",
		PageNum:        1,
		DocumentName:   "A.pdf",
		DiffPercentage: 1.5,
	}
	s.RefOutDiffMap["/out/h/ref/11_2/A.png"] = "/out/h/diff/11_2-11_3/A.png"

	require.NoError(t, Save(path, s))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "run-42", loaded.RunID)
	assert.Equal(t, "11_2", loaded.RefVersion)

	// Metrics come back as typed records, not loose key/value pairs.
	m := loaded.DiffMetricsRefMap["/out/h/ref/11_2/A.png"]
	require.NotNil(t, m)
	assert.Equal(t, 1.5, m.DiffPercentage)
	assert.Equal(t, 1, m.PageNum)
	assert.NoError(t, m.Validate())

	assert.Equal(t, "/out/h/diff/11_2-11_3/A.png", loaded.RefOutDiffMap["/out/h/ref/11_2/A.png"])
	assert.NotNil(t, loaded.DiffMetricsTarMap)
	assert.NotNil(t, loaded.TarOutDiffMap)
}

func TestLoadRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 99}`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")

	first := New("run-1")
	require.NoError(t, Save(path, first))

	second := New("run-2")
	second.TarOutDiffMap["/t.png"] = "/d.png"
	require.NoError(t, Save(path, second))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "run-2", loaded.RunID)
	assert.Len(t, loaded.TarOutDiffMap, 1)

	// No temp droppings left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
