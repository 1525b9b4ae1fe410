package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestDiscoverFiltersAndSorts(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "b", "two.pdf"))
	touch(t, filepath.Join(root, "a", "one.PDF"))
	touch(t, filepath.Join(root, "a", "notes.txt"))
	touch(t, filepath.Join(root, "slides.pptx"))

	files, err := Discover(root, []string{".pdf"}, nil)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, filepath.Join(root, "a", "one.PDF"), files[0].Path)
	assert.Equal(t, filepath.Join(root, "b", "two.pdf"), files[1].Path)

	files, err = Discover(root, []string{".pdf", ".pptx"}, nil)
	require.NoError(t, err)
	assert.Len(t, files, 3)
}

func TestTags(t *testing.T) {
	root := filepath.Join(t.TempDir(), "corpus")

	tests := []struct {
		name     string
		path     string
		expected []string
	}{
		{
			"top level file",
			filepath.Join(root, "A.pdf"),
			[]string{"corpus"},
		},
		{
			"nested file",
			filepath.Join(root, "invoices", "2024", "A.pdf"),
			[]string{"corpus", "invoices", "2024"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Tags(root, tt.path))
		})
	}
}

func TestDiscoverExpectedPagesUncountable(t *testing.T) {
	root := t.TempDir()
	// Not a real PDF: the pre-scan must fail soft and report 0 pages.
	touch(t, filepath.Join(root, "broken.pdf"))

	files, err := Discover(root, []string{".pdf"}, nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 0, files[0].ExpectedPages)
}
