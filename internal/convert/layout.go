package convert

import (
	"fmt"
	"os"
	"path/filepath"
)

// Mode selects how converter output is laid out on disk.
type Mode int

const (
	// ModeFlat mirrors the source tree under fixed ref/tar/diff roots.
	ModeFlat Mode = iota
	// ModeCentralized keys a per-document directory by content hash,
	// with ref/<version>, tar and diff/<refver>-<tarver> subdirectories.
	// Required for the content-addressed data model.
	ModeCentralized
)

// Layout resolves output directories for a run. Version strings are
// expected in their sanitized form.
type Layout struct {
	Mode    Mode
	SrcRoot string

	// OutDir is the centralized root.
	OutDir string

	// Flat-mode roots.
	RefOut  string
	TarOut  string
	DiffOut string

	RefVersion string
	TarVersion string
}

// RefDir returns the reference output directory for a document.
func (l Layout) RefDir(id, srcPath string) string {
	if l.Mode == ModeCentralized {
		return filepath.Join(l.OutDir, id, "ref", l.RefVersion)
	}
	return l.flatDir(l.RefOut, srcPath)
}

// TarDir returns the target output directory for a document.
func (l Layout) TarDir(id, srcPath string) string {
	if l.Mode == ModeCentralized {
		return filepath.Join(l.OutDir, id, "tar")
	}
	return l.flatDir(l.TarOut, srcPath)
}

// DiffDir returns the diff-image directory for a document.
func (l Layout) DiffDir(id, srcPath string) string {
	if l.Mode == ModeCentralized {
		return filepath.Join(l.OutDir, id, "diff", l.RefVersion+"-"+l.TarVersion)
	}
	return l.flatDir(l.DiffOut, srcPath)
}

// SideDir returns RefDir or TarDir depending on side.
func (l Layout) SideDir(side string, id, srcPath string) string {
	if side == "ref" {
		return l.RefDir(id, srcPath)
	}
	return l.TarDir(id, srcPath)
}

func (l Layout) flatDir(root, srcPath string) string {
	rel, err := filepath.Rel(l.SrcRoot, filepath.Dir(srcPath))
	if err != nil || rel == "." {
		rel = ""
	}
	return filepath.Join(root, filepath.Base(filepath.Clean(l.SrcRoot)), rel)
}

// DirNonEmpty reports whether dir exists and contains at least one entry.
func DirNonEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// ClearDir removes dir and recreates it empty.
func ClearDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("recreate %s: %w", dir, err)
	}
	return nil
}
