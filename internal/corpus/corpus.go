// Package corpus discovers the source documents of a regression run.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/renderproof/renderproof/pkg/logger"
)

// File is one discovered source document.
type File struct {
	Path string
	Ext  string
	// Tags are the directory segments between the corpus root and the
	// file, prefixed with the corpus root's base name.
	Tags []string
	// ExpectedPages is the page count reported by a pre-scan, or 0 when
	// the format does not support counting. Used to detect missing
	// converter output.
	ExpectedPages int
}

// Discover walks root and returns every file whose extension is in exts,
// sorted by path. Extensions are matched case-insensitively and must
// include the leading dot.
func Discover(root string, exts []string, log *logger.Logger) ([]File, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("corpus")

	wanted := make(map[string]bool, len(exts))
	for _, e := range exts {
		wanted[strings.ToLower(e)] = true
	}

	var files []File
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.WithError(err).Warn("skipping unreadable entry", "path", path)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if !wanted[ext] {
			return nil
		}

		f := File{
			Path: path,
			Ext:  ext,
			Tags: Tags(root, path),
		}
		if ext == ".pdf" {
			if n, err := api.PageCountFile(path); err == nil {
				f.ExpectedPages = n
			} else {
				log.WithError(err).Debug("page-count pre-scan failed", "path", path)
			}
		}

		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("corpus walk: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	log.Info("corpus discovered", "root", root, "files", len(files))
	return files, nil
}

// Tags derives a document's tag set from its location under the corpus
// root: the root's base name plus each intermediate directory name.
func Tags(root, path string) []string {
	tags := []string{filepath.Base(filepath.Clean(root))}

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return tags
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		return tags
	}
	tags = append(tags, strings.Split(dir, string(filepath.Separator))...)
	return tags
}
