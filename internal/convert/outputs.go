package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// PageSet holds the page images a converter produced for one document.
type PageSet struct {
	// Pages maps 1-based page number to the image path.
	Pages map[int]string
	// UnnumberedConflict is the path of an unnumbered output
	// (name.png) found alongside numbered ones. Converters emit the
	// unnumbered form only for single-page documents, so such a file
	// is a layout violation and is not attributed to page 1.
	UnnumberedConflict string
}

// ScanPages scans dir for page images belonging to the document with
// the given source file name. Converters emit name.png for single-page
// documents and name_<N>.png (N >= 1) for multi-page documents.
func ScanPages(dir, docName string) (*PageSet, error) {
	base := strings.TrimSuffix(docName, filepath.Ext(docName))
	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(base) + `(?:\.png|_(\d+)\.png)$`)
	if err != nil {
		return nil, fmt.Errorf("page pattern for %q: %w", docName, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	set := &PageSet{Pages: make(map[int]string)}
	unnumbered := ""
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if m[1] == "" {
			unnumbered = full
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			continue
		}
		set.Pages[n] = full
	}

	if unnumbered != "" {
		if len(set.Pages) == 0 {
			set.Pages[1] = unnumbered
		} else {
			set.UnnumberedConflict = unnumbered
		}
	}
	return set, nil
}

// PageFileName returns the output file name a converter is expected to
// produce for a page of the given document.
func PageFileName(docName string, pageNum, totalPages int) string {
	base := strings.TrimSuffix(docName, filepath.Ext(docName))
	if totalPages == 1 {
		return base + ".png"
	}
	return fmt.Sprintf("%s_%d.png", base, pageNum)
}
