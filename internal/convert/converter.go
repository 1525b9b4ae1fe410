// Package convert runs reference and target document converters over a
// corpus, producing numbered page images under a flat or
// content-addressed output layout.
package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Sentinel markers delimiting a converter's structured status payload
// on stdout.
const (
	statusBegin = "##STATUS-BEGIN##"
	statusEnd   = "##STATUS-END##"
)

var versionPattern = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)

// Status is the structured payload some converters emit on stdout.
type Status struct {
	Status        string         `json:"status"`
	ExceptionInfo *ExceptionInfo `json:"exception_info,omitempty"`
}

// ExceptionInfo describes a classified converter failure.
type ExceptionInfo struct {
	FailureReason string `json:"failure_reason"`
}

// FailureReason returns the classified failure message, if any.
func (s *Status) FailureReason() string {
	if s == nil || s.ExceptionInfo == nil {
		return ""
	}
	return s.ExceptionInfo.FailureReason
}

// Converter turns one source document into numbered page images in an
// output directory.
type Converter interface {
	// Type labels the engine build ("sdk" or the binary's base name).
	Type() string
	// Version probes the engine's version string, unsanitized.
	Version(ctx context.Context) (string, error)
	// Convert renders inputPath into outDir. The returned Status is nil
	// when the converter emitted no structured payload.
	Convert(ctx context.Context, inputPath, outDir string) (*Status, error)
}

// BinaryConverter invokes an external converter process as
// `converter <input> -o <outdir>`. Each invocation is bounded by
// Timeout so a hung converter cannot hold a worker forever.
type BinaryConverter struct {
	Path    string
	Timeout time.Duration
}

// NewBinaryConverter wraps the converter binary at path.
func NewBinaryConverter(path string, timeout time.Duration) *BinaryConverter {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &BinaryConverter{Path: path, Timeout: timeout}
}

// Type returns the binary's base name without extension.
func (b *BinaryConverter) Type() string {
	name := filepath.Base(b.Path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Version runs `converter --version` and extracts the first dotted
// version number from its output.
func (b *BinaryConverter) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, b.Path, "--version").CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("probe %s version: %w", b.Path, err)
	}
	if m := versionPattern.FindSubmatch(out); m != nil {
		return string(m[1]), nil
	}
	return "", fmt.Errorf("probe %s version: no version in output %q", b.Path, bytes.TrimSpace(out))
}

// Convert runs the converter process. A non-zero exit, launch failure,
// or timeout is returned as an error; a structured status payload on
// stdout is parsed and returned either way.
func (b *BinaryConverter) Convert(ctx context.Context, inputPath, outDir string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.Path, inputPath, "-o", outDir)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	status, _ := ParseStatus(stdout.Bytes())

	if ctx.Err() == context.DeadlineExceeded {
		return status, fmt.Errorf("converter timed out after %s: %s", b.Timeout, inputPath)
	}
	if err != nil {
		return status, fmt.Errorf("converter failed for %s: %w", inputPath, err)
	}
	return status, nil
}

// ParseStatus extracts the JSON status payload between the sentinel
// markers. ok is false when no well-formed payload is present.
func ParseStatus(stdout []byte) (*Status, bool) {
	s := string(stdout)
	begin := strings.Index(s, statusBegin)
	if begin < 0 {
		return nil, false
	}
	s = s[begin+len(statusBegin):]
	end := strings.Index(s, statusEnd)
	if end < 0 {
		return nil, false
	}

	var status Status
	if err := json.Unmarshal([]byte(strings.TrimSpace(s[:end])), &status); err != nil {
		return nil, false
	}
	return &status, true
}
