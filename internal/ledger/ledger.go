// Package ledger classifies and aggregates the failures observed during
// a regression run: converter crashes, structured converter exceptions,
// and missing page outputs. Nothing in the ledger aborts the run; it
// exists to produce the sanity report.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/renderproof/renderproof/internal/model"
	"github.com/renderproof/renderproof/pkg/logger"
)

// Entry is one recorded failure.
type Entry struct {
	Path string     `json:"path"`
	Side model.Side `json:"side"`
}

// ExceptionGroup aggregates every file affected by one converter
// failure reason.
type ExceptionGroup struct {
	Message string
	Paths   []string
}

// MarshalJSON renders the group as the [message, [paths...]] pair shape
// consumed by the report tooling.
func (g ExceptionGroup) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{g.Message, g.Paths})
}

// SanityReport summarizes a run's failures. Ratios are count over total
// corpus size; the exception ratio counts total occurrences, not
// distinct messages.
type SanityReport struct {
	RunID          string           `json:"run_id,omitempty"`
	Crashes        []Entry          `json:"crashes"`
	Exceptions     []ExceptionGroup `json:"exceptions"`
	Missing        []Entry          `json:"missing"`
	CrashRatio     float64          `json:"crash_ratio"`
	ExceptionRatio float64          `json:"exception_ratio"`
	MissingRatio   float64          `json:"missing_ratio"`
}

// Ledger accumulates failures from concurrent conversion workers and
// mirrors each one as a line in a human-readable error log.
type Ledger struct {
	mu         sync.Mutex
	crashes    []Entry
	exceptions map[string][]string
	missing    []Entry

	logFile *os.File
	log     *logger.Logger
}

// New creates a Ledger writing its human-readable log to logPath. An
// empty logPath disables the file log.
func New(logPath string, log *logger.Logger) (*Ledger, error) {
	if log == nil {
		log = logger.Default()
	}

	l := &Ledger{
		exceptions: make(map[string][]string),
		log:        log.WithComponent("ledger"),
	}

	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			return nil, fmt.Errorf("ledger: create error log: %w", err)
		}
		l.logFile = f
	}
	return l, nil
}

// Crash records a converter process that exited non-zero, failed to
// launch, or timed out.
func (l *Ledger) Crash(path string, side model.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.crashes = append(l.crashes, Entry{Path: path, Side: side})
	l.writeLine(fmt.Sprintf("(%s) crash when converting: %s", side, path))
}

// Exception records a structured failure reason reported by a converter.
func (l *Ledger) Exception(message, path string, side model.Side) {
	if message == "" {
		message = "unclassified"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exceptions[message] = append(l.exceptions[message], path)
	l.writeLine(fmt.Sprintf("(%s) exception %q when converting: %s", side, message, path))
}

// Missing records an expected page image that was absent after
// conversion or diffing.
func (l *Ledger) Missing(path string, side model.Side) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.missing = append(l.missing, Entry{Path: path, Side: side})
	l.writeLine(fmt.Sprintf("(%s) missing output: %s", side, path))
}

// Crashes returns a copy of the recorded crashes.
func (l *Ledger) Crashes() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.crashes...)
}

// Exceptions returns the exception groups sorted ascending by
// occurrence count, so the most common failure mode is last.
func (l *Ledger) Exceptions() []ExceptionGroup {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedExceptionsLocked()
}

// Missing returns a copy of the recorded missing outputs.
func (l *Ledger) MissingOutputs() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.missing...)
}

// ExceptionCount returns the total number of exception occurrences
// across all messages.
func (l *Ledger) ExceptionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exceptionCountLocked()
}

// Report builds the sanity report for a corpus of totalDocuments files.
func (l *Ledger) Report(runID string, totalDocuments int) *SanityReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := &SanityReport{
		RunID:      runID,
		Crashes:    append([]Entry{}, l.crashes...),
		Exceptions: l.sortedExceptionsLocked(),
		Missing:    append([]Entry{}, l.missing...),
	}
	if totalDocuments > 0 {
		n := float64(totalDocuments)
		r.CrashRatio = float64(len(l.crashes)) / n
		r.ExceptionRatio = float64(l.exceptionCountLocked()) / n
		r.MissingRatio = float64(len(l.missing)) / n
	}
	return r
}

// WriteReport writes the sanity report as JSON to path.
func (l *Ledger) WriteReport(path, runID string, totalDocuments int) error {
	data, err := json.MarshalIndent(l.Report(runID, totalDocuments), "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("ledger: write report: %w", err)
	}
	return nil
}

// Close flushes and closes the error log file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile == nil {
		return nil
	}
	err := l.logFile.Close()
	l.logFile = nil
	return err
}

func (l *Ledger) sortedExceptionsLocked() []ExceptionGroup {
	groups := make([]ExceptionGroup, 0, len(l.exceptions))
	for msg, paths := range l.exceptions {
		groups = append(groups, ExceptionGroup{
			Message: msg,
			Paths:   append([]string(nil), paths...),
		})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Paths) != len(groups[j].Paths) {
			return len(groups[i].Paths) < len(groups[j].Paths)
		}
		return groups[i].Message < groups[j].Message
	})
	return groups
}

func (l *Ledger) exceptionCountLocked() int {
	n := 0
	for _, paths := range l.exceptions {
		n += len(paths)
	}
	return n
}

func (l *Ledger) writeLine(line string) {
	if l.logFile == nil {
		return
	}
	if _, err := fmt.Fprintln(l.logFile, line); err != nil {
		l.log.WithError(err).Warn("error log write failed")
	}
}
