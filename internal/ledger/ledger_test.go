package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderproof/renderproof/internal/model"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := New("", nil)
	require.NoError(t, err)
	return l
}

func TestReportRatios(t *testing.T) {
	l := newLedger(t)

	l.Crash("/corpus/C.pdf", model.SideRef)
	l.Exception("font not embedded", "/corpus/D.pdf", model.SideTar)
	l.Exception("font not embedded", "/corpus/E.pdf", model.SideTar)
	l.Missing("/out/h/tar/F_2.png", model.SideTar)

	r := l.Report("run-1", 10)

	assert.Len(t, r.Crashes, 1)
	assert.Len(t, r.Missing, 1)
	assert.InDelta(t, 0.1, r.CrashRatio, 1e-9)
	// Two occurrences of one message: ratio counts occurrences.
	assert.InDelta(t, 0.2, r.ExceptionRatio, 1e-9)
	assert.InDelta(t, 0.1, r.MissingRatio, 1e-9)
}

func TestReportZeroCorpus(t *testing.T) {
	l := newLedger(t)
	l.Crash("/corpus/C.pdf", model.SideRef)

	r := l.Report("", 0)
	assert.Equal(t, 0.0, r.CrashRatio)
}

func TestExceptionsSortedAscendingByCount(t *testing.T) {
	l := newLedger(t)
	for i := 0; i < 3; i++ {
		l.Exception("common failure", "/corpus/a.pdf", model.SideRef)
	}
	l.Exception("rare failure", "/corpus/b.pdf", model.SideRef)

	groups := l.Exceptions()
	require.Len(t, groups, 2)
	assert.Equal(t, "rare failure", groups[0].Message)
	assert.Equal(t, "common failure", groups[1].Message)
	assert.Equal(t, 4, l.ExceptionCount())
}

func TestExceptionGroupJSONShape(t *testing.T) {
	g := ExceptionGroup{Message: "boom", Paths: []string{"/a.pdf", "/b.pdf"}}
	data, err := json.Marshal(g)
	require.NoError(t, err)
	assert.JSONEq(t, `["boom", ["/a.pdf", "/b.pdf"]]`, string(data))
}

func TestErrorLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "error.txt")
	l, err := New(path, nil)
	require.NoError(t, err)

	l.Crash("/corpus/C.pdf", model.SideRef)
	l.Missing("/out/x.png", model.SideTar)
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "(ref) crash when converting: /corpus/C.pdf")
	assert.Contains(t, string(data), "(tar) missing output: /out/x.png")
}

func TestConcurrentRecording(t *testing.T) {
	l := newLedger(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Crash("/corpus/C.pdf", model.SideRef)
			l.Exception("boom", "/corpus/C.pdf", model.SideTar)
			l.Missing("/out/p.png", model.SideTar)
		}()
	}
	wg.Wait()

	assert.Len(t, l.Crashes(), 50)
	assert.Len(t, l.MissingOutputs(), 50)
	assert.Equal(t, 50, l.ExceptionCount())
}
