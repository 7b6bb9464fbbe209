package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_StatusLines(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  string
	}{
		{name: "success", write: func(w *Writer) { w.Success("crawl complete") }, want: "✓ crawl complete"},
		{name: "warning", write: func(w *Writer) { w.Warningf("%d tasks failed", 2) }, want: "! 2 tasks failed"},
		{name: "error", write: func(w *Writer) { w.Error("daemon not running") }, want: "✗ daemon not running"},
		{name: "no icon", write: func(w *Writer) { w.Status("", "indented") }, want: "   indented"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a writer on a buffer (never a terminal)
			buf := &bytes.Buffer{}
			w := New(buf)

			// When: writing a line
			tt.write(w)

			// Then: plain text without escape codes
			assert.Equal(t, tt.want+"\n", buf.String())
		})
	}
}

func TestNew_BufferIsNotColored(t *testing.T) {
	w := New(&bytes.Buffer{})

	assert.False(t, w.UseColor())
}

func TestWriter_KeyValue_Aligns(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.KeyValue([][2]string{{"state", "running"}, {"cursor", "42"}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "  state:  running", lines[0])
	assert.Equal(t, "  cursor: 42", lines[1])
}

func TestCounts_SortsKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	Counts(w, map[string]int{"success": 3, "failure": 1, "pending": 0})

	out := buf.String()
	assert.Less(t, strings.Index(out, "failure"), strings.Index(out, "pending"))
	assert.Less(t, strings.Index(out, "pending"), strings.Index(out, "success"))
}

func TestWriter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	require.NoError(t, w.JSON(map[string]int{"pending": 2}))

	assert.JSONEq(t, `{"pending":2}`, buf.String())
}

func TestWriter_Code_PrintsIndentedBlock(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Code("feeds:\n  - url: https://example.com/rss")

	assert.Contains(t, buf.String(), "  feeds:\n    - url: https://example.com/rss\n")
}

func TestWriter_Newline_PrintsEmptyLine(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf).Newline()

	assert.Equal(t, "\n", buf.String())
}
