package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLog = `{"time":"2024-01-02T03:04:05.000Z","level":"INFO","msg":"daemon starting","service":"mediasync","feeds":2}
{"time":"2024-01-02T03:04:06.000Z","level":"WARN","msg":"feed fetch failed","component":"crawler","feed_url":"https://radio.example/rss"}
not json at all
{"time":"2024-01-02T03:04:07.000Z","level":"ERROR","msg":"task dead-lettered","component":"tasks","task_id":"t-1"}
`

func writeLog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, os.WriteFile(path, []byte(sampleLog), 0o644))
	return path
}

func TestLogsCmd(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantLines int
		contains  []string
		excludes  []string
	}{
		{
			name:      "all lines",
			wantLines: 4,
			contains:  []string{"INFO  daemon starting feeds=2", "[crawler] feed fetch failed", "not json at all"},
		},
		{
			name:      "last n",
			args:      []string{"-n", "1"},
			wantLines: 1,
			contains:  []string{"task dead-lettered task_id=t-1"},
		},
		{
			name:      "level filter keeps unparsed lines",
			args:      []string{"--level", "warn"},
			wantLines: 3,
			excludes:  []string{"daemon starting"},
		},
		{
			name:      "pattern filter",
			args:      []string{"--filter", "radio\\.example"},
			wantLines: 1,
			contains:  []string{"feed_url=https://radio.example/rss"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			path := writeLog(t)

			out, err := run(t, append([]string{"logs", "--file", path}, tt.args...)...)

			require.NoError(t, err)
			lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
			assert.Len(t, lines, tt.wantLines)
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestLogsCmd_InvalidPattern(t *testing.T) {
	isolate(t)

	_, err := run(t, "logs", "--file", writeLog(t), "--filter", "(")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestLogsCmd_NoLogYet(t *testing.T) {
	env := newTestEnv(t, "")

	_, err := run(t, "logs", "--config", env.configPath)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no log file found")
}
