package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MarkerFile records that the checks passed, and for which version.
const MarkerFile = ".preflight-passed"

// NeedsCheck reports whether serve should run the checks: the marker is
// missing, unreadable, or was written by a different version.
func NeedsCheck(dataDir, version string) bool {
	v, _, ok := readMarker(dataDir)
	return !ok || v != version
}

// MarkPassed writes the marker for version.
func MarkPassed(dataDir, version string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	content := version + " " + time.Now().UTC().Format(time.RFC3339)
	return os.WriteFile(filepath.Join(dataDir, MarkerFile), []byte(content), 0o644)
}

// ClearMarker removes the marker, forcing a re-check on the next start.
func ClearMarker(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, MarkerFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker file: %w", err)
	}
	return nil
}

// MarkerAge returns how long ago the checks passed, or zero without a marker.
func MarkerAge(dataDir string) time.Duration {
	_, at, ok := readMarker(dataDir)
	if !ok {
		return 0
	}
	return time.Since(at)
}

func readMarker(dataDir string) (version string, at time.Time, ok bool) {
	content, err := os.ReadFile(filepath.Join(dataDir, MarkerFile))
	if err != nil {
		return "", time.Time{}, false
	}
	version, ts, found := strings.Cut(strings.TrimSpace(string(content)), " ")
	if !found {
		return "", time.Time{}, false
	}
	at, err = time.Parse(time.RFC3339, ts)
	if err != nil {
		return "", time.Time{}, false
	}
	return version, at, true
}
