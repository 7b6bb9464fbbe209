package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Entry is one parsed JSON log line.
type Entry struct {
	Time      time.Time
	Level     string
	Msg       string
	Component string
	Attrs     map[string]any
	Raw       string
	Valid     bool
}

// Filter selects log entries for display.
type Filter struct {
	// MinLevel drops entries below this level. Empty keeps everything.
	MinLevel string
	// Pattern keeps only lines matching the expression.
	Pattern *regexp.Regexp
}

func (f Filter) match(e Entry) bool {
	if f.MinLevel != "" && e.Valid && parseLevel(e.Level) < parseLevel(f.MinLevel) {
		return false
	}
	if f.Pattern != nil && !f.Pattern.MatchString(e.Raw) {
		return false
	}
	return true
}

// ParseLine parses a JSON log line. Non-JSON lines come back with Valid false.
func ParseLine(line string) Entry {
	e := Entry{Raw: line}

	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return e
	}
	e.Valid = true

	if ts, ok := m["time"].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
	}
	e.Level, _ = m["level"].(string)
	e.Msg, _ = m["msg"].(string)
	e.Component, _ = m["component"].(string)

	for _, k := range []string{"time", "level", "msg", "component", "service"} {
		delete(m, k)
	}
	e.Attrs = m
	return e
}

// Format renders an entry as a single human-readable line.
func Format(e Entry) string {
	if !e.Valid {
		return e.Raw
	}

	var sb strings.Builder
	sb.WriteString(e.Time.Format("15:04:05.000"))
	fmt.Fprintf(&sb, " %-5s", strings.ToUpper(e.Level))
	if e.Component != "" {
		fmt.Fprintf(&sb, " [%s]", e.Component)
	}
	sb.WriteString(" ")
	sb.WriteString(e.Msg)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Attrs[k])
	}
	return sb.String()
}

// Tail returns the last n matching entries of the log file at path.
func Tail(path string, n int, f Filter) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := newScanner(file)
	for scanner.Scan() {
		e := ParseLine(scanner.Text())
		if !f.match(e) {
			continue
		}
		entries = append(entries, e)
		if n > 0 && len(entries) > n {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return entries, nil
}

// Follow calls fn for each matching line appended to path until ctx is done.
func Follow(ctx context.Context, path string, f Filter, interval time.Duration, fn func(Entry)) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek log file: %w", err)
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	reader := bufio.NewReader(file)
	var partial string
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				partial += line
				break
			}
			e := ParseLine(strings.TrimRight(partial+line, "\n"))
			partial = ""
			if f.match(e) {
				fn(e)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newScanner(r io.Reader) *bufio.Scanner {
	const maxLine = 1024 * 1024
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLine)
	return s
}

