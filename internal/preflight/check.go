package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Aman-CERP/mediasync/internal/config"
	"github.com/Aman-CERP/mediasync/internal/output"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker performs preflight validation checks against one config.
type Checker struct {
	cfg     *config.Config
	verbose bool
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose prints check details.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// New creates a Checker for cfg.
func New(cfg *config.Config, opts ...Option) *Checker {
	c := &Checker{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check. The data directory is created if missing so
// the filesystem checks have something to inspect.
func (c *Checker) RunAll(_ context.Context) []CheckResult {
	results := []CheckResult{c.CheckWritePermissions(c.cfg.DataDir)}
	if results[0].Status == StatusPass {
		results = append(results, c.CheckDiskSpace(c.cfg.DataDir))
	}
	results = append(results,
		c.CheckFileDescriptors(),
		c.CheckSocketPath(c.cfg.SocketPath()),
	)
	for _, db := range c.databases() {
		results = append(results, c.CheckDatabase(db.name, db.path))
	}
	results = append(results, c.CheckFeeds())
	return results
}

type database struct {
	name string
	path string
}

// databases lists the on-disk SQLite files the daemon will open.
func (c *Checker) databases() []database {
	dbs := []database{{"store", c.cfg.Resolve(c.cfg.Store.Path)}}
	if c.cfg.Broker.Backend == "sqlite" {
		dbs = append(dbs, database{"broker", c.cfg.Resolve(c.cfg.Broker.Path)})
	}
	return dbs
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || r.Status == StatusFail {
			hasWarnings = true
		}
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results.
func (c *Checker) PrintResults(out *output.Writer, results []CheckResult) {
	out.Header("mediasync system check")
	for _, r := range results {
		line := fmt.Sprintf("[%s] %s: %s", r.Status, r.Name, r.Message)
		switch {
		case r.Status == StatusPass:
			out.Success(line)
		case r.IsCritical():
			out.Error(line)
		default:
			out.Warning(line)
		}
		if c.verbose && r.Details != "" {
			out.Status("", "    "+r.Details)
		}
	}
	out.Newline()
	out.Statusf("", "Status: %s", strings.ToUpper(c.SummaryStatus(results)))
}

// CheckWritePermissions checks that the data directory exists and is writable.
func (c *Checker) CheckWritePermissions(dir string) CheckResult {
	result := CheckResult{
		Name:     "data_dir",
		Required: true,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create %s: %v", dir, err)
		return result
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	result.Status = StatusPass
	result.Message = filepath.Clean(dir)
	return result
}

// CheckFeeds warns when there is nothing to crawl.
func (c *Checker) CheckFeeds() CheckResult {
	result := CheckResult{Name: "feeds"}
	if n := len(c.cfg.Crawler.Feeds); n > 0 {
		result.Status = StatusPass
		result.Message = fmt.Sprintf("%d configured", n)
		return result
	}
	result.Status = StatusWarn
	result.Message = "none configured"
	result.Details = "add feeds under crawler.feeds in mediasync.yaml"
	return result
}
