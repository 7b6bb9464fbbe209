// Package preflight validates the host before the daemon starts.
//
// The checks cover:
//   - Write access to the data directory
//   - Free disk space (minimum 100MB)
//   - File descriptor limit (minimum 1024)
//   - Status socket path length
//   - Integrity of existing SQLite databases
//   - Configured feeds
//
// serve runs the checks once per data directory and records a marker;
// `mediasync doctor` runs them on demand:
//
//	checker := preflight.New(cfg)
//	results := checker.RunAll(ctx)
//	if checker.HasCriticalFailures(results) {
//	    // refuse to start
//	}
package preflight
