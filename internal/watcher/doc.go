// Package watcher turns record store mutations into dispatched tasks.
//
// The watcher reads the changes feed from its persisted cursor, dispatches
// one task per bound handler for every event in a batch, and only then
// commits the cursor. A crash between dispatch and commit redelivers the
// batch, so handlers must be idempotent; no event is ever skipped.
//
// Usage:
//
//	w := watcher.New(st, st.Cursor("watcher"), dispatcher, watcher.Options{
//	    LockPath: filepath.Join(dataDir, "watcher.lock"),
//	})
//	if err := w.Run(ctx); err != nil {
//	    return err // fatal: lock held, corrupt cursor, ...
//	}
package watcher
