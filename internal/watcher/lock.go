package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// lockCursor takes the exclusive watcher lock at path so only one process
// advances the cursor, and records our PID in the file for the error a
// second process gets. The returned func releases the lock.
func lockCursor(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, merrors.New(merrors.ErrCodeConfigPermission, "cannot create "+filepath.Dir(path), err)
	}

	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, merrors.New(merrors.ErrCodeConfigPermission, "cannot lock "+path, err)
	}
	if !ok {
		msg := "another watcher holds " + path
		if pid := lockHolder(path); pid > 0 {
			msg = fmt.Sprintf("%s (pid %d)", msg, pid)
		}
		return nil, merrors.New(merrors.ErrCodeLockHeld, msg, nil).
			WithSuggestion("stop the other mediasync serve process or point it at a different data dir")
	}

	// best effort: the lock itself is what matters
	_ = os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)

	return func() { _ = fl.Unlock() }, nil
}

// lockHolder returns the PID recorded in the lock file, or 0.
func lockHolder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}
