package broker

import (
	"context"
	"fmt"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Pruner is implemented by brokers that can drop old succeeded tasks.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// Open creates the broker selected by backend. The path is ignored by the
// memory backend.
func Open(backend, path string, opts Options) (Broker, error) {
	switch backend {
	case "", BackendSQLite:
		return OpenSQLite(path, opts)
	case BackendMemory:
		return NewMemoryBroker(opts), nil
	default:
		return nil, merrors.ConfigError(fmt.Sprintf("unknown broker backend %q", backend), nil).
			WithSuggestion("use 'sqlite' or 'memory'")
	}
}
