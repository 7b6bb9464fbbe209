// Package store is the authoritative record store: versioned records with
// compare-and-swap writes, a gapless changes feed, and small state tables for
// the watcher cursor and crawler validators.
package store

import (
	"context"

	"github.com/Aman-CERP/mediasync/internal/record"
)

// Store is the record store contract.
type Store interface {
	// Get returns the latest revision of a record, including tombstones.
	// Missing ids return a NotFound error.
	Get(ctx context.Context, id string) (*record.Record, error)

	// Put creates or replaces a record. baseRevision must equal the current
	// revision (0 for a new record) or a Conflict error is returned.
	Put(ctx context.Context, id string, baseRevision int64, payload record.Payload, opts ...PutOption) (*record.Record, error)

	// Patch applies a JSON merge patch under the same CAS rule as Put.
	Patch(ctx context.Context, id string, baseRevision int64, patch []byte) (*record.Record, error)

	// Delete tombstones a record under the same CAS rule as Put.
	Delete(ctx context.Context, id string, baseRevision int64) error

	// Changes returns up to limit events with Sequence > since, ascending.
	Changes(ctx context.Context, since int64, limit int) ([]record.ChangeEvent, error)

	// Subscribe returns a channel signalled after every committed mutation.
	Subscribe() (<-chan struct{}, func())
}

// PutOption customizes a Put.
type PutOption func(*putOptions)

type putOptions struct {
	sourceURL string
}

// WithSource records the URL the payload was fetched from.
func WithSource(url string) PutOption {
	return func(o *putOptions) {
		o.sourceURL = url
	}
}
