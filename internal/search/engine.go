// Package search adapts full-text engines behind a small document API:
// upsert, delete, get by id and a keyword query. Documents are derived data;
// the record store stays the source of truth.
package search

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Document is the search projection of one record.
type Document struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Title       string     `json:"title"`
	Body        string     `json:"body,omitempty"`
	URL         string     `json:"url,omitempty"`
	FeedID      string     `json:"feed_id,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`

	// SourceRevision is the record revision this document was built from.
	SourceRevision int64     `json:"source_revision"`
	IndexedAt      time.Time `json:"indexed_at"`
}

// Hit is a query result.
type Hit struct {
	ID    string
	Score float64
}

// FieldKind is how a schema field is analyzed.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldKeyword  FieldKind = "keyword"
	FieldNumeric  FieldKind = "numeric"
	FieldDateTime FieldKind = "datetime"
)

// Field describes one indexed document field.
type Field struct {
	Name string
	Kind FieldKind
}

// Schema is the mapping applied by EnsureMapping.
type Schema struct {
	Fields []Field
}

// MediaSchema is the mapping for the media index.
func MediaSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "type", Kind: FieldKeyword},
		{Name: "title", Kind: FieldText},
		{Name: "body", Kind: FieldText},
		{Name: "url", Kind: FieldKeyword},
		{Name: "feed_id", Kind: FieldKeyword},
		{Name: "tags", Kind: FieldKeyword},
		{Name: "published_at", Kind: FieldDateTime},
		{Name: "source_revision", Kind: FieldNumeric},
	}}
}

// Engine is the search engine contract. Missing documents are not errors for
// Delete; Get returns a NotFound error.
type Engine interface {
	// EnsureMapping creates index with schema if it does not exist.
	EnsureMapping(ctx context.Context, index string, schema Schema) error
	Upsert(ctx context.Context, index string, doc *Document) error
	Delete(ctx context.Context, index, id string) error
	Get(ctx context.Context, index, id string) (*Document, error)
	Search(ctx context.Context, index, query string, limit int) ([]Hit, error)
	Count(ctx context.Context, index string) (int, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendBleve  = "bleve"
	BackendSQLite = "sqlite"
)

// Open creates the engine selected by backend under dir. An empty dir creates
// an in-memory engine.
func Open(backend, dir string) (Engine, error) {
	switch backend {
	case BackendBleve, "":
		return NewBleveEngine(dir)
	case BackendSQLite:
		path := ""
		if dir != "" {
			path = filepath.Join(dir, "search.db")
		}
		return NewSQLiteEngine(path)
	default:
		return nil, merrors.ConfigError(fmt.Sprintf("unknown search backend %q", backend), nil).
			WithSuggestion("use 'bleve' or 'sqlite'")
	}
}

func validateDoc(doc *Document) error {
	if doc == nil || doc.ID == "" {
		return merrors.EngineError("document has no id", nil, false)
	}
	return nil
}

func notIndexed(index string) error {
	return merrors.EngineError(fmt.Sprintf("index %q has no mapping", index), nil, false).
		WithSuggestion("call EnsureMapping at startup")
}

func docNotFound(index, id string) error {
	return merrors.New(merrors.ErrCodeNotFound, fmt.Sprintf("document %s not in index %s", id, index), nil).
		WithDetail("record_id", id)
}
