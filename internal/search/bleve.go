package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	json "github.com/goccy/go-json"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// sourceField stores the whole document so Get can rebuild it.
const sourceField = "_source"

// BleveEngine keeps one bleve index per index name.
// With an empty dir every index lives in memory.
type BleveEngine struct {
	mu      sync.RWMutex
	dir     string
	indexes map[string]bleve.Index
	closed  bool
}

var _ Engine = (*BleveEngine)(nil)

// NewBleveEngine creates an engine storing indexes under dir.
func NewBleveEngine(dir string) (*BleveEngine, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &BleveEngine{dir: dir, indexes: make(map[string]bleve.Index)}, nil
}

func buildMapping(schema Schema) *mapping.IndexMappingImpl {
	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false

	for _, f := range schema.Fields {
		var fm *mapping.FieldMapping
		switch f.Kind {
		case FieldKeyword:
			fm = bleve.NewKeywordFieldMapping()
		case FieldNumeric:
			fm = bleve.NewNumericFieldMapping()
		case FieldDateTime:
			fm = bleve.NewDateTimeFieldMapping()
		default:
			fm = bleve.NewTextFieldMapping()
		}
		fm.Store = false
		doc.AddFieldMappingsAt(f.Name, fm)
	}

	src := bleve.NewTextFieldMapping()
	src.Index = false
	src.Store = true
	src.IncludeInAll = false
	src.IncludeTermVectors = false
	doc.AddFieldMappingsAt(sourceField, src)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// validateIndexIntegrity checks an on-disk index before opening.
// Returns nil if valid or absent.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// EnsureMapping implements Engine. A corrupted on-disk index is cleared and
// recreated empty; a reindex repopulates it.
func (e *BleveEngine) EnsureMapping(_ context.Context, index string, schema Schema) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return merrors.EngineError("search engine is closed", nil, true)
	}
	if _, ok := e.indexes[index]; ok {
		return nil
	}

	im := buildMapping(schema)
	if e.dir == "" {
		idx, err := bleve.NewMemOnly(im)
		if err != nil {
			return merrors.EngineError("create index "+index, err, false)
		}
		e.indexes[index] = idx
		return nil
	}

	path := filepath.Join(e.dir, index+".bleve")
	if validErr := validateIndexIntegrity(path); validErr != nil {
		slog.Warn("search_index_corrupted",
			slog.String("path", path),
			slog.String("error", validErr.Error()))
		if err := os.RemoveAll(path); err != nil {
			return merrors.New(merrors.ErrCodeStoreCorrupt, "cannot clear corrupted index "+path, err)
		}
		slog.Info("search_index_cleared",
			slog.String("path", path),
			slog.String("reason", "corruption detected, run mediasync reindex"))
	}

	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, im)
	}
	if err != nil {
		return merrors.EngineError("open index "+path, err, true)
	}
	e.indexes[index] = idx
	return nil
}

func (e *BleveEngine) index(name string) (bleve.Index, error) {
	if e.closed {
		return nil, merrors.EngineError("search engine is closed", nil, true)
	}
	idx, ok := e.indexes[name]
	if !ok {
		return nil, notIndexed(name)
	}
	return idx, nil
}

// Upsert implements Engine.
func (e *BleveEngine) Upsert(_ context.Context, index string, doc *Document) error {
	if err := validateDoc(doc); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, err := e.index(index)
	if err != nil {
		return err
	}

	src, err := json.Marshal(doc)
	if err != nil {
		return merrors.EngineError("encode document "+doc.ID, err, false)
	}
	fields := map[string]any{
		"type":            doc.Type,
		"title":           doc.Title,
		"body":            doc.Body,
		"url":             doc.URL,
		"feed_id":         doc.FeedID,
		"tags":            doc.Tags,
		"source_revision": float64(doc.SourceRevision),
		sourceField:       string(src),
	}
	if doc.PublishedAt != nil {
		fields["published_at"] = doc.PublishedAt.UTC().Format(time.RFC3339)
	}

	if err := idx.Index(doc.ID, fields); err != nil {
		return merrors.EngineError("index document "+doc.ID, err, true)
	}
	return nil
}

// Delete implements Engine.
func (e *BleveEngine) Delete(_ context.Context, index, id string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, err := e.index(index)
	if err != nil {
		return err
	}
	if err := idx.Delete(id); err != nil {
		return merrors.EngineError("delete document "+id, err, true)
	}
	return nil
}

// Get implements Engine.
func (e *BleveEngine) Get(ctx context.Context, index, id string) (*Document, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, err := e.index(index)
	if err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{id}))
	req.Fields = []string{sourceField}
	req.Size = 1
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, merrors.EngineError("get document "+id, err, true)
	}
	if len(res.Hits) == 0 {
		return nil, docNotFound(index, id)
	}

	raw, ok := res.Hits[0].Fields[sourceField].(string)
	if !ok {
		return nil, merrors.EngineError("document "+id+" has no stored source", nil, false)
	}
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, merrors.EngineError("decode document "+id, err, false)
	}
	return &doc, nil
}

// Search implements Engine with a match query over title and body.
func (e *BleveEngine) Search(ctx context.Context, index, text string, limit int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return []Hit{}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, err := e.index(index)
	if err != nil {
		return nil, err
	}

	title := bleve.NewMatchQuery(text)
	title.SetField("title")
	title.SetBoost(2)
	body := bleve.NewMatchQuery(text)
	body.SetField("body")

	req := bleve.NewSearchRequest(query.NewDisjunctionQuery([]query.Query{title, body}))
	if limit > 0 {
		req.Size = limit
	}
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, merrors.EngineError("search failed", err, true)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{ID: h.ID, Score: h.Score})
	}
	return hits, nil
}

// Count implements Engine.
func (e *BleveEngine) Count(_ context.Context, index string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, err := e.index(index)
	if err != nil {
		return 0, err
	}
	n, err := idx.DocCount()
	if err != nil {
		return 0, merrors.EngineError("count documents", err, true)
	}
	return int(n), nil
}

// Close closes every open index.
func (e *BleveEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for name, idx := range e.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %s: %w", name, err)
		}
	}
	return firstErr
}
