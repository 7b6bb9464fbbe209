package indexer

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
	"github.com/Aman-CERP/mediasync/internal/record"
	"github.com/Aman-CERP/mediasync/internal/search"
)

// Projector builds the search document for one record.
type Projector func(r *record.Record) (*search.Document, error)

// projections is the static per-type table. A type without an entry cannot
// be indexed.
var projections = map[record.Type]Projector{
	record.TypeMedia: projectMedia,
	record.TypeFeed:  projectFeed,
}

func unprojectable(r *record.Record, reason string) error {
	return merrors.New(merrors.ErrCodeUnprojectable, "cannot project "+r.ID+": "+reason, nil).
		WithDetail("record_id", r.ID).
		WithDetail("type", string(r.Type))
}

func projectMedia(r *record.Record) (*search.Document, error) {
	m := r.Media()
	if m == nil {
		return nil, unprojectable(r, "payload is not media")
	}
	if strings.TrimSpace(m.Title) == "" && m.ContentURL == "" {
		return nil, unprojectable(r, "media has neither title nor content url")
	}

	url := m.Link
	if url == "" {
		url = m.ContentURL
	}
	return &search.Document{
		ID:          r.ID,
		Type:        string(r.Type),
		Title:       m.Title,
		Body:        plainText(m.Description),
		URL:         url,
		FeedID:      m.FeedID,
		Tags:        m.Creators,
		PublishedAt: m.PublishedAt,
	}, nil
}

func projectFeed(r *record.Record) (*search.Document, error) {
	f := r.Feed()
	if f == nil {
		return nil, unprojectable(r, "payload is not a feed")
	}
	if f.URL == "" {
		return nil, unprojectable(r, "feed has no url")
	}

	title := f.Title
	if title == "" {
		title = f.URL
	}
	return &search.Document{
		ID:    r.ID,
		Type:  string(r.Type),
		Title: title,
		Body:  plainText(f.Description),
		URL:   f.URL,
		Tags:  f.Categories,
	}, nil
}

// plainText converts feed HTML to markdown. Input that fails to convert is
// kept as is.
func plainText(html string) string {
	if !strings.ContainsAny(html, "<&") {
		return strings.TrimSpace(html)
	}
	md, err := htmltomarkdown.ConvertString(html)
	if err != nil {
		return strings.TrimSpace(html)
	}
	return strings.TrimSpace(md)
}
