package record

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Payload is the typed body of a record. The set of implementations is closed.
type Payload interface {
	RecordType() Type
	normalized() Payload
}

// Media is the payload of a TypeMedia record.
type Media struct {
	FeedID      string     `json:"feed_id,omitempty"`
	GUID        string     `json:"guid,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ContentURL  string     `json:"content_url"`
	ContentType string     `json:"content_type,omitempty"`
	Duration    float64    `json:"duration,omitempty"`
	Link        string     `json:"link,omitempty"`
	Image       string     `json:"image,omitempty"`
	Creators    []string   `json:"creators,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// RecordType implements Payload.
func (*Media) RecordType() Type { return TypeMedia }

func (m *Media) normalized() Payload {
	out := *m
	out.FeedID = nfc(m.FeedID)
	out.GUID = nfc(m.GUID)
	out.Title = nfc(m.Title)
	out.Description = nfc(m.Description)
	out.ContentURL = strings.TrimSpace(m.ContentURL)
	out.ContentType = strings.ToLower(strings.TrimSpace(m.ContentType))
	out.Link = strings.TrimSpace(m.Link)
	out.Image = strings.TrimSpace(m.Image)
	out.Creators = nfcAll(m.Creators)
	if m.PublishedAt != nil {
		ts := m.PublishedAt.UTC().Truncate(time.Second)
		out.PublishedAt = &ts
	}
	return &out
}

// Feed is the payload of a TypeFeed record.
type Feed struct {
	URL         string   `json:"url"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Link        string   `json:"link,omitempty"`
	Image       string   `json:"image,omitempty"`
	Language    string   `json:"language,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// RecordType implements Payload.
func (*Feed) RecordType() Type { return TypeFeed }

func (f *Feed) normalized() Payload {
	out := *f
	out.URL = strings.TrimSpace(f.URL)
	out.Title = nfc(f.Title)
	out.Description = nfc(f.Description)
	out.Link = strings.TrimSpace(f.Link)
	out.Image = strings.TrimSpace(f.Image)
	out.Language = strings.ToLower(strings.TrimSpace(f.Language))
	out.Categories = nfcAll(f.Categories)
	return &out
}

func nfc(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func nfcAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = nfc(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Normalize returns a copy of p with strings trimmed and NFC-normalized.
func Normalize(p Payload) Payload {
	if p == nil {
		return nil
	}
	return p.normalized()
}

// EncodePayload serializes a payload to JSON.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, merrors.ValidationError("nil payload", nil)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, merrors.ValidationError("encode payload", err)
	}
	return data, nil
}

// DecodePayload parses data as the payload variant for t.
func DecodePayload(t Type, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeMedia:
		p = &Media{}
	case TypeFeed:
		p = &Feed{}
	default:
		return nil, merrors.New(merrors.ErrCodeUnknownType, fmt.Sprintf("unknown record type %q", t), nil)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, merrors.ValidationError(fmt.Sprintf("decode %s payload", t), err)
	}
	return p, nil
}
