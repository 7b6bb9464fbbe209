// Package record defines the records mediasync persists: a closed set of
// record types, each with a typed payload, plus the change events the record
// store emits when a record is written.
package record

import (
	"fmt"
	"strings"
	"time"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// Type tags a record's payload variant.
type Type string

const (
	// TypeMedia is a single media item (episode, video, track).
	TypeMedia Type = "oas.Media"
	// TypeFeed is a syndication feed that media items belong to.
	TypeFeed Type = "oas.Feed"
)

// Types lists every known record type.
var Types = []Type{TypeMedia, TypeFeed}

// Valid reports whether t is a known record type.
func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

// Short returns the type name without namespace ("media", "feed").
func (t Type) Short() string {
	s := string(t)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}

// Record is the authoritative unit stored in the record store.
type Record struct {
	ID          string
	Type        Type
	Revision    int64
	Payload     Payload
	SourceURL   string
	ContentHash string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Deleted     bool
}

// Media returns the payload as *Media, or nil for other types.
func (r *Record) Media() *Media {
	m, _ := r.Payload.(*Media)
	return m
}

// Feed returns the payload as *Feed, or nil for other types.
func (r *Record) Feed() *Feed {
	f, _ := r.Payload.(*Feed)
	return f
}

// ChangeEvent is one entry of the store's changes feed. Sequences are global,
// strictly increasing and gapless.
type ChangeEvent struct {
	Sequence int64
	RecordID string
	Type     Type
	Revision int64
	Deleted  bool
}

// GUID builds a record id of the form "{type}_{localID}".
func GUID(t Type, localID string) string {
	return string(t) + "_" + localID
}

// ParseGUID splits a record id into its type and local id.
func ParseGUID(id string) (Type, string, error) {
	i := strings.IndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return "", "", merrors.New(merrors.ErrCodeInvalidInput, fmt.Sprintf("malformed record id %q", id), nil)
	}
	t := Type(id[:i])
	if !t.Valid() {
		return "", "", merrors.New(merrors.ErrCodeUnknownType, fmt.Sprintf("unknown record type %q in id %q", t, id), nil)
	}
	return t, id[i+1:], nil
}
