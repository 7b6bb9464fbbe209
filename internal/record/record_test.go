package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

func TestGUID_RoundTrip(t *testing.T) {
	id := GUID(TypeMedia, "a1b2")
	assert.Equal(t, "oas.Media_a1b2", id)

	typ, local, err := ParseGUID(id)
	require.NoError(t, err)
	assert.Equal(t, TypeMedia, typ)
	assert.Equal(t, "a1b2", local)
}

func TestParseGUID_Rejects(t *testing.T) {
	tests := []struct {
		id   string
		code string
	}{
		{"", merrors.ErrCodeInvalidInput},
		{"nounderscore", merrors.ErrCodeInvalidInput},
		{"oas.Media_", merrors.ErrCodeInvalidInput},
		{"oas.Podcast_1", merrors.ErrCodeUnknownType},
	}
	for _, tt := range tests {
		_, _, err := ParseGUID(tt.id)
		require.Error(t, err, tt.id)
		assert.Equal(t, tt.code, merrors.GetCode(err), tt.id)
	}
}

func TestType_Short(t *testing.T) {
	assert.Equal(t, "media", TypeMedia.Short())
	assert.Equal(t, "feed", TypeFeed.Short())
	assert.True(t, TypeFeed.Valid())
	assert.False(t, Type("oas.Other").Valid())
}

func TestDecodePayload_PicksVariantByType(t *testing.T) {
	p, err := DecodePayload(TypeMedia, []byte(`{"title":"Ep 1","content_url":"https://cdn.example/1.mp3","duration":61.5,"extra":"ignored"}`))
	require.NoError(t, err)

	m, ok := p.(*Media)
	require.True(t, ok)
	assert.Equal(t, "Ep 1", m.Title)
	assert.Equal(t, 61.5, m.Duration)

	rec := &Record{Type: TypeMedia, Payload: p}
	assert.NotNil(t, rec.Media())
	assert.Nil(t, rec.Feed())
}

func TestDecodePayload_Errors(t *testing.T) {
	_, err := DecodePayload(Type("oas.Other"), []byte(`{}`))
	assert.Equal(t, merrors.ErrCodeUnknownType, merrors.GetCode(err))

	_, err = DecodePayload(TypeFeed, []byte(`{"url":`))
	assert.Equal(t, merrors.ErrCodeInvalidInput, merrors.GetCode(err))
	assert.False(t, merrors.IsRetryable(err))
}

func TestContentHash_StableAcrossNormalization(t *testing.T) {
	// Given: the same title in composed and decomposed form plus stray whitespace
	published := time.Date(2026, 3, 1, 12, 0, 0, 500, time.FixedZone("X", 3600))
	a := &Media{Title: "Caf\u00e9 talk", ContentURL: "https://cdn.example/a.mp3", PublishedAt: &published}
	utc := published.UTC()
	b := &Media{Title: "  Cafe\u0301 talk ", ContentURL: "https://cdn.example/a.mp3 ", PublishedAt: &utc}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)

	// Then: hashes match, and a real change alters the hash
	assert.Equal(t, ha, hb)
	b.Title = "Cafe talk"
	hc, err := ContentHash(b)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}

func TestContentHash_TypeIsPartOfDigest(t *testing.T) {
	hm, err := ContentHash(&Media{Title: "x"})
	require.NoError(t, err)
	hf, err := ContentHash(&Feed{Title: "x"})
	require.NoError(t, err)
	assert.NotEqual(t, hm, hf)
}

func TestIdentityHash(t *testing.T) {
	assert.Len(t, IdentityHash("urn:uuid:1"), 32)
	assert.Equal(t, IdentityHash("Caf\u00e9"), IdentityHash("Cafe\u0301"))
	assert.NotEqual(t, IdentityHash("a"), IdentityHash("b"))
}
