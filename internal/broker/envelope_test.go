package broker

import (
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

func TestEncode_MatchesGoldenV1(t *testing.T) {
	// Given: a fully populated envelope with fixed values
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env := Envelope{
		ID:          "task-1",
		Task:        "index_media",
		Args:        Args{RecordID: "oas.Media_abc", Revision: 3},
		MaxAttempts: 5,
		ETA:         at,
		PublishedAt: at,
	}

	// When: encoding it
	data, err := Encode(env)
	require.NoError(t, err)

	// Then: the wire format is stable
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "envelope_v1", data)
}

func TestDecode_Compatibility(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode string
		check    func(t *testing.T, env Envelope)
	}{
		{
			name:  "unknown fields are ignored",
			input: `{"v":2,"id":"a","task":"index_media","args":{"record_id":"r","revision":1,"shard":7},"priority":"high"}`,
			check: func(t *testing.T, env Envelope) {
				assert.Equal(t, 2, env.Version)
				assert.Equal(t, "r", env.Args.RecordID)
				assert.Equal(t, int64(1), env.Args.Revision)
			},
		},
		{
			name:  "missing version defaults to current",
			input: `{"id":"a","task":"index_media","args":{"record_id":"r"}}`,
			check: func(t *testing.T, env Envelope) {
				assert.Equal(t, EnvelopeVersion, env.Version)
				assert.Zero(t, env.Attempt)
				assert.True(t, env.ETA.IsZero())
			},
		},
		{
			name:     "missing task name",
			input:    `{"v":1,"id":"a","args":{"record_id":"r"}}`,
			wantCode: merrors.ErrCodeMalformedTask,
		},
		{
			name:     "missing record id",
			input:    `{"v":1,"id":"a","task":"index_media","args":{}}`,
			wantCode: merrors.ErrCodeMalformedTask,
		},
		{
			name:     "not json",
			input:    `index_media oas.Media_abc`,
			wantCode: merrors.ErrCodeMalformedTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.input))
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, merrors.GetCode(err))
				assert.False(t, merrors.IsRetryable(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, env)
		})
	}
}

func TestEncodeDecode_PreservesContext(t *testing.T) {
	// Given: an envelope carrying context
	env := Envelope{
		ID:   "b",
		Task: "index_feed",
		Args: Args{RecordID: "oas.Feed_x", Revision: 9, Context: map[string]string{"origin": "crawler"}},
	}

	// When: round-tripping through the wire format
	data, err := Encode(env)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)

	// Then: context survives and the version is stamped
	assert.Equal(t, "crawler", got.Args.Context["origin"])
	assert.Equal(t, EnvelopeVersion, got.Version)
}
