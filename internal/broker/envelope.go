package broker

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// EnvelopeVersion is the wire version written by this build. Decoders accept
// any version and ignore unknown fields; new fields must be optional.
const EnvelopeVersion = 1

// Args identify the work. Handlers re-read everything else from the store.
type Args struct {
	RecordID string            `json:"record_id"`
	Revision int64             `json:"revision"`
	Context  map[string]string `json:"context,omitempty"`
}

// Envelope is the message carried by the broker.
type Envelope struct {
	Version     int       `json:"v"`
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	Args        Args      `json:"args"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts,omitempty"`
	ETA         time.Time `json:"eta"`
	PublishedAt time.Time `json:"published_at"`
}

// Encode serializes env in the wire format.
func Encode(env Envelope) ([]byte, error) {
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, merrors.New(merrors.ErrCodeMalformedTask, "encode envelope", err)
	}
	return data, nil
}

// Decode parses a wire envelope. Messages without a task name or record id
// are malformed and cannot be retried.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, merrors.New(merrors.ErrCodeMalformedTask, "decode envelope", err)
	}
	if env.Version == 0 {
		env.Version = EnvelopeVersion
	}
	if env.Task == "" {
		return env, merrors.New(merrors.ErrCodeMalformedTask, fmt.Sprintf("envelope %s has no task name", env.ID), nil)
	}
	if env.Args.RecordID == "" {
		return env, merrors.New(merrors.ErrCodeMalformedTask, fmt.Sprintf("envelope %s has no record id", env.ID), nil)
	}
	return env, nil
}
