package record

import (
	jsonpatch "github.com/evanphx/json-patch/v5"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

// MergePatch applies an RFC 7386 JSON merge patch to p and returns the
// resulting payload of the same type. Null values in the patch remove fields.
func MergePatch(p Payload, patch []byte) (Payload, error) {
	doc, err := EncodePayload(p)
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, merrors.ValidationError("apply merge patch", err)
	}
	return DecodePayload(p.RecordType(), merged)
}

// Diff returns the merge patch that turns from into to.
func Diff(from, to Payload) ([]byte, error) {
	a, err := EncodePayload(from)
	if err != nil {
		return nil, err
	}
	b, err := EncodePayload(to)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(a, b)
	if err != nil {
		return nil, merrors.ValidationError("create merge patch", err)
	}
	return patch, nil
}
