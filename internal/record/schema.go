package record

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	merrors "github.com/Aman-CERP/mediasync/internal/errors"
)

//go:embed schema.cue
var schemaSource string

var definitions = map[Type]string{
	TypeMedia: "#Media",
	TypeFeed:  "#Feed",
}

// Validator checks payloads against the embedded CUE schema.
// cue.Context is not safe for concurrent use, so calls are serialized.
type Validator struct {
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// NewValidator compiles the embedded schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return nil, merrors.InternalError("compile payload schema", err)
	}
	return &Validator{ctx: ctx, schema: schema}, nil
}

// Validate reports a ValidationError if p does not satisfy its schema.
func (v *Validator) Validate(p Payload) error {
	if p == nil {
		return merrors.ValidationError("nil payload", nil)
	}
	def, ok := definitions[p.RecordType()]
	if !ok {
		return merrors.New(merrors.ErrCodeUnknownType, fmt.Sprintf("no schema for %q", p.RecordType()), nil)
	}
	data, err := EncodePayload(p)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	value := v.ctx.CompileBytes(data)
	if err := value.Err(); err != nil {
		return merrors.ValidationError("payload is not valid JSON", err)
	}
	unified := v.schema.LookupPath(cue.ParsePath(def)).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return merrors.ValidationError(fmt.Sprintf("%s payload rejected: %v", p.RecordType(), err), err)
	}
	return nil
}
