package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/terryholliday/WVSNP-sub002/pkg/faults"
)

// Wire is the JSON form of a command as received from the transport.
type Wire struct {
	Type           string          `json:"type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Actor          Actor           `json:"actor"`
	CorrelationID  string          `json:"correlation_id"`
	CausationID    string          `json:"causation_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// Envelope returns the cross-cutting fields of w.
func (w Wire) Envelope() Envelope {
	return Envelope{
		IdempotencyKey: w.IdempotencyKey,
		Actor:          w.Actor,
		CorrelationID:  w.CorrelationID,
		CausationID:    w.CausationID,
	}
}

// Encode builds the wire form of a command.
func Encode(env Envelope, cmd Command) (Wire, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Wire{}, fmt.Errorf("command: encode %s: %w", cmd.Type(), err)
	}
	return Wire{
		Type:           cmd.Type(),
		IdempotencyKey: env.IdempotencyKey,
		Actor:          env.Actor,
		CorrelationID:  env.CorrelationID,
		CausationID:    env.CausationID,
		Payload:        payload,
	}, nil
}

// Decode parses one wire command. The payload is checked against the
// command's JSON Schema before it is bound to its variant; every failure is
// a ValidationError.
func Decode(raw []byte) (Envelope, Command, error) {
	var w Wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, nil, faults.Validation("malformed command: %v", err)
	}
	return DecodeWire(w)
}

// DecodeWire validates and binds an already parsed wire command.
func DecodeWire(w Wire) (Envelope, Command, error) {
	env := w.Envelope()
	if err := env.Validate(); err != nil {
		return env, nil, err
	}
	decode, ok := decoders[w.Type]
	if !ok {
		return env, nil, faults.Validation("unknown command type %q", w.Type)
	}
	if len(bytes.TrimSpace(w.Payload)) == 0 {
		return env, nil, faults.Validation("%s: payload is required", w.Type)
	}

	schema, err := schemaFor(w.Type)
	if err != nil {
		return env, nil, err
	}
	var doc any
	if err := json.Unmarshal(w.Payload, &doc); err != nil {
		return env, nil, faults.Validation("%s: payload: %v", w.Type, err)
	}
	if err := schema.Validate(doc); err != nil {
		return env, nil, faults.Validation("%s: %s", w.Type, schemaMessage(err))
	}

	cmd, err := decode(w.Payload)
	if err != nil {
		return env, nil, err
	}
	if err := cmd.Validate(); err != nil {
		return env, nil, err
	}
	return env, cmd, nil
}

func decodeAs[C Command](raw json.RawMessage) (Command, error) {
	var c C
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		var fe *faults.Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, faults.Validation("%s: %v", c.Type(), err)
	}
	return c, nil
}

func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var parts []string
	for _, leaf := range leaves(ve) {
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		parts = append(parts, loc+": "+leaf.Message)
	}
	return strings.Join(parts, "; ")
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemaFor(typ string) (*jsonschema.Schema, error) {
	compileOnce.Do(func() { compiled, compileErr = compileSchemas() })
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[typ]
	if !ok {
		return nil, fmt.Errorf("command: no schema for %s", typ)
	}
	return s, nil
}

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(schemaBase+"common.schema.json", strings.NewReader(commonSchema)); err != nil {
		return nil, fmt.Errorf("command: load common schema: %w", err)
	}
	for typ, doc := range payloadSchemas {
		if err := c.AddResource(schemaURL(typ), strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("command: load schema %s: %w", typ, err)
		}
	}

	out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
	for typ := range payloadSchemas {
		s, err := c.Compile(schemaURL(typ))
		if err != nil {
			return nil, fmt.Errorf("command: compile schema %s: %w", typ, err)
		}
		out[typ] = s
	}
	return out, nil
}

const schemaBase = "https://grantledger.schemas.local/commands/"

func schemaURL(typ string) string { return schemaBase + typ + ".schema.json" }
