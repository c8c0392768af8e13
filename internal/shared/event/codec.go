package event

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaBaseURL = "https://notifyd.local/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

// Codec validates and (de)serializes envelopes against the embedded per-type
// JSON schemas. It is safe for concurrent use.
type Codec struct {
	envelope *jsonschema.Schema
	byType   map[Type]*jsonschema.Schema
}

// NewCodec compiles the envelope schema and one schema per known event type.
func NewCodec() (*Codec, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("event: read schemas: %w", err)
	}
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("event: read schema %s: %w", entry.Name(), err)
		}
		if err := c.AddResource(schemaBaseURL+entry.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("event: load schema %s: %w", entry.Name(), err)
		}
	}

	envelope, err := c.Compile(schemaBaseURL + "envelope.json")
	if err != nil {
		return nil, fmt.Errorf("event: compile envelope schema: %w", err)
	}

	codec := &Codec{envelope: envelope, byType: make(map[Type]*jsonschema.Schema, len(knownTypes))}
	for _, t := range knownTypes {
		s, err := c.Compile(schemaBaseURL + schemaFile(t))
		if err != nil {
			return nil, fmt.Errorf("event: compile %s schema: %w", t, err)
		}
		codec.byType[t] = s
	}

	return codec, nil
}

func schemaFile(t Type) string {
	return strings.ToLower(string(t)) + ".json"
}

// Decode validates raw and returns the typed event. Every rejection is a
// *SchemaViolation; unknown event types additionally match
// ErrUnknownEventType and still carry the eventId.
func (c *Codec) Decode(raw []byte) (Event, error) {
	if err := c.validate(raw); err != nil {
		return Event{}, err
	}

	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, violation(e.ID, e.Type, err)
	}

	return e.normalize(), nil
}

// Encode serializes e after checking it against the schema of its type, so
// anything Encode returns is accepted by Decode.
func (c *Codec) Encode(e Event) ([]byte, error) {
	raw, err := json.Marshal(e.normalize())
	if err != nil {
		return nil, fmt.Errorf("event: encode %s: %w", e.ID, err)
	}
	if err := c.validate(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Codec) validate(raw []byte) error {
	doc, err := decodeDocument(raw)
	if err != nil {
		return violation("", "", err)
	}

	fields, ok := doc.(map[string]any)
	if !ok {
		return violation("", "", errors.New("envelope must be a JSON object"))
	}
	id, _ := fields["eventId"].(string)
	typ, _ := fields["eventType"].(string)

	if err := c.envelope.Validate(doc); err != nil {
		return violation(id, Type(typ), err)
	}

	schema, ok := c.byType[Type(typ)]
	if !ok {
		return violation(id, Type(typ), ErrUnknownEventType)
	}
	if err := schema.Validate(doc); err != nil {
		return violation(id, Type(typ), err)
	}

	return nil
}

// decodeDocument parses raw the way the schema validator expects: numbers stay
// json.Number and nothing may follow the top-level value.
func decodeDocument(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after envelope")
	}
	return doc, nil
}
