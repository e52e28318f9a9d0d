package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

const schemaBase = "https://stopgo.local/schemas/"

// inboundSchemas maps each participant message type to its schema file.
var inboundSchemas = map[string]string{
	TypeJoin:     "join.json",
	TypeDone:     "done.json",
	TypeEmail:    "text.json",
	TypeFeedback: "text.json",
}

// Validator checks inbound frames against the embedded JSON schemas.
type Validator struct {
	envelope *jsonschema.Schema
	byType   map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schema directory: %w", err)
	}
	for _, entry := range entries {
		data, err := schemaFiles.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBase+entry.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
	}

	v := &Validator{byType: make(map[string]*jsonschema.Schema)}
	if v.envelope, err = compiler.Compile(schemaBase + "message.json"); err != nil {
		return nil, fmt.Errorf("compile message.json: %w", err)
	}
	for msgType, file := range inboundSchemas {
		schema, err := compiler.Compile(schemaBase + file)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}
		v.byType[msgType] = schema
	}
	return v, nil
}

// Validate checks raw against the envelope schema and the schema of its
// message type. Unknown participant message types are rejected.
func (v *Validator) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.envelope.Validate(doc); err != nil {
		return fmt.Errorf("message format validation failed: %w", err)
	}

	msgType, _ := doc.(map[string]any)["type"].(string)
	schema, ok := v.byType[msgType]
	if !ok {
		return fmt.Errorf("unknown message type: %s", msgType)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s validation failed: %w", msgType, err)
	}
	return nil
}
