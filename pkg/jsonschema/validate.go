// SPDX-License-Identifier: Apache-2.0

package jsonschema

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator validates records against a compiled stream schema. It is
// built once per SCHEMA message (Buffer.UpdateSchema) and reused for every
// RECORD that follows, since compiling a schema is considerably more
// expensive than validating against it.
type Validator struct {
	compiled *jsonschema.Schema
}

// CompileValidator compiles the given (already-simplified) schema for
// record validation. The schema is round-tripped through encoding/json
// because the jsonschema package compiles from its own decoded
// representation rather than a bare map[string]any.
func CompileValidator(root Schema) (*Validator, error) {
	raw, err := json.Marshal(map[string]any(root))
	if err != nil {
		return nil, fmt.Errorf("marshaling schema for compilation: %w", err)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding schema for compilation: %w", err)
	}

	// Simplify turns a missing root "type" into an empty list, which the
	// JSON-Schema metaschema does not allow; an empty list declares no type,
	// so it is dropped before compilation.
	if m, ok := doc.(map[string]any); ok {
		if types, ok := m["type"].([]any); ok && len(types) == 0 {
			delete(m, "type")
		}
	}

	c := jsonschema.NewCompiler()
	const resourceURL = "targetpg://stream-schema.json"
	if err := c.AddResource(resourceURL, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}

	compiled, err := c.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}

	return &Validator{compiled: compiled}, nil
}

// Validate checks a decoded record against the compiled schema.
func (v *Validator) Validate(record map[string]any) error {
	return v.compiled.Validate(record)
}
