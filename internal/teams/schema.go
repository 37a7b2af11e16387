package teams

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Sidecars are validated before decoding so a hand-edited or truncated
// document is rejected with a useful message instead of a half-loaded record.
const sidecarSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["team_name", "founder", "other_members", "dm_channel", "data_folder", "creation_time"],
  "properties": {
    "team_name": {"type": "string", "minLength": 1},
    "founder": {"type": ["integer", "null"]},
    "other_members": {"type": "array", "items": {"type": "integer"}},
    "read_message_ids": {"type": "array", "items": {"type": "integer"}},
    "dm_channel": {"type": ["integer", "null"]},
    "old_members": {"type": "array", "items": {"type": "integer"}},
    "guild": {"type": "integer"},
    "data_folder": {"type": "string"},
    "creation_time": {"type": "number"}
  }
}`

var (
	sidecarSchemaOnce     sync.Once
	sidecarSchemaCompiled *jsonschema.Schema
	sidecarSchemaErr      error
)

func compiledSidecarSchema() (*jsonschema.Schema, error) {
	sidecarSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sidecarSchema))
		if err != nil {
			sidecarSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("team_record.json", doc); err != nil {
			sidecarSchemaErr = err
			return
		}
		sidecarSchemaCompiled, sidecarSchemaErr = compiler.Compile("team_record.json")
	})
	return sidecarSchemaCompiled, sidecarSchemaErr
}

func validateSidecar(data []byte) error {
	schema, err := compiledSidecarSchema()
	if err != nil {
		return err
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("sidecar is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("sidecar schema: %w", err)
	}
	return nil
}
