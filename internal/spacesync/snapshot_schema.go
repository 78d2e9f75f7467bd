package spacesync

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// snapshotSchema guards against loading a state file written by something
// other than this process (or a truncated/corrupted one). Verification by
// read-back catches torn writes; this catches shape drift.
const snapshotSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["spaces", "closedSpaces"],
  "properties": {
    "spaces": {"$ref": "#/$defs/spaceMap"},
    "closedSpaces": {"$ref": "#/$defs/spaceMap"},
    "changeCount": {"type": "integer", "minimum": 0}
  },
  "$defs": {
    "spaceMap": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/space"}
    },
    "space": {
      "type": "object",
      "required": ["id", "name", "version"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "windowId": {"type": "string"},
        "name": {"type": "string"},
        "isCustomName": {"type": "boolean"},
        "urls": {"type": ["array", "null"], "items": {"type": "string"}},
        "version": {"type": "integer", "minimum": 1},
        "isActive": {"type": "boolean"},
        "createdAt": {"type": "string"},
        "lastModified": {"type": "string"},
        "lastUsed": {"type": "string"}
      }
    }
  }
}`

var (
	snapshotSchemaOnce     sync.Once
	snapshotSchemaCompiled *jsonschema.Schema
	snapshotSchemaErr      error
)

func compiledSnapshotSchema() (*jsonschema.Schema, error) {
	snapshotSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchema))
		if err != nil {
			snapshotSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("snapshot.schema.json", doc); err != nil {
			snapshotSchemaErr = err
			return
		}
		snapshotSchemaCompiled, snapshotSchemaErr = compiler.Compile("snapshot.schema.json")
	})
	return snapshotSchemaCompiled, snapshotSchemaErr
}

func validateSnapshotBytes(data []byte) error {
	schema, err := compiledSnapshotSchema()
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("snapshot is not valid json: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("snapshot schema violation: %w", err)
	}
	return nil
}
