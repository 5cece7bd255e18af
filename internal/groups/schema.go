package groups

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const groupDefs = `"$defs": {
		"tab": {
			"type": "object",
			"required": ["id", "url"],
			"properties": {
				"id": {"type": "string"},
				"url": {"type": "string"},
				"title": {"type": "string"},
				"favIconUrl": {"type": "string"}
			}
		},
		"group": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"title": {"type": "string"},
				"items": {"type": "array", "items": {"$ref": "#/$defs/tab"}},
				"pinned": {"type": "boolean"},
				"collapsed": {"type": "boolean"},
				"order": {"type": "number"},
				"color": {"type": "string"},
				"createdAt": {"type": "integer", "minimum": 0},
				"updatedAt": {"type": "integer", "minimum": 0}
			}
		}
	}`

const exportSchemaSource = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["groups"],
	"properties": {
		"groups": {"type": "array", "items": {"$ref": "#/$defs/group"}}
	},
	` + groupDefs + `
}`

const documentSchemaSource = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": ["object", "null"],
	"additionalProperties": {"$ref": "#/$defs/group"},
	` + groupDefs + `
}`

const (
	exportSchemaURL   = "https://tabstash.dev/schema/export.json"
	documentSchemaURL = "https://tabstash.dev/schema/document.json"
)

var (
	schemaOnce     sync.Once
	schemaErr      error
	exportSchema   *jsonschema.Schema
	documentSchema *jsonschema.Schema
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for url, src := range map[string]string{
			exportSchemaURL:   exportSchemaSource,
			documentSchemaURL: documentSchemaSource,
		} {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				schemaErr = fmt.Errorf("parse schema %s: %w", url, err)
				return
			}
			if err := c.AddResource(url, doc); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", url, err)
				return
			}
		}
		if exportSchema, schemaErr = c.Compile(exportSchemaURL); schemaErr != nil {
			return
		}
		documentSchema, schemaErr = c.Compile(documentSchemaURL)
	})
	return schemaErr
}

func validateAgainst(schema func() *jsonschema.Schema, data []byte) error {
	if err := loadSchemas(); err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return invalidf("malformed json: %v", err)
	}
	if err := schema().Validate(inst); err != nil {
		return invalidf("schema violation: %v", err)
	}
	return nil
}

// ValidateDocument checks raw bytes against the remote account document
// schema: an object keyed by group id, or null.
func ValidateDocument(data []byte) error {
	return validateAgainst(func() *jsonschema.Schema { return documentSchema }, data)
}

// ValidateExport checks raw bytes against the export file schema.
func ValidateExport(data []byte) error {
	return validateAgainst(func() *jsonschema.Schema { return exportSchema }, data)
}
