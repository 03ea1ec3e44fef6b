// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 DeskPet Contributors

package manifest

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// SchemaID is the $id of the generated schema, usable from editors via a
// yaml-language-server modeline.
const SchemaID = "https://deskpet.dev/schemas/backend.schema.json"

var compiled = sync.OnceValues(compileSchema)

// GenerateSchema reflects the JSON Schema for backend.yaml.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := r.Reflect(&Manifest{})
	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "DeskPet Backend Manifest"
	schema.Description = "Schema for backend.yaml manifest files"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, oops.In("manifest").Wrapf(err, "marshal schema")
	}
	return data, nil
}

func compileSchema() (*jschema.Schema, error) {
	raw, err := GenerateSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, oops.In("manifest").Wrapf(err, "parse schema")
	}

	c := jschema.NewCompiler()
	if err := c.AddResource("backend.schema.json", doc); err != nil {
		return nil, oops.In("manifest").Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile("backend.schema.json")
	if err != nil {
		return nil, oops.In("manifest").Wrapf(err, "compile schema")
	}
	return sch, nil
}

// ValidateSchema checks a backend.yaml document against the schema. It
// reports structural problems such as unknown keys that Parse ignores.
func ValidateSchema(data []byte) error {
	if len(data) == 0 {
		return invalid().Errorf("manifest data is empty")
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return invalid().Wrapf(err, "invalid YAML")
	}

	sch, err := compiled()
	if err != nil {
		return err
	}
	if err := sch.Validate(toJSONTypes(doc)); err != nil {
		return invalid().Wrapf(err, "schema validation failed")
	}
	return nil
}

// toJSONTypes rebuilds a decoded YAML tree so nested maps and slices have
// the plain types the validator walks.
func toJSONTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONTypes(item)
		}
		return out
	default:
		return val
	}
}
