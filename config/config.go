// Package config loads a relation schema (spec.md §6) from a human-edited
// JSON-with-comments file, the way calvinalkan-agent-task's config.go
// standardizes a JSONC file before unmarshalling it with the standard
// encoding/json package: github.com/tailscale/hujson strips comments and
// trailing commas, nothing else in this package is hujson-specific.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/arborly/tuplebox"
	"github.com/tailscale/hujson"
)

// relationSpec is the on-disk shape of one relation declaration.
type relationSpec struct {
	Name       string `json:"name"`
	ID         int    `json:"id"`
	HasInverse bool   `json:"has_inverse,omitempty"`
	Composite  *struct {
		WidthA int `json:"width_a"`
		WidthB int `json:"width_b"`
	} `json:"composite,omitempty"`
}

// schemaSpec is the on-disk shape of a whole schema file.
type schemaSpec struct {
	Relations []relationSpec `json:"relations"`
}

// LoadSchema reads a JSONC schema file, standardizes it to strict JSON, and
// builds a tuplebox.Schema from it. This lets an embedding application check
// a relation catalogue into version control with inline comments explaining
// each relation's purpose (SPEC_FULL §A.3).
func LoadSchema(path string) (*tuplebox.Schema, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path is caller-supplied by design
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: invalid JSONC: %w", path, err)
	}

	var spec schemaSpec
	if err := json.Unmarshal(standardized, &spec); err != nil {
		return nil, fmt.Errorf("config: %s: invalid schema: %w", path, err)
	}

	schema := tuplebox.NewSchema()
	for _, rs := range spec.Relations {
		def := tuplebox.RelationDef{
			Name:       rs.Name,
			ID:         tuplebox.RelationID(rs.ID),
			HasInverse: rs.HasInverse,
		}
		if rs.Composite != nil {
			def.Composite = &tuplebox.CompositeDomain{
				WidthA: rs.Composite.WidthA,
				WidthB: rs.Composite.WidthB,
			}
		}
		schema.Define(def)
	}
	return schema, nil
}

// FormatSchema renders a schema back to indented JSON, for diagnostics or
// round-tripping a programmatically-built schema into a checked-in file.
func FormatSchema(schema *tuplebox.Schema) (string, error) {
	spec := schemaSpec{}
	for _, def := range schema.All() {
		rs := relationSpec{Name: def.Name, ID: int(def.ID), HasInverse: def.HasInverse}
		if def.Composite != nil {
			rs.Composite = &struct {
				WidthA int `json:"width_a"`
				WidthB int `json:"width_b"`
			}{WidthA: def.Composite.WidthA, WidthB: def.Composite.WidthB}
		}
		spec.Relations = append(spec.Relations, rs)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: format schema: %w", err)
	}
	return string(data), nil
}
