package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arborly/tuplebox"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

const sample = `{
  // Parent: child object -> parent object.
  "relations": [
    { "name": "Parent", "id": 1, "has_inverse": true },
    { "name": "Location", "id": 2, "has_inverse": true },
    {
      "name": "Composite",
      "id": 3,
      "composite": { "width_a": 8, "width_b": 8 },
    },
  ],
}
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestLoadSchemaParsesJSONCWithComments(t *testing.T) {
	path := writeSample(t)
	schema, err := LoadSchema(path)
	require.NoError(t, err)

	def, ok := schema.LookupByName("Parent")
	require.True(t, ok)
	require.Equal(t, tuplebox.RelationID(1), def.ID)
	require.True(t, def.HasInverse)

	def, ok = schema.LookupByName("Composite")
	require.True(t, ok)
	require.NotNil(t, def.Composite)
	require.Equal(t, 8, def.Composite.WidthA)
	require.Equal(t, 8, def.Composite.WidthB)
}

func TestFormatSchemaRoundTrips(t *testing.T) {
	built := tuplebox.NewSchema().
		Define(tuplebox.RelationDef{Name: "Parent", ID: 1, HasInverse: true}).
		Define(tuplebox.RelationDef{Name: "Composite", ID: 3, Composite: &tuplebox.CompositeDomain{WidthA: 8, WidthB: 8}})

	formatted, err := FormatSchema(built)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "formatted.json")
	require.NoError(t, os.WriteFile(path, []byte(formatted), 0o644))

	reloaded, err := LoadSchema(path)
	require.NoError(t, err)

	diff := cmp.Diff(
		built.All(),
		reloaded.All(),
		cmpopts.SortSlices(func(a, b tuplebox.RelationDef) bool { return a.ID < b.ID }),
	)
	require.Empty(t, diff)
}
