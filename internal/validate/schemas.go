package validate

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonschema"

	"github.com/roach88/querypilot/internal/ir"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// advancedSchemas holds the compiled parameter schema of each advanced kind.
var advancedSchemas = mustCompileSchemas()

func mustCompileSchemas() map[ir.AdvancedKind]*jsonschema.Schema {
	out := make(map[ir.AdvancedKind]*jsonschema.Schema, len(ir.ValidAdvancedKinds))
	for kind := range ir.ValidAdvancedKinds {
		data, err := schemaFS.ReadFile("schemas/" + string(kind) + ".json")
		if err != nil {
			panic(fmt.Sprintf("validate: missing schema for %s: %v", kind, err))
		}
		schema, err := jsonschema.NewCompiler().Compile(data)
		if err != nil {
			panic(fmt.Sprintf("validate: invalid schema for %s: %v", kind, err))
		}
		out[kind] = schema
	}
	return out
}

// checkSchema validates doc against the schema of kind. It returns "" when
// the document conforms, otherwise the schema violations in key order.
func checkSchema(kind ir.AdvancedKind, doc ir.Document) string {
	schema, ok := advancedSchemas[kind]
	if !ok {
		return ""
	}

	var data map[string]any
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(doc.JSON(), &data); err != nil {
		return err.Error()
	}

	result := schema.Validate(data)
	if result.IsValid() {
		return ""
	}

	keys := make([]string, 0, len(result.Errors))
	for k := range result.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, fmt.Sprintf("%s: %s", k, result.Errors[k].Message))
	}
	if len(msgs) == 0 {
		return "does not match schema"
	}
	return strings.Join(msgs, "; ")
}
