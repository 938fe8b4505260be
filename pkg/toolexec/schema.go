package toolexec

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	schemav6 "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kadirpekel/agentorch/pkg/model"
)

// reflector derives JSON Schemas from the typed argument structs the same
// way the teacher's function-tool layer does: required-ness and
// descriptions come from `jsonschema:"..."` struct tags, everything
// inlined rather than split into $defs.
var reflector = &jsonschema.Reflector{
	RequiredFromJSONSchemaTags: true,
	ExpandedStruct:             true,
	DoNotReference:             true,
}

// SchemaFor returns the JSON Schema document for a tool's argument struct.
func SchemaFor(tool model.ToolName) ([]byte, error) {
	var schema *jsonschema.Schema
	switch tool {
	case model.ToolExecuteBash:
		schema = reflector.Reflect(new(BashArgs))
	case model.ToolExecuteScript:
		schema = reflector.Reflect(new(ScriptArgs))
	case model.ToolReadFile:
		schema = reflector.Reflect(new(ReadFileArgs))
	case model.ToolWriteFile:
		schema = reflector.Reflect(new(WriteFileArgs))
	case model.ToolListFiles:
		schema = reflector.Reflect(new(ListFilesArgs))
	default:
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	return json.Marshal(schema)
}

// ValidateArguments checks a step's arguments map against tool's schema.
// A validation failure is a Parse-class error per the spec's error
// taxonomy (§7): the step fails without the tool ever being invoked.
func ValidateArguments(tool model.ToolName, arguments map[string]any) error {
	schemaBytes, err := SchemaFor(tool)
	if err != nil {
		return err
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("decode generated schema for %s: %w", tool, err)
	}

	compiler := schemav6.NewCompiler()
	resourceName := string(tool) + ".json"
	if err := compiler.AddResource(resourceName, schemaDoc); err != nil {
		return fmt.Errorf("load schema for %s: %w", tool, err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool, err)
	}

	// santhosh-tekuri/jsonschema validates against map[string]any/[]any/
	// primitive document shapes, which is exactly what a decoded Step's
	// Arguments field already is.
	if err := compiled.Validate(toGenericMap(arguments)); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", tool, err)
	}
	return nil
}

func toGenericMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
