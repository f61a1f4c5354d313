package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"agentd/internal/chat"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaCacheMu sync.Mutex
	schemaCache   = map[string]*jsonschema.Schema{}
)

// ValidateArgs checks raw tool arguments against the tool's declared JSON
// schema. Any failure is a domain error the runner turns into a synthetic
// error tool result; raw parse panics never reach the turn log.
func ValidateArgs(def chat.ToolDef, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("parse arguments: %w", err)
	}
	if def.Function.Parameters == nil {
		return nil
	}

	schema, err := compiledSchema(def.Function.Name, def.Function.Parameters)
	if err != nil {
		// An unloadable schema must not block the tool; the tool's own
		// argument handling is the second line of defense.
		return nil
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}

func compiledSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	key := name + ":" + string(raw)

	schemaCacheMu.Lock()
	defer schemaCacheMu.Unlock()
	if s, ok := schemaCache[key]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "agentd://tools/" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	schemaCache[key] = schema
	return schema, nil
}
