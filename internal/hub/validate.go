package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flomonster/sentryhub/internal/relay"
	"github.com/flomonster/sentryhub/pkg/models"
)

// validateCapability enforces the dispatcher-level rules on shell-native
// tool inputs: files path validation and view_state target checks
// (spec §4.4). Tools without capability rules pass through.
func validateCapability(toolName string, input json.RawMessage) error {
	switch toolName {
	case "files":
		var msg struct {
			Action string `json:"action"`
			Path   string `json:"path"`
		}
		if len(input) > 0 {
			_ = json.Unmarshal(input, &msg)
		}
		if directoryAction(msg.Action) && relay.IsDirectoryRoot(msg.Path) {
			return nil
		}
		return relay.ValidateFilePath(msg.Path)
	case "view_state":
		var msg struct {
			State  string `json:"state"`
			Mobile bool   `json:"mobile"`
		}
		if len(input) > 0 {
			_ = json.Unmarshal(input, &msg)
		}
		return relay.ValidateViewState(msg.State, msg.Mobile)
	default:
		return nil
	}
}

// directoryAction reports whether a files-tool action operates on a
// directory and may therefore use a root shorthand instead of a path.
func directoryAction(action string) bool {
	switch action {
	case "list", "mkdir":
		return true
	default:
		return false
	}
}

// inputValidator checks tool inputs against each declared tool's JSON
// Schema before dispatch, so malformed model output surfaces as a typed
// tool_result error instead of reaching a tool implementation.
type inputValidator struct {
	schemas map[string]*jsonschema.Schema
}

// newInputValidator compiles the declared tool schemas. Tools with no
// schema, or with one that fails to compile, are passed through unvalidated.
func newInputValidator(tools []models.ToolDef) *inputValidator {
	v := &inputValidator{schemas: make(map[string]*jsonschema.Schema, len(tools))}
	for _, t := range tools {
		if len(t.InputSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(t.Name+".json", strings.NewReader(string(t.InputSchema))); err != nil {
			continue
		}
		schema, err := compiler.Compile(t.Name + ".json")
		if err != nil {
			continue
		}
		v.schemas[t.Name] = schema
	}
	return v
}

// validate returns nil when input conforms to toolName's declared schema
// (or no schema is declared).
func (v *inputValidator) validate(toolName string, input json.RawMessage) error {
	schema, ok := v.schemas[toolName]
	if !ok {
		return nil
	}
	var decoded any
	if len(input) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("input does not match tool schema: %w", err)
	}
	return nil
}
