package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/conduitworks/conduit/pkg/schema"
)

// aiNodeSchema is shared by the three AI provider node types.
const aiNodeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "model": { "type": "string" },
    "credentialId": { "type": "string" },
    "userPrompt": { "type": "string" },
    "systemPrompt": { "type": "string" },
    "variableName": { "type": "string" }
  }
}`

// nodeSchemas holds the JSON Schema for each node type's configuration.
// Schemas constrain types and formats; required-field errors are reported by
// executors, which own the user-facing messages.
var nodeSchemas = map[schema.NodeType]string{
	schema.NodeTypeManualTrigger: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object"
	}`,
	schema.NodeTypeStripeTrigger: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "variableName": { "type": "string" }
	  }
	}`,
	schema.NodeTypeGoogleFormTrigger: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "variableName": { "type": "string" }
	  }
	}`,
	schema.NodeTypeHTTPRequest: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "endpoint": { "type": "string" },
	    "method": { "type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"] },
	    "body": { "type": "string" },
	    "variableName": { "type": "string" }
	  }
	}`,
	schema.NodeTypeOpenAI: aiNodeSchema,
	schema.NodeTypeAnthropic: aiNodeSchema,
	schema.NodeTypeGemini: aiNodeSchema,
	schema.NodeTypeDiscord: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "variableName": { "type": "string" },
	    "webhookUrl": { "type": "string" },
	    "content": { "type": "string" },
	    "username": { "type": "string" }
	  }
	}`,
	schema.NodeTypeSlack: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "variableName": { "type": "string" },
	    "webhookUrl": { "type": "string" },
	    "content": { "type": "string" }
	  }
	}`,
	schema.NodeTypeTransform: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "expression": { "type": "string", "minLength": 1 },
	    "variableName": { "type": "string" }
	  },
	  "required": ["expression"]
	}`,
	schema.NodeTypeCondition: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "properties": {
	    "expression": { "type": "string", "minLength": 1 },
	    "variableName": { "type": "string" }
	  },
	  "required": ["expression"]
	}`,
}

// JSONSchemaValidator implements Validator with pre-compiled node schemas.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	compiled map[schema.NodeType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles all node configuration schemas up front.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	compiled := make(map[schema.NodeType]*jsonschema.Schema, len(nodeSchemas))
	for nodeType, raw := range nodeSchemas {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", nodeType, err)
		}
		url := fmt.Sprintf("conduit://schemas/%s.json", strings.ToLower(string(nodeType)))
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", nodeType, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", nodeType, err)
		}
		compiled[nodeType] = s
	}
	return &JSONSchemaValidator{compiled: compiled}, nil
}

// ValidateNodeData implements Validator.
func (v *JSONSchemaValidator) ValidateNodeData(nodeType schema.NodeType, data json.RawMessage) error {
	compiled, ok := v.compiled[nodeType]
	if !ok {
		return nil
	}
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "node data is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// ValidateWorkflow implements Validator.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Nodes) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	ids := make(map[string]struct{}, len(wf.Nodes))
	for _, node := range wf.Nodes {
		if node.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, "node id is empty")
		}
		if node.Type == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %q has no type", node.ID)
		}
		if _, exists := ids[node.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		ids[node.ID] = struct{}{}

		if err := v.ValidateNodeData(node.Type, node.Data); err != nil {
			var ee *schema.EngineError
			if errors.As(err, &ee) {
				return ee.WithNode(node.ID)
			}
			return err
		}
	}

	for _, conn := range wf.Connections {
		if _, ok := ids[conn.FromNodeID]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"connection references unknown node %q", conn.FromNodeID)
		}
		if _, ok := ids[conn.ToNodeID]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"connection references unknown node %q", conn.ToNodeID)
		}
	}
	return nil
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with the leaf violations collected into details.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
