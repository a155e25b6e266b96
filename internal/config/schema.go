package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// agentSchemaJSON constrains agent declarations before startup wiring.
// Names must be identifier-safe because they double as tool names on the
// root agent.
const agentSchemaJSON = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "description"],
    "properties": {
      "name": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$", "maxLength": 64},
      "display_name": {"type": "string"},
      "description": {"type": "string", "minLength": 1},
      "instruction": {"type": "string"},
      "instruction_file": {"type": "string"},
      "tools": {"type": "array", "items": {"type": "string"}}
    }
  }
}`

// ValidateAgents checks agent declarations against the schema and rejects
// duplicate names.
func ValidateAgents(agents []AgentConfigEntry) error {
	if len(agents) == 0 {
		return nil
	}

	raw, err := json.Marshal(agents)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("unmarshal agent config: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(agentSchemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal agent schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("agents.json", schemaDoc); err != nil {
		return fmt.Errorf("add agent schema resource: %w", err)
	}
	schema, err := c.Compile("agents.json")
	if err != nil {
		return fmt.Errorf("compile agent schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}

	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}
