package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// resultSchema is the shape headless agent CLIs emit in JSON output mode.
const resultSchema = `{
	"type": "object",
	"properties": {
		"result":     {"type": "string"},
		"session_id": {"type": "string"},
		"is_error":   {"type": "boolean"}
	},
	"required": ["result"]
}`

type agentOutput struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// OutputParser validates JSON agent output against resultSchema.
type OutputParser struct {
	schema *jsonschema.Schema
}

func NewOutputParser() (*OutputParser, error) {
	// UnmarshalJSON keeps numbers as json.Number, which the validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &OutputParser{schema: schema}, nil
}

// Parse accepts either a single JSON document or a stream of JSON lines, in
// which case the last line that matches the schema wins.
func (p *OutputParser) Parse(stdout string) (agentOutput, error) {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return agentOutput{}, fmt.Errorf("agent produced no output")
	}
	if out, err := p.parseOne(trimmed); err == nil {
		return out, nil
	}

	lines := strings.Split(trimmed, "\n")
	var lastErr error
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		out, err := p.parseOne(line)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON object in agent output")
	}
	return agentOutput{}, lastErr
}

func (p *OutputParser) parseOne(doc string) (agentOutput, error) {
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
	if err != nil {
		return agentOutput{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := p.schema.Validate(parsed); err != nil {
		return agentOutput{}, fmt.Errorf("agent output failed schema validation: %w", err)
	}
	var out agentOutput
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return agentOutput{}, fmt.Errorf("decode agent output: %w", err)
	}
	return out, nil
}
