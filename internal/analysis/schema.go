package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Per-stage output schemas. A payload that fails its schema triggers the
// corrective-retry loop, then the stage default.
var stageSchemaSources = map[StageName]string{
	StageSecurity: `{
		"type": "object",
		"required": ["bias_hint", "summary"],
		"properties": {
			"bias_hint": {"type": "string", "enum": ["bullish", "bearish", "neutral"]},
			"key_levels": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "price"],
					"properties": {
						"name": {"type": "string"},
						"price": {"type": "number"}
					}
				}
			},
			"summary": {"type": "string", "minLength": 1}
		}
	}`,
	StageMacro: `{
		"type": "object",
		"required": ["risk_level", "summary"],
		"properties": {
			"risk_level": {"type": "string", "enum": ["low", "medium", "high"]},
			"events": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["name", "impact"],
					"properties": {
						"name": {"type": "string"},
						"impact": {"type": "string"},
						"time": {"type": "string"}
					}
				}
			},
			"summary": {"type": "string", "minLength": 1}
		}
	}`,
	StageFlux: `{
		"type": "object",
		"required": ["direction", "strength", "summary"],
		"properties": {
			"direction": {"type": "string", "enum": ["up", "down", "flat"]},
			"strength": {"type": "number", "minimum": 0, "maximum": 100},
			"summary": {"type": "string", "minLength": 1}
		}
	}`,
	StageMag7: `{
		"type": "object",
		"required": ["alignment", "summary"],
		"properties": {
			"alignment": {"type": "string", "enum": ["bullish", "bearish", "mixed"]},
			"leaders": {"type": "array", "items": {"type": "string"}},
			"laggards": {"type": "array", "items": {"type": "string"}},
			"summary": {"type": "string", "minLength": 1}
		}
	}`,
	StageTechnical: `{
		"type": "object",
		"required": ["trend", "support", "resistance", "summary"],
		"properties": {
			"trend": {"type": "string", "enum": ["bullish", "bearish", "neutral"]},
			"support": {"type": "number"},
			"resistance": {"type": "number"},
			"summary": {"type": "string", "minLength": 1}
		}
	}`,
	StageSynthesis: `{
		"type": "object",
		"required": ["bias", "confidence", "summary"],
		"properties": {
			"bias": {"type": "string", "enum": ["BULLISH", "BEARISH", "NEUTRAL"]},
			"confidence": {"type": "number", "minimum": 0, "maximum": 100},
			"key_drivers": {"type": "array", "items": {"type": "string"}},
			"summary": {"type": "string", "minLength": 1}
		}
	}`,
}

var stageSchemas = map[StageName]*jsonschema.Schema{}

func init() {
	for stage, src := range stageSchemaSources {
		schema, err := compileSchema(string(stage), src)
		if err != nil {
			panic(fmt.Sprintf("stage schema %s: %v", stage, err))
		}
		stageSchemas[stage] = schema
	}
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", strings.NewReader(src)); err != nil {
		return nil, err
	}
	return compiler.Compile(name + ".json")
}

// ValidateStagePayload checks raw JSON against the stage's schema and returns
// the normalized payload on success. Numeric strings are coerced first; models
// sometimes return "82" where 82 is expected.
func ValidateStagePayload(stage StageName, raw string) (json.RawMessage, error) {
	schema, ok := stageSchemas[stage]
	if !ok {
		return nil, fmt.Errorf("no schema registered for stage %s", stage)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	decoded = coerceNumbers(schema, decoded)
	if err := schema.Validate(decoded); err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(decoded)
	if err != nil {
		return nil, err
	}
	return normalized, nil
}

// coerceNumbers walks the payload alongside the schema, converting numeric
// strings to float64 only where the schema expects a number. A numeric-looking
// string field (a summary of "82") stays a string.
func coerceNumbers(s *jsonschema.Schema, v any) any {
	if s == nil {
		return v
	}
	if s.Ref != nil {
		s = s.Ref
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = coerceNumbers(s.Properties[k], child)
		}
		return out
	case []any:
		item := s.Items2020
		if item == nil {
			item, _ = s.Items.(*jsonschema.Schema)
		}
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = coerceNumbers(item, child)
		}
		return out
	case string:
		if !wantsNumber(s.Types) {
			return val
		}
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return val
		}
		if num, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}

func wantsNumber(types []string) bool {
	for _, t := range types {
		if t == "number" || t == "integer" {
			return true
		}
	}
	return false
}
