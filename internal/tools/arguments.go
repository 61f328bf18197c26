package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// ArgPolicy selects how argument normalization treats input the schema does
// not account for.
type ArgPolicy string

const (
	// ArgPolicyPermissive drops unmatched keys silently and keeps whatever
	// coerces. This matches the caller contract the gateway inherited.
	ArgPolicyPermissive ArgPolicy = "permissive"
	// ArgPolicyStrict validates the raw arguments against the declared
	// schema and rejects the call on any violation.
	ArgPolicyStrict ArgPolicy = "strict"
)

// ArgumentError reports a strict-mode schema violation.
type ArgumentError struct {
	Violations []string
}

func (e *ArgumentError) Error() string {
	return "arguments do not match tool schema: " + strings.Join(e.Violations, "; ")
}

// Normalizer reshapes caller-supplied arguments against a tool's declared
// JSON Schema: exact properties, patternProperties, propertyNames
// constraints, anyOf/oneOf branches, and nested objects/arrays. Primitive
// values are coerced to the schema's declared type.
type Normalizer struct {
	Policy ArgPolicy
}

// NewNormalizer creates a normalizer; an unknown policy falls back to
// permissive.
func NewNormalizer(policy string) *Normalizer {
	p := ArgPolicy(policy)
	if p != ArgPolicyStrict {
		p = ArgPolicyPermissive
	}
	return &Normalizer{Policy: p}
}

// Process normalizes raw arguments against schema. In strict mode the raw
// input is validated first and violations reject the call; in permissive
// mode unmatched keys are dropped and the rest is coerced.
func (n *Normalizer) Process(raw map[string]any, schema map[string]any) (map[string]any, error) {
	if len(schema) == 0 {
		return raw, nil
	}
	if n.Policy == ArgPolicyStrict {
		if err := validateStrict(raw, schema); err != nil {
			return nil, err
		}
	}
	return normalizeObject(raw, schema), nil
}

func validateStrict(raw map[string]any, schema map[string]any) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("validate arguments: %w", err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, re.String())
	}
	return &ArgumentError{Violations: violations}
}

// normalizeObject walks one object level of the schema. Unmatched keys are
// dropped unless additionalProperties allows them.
func normalizeObject(raw map[string]any, schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	patternProps, _ := schema["patternProperties"].(map[string]any)
	out := make(map[string]any, len(raw))

	for key, val := range raw {
		// Exact property match.
		if sub, ok := props[key].(map[string]any); ok {
			if coerced, err := coerceValue(val, sub); err == nil {
				out[key] = coerced
			} else {
				log.Debug().Str("key", key).Err(err).Msg("dropping uncoercible argument")
			}
			continue
		}

		// patternProperties match.
		if sub, ok := matchPatternProperty(key, patternProps); ok {
			if coerced, err := coerceValue(val, sub); err == nil {
				out[key] = coerced
			}
			continue
		}

		// propertyNames constraint gates the additionalProperties path.
		if !propertyNameAllowed(key, schema) {
			continue
		}
		switch ap := schema["additionalProperties"].(type) {
		case bool:
			if ap {
				out[key] = val
			}
		case map[string]any:
			if coerced, err := coerceValue(val, ap); err == nil {
				out[key] = coerced
			}
		}
	}
	return out
}

func matchPatternProperty(key string, patternProps map[string]any) (map[string]any, bool) {
	for pattern, sub := range patternProps {
		subSchema, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warn().Str("pattern", pattern).Err(err).Msg("invalid patternProperties regex in tool schema")
			continue
		}
		if re.MatchString(key) {
			return subSchema, true
		}
	}
	return nil, false
}

// propertyNameAllowed checks a key against the schema's propertyNames
// constraint (pattern or enum). Absent constraint allows everything.
func propertyNameAllowed(key string, schema map[string]any) bool {
	pn, ok := schema["propertyNames"].(map[string]any)
	if !ok {
		return true
	}
	if pattern, ok := pn["pattern"].(string); ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return true
		}
		return re.MatchString(key)
	}
	if enum, ok := pn["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok && s == key {
				return true
			}
		}
		return false
	}
	return true
}

// coerceValue coerces one value to the schema's declared type. anyOf/oneOf
// branches are attempted in order; the first branch that coerces without
// error wins.
func coerceValue(val any, schema map[string]any) (any, error) {
	for _, branchKey := range []string{"anyOf", "oneOf"} {
		if branches, ok := schema[branchKey].([]any); ok {
			for _, b := range branches {
				branch, ok := b.(map[string]any)
				if !ok {
					continue
				}
				if coerced, err := coerceValue(val, branch); err == nil {
					return coerced, nil
				}
			}
			return nil, fmt.Errorf("value matches no %s branch", branchKey)
		}
	}

	switch typ := schema["type"].(type) {
	case string:
		return coerceType(val, typ, schema)
	case []any:
		for _, t := range typ {
			ts, ok := t.(string)
			if !ok {
				continue
			}
			if coerced, err := coerceType(val, ts, schema); err == nil {
				return coerced, nil
			}
		}
		return nil, fmt.Errorf("value matches no type in %v", typ)
	default:
		// No declared type: pass through.
		return val, nil
	}
}

func coerceType(val any, typ string, schema map[string]any) (any, error) {
	switch typ {
	case "string":
		return toString(val)
	case "integer":
		return toInt(val)
	case "number":
		return toFloat(val)
	case "boolean":
		return toBool(val)
	case "object":
		obj, ok := val.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", val)
		}
		return normalizeObject(obj, schema), nil
	case "array":
		arr, ok := val.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", val)
		}
		items, _ := schema["items"].(map[string]any)
		if items == nil {
			return arr, nil
		}
		out := make([]any, 0, len(arr))
		for _, item := range arr {
			coerced, err := coerceValue(item, items)
			if err != nil {
				return nil, err
			}
			out = append(out, coerced)
		}
		return out, nil
	case "null":
		if val == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("expected null, got %T", val)
	default:
		return val, nil
	}
}

func toString(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return "", fmt.Errorf("cannot coerce %T to string", val)
	}
}

func toInt(val any) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int(v), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", val)
	}
}

func toFloat(val any) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	default:
		return 0, fmt.Errorf("cannot coerce %T to number", val)
	}
}

func toBool(val any) (bool, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	default:
		return false, fmt.Errorf("cannot coerce %T to boolean", val)
	}
}
