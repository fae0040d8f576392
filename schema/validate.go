// Package schema validates invocation input against a function's declared
// input schema. The schema language is the structural subset of JSON
// Schema: type, properties, items, required, enum. Type mismatches stop
// descent at the mismatching node; required and enum violations accumulate.
package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ValidationError describes one violation at a path like
// "items[2].quantity".
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Result is the validation outcome.
type Result struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Validate checks value against schema. A nil schema accepts anything.
func Validate(schema map[string]any, value any) Result {
	v := &validator{}
	v.validate(schema, value, "")
	return Result{Valid: len(v.errors) == 0, Errors: v.errors}
}

type validator struct {
	errors []ValidationError
}

func (v *validator) fail(path, format string, args ...any) {
	if path == "" {
		path = "$"
	}
	v.errors = append(v.errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) validate(schema map[string]any, value any, path string) {
	if schema == nil {
		return
	}

	if typ, ok := schema["type"].(string); ok {
		if !v.checkType(typ, value, path) {
			// Type mismatch halts descent below this node.
			return
		}
	}

	if enum, ok := schema["enum"].([]any); ok {
		v.checkEnum(enum, value, path)
	}

	if obj, ok := value.(map[string]any); ok {
		v.validateObject(schema, obj, path)
	}
	if arr, ok := value.([]any); ok {
		v.validateArray(schema, arr, path)
	}
}

func (v *validator) validateObject(schema map[string]any, obj map[string]any, path string) {
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			if _, present := obj[name]; !present {
				v.fail(joinPath(path, name), "required field missing")
			}
		}
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return
	}
	for name, sub := range props {
		subSchema, ok := sub.(map[string]any)
		if !ok {
			continue
		}
		child, present := obj[name]
		if !present {
			continue
		}
		v.validate(subSchema, child, joinPath(path, name))
	}
}

func (v *validator) validateArray(schema map[string]any, arr []any, path string) {
	items, ok := schema["items"].(map[string]any)
	if !ok {
		return
	}
	for i, el := range arr {
		v.validate(items, el, fmt.Sprintf("%s[%d]", orRoot(path), i))
	}
}

// checkType reports whether value satisfies the named type, recording a
// violation otherwise. Numeric strings that parse cleanly satisfy
// type=number.
func (v *validator) checkType(typ string, value any, path string) bool {
	switch typ {
	case "object":
		if _, ok := value.(map[string]any); ok {
			return true
		}
	case "array":
		if _, ok := value.([]any); ok {
			return true
		}
	case "string":
		if _, ok := value.(string); ok {
			return true
		}
	case "number":
		switch n := value.(type) {
		case float64, float32, int, int64:
			return true
		case string:
			if _, err := strconv.ParseFloat(n, 64); err == nil {
				return true
			}
		}
	case "integer":
		switch n := value.(type) {
		case int, int64:
			return true
		case float64:
			if n == float64(int64(n)) {
				return true
			}
		case string:
			if _, err := strconv.ParseInt(n, 10, 64); err == nil {
				return true
			}
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return true
		}
	case "null":
		if value == nil {
			return true
		}
	default:
		v.fail(path, "unknown schema type %q", typ)
		return false
	}

	v.fail(path, "expected %s, got %s", typ, typeName(value))
	return false
}

func (v *validator) checkEnum(enum []any, value any, path string) {
	for _, allowed := range enum {
		if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
			return
		}
	}
	parts := make([]string, len(enum))
	for i, allowed := range enum {
		parts[i] = fmt.Sprintf("%v", allowed)
	}
	v.fail(path, "value %v not in enum [%s]", value, strings.Join(parts, ", "))
}

func typeName(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", value)
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func orRoot(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
