// File: internal/capability/schema.go
package capability

import (
	"fmt"
	"math"
	"net/mail"
	"net/url"
	"sort"
)

// kind discriminates the recursive schema nodes.
type kind int

const (
	kindAny kind = iota
	kindObject
	kindString
	kindNumber
	kindBoolean
	kindArray
	kindEnum
	kindLiteral
	kindUnion
	kindRecord
	kindNullable
)

// Format hints recognized on string schemas.
const (
	FormatURL   = "uri"
	FormatEmail = "email"
)

// Schema describes a capability's input recursively. Build one with the
// constructor functions (Object, String, Number, ...) and the fluent modifiers
// (Describe, Optional, Default, Refine). A Schema validates raw JSON-decoded
// input and converts itself into a generic structural Descriptor for model
// consumption.
type Schema struct {
	kind        kind
	description string

	// Wrapping state. Optional and Default are unwrapped before the
	// required-field check during object conversion; Refine never affects the
	// structural descriptor at all.
	optional   bool
	hasDefault bool
	defaultVal interface{}
	refine     func(interface{}) error

	// String constraints.
	minLen *int
	maxLen *int
	format string

	// Number constraints.
	integer bool
	min     *float64
	max     *float64

	// Object fields.
	fields map[string]*Schema

	// Array element.
	elem *Schema

	// Enum values.
	enumVals []string

	// Literal constant.
	literal interface{}

	// Union options.
	options []*Schema

	// Record value schema.
	valueSchema *Schema

	// Nullable inner schema.
	inner *Schema
}

// Object builds an object schema from named field schemas.
func Object(fields map[string]*Schema) *Schema {
	return &Schema{kind: kindObject, fields: fields}
}

// String builds a string schema.
func String() *Schema { return &Schema{kind: kindString} }

// Number builds a floating point number schema.
func Number() *Schema { return &Schema{kind: kindNumber} }

// Int builds a number schema constrained to integers.
func Int() *Schema { return &Schema{kind: kindNumber, integer: true} }

// Boolean builds a boolean schema.
func Boolean() *Schema { return &Schema{kind: kindBoolean} }

// Array builds an array schema with the given element schema.
func Array(elem *Schema) *Schema { return &Schema{kind: kindArray, elem: elem} }

// Enum builds a string schema restricted to the given values.
func Enum(values ...string) *Schema { return &Schema{kind: kindEnum, enumVals: values} }

// Literal builds a schema matching exactly one constant value.
func Literal(value interface{}) *Schema { return &Schema{kind: kindLiteral, literal: value} }

// Union builds a schema accepting any of the given options.
func Union(options ...*Schema) *Schema { return &Schema{kind: kindUnion, options: options} }

// Record builds an object schema with arbitrary keys and uniform value schema.
func Record(value *Schema) *Schema { return &Schema{kind: kindRecord, valueSchema: value} }

// Nullable wraps a schema to additionally accept null.
func Nullable(inner *Schema) *Schema { return &Schema{kind: kindNullable, inner: inner} }

// Any builds the permissive schema; it validates everything and converts to an
// empty descriptor.
func Any() *Schema { return &Schema{kind: kindAny} }

// Describe attaches a human readable description, preserved per-field in the
// structural descriptor.
func (s *Schema) Describe(text string) *Schema {
	s.description = text
	return s
}

// Optional marks the schema as omittable when used as an object field.
func (s *Schema) Optional() *Schema {
	s.optional = true
	return s
}

// Default supplies a value used when the field is absent. A defaulted field is
// never required.
func (s *Schema) Default(value interface{}) *Schema {
	s.hasDefault = true
	s.defaultVal = value
	return s
}

// Refine attaches a post-validation predicate. Refinements participate in
// validation only; descriptor conversion unwraps them.
func (s *Schema) Refine(fn func(interface{}) error) *Schema {
	s.refine = fn
	return s
}

// MinLen / MaxLen constrain string length.
func (s *Schema) MinLen(n int) *Schema { s.minLen = &n; return s }
func (s *Schema) MaxLen(n int) *Schema { s.maxLen = &n; return s }

// URL / Email mark the recognized string format hints.
func (s *Schema) URL() *Schema   { s.format = FormatURL; return s }
func (s *Schema) Email() *Schema { s.format = FormatEmail; return s }

// Min / Max constrain numeric range.
func (s *Schema) Min(n float64) *Schema { s.min = &n; return s }
func (s *Schema) Max(n float64) *Schema { s.max = &n; return s }

// Validate checks a raw JSON-decoded value against the schema and returns the
// validated value with defaults applied. Numbers are expected as float64 and
// objects as map[string]interface{}, matching encoding/json's generic decoding.
func (s *Schema) Validate(value interface{}) (interface{}, error) {
	out, err := s.validate(value, "$")
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Schema) validate(value interface{}, path string) (interface{}, error) {
	checked, err := s.validateKind(value, path)
	if err != nil {
		return nil, err
	}
	if s.refine != nil {
		if err := s.refine(checked); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return checked, nil
}

func (s *Schema) validateKind(value interface{}, path string) (interface{}, error) {
	switch s.kind {
	case kindAny:
		return value, nil

	case kindObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: expected object, got %T", path, value)
		}
		out := make(map[string]interface{}, len(obj))
		for name, field := range s.fields {
			fieldPath := path + "." + name
			raw, present := obj[name]
			if !present {
				if field.hasDefault {
					out[name] = field.defaultVal
					continue
				}
				if field.optional {
					continue
				}
				return nil, fmt.Errorf("%s: missing required field", fieldPath)
			}
			checked, err := field.validate(raw, fieldPath)
			if err != nil {
				return nil, err
			}
			out[name] = checked
		}
		return out, nil

	case kindString:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %T", path, value)
		}
		if s.minLen != nil && len(str) < *s.minLen {
			return nil, fmt.Errorf("%s: string shorter than %d", path, *s.minLen)
		}
		if s.maxLen != nil && len(str) > *s.maxLen {
			return nil, fmt.Errorf("%s: string longer than %d", path, *s.maxLen)
		}
		switch s.format {
		case FormatURL:
			if u, err := url.Parse(str); err != nil || u.Scheme == "" || u.Host == "" {
				return nil, fmt.Errorf("%s: invalid URL %q", path, str)
			}
		case FormatEmail:
			if _, err := mail.ParseAddress(str); err != nil {
				return nil, fmt.Errorf("%s: invalid email %q", path, str)
			}
		}
		return str, nil

	case kindNumber:
		num, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%s: expected number, got %T", path, value)
		}
		if s.integer && num != math.Trunc(num) {
			return nil, fmt.Errorf("%s: expected integer, got %v", path, num)
		}
		if s.min != nil && num < *s.min {
			return nil, fmt.Errorf("%s: %v below minimum %v", path, num, *s.min)
		}
		if s.max != nil && num > *s.max {
			return nil, fmt.Errorf("%s: %v above maximum %v", path, num, *s.max)
		}
		return num, nil

	case kindBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("%s: expected boolean, got %T", path, value)
		}
		return b, nil

	case kindArray:
		arr, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: expected array, got %T", path, value)
		}
		out := make([]interface{}, len(arr))
		for i, item := range arr {
			checked, err := s.elem.validate(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = checked
		}
		return out, nil

	case kindEnum:
		str, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%s: expected string, got %T", path, value)
		}
		for _, v := range s.enumVals {
			if v == str {
				return str, nil
			}
		}
		return nil, fmt.Errorf("%s: %q is not one of %v", path, str, s.enumVals)

	case kindLiteral:
		if !literalEqual(value, s.literal) {
			return nil, fmt.Errorf("%s: expected constant %v, got %v", path, s.literal, value)
		}
		return s.literal, nil

	case kindUnion:
		var lastErr error
		for _, opt := range s.options {
			checked, err := opt.validate(value, path)
			if err == nil {
				return checked, nil
			}
			lastErr = err
		}
		return nil, fmt.Errorf("%s: no union option matched: %w", path, lastErr)

	case kindRecord:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: expected object, got %T", path, value)
		}
		out := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			checked, err := s.valueSchema.validate(v, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = checked
		}
		return out, nil

	case kindNullable:
		if value == nil {
			return nil, nil
		}
		return s.inner.validate(value, path)

	default:
		return value, nil
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func literalEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

// Descriptor is the generic structural form a schema converts to: a
// JSON-serializable map shaped like a JSON Schema fragment.
type Descriptor map[string]interface{}

// Convert turns the schema into its structural descriptor, applying the exact
// conversion rules the model bridge depends on. Unrecognized nodes convert to
// the empty permissive descriptor, never an error.
func (s *Schema) Convert() Descriptor {
	switch s.kind {
	case kindObject:
		props := make(map[string]interface{}, len(s.fields))
		required := make([]string, 0, len(s.fields))
		for name, field := range s.fields {
			props[name] = field.Convert()
			// Optional/default wrapping (and refinements) are unwrapped before
			// this check: a field is required iff it is neither optional nor
			// carries a default.
			if !field.optional && !field.hasDefault {
				required = append(required, name)
			}
		}
		sort.Strings(required)
		d := Descriptor{"type": "object", "properties": props, "required": required}
		return s.decorate(d)

	case kindString:
		d := Descriptor{"type": "string"}
		if s.minLen != nil {
			d["minLength"] = *s.minLen
		}
		if s.maxLen != nil {
			d["maxLength"] = *s.maxLen
		}
		if s.format != "" {
			d["format"] = s.format
		}
		return s.decorate(d)

	case kindNumber:
		typ := "number"
		if s.integer {
			typ = "integer"
		}
		d := Descriptor{"type": typ}
		if s.min != nil {
			d["minimum"] = *s.min
		}
		if s.max != nil {
			d["maximum"] = *s.max
		}
		return s.decorate(d)

	case kindBoolean:
		return s.decorate(Descriptor{"type": "boolean"})

	case kindEnum:
		vals := make([]interface{}, len(s.enumVals))
		for i, v := range s.enumVals {
			vals[i] = v
		}
		return s.decorate(Descriptor{"type": "string", "enum": vals})

	case kindLiteral:
		return s.decorate(Descriptor{"type": literalType(s.literal), "const": s.literal})

	case kindArray:
		return s.decorate(Descriptor{"type": "array", "items": s.elem.Convert()})

	case kindUnion:
		opts := make([]interface{}, len(s.options))
		for i, opt := range s.options {
			opts[i] = opt.Convert()
		}
		return s.decorate(Descriptor{"anyOf": opts})

	case kindRecord:
		return s.decorate(Descriptor{
			"type":                 "object",
			"additionalProperties": s.valueSchema.Convert(),
		})

	case kindNullable:
		return s.decorate(Descriptor{
			"anyOf": []interface{}{s.inner.Convert(), Descriptor{"type": "null"}},
		})

	default:
		// Permissive fallback for anything unrecognized.
		return s.decorate(Descriptor{})
	}
}

// decorate attaches description and default value to a converted node. Default
// attachment is the one piece of wrapper state that survives unwrapping.
func (s *Schema) decorate(d Descriptor) Descriptor {
	if s.description != "" {
		d["description"] = s.description
	}
	if s.hasDefault {
		d["default"] = s.defaultVal
	}
	return d
}

func literalType(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64:
		return "number"
	case nil:
		return "null"
	default:
		return "object"
	}
}
