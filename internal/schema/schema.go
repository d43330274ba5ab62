// Package schema compiles tool schemas into JSON Schema validators.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ZanzyTHEbar/essayflow"
	"github.com/ZanzyTHEbar/essayflow/internal/expr"
)

const draft = "http://json-schema.org/draft-07/schema#"

// Validator checks values against one compiled schema.
type Validator struct {
	name        string
	schema      essayflow.Schema
	doc         map[string]any
	compiled    *jsonschema.Schema
	constraints []constraint
}

type constraint struct {
	field string
	src   string
	expr  *govaluate.EvaluableExpression
}

var compiledCache sync.Map

// Compile checks s structurally and compiles it. name identifies the schema
// in errors, e.g. "outline.output".
func Compile(tool, name string, s essayflow.Schema) (*Validator, error) {
	if err := Check(tool, s); err != nil {
		return nil, err
	}

	doc := Document(s)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, essayflow.NewSchemaError(tool, "encode "+name+" schema", err)
	}
	compiled, err := compileDocument(name, raw)
	if err != nil {
		return nil, essayflow.NewSchemaError(tool, "compile "+name+" schema", err)
	}

	v := &Validator{name: name, schema: s, doc: doc, compiled: compiled}
	for _, f := range s.Fields {
		if f.Constraint == "" {
			continue
		}
		e, err := expr.Compile(f.Constraint)
		if err != nil {
			return nil, essayflow.NewSchemaError(tool, fmt.Sprintf("field %q constraint", f.Name), err)
		}
		v.constraints = append(v.constraints, constraint{field: f.Name, src: f.Constraint, expr: e})
	}
	return v, nil
}

func compileDocument(name string, raw []byte) (*jsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := compiledCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	compiledCache.Store(key, compiled)
	return compiled, nil
}

// Name returns the schema name given to Compile.
func (v *Validator) Name() string {
	return v.name
}

// Document returns a copy of the JSON Schema document.
func (v *Validator) Document() map[string]any {
	return cloneMap(v.doc)
}

// ApplyDefaults returns a copy of in with declared defaults filled in for
// absent top-level fields.
func (v *Validator) ApplyDefaults(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+len(v.schema.Fields))
	for k, val := range in {
		out[k] = val
	}
	for _, f := range v.schema.Fields {
		if f.Default == nil {
			continue
		}
		if _, ok := out[f.Name]; !ok {
			out[f.Name] = f.Default
		}
	}
	return out
}

// Validate returns the sorted list of violations; nil means data conforms.
func (v *Validator) Validate(data map[string]any) []string {
	normalized, err := Normalize(data)
	if err != nil {
		return []string{fmt.Sprintf("(root): value is not JSON encodable: %v", err)}
	}

	if err := v.compiled.Validate(normalized); err != nil {
		return describe(err)
	}

	obj, _ := normalized.(map[string]any)
	var violations []string
	for _, c := range v.constraints {
		value, ok := obj[c.field]
		if !ok {
			continue
		}
		passed, err := expr.EvalBool(c.expr, map[string]any{"value": value})
		switch {
		case err != nil:
			violations = append(violations, fmt.Sprintf("/%s: constraint %q could not be evaluated: %v", c.field, c.src, err))
		case !passed:
			violations = append(violations, fmt.Sprintf("/%s: constraint %q not satisfied", c.field, c.src))
		}
	}
	sort.Strings(violations)
	return violations
}

// Normalize round-trips v through JSON so it only holds the types the
// validator understands.
func Normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func describe(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	seen := make(map[string]bool)
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "(root)"
			}
			msg := loc + ": " + e.Message
			if !seen[msg] {
				seen[msg] = true
				out = append(out, msg)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

// Document renders s as a draft-07 JSON Schema object.
func Document(s essayflow.Schema) map[string]any {
	doc := objectDocument(s.Fields, s.AllowAdditional)
	doc["$schema"] = draft
	return doc
}

func objectDocument(fields []essayflow.Field, allowAdditional bool) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		props[f.Name] = fieldDocument(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": allowAdditional,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func fieldDocument(f essayflow.Field) map[string]any {
	var doc map[string]any
	if f.Type == essayflow.TypeObject && len(f.Fields) > 0 {
		doc = objectDocument(f.Fields, true)
	} else {
		doc = map[string]any{"type": string(f.Type)}
	}
	if f.Description != "" {
		doc["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		doc["enum"] = f.Enum
	}
	if f.Default != nil {
		doc["default"] = f.Default
	}
	if f.MinLength != nil {
		doc["minLength"] = *f.MinLength
	}
	if f.MaxLength != nil {
		doc["maxLength"] = *f.MaxLength
	}
	if f.Minimum != nil {
		doc["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		doc["maximum"] = *f.Maximum
	}
	if f.MinItems != nil {
		doc["minItems"] = *f.MinItems
	}
	if f.MaxItems != nil {
		doc["maxItems"] = *f.MaxItems
	}
	if f.Items != nil {
		doc["items"] = fieldDocument(*f.Items)
	}
	return doc
}

// Check reports the first structural problem of s as a schema error.
func Check(tool string, s essayflow.Schema) error {
	if msg := checkFields(s.Fields, "", true); msg != "" {
		return essayflow.NewSchemaError(tool, msg, nil)
	}
	return nil
}

func checkFields(fields []essayflow.Field, prefix string, top bool) string {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		path := prefix + f.Name
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Sprintf("field with empty name under %q", prefix)
		}
		if seen[f.Name] {
			return fmt.Sprintf("duplicate field %q", path)
		}
		seen[f.Name] = true
		if msg := checkField(f, path, top); msg != "" {
			return msg
		}
	}
	return ""
}

func checkField(f essayflow.Field, path string, top bool) string {
	if !f.Type.Valid() {
		return fmt.Sprintf("field %q has unknown type %q", path, f.Type)
	}
	if f.Required && f.Default != nil {
		return fmt.Sprintf("field %q is both required and defaulted", path)
	}
	if !top && f.From != "" {
		return fmt.Sprintf("field %q: context binding is only allowed on top-level fields", path)
	}
	if !top && f.Constraint != "" {
		return fmt.Sprintf("field %q: constraints are only allowed on top-level fields", path)
	}
	if f.Constraint != "" {
		if err := expr.Validate(f.Constraint); err != nil {
			return fmt.Sprintf("field %q: invalid constraint: %v", path, err)
		}
	}

	isString := f.Type == essayflow.TypeString
	isNumber := f.Type == essayflow.TypeNumber || f.Type == essayflow.TypeInteger
	isArray := f.Type == essayflow.TypeArray
	if (f.MinLength != nil || f.MaxLength != nil) && !isString {
		return fmt.Sprintf("field %q: length bounds require type string", path)
	}
	if (f.Minimum != nil || f.Maximum != nil) && !isNumber {
		return fmt.Sprintf("field %q: numeric bounds require a numeric type", path)
	}
	if (f.MinItems != nil || f.MaxItems != nil || f.Items != nil) && !isArray {
		return fmt.Sprintf("field %q: item rules require type array", path)
	}
	if len(f.Fields) > 0 && f.Type != essayflow.TypeObject {
		return fmt.Sprintf("field %q: nested fields require type object", path)
	}
	if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
		return fmt.Sprintf("field %q: min_length exceeds max_length", path)
	}
	if f.Minimum != nil && f.Maximum != nil && *f.Minimum > *f.Maximum {
		return fmt.Sprintf("field %q: minimum exceeds maximum", path)
	}
	if f.MinItems != nil && f.MaxItems != nil && *f.MinItems > *f.MaxItems {
		return fmt.Sprintf("field %q: min_items exceeds max_items", path)
	}
	if f.Default != nil {
		if !matchesType(f.Type, f.Default) {
			return fmt.Sprintf("field %q: default %v is not of type %s", path, f.Default, f.Type)
		}
		if len(f.Enum) > 0 && !inEnum(f.Enum, f.Default) {
			return fmt.Sprintf("field %q: default %v is not one of the enum values", path, f.Default)
		}
	}
	if f.Items != nil {
		item := *f.Items
		if item.Name == "" {
			item.Name = "[]"
		}
		if msg := checkField(item, path+"[]", false); msg != "" {
			return msg
		}
	}
	if len(f.Fields) > 0 {
		return checkFields(f.Fields, path+".", false)
	}
	return ""
}

func matchesType(t essayflow.FieldType, v any) bool {
	switch t {
	case essayflow.TypeString:
		_, ok := v.(string)
		return ok
	case essayflow.TypeBoolean:
		_, ok := v.(bool)
		return ok
	case essayflow.TypeInteger:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case essayflow.TypeNumber:
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return true
		}
		return false
	case essayflow.TypeArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	case essayflow.TypeObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func inEnum(enum []any, v any) bool {
	want := fmt.Sprint(v)
	for _, e := range enum {
		if fmt.Sprint(e) == want {
			return true
		}
	}
	return false
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneMap(t)
		default:
			out[k] = v
		}
	}
	return out
}
