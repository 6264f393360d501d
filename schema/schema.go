// Package schema implements the type/schema service: producing a structural
// schema for any step input/output type, and round-tripping between a
// schema-conformant string map and a typed Go value.
//
// Go has no runtime annotations, so a type's name/description/required
// properties are expressed as struct tags under the `wf` key, read via
// reflection — the same "metadata via struct tag" idiom the
// go-playground/validator package (wired below) uses for its own `validate`
// tag.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ResultKey is the conventional properties-map key used when a value has no
// per-property mapping to fall back on.
const ResultKey = "result"

// Property describes one field of a Schema.
type Property struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Schema is the structural description produced by SchemaFor.
type Schema struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  []Property `json:"properties" yaml:"properties"`
	goType      reflect.Type
}

// UnknownError is returned when a schema name isn't registered.
type UnknownError struct{ Name string }

func (e *UnknownError) Error() string { return "schema unknown: " + e.Name }

// ConversionError is returned when a properties map can't be converted to a type.
type ConversionError struct {
	Type reflect.Type
	Key  string
	Err  error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("conversion failed for %s.%s: %v", e.Type, e.Key, e.Err)
}
func (e *ConversionError) Unwrap() error { return e.Err }

// Service is the Type/Schema service. Safe for concurrent use.
type Service struct {
	mu       sync.RWMutex
	cache    map[reflect.Type]*Schema
	named    map[string]reflect.Type
	validate *validator.Validate
}

// NewService constructs an empty, ready-to-use Service.
func NewService() *Service {
	return &Service{
		cache:    make(map[reflect.Type]*Schema),
		named:    make(map[string]reflect.Type),
		validate: validator.New(),
	}
}

// RegisterNamed associates a schema name with a Go type, so a suspension's
// declared nextInputType can be rehydrated on resume from the name carried on
// the resume request.
func (s *Service) RegisterNamed(name string, t reflect.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.named[name] = t
}

// Lookup resolves a registered schema name back to its Go type.
func (s *Service) Lookup(name string) (reflect.Type, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.named[name]
	if !ok {
		return nil, &UnknownError{Name: name}
	}
	return t, nil
}

// SchemaFor produces (and caches) the structural schema for t.
func (s *Service) SchemaFor(t reflect.Type) (*Schema, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	s.mu.RLock()
	if cached, ok := s.cache[t]; ok {
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	sc := &Schema{Name: t.Name(), goType: t}
	if t.Kind() == reflect.Struct {
		typeName, typeDesc := typeTag(t)
		if typeName != "" {
			sc.Name = typeName
		}
		sc.Description = typeDesc
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Name == "_" {
				continue
			}
			desc, required := propertyTag(f)
			sc.Properties = append(sc.Properties, Property{
				Name:        f.Name,
				Type:        goTypeName(f.Type),
				Description: desc,
				Required:    required,
			})
		}
	}

	s.mu.Lock()
	s.cache[t] = sc
	s.mu.Unlock()
	return sc, nil
}

// ToYAML renders a Schema as YAML, used by schema-introspection endpoints.
func (sc *Schema) ToYAML() ([]byte, error) { return yaml.Marshal(sc) }

// ToPropertiesMap converts a typed value into a string-keyed property map.
// Struct fields become individually keyed entries; nested objects, maps, and
// slices are JSON-encoded. Non-struct values fall back to the conventional
// ResultKey whole-value encoding.
func (s *Service) ToPropertiesMap(value any) (map[string]string, error) {
	if value == nil {
		return map[string]string{}, nil
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return map[string]string{}, nil
		}
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, &ConversionError{Type: rv.Type(), Key: ResultKey, Err: err}
		}
		return map[string]string{ResultKey: string(b)}, nil
	}

	out := make(map[string]string)
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Name == "_" {
			continue
		}
		fv := rv.Field(i)
		switch fv.Kind() {
		case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Ptr, reflect.Interface:
			b, err := json.Marshal(fv.Interface())
			if err != nil {
				return nil, &ConversionError{Type: t, Key: f.Name, Err: err}
			}
			out[f.Name] = string(b)
		default:
			out[f.Name] = fmt.Sprint(fv.Interface())
		}
	}
	return out, nil
}

// FromPropertiesMap reconstructs a value of type t from a property map
// produced by ToPropertiesMap, enforcing any `required` constraints declared
// via the `wf` struct tag, then checking the coerced struct against its
// `validate` tags.
func (s *Service) FromPropertiesMap(t reflect.Type, props map[string]string) (any, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		raw, ok := props[ResultKey]
		if !ok {
			return nil, &ConversionError{Type: t, Key: ResultKey, Err: fmt.Errorf("missing result key")}
		}
		ptr := reflect.New(t)
		if err := json.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
			return nil, &ConversionError{Type: t, Key: ResultKey, Err: err}
		}
		return ptr.Elem().Interface(), nil
	}

	out := reflect.New(t).Elem()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Name == "_" {
			continue
		}
		raw, present := props[f.Name]
		_, required := propertyTag(f)
		if !present {
			if required {
				return nil, &ConversionError{Type: t, Key: f.Name, Err: fmt.Errorf("required property missing")}
			}
			continue
		}
		fv := out.Field(i)
		if err := assignField(fv, raw); err != nil {
			return nil, &ConversionError{Type: t, Key: f.Name, Err: err}
		}
	}
	if err := s.validate.Struct(out.Interface()); err != nil {
		key := ""
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			key = verrs[0].Field()
		}
		return nil, &ConversionError{Type: t, Key: key, Err: err}
	}
	return out.Interface(), nil
}

func assignField(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	default:
		ptr := reflect.New(fv.Type())
		if err := json.Unmarshal([]byte(raw), ptr.Interface()); err != nil {
			return err
		}
		fv.Set(ptr.Elem())
	}
	return nil
}

func goTypeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Ptr:
		return "*" + goTypeName(t.Elem())
	case reflect.Slice:
		return "[]" + goTypeName(t.Elem())
	default:
		if t.PkgPath() == "" {
			return t.String()
		}
		return t.Name()
	}
}

// typeTag parses the sentinel `_ struct{} `wf:"name=...,description=..."`` field
// some authors declare to name/describe a type (Go's substitute for a
// type-level SchemaName/SchemaDescription annotation).
func typeTag(t reflect.Type) (name, description string) {
	if f, ok := t.FieldByName("_"); ok {
		tag := f.Tag.Get("wf")
		name, description, _ = parseTag(tag)
	}
	return
}

func propertyTag(f reflect.StructField) (description string, required bool) {
	tag := f.Tag.Get("wf")
	if tag == "" {
		return "", false
	}
	_, description, required = parseTag(tag)
	return
}

// parseTag parses a `name=...,description=...,required` tag body.
func parseTag(tag string) (name, description string, required bool) {
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "required":
			required = true
		case strings.HasPrefix(part, "name="):
			name = strings.TrimPrefix(part, "name=")
		case strings.HasPrefix(part, "description="):
			description = strings.TrimPrefix(part, "description=")
		}
	}
	return
}
