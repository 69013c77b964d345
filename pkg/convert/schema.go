// Package convert maps raw FHIR JSON records onto tabular node schemas.
//
// A schema is a tree of nodes. Each node is one of four kinds: a leaf value,
// a repeated (array) node, a struct of named fields, or a choice between
// typed alternatives (FHIR "value[x]" style elements). Conversion walks the
// record and the schema together, keeping the fields the schema names and
// dropping the rest.
package convert

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Kind tags a schema node.
type Kind int

const (
	KindLeaf Kind = iota
	KindArray
	KindStruct
	KindChoice
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindChoice:
		return "choice"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// JSONStringType marks a leaf whose value is stored as its compact JSON text,
// whatever the shape of the value.
const JSONStringType = "JSONSTRING"

// Node is one schema node. Only the fields of its Kind are set.
type Node struct {
	Kind Kind
	Name string

	// Type is the leaf data type.
	Type string

	// Elem is the element node of an array.
	Elem *Node

	// Fields are the struct fields by name.
	Fields map[string]*Node

	// Choices are the alternatives of a choice node by data type name
	// ("boolean", "dateTime", "codeableConcept").
	Choices map[string]*Node
}

// Schema is a named root struct for one resource type.
type Schema struct {
	SchemaType   string
	ResourceType string
	Root         *Node
}

type fieldSpec struct {
	Name     string      `yaml:"name"`
	Type     string      `yaml:"type"`
	Repeated bool        `yaml:"repeated"`
	Fields   []fieldSpec `yaml:"fields"`
	Choice   []fieldSpec `yaml:"choice"`
}

type schemaFile struct {
	SchemaType   string      `yaml:"schemaType"`
	ResourceType string      `yaml:"resourceType"`
	Fields       []fieldSpec `yaml:"fields"`
}

// ErrInvalidSchema is returned for malformed schema definitions.
var ErrInvalidSchema = errors.New("invalid schema")

// LoadSchemas parses every *.yaml file in dir of fsys. A file's schema type
// defaults to its resource type.
func LoadSchemas(fsys fs.FS, dir string) (map[string]*Schema, error) {
	matches, err := fs.Glob(fsys, path.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	sort.Strings(matches)

	out := make(map[string]*Schema, len(matches))
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		s, err := ParseSchema(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := out[s.SchemaType]; dup {
			return nil, fmt.Errorf("%w: duplicate schema type %q in %s", ErrInvalidSchema, s.SchemaType, name)
		}
		out[s.SchemaType] = s
	}
	return out, nil
}

// ParseSchema parses one YAML schema definition.
func ParseSchema(data []byte) (*Schema, error) {
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if f.ResourceType == "" {
		return nil, fmt.Errorf("%w: resourceType is required", ErrInvalidSchema)
	}
	if f.SchemaType == "" {
		f.SchemaType = f.ResourceType
	}
	root, err := buildStruct(f.ResourceType, f.Fields)
	if err != nil {
		return nil, err
	}
	return &Schema{SchemaType: f.SchemaType, ResourceType: f.ResourceType, Root: root}, nil
}

func buildStruct(name string, fields []fieldSpec) (*Node, error) {
	n := &Node{Kind: KindStruct, Name: name, Fields: make(map[string]*Node, len(fields))}
	for _, spec := range fields {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: field without name in %s", ErrInvalidSchema, name)
		}
		if _, dup := n.Fields[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %s.%s", ErrInvalidSchema, name, spec.Name)
		}
		child, err := buildNode(spec)
		if err != nil {
			return nil, err
		}
		n.Fields[spec.Name] = child
	}
	return n, nil
}

func buildNode(spec fieldSpec) (*Node, error) {
	if len(spec.Choice) > 0 {
		if spec.Repeated || spec.Type != "" || len(spec.Fields) > 0 {
			return nil, fmt.Errorf("%w: choice field %s cannot also be repeated, typed or structured", ErrInvalidSchema, spec.Name)
		}
		n := &Node{Kind: KindChoice, Name: spec.Name, Choices: make(map[string]*Node, len(spec.Choice))}
		for _, alt := range spec.Choice {
			if alt.Repeated || len(alt.Choice) > 0 {
				return nil, fmt.Errorf("%w: choice %s.%s must be a single value", ErrInvalidSchema, spec.Name, alt.Name)
			}
			child, err := buildNode(alt)
			if err != nil {
				return nil, err
			}
			n.Choices[alt.Name] = child
		}
		return n, nil
	}

	var elem *Node
	switch {
	case len(spec.Fields) > 0:
		s, err := buildStruct(spec.Name, spec.Fields)
		if err != nil {
			return nil, err
		}
		elem = s
	case spec.Type != "":
		elem = &Node{Kind: KindLeaf, Name: spec.Name, Type: spec.Type}
	default:
		return nil, fmt.Errorf("%w: field %s needs a type, fields or choices", ErrInvalidSchema, spec.Name)
	}

	if spec.Repeated {
		return &Node{Kind: KindArray, Name: spec.Name, Elem: elem}, nil
	}
	return elem, nil
}

// choiceKey splits a JSON property such as "valueQuantity" into the choice
// field "value" and data type "quantity" when n has a choice field that
// prefixes it.
func (n *Node) choiceKey(key string) (field *Node, dataType string, ok bool) {
	for name, f := range n.Fields {
		if f.Kind != KindChoice || len(key) <= len(name) || !strings.HasPrefix(key, name) {
			continue
		}
		suffix := key[len(name):]
		r, size := utf8.DecodeRuneInString(suffix)
		if !unicode.IsUpper(r) {
			continue
		}
		return f, string(unicode.ToLower(r)) + suffix[size:], true
	}
	return nil, "", false
}
