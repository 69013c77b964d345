package convert

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	schemasassets "github.com/3leaps/lakeconnector/internal/assets/schemas"
	"github.com/3leaps/lakeconnector/pkg/job"
)

// ErrConversion is matched by every *ConversionError.
var ErrConversion = errors.New("conversion failed")

// ConversionError reports a record that does not fit its schema.
type ConversionError struct {
	SchemaType string
	Record     int
	Path       string
	Reason     string
}

func (e *ConversionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("convert %s record %d: %s", e.SchemaType, e.Record, e.Reason)
	}
	return fmt.Sprintf("convert %s record %d at %s: %s", e.SchemaType, e.Record, e.Path, e.Reason)
}

func (e *ConversionError) Unwrap() error { return ErrConversion }

var _ job.DataConverter = (*Converter)(nil)

// Converter converts records against a fixed set of schemas.
type Converter struct {
	schemas    map[string]*Schema
	byResource map[string][]string
	log        *zap.Logger
}

// New returns a Converter over schemas keyed by schema type.
func New(schemas map[string]*Schema, log *zap.Logger) *Converter {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Converter{schemas: schemas, byResource: map[string][]string{}, log: log}
	for schemaType, s := range schemas {
		c.byResource[s.ResourceType] = append(c.byResource[s.ResourceType], schemaType)
	}
	for _, types := range c.byResource {
		sort.Strings(types)
	}
	return c
}

// NewDefault returns a Converter over the embedded FHIR schemas.
func NewDefault(log *zap.Logger) (*Converter, error) {
	schemas, err := LoadSchemas(schemasassets.FHIR, schemasassets.FHIRDir)
	if err != nil {
		return nil, err
	}
	return New(schemas, log), nil
}

// ResourceTypes lists the resource types with at least one schema, sorted.
func (c *Converter) ResourceTypes() []string {
	out := make([]string, 0, len(c.byResource))
	for rt := range c.byResource {
		out = append(out, rt)
	}
	sort.Strings(out)
	return out
}

// SchemaTypes lists the schema types produced for resourceType, sorted.
func (c *Converter) SchemaTypes(resourceType string) []string {
	types := c.byResource[resourceType]
	out := make([]string, len(types))
	copy(out, types)
	return out
}

// Convert converts records of the schema's resource type and drops the
// others. Any record that does not fit the schema fails the whole batch.
func (c *Converter) Convert(records []json.RawMessage, schemaType string) ([]job.Record, error) {
	s, ok := c.schemas[schemaType]
	if !ok {
		return nil, &ConversionError{SchemaType: schemaType, Record: -1, Reason: "unknown schema type"}
	}

	out := make([]job.Record, 0, len(records))
	for i, raw := range records {
		v, err := decode(raw)
		if err != nil {
			return nil, &ConversionError{SchemaType: schemaType, Record: i, Reason: err.Error()}
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, &ConversionError{SchemaType: schemaType, Record: i, Reason: "record is not a JSON object"}
		}
		if rt, _ := obj["resourceType"].(string); rt != s.ResourceType {
			continue
		}

		w := walker{schemaType: schemaType, record: i}
		rec, err := w.visitStruct(s.Root, obj, s.ResourceType)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}

	if dropped := len(records) - len(out); dropped > 0 {
		c.log.Debug("dropped records of other resource types",
			zap.String("schema_type", schemaType), zap.Int("dropped", dropped))
	}
	return out, nil
}

func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return v, nil
}

// walker carries the position of the record being converted for errors.
type walker struct {
	schemaType string
	record     int
}

func (w walker) fail(path, format string, args ...any) error {
	return &ConversionError{SchemaType: w.schemaType, Record: w.record, Path: path, Reason: fmt.Sprintf(format, args...)}
}

// visit dispatches on the node kind.
func (w walker) visit(n *Node, v any, path string) (any, error) {
	switch n.Kind {
	case KindLeaf:
		return w.visitLeaf(n, v, path)
	case KindArray:
		return w.visitArray(n, v, path)
	case KindStruct:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, w.fail(path, "expected object for struct node %s", n.Name)
		}
		return w.visitStruct(n, obj, path)
	case KindChoice:
		return nil, w.fail(path, "choice element %s needs a data type suffix", n.Name)
	default:
		return nil, w.fail(path, "unsupported node kind %s", n.Kind)
	}
}

func (w walker) visitLeaf(n *Node, v any, path string) (any, error) {
	if n.Type == JSONStringType {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, w.fail(path, "serialize value: %v", err)
		}
		return string(data), nil
	}
	switch v.(type) {
	case map[string]any, []any:
		return nil, w.fail(path, "complex value in leaf node %s", n.Name)
	}
	return v, nil
}

func (w walker) visitArray(n *Node, v any, path string) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, w.fail(path, "expected array for repeated node %s", n.Name)
	}
	out := make([]any, 0, len(items))
	for i, item := range items {
		converted, err := w.visit(n.Elem, item, path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

func (w walker) visitStruct(n *Node, obj map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(obj))
	for key, value := range obj {
		childPath := path + "." + key

		if field, ok := n.Fields[key]; ok {
			converted, err := w.visit(field, value, childPath)
			if err != nil {
				return nil, err
			}
			out[key] = converted
			continue
		}

		choice, dataType, ok := n.choiceKey(key)
		if !ok {
			continue
		}
		alt, ok := choice.Choices[dataType]
		if !ok {
			return nil, w.fail(childPath, "data type %q is not a choice of %s", dataType, choice.Name)
		}
		converted, err := w.visit(alt, value, childPath)
		if err != nil {
			return nil, err
		}
		wrapped, _ := out[choice.Name].(map[string]any)
		if wrapped == nil {
			wrapped = map[string]any{}
			out[choice.Name] = wrapped
		}
		wrapped[dataType] = converted
	}
	return out, nil
}
