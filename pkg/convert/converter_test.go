package convert

import (
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
resourceType: Patient
fields:
  - name: resourceType
    type: string
  - name: id
    type: string
  - name: meta
    fields:
      - name: versionId
        type: string
  - name: extension
    type: JSONSTRING
  - name: name
    repeated: true
    fields:
      - name: family
        type: string
      - name: given
        type: string
        repeated: true
  - name: deceased
    choice:
      - name: boolean
        type: boolean
      - name: dateTime
        type: dateTime
  - name: managingOrganization
    fields:
      - name: reference
        type: string
`

func newTestConverter(t *testing.T) *Converter {
	t.Helper()
	s, err := ParseSchema([]byte(testSchema))
	require.NoError(t, err)
	return New(map[string]*Schema{s.SchemaType: s}, nil)
}

func records(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestConvert_KeepsSchemaFieldsOnly(t *testing.T) {
	c := newTestConverter(t)

	out, err := c.Convert(records(`{
		"resourceType": "Patient",
		"id": "p1",
		"meta": {"versionId": "3", "tag": [{"code": "x"}]},
		"name": [{"family": "Doe", "given": ["Jane", "Q"], "period": {"start": "2020"}}],
		"gender": "female"
	}`), "Patient")
	require.NoError(t, err)
	require.Len(t, out, 1)

	rec := out[0]
	assert.Equal(t, "p1", rec["id"])
	assert.Equal(t, map[string]any{"versionId": "3"}, rec["meta"])
	assert.NotContains(t, rec, "gender")
	assert.Equal(t, []any{map[string]any{"family": "Doe", "given": []any{"Jane", "Q"}}}, rec["name"])
}

func TestConvert_ChoiceTypes(t *testing.T) {
	c := newTestConverter(t)

	out, err := c.Convert(records(
		`{"resourceType":"Patient","id":"a","deceasedBoolean":true}`,
		`{"resourceType":"Patient","id":"b","deceasedDateTime":"2021-03-04"}`,
	), "Patient")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, map[string]any{"boolean": true}, out[0]["deceased"])
	assert.Equal(t, map[string]any{"dateTime": "2021-03-04"}, out[1]["deceased"])
	assert.NotContains(t, out[0], "deceasedBoolean")
}

func TestConvert_UnknownChoiceTypeFails(t *testing.T) {
	c := newTestConverter(t)

	_, err := c.Convert(records(`{"resourceType":"Patient","deceasedString":"yes"}`), "Patient")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConversion)

	var ce *ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "Patient.deceasedString", ce.Path)
	assert.Equal(t, 0, ce.Record)
}

func TestConvert_JSONStringLeaf(t *testing.T) {
	c := newTestConverter(t)

	out, err := c.Convert(records(`{"resourceType":"Patient","extension":[{"url":"u","valueInteger":12345678901234567890}]}`), "Patient")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, `[{"url":"u","valueInteger":12345678901234567890}]`, out[0]["extension"])
}

func TestConvert_NumbersKeepPrecision(t *testing.T) {
	s, err := ParseSchema([]byte(`
resourceType: Observation
fields:
  - name: resourceType
    type: string
  - name: value
    choice:
      - name: quantity
        fields:
          - name: value
            type: decimal
`))
	require.NoError(t, err)
	c := New(map[string]*Schema{"Observation": s}, nil)

	out, err := c.Convert(records(`{"resourceType":"Observation","valueQuantity":{"value":0.1000}}`), "Observation")
	require.NoError(t, err)

	data, err := json.Marshal(out[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"resourceType":"Observation","value":{"quantity":{"value":0.1000}}}`, string(data))
	assert.Contains(t, string(data), "0.1000")
}

func TestConvert_DropsOtherResourceTypes(t *testing.T) {
	c := newTestConverter(t)

	out, err := c.Convert(records(
		`{"resourceType":"Patient","id":"a"}`,
		`{"resourceType":"Observation","id":"o"}`,
		`{"id":"untyped"}`,
	), "Patient")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0]["id"])
}

func TestConvert_ShapeMismatchFails(t *testing.T) {
	c := newTestConverter(t)

	cases := map[string]string{
		"complex value in leaf":    `{"resourceType":"Patient","id":{"x":1}}`,
		"scalar for struct":        `{"resourceType":"Patient","managingOrganization":"Organization/1"}`,
		"object for repeated":      `{"resourceType":"Patient","name":{"family":"Doe"}}`,
		"array for leaf element":   `{"resourceType":"Patient","name":[{"given":[["nested"]]}]}`,
		"bare choice element name": `{"resourceType":"Patient","deceased":true}`,
		"record is not an object":  `["Patient"]`,
		"malformed json":           `{"resourceType":`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Convert(records(`{"resourceType":"Patient","id":"ok"}`, raw), "Patient")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConversion)

			var ce *ConversionError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, 1, ce.Record)
		})
	}
}

func TestConvert_UnknownSchemaType(t *testing.T) {
	c := newTestConverter(t)
	_, err := c.Convert(records(`{}`), "Nope")
	assert.ErrorIs(t, err, ErrConversion)
}

func TestSchemaTypes(t *testing.T) {
	fsys := fstest.MapFS{
		"s/Patient.yaml":       {Data: []byte("resourceType: Patient\nfields:\n  - name: id\n    type: string\n")},
		"s/Patient_Short.yaml": {Data: []byte("schemaType: Patient_Short\nresourceType: Patient\nfields:\n  - name: id\n    type: string\n")},
		"s/Encounter.yaml":     {Data: []byte("resourceType: Encounter\nfields:\n  - name: id\n    type: string\n")},
		"s/readme.txt":         {Data: []byte("ignored")},
	}
	schemas, err := LoadSchemas(fsys, "s")
	require.NoError(t, err)
	require.Len(t, schemas, 3)

	c := New(schemas, nil)
	assert.Equal(t, []string{"Patient", "Patient_Short"}, c.SchemaTypes("Patient"))
	assert.Equal(t, []string{"Encounter"}, c.SchemaTypes("Encounter"))
	assert.Empty(t, c.SchemaTypes("Device"))
	assert.Equal(t, []string{"Encounter", "Patient"}, c.ResourceTypes())
}

func TestParseSchema_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing resource type": "fields: []\n",
		"untyped field":         "resourceType: A\nfields:\n  - name: x\n",
		"duplicate field":       "resourceType: A\nfields:\n  - name: x\n    type: string\n  - name: x\n    type: string\n",
		"repeated choice":       "resourceType: A\nfields:\n  - name: v\n    repeated: true\n    choice:\n      - name: string\n        type: string\n",
		"not yaml":              "resourceType: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSchema([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalidSchema)
		})
	}
}

func TestNewDefault_LoadsEmbeddedSchemas(t *testing.T) {
	c, err := NewDefault(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Patient", "Patient_Contact"}, c.SchemaTypes("Patient"))
	for _, rt := range []string{"Observation", "Condition", "Encounter"} {
		assert.Equal(t, []string{rt}, c.SchemaTypes(rt))
	}

	out, err := c.Convert(records(`{
		"resourceType": "Observation",
		"id": "o1",
		"status": "final",
		"code": {"coding": [{"system": "http://loinc.org", "code": "8867-4"}]},
		"effectivePeriod": {"start": "2024-01-01T00:00:00Z"},
		"valueQuantity": {"value": 72, "unit": "beats/minute"}
	}`), "Observation")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, map[string]any{"period": map[string]any{"start": "2024-01-01T00:00:00Z"}}, out[0]["effective"])
	assert.Equal(t, map[string]any{"quantity": map[string]any{"value": json.Number("72"), "unit": "beats/minute"}}, out[0]["value"])
}
