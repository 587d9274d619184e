package profile

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/andresmejia3/persona/internal/vector"
	"github.com/tidwall/gjson"
)

// Record keys
const (
	KeyID        = "id"
	KeyTolerance = "acceptance_tolerance"
	KeyEncodings = "encodings"
)

// ErrMalformedRecord matches every error produced while reading a profile record.
var ErrMalformedRecord = errors.New("malformed profile record")

// Record is the durable form of a Profile.
type Record struct {
	ID                  string      `json:"id" yaml:"id"`
	AcceptanceTolerance float64     `json:"acceptance_tolerance" yaml:"acceptance_tolerance"`
	Encodings           [][]float64 `json:"encodings" yaml:"encodings"`
}

// MalformedRecordError describes one problem with one key of a record.
type MalformedRecordError struct {
	Key      string
	Expected string
	Actual   string
	Missing  bool
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	switch {
	case e.Missing:
		return fmt.Sprintf("missing expected key '%s'", e.Key)
	case e.Reason != "":
		return fmt.Sprintf("key '%s' %s", e.Key, e.Reason)
	case e.Key == "":
		return fmt.Sprintf("record expected to be of type '%s', received type '%s'", e.Expected, e.Actual)
	default:
		return fmt.Sprintf("key '%s' expected to be of type '%s', received type '%s'", e.Key, e.Expected, e.Actual)
	}
}

func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrMalformedRecord
}

// field is one rule of the record schema.
type field struct {
	key  string
	kind string
}

var schema = []field{
	{KeyID, "string"},
	{KeyTolerance, "number"},
	{KeyEncodings, "array"},
}

// kindOf names the coarse JSON type of a value.
func kindOf(r gjson.Result) string {
	switch {
	case !r.Exists():
		return "missing"
	case r.IsArray():
		return "array"
	case r.IsObject():
		return "object"
	}
	switch r.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "bool"
	default:
		return "null"
	}
}

// InspectRecord checks a parsed record against the schema and returns every problem found.
// It never stops at the first problem so callers can report the complete list at once.
func InspectRecord(doc gjson.Result) []error {
	if kind := kindOf(doc); kind != "object" {
		return []error{&MalformedRecordError{Expected: "object", Actual: kind}}
	}

	var problems []error

	known := make(map[string]bool, len(schema))
	for _, f := range schema {
		known[f.key] = true

		value := doc.Get(f.key)
		if !value.Exists() {
			problems = append(problems, &MalformedRecordError{Key: f.key, Missing: true})
			continue
		}
		if kind := kindOf(value); kind != f.kind {
			problems = append(problems, &MalformedRecordError{Key: f.key, Expected: f.kind, Actual: kind})
			continue
		}

		switch f.key {
		case KeyID:
			if value.String() == "" {
				problems = append(problems, &MalformedRecordError{Key: f.key, Reason: "must not be empty"})
			}
		case KeyEncodings:
			problems = append(problems, inspectEncodings(value)...)
		}
	}

	doc.ForEach(func(key, _ gjson.Result) bool {
		if !known[key.String()] {
			problems = append(problems, &MalformedRecordError{Key: key.String(), Reason: "is not part of a profile record"})
		}
		return true
	})

	return problems
}

// inspectEncodings checks that every encoding is a list of numbers of one common length.
func inspectEncodings(encodings gjson.Result) []error {
	var problems []error
	width := -1

	for i, enc := range encodings.Array() {
		key := fmt.Sprintf("%s[%d]", KeyEncodings, i)
		if kind := kindOf(enc); kind != "array" {
			problems = append(problems, &MalformedRecordError{Key: key, Expected: "array", Actual: kind})
			continue
		}

		values := enc.Array()
		for j, v := range values {
			if kind := kindOf(v); kind != "number" {
				problems = append(problems, &MalformedRecordError{Key: fmt.Sprintf("%s[%d]", key, j), Expected: "number", Actual: kind})
			}
		}

		if width == -1 {
			width = len(values)
		} else if len(values) != width {
			problems = append(problems, &MalformedRecordError{
				Key:    key,
				Reason: fmt.Sprintf("has length %d, expected %d like the first encoding", len(values), width),
			})
		}
	}
	return problems
}

// Record converts the profile into its durable form. Encodings are copied into plain slices.
func (p *Profile) Record() Record {
	encodings := make([][]float64, 0, len(p.Encodings))
	for _, enc := range p.Encodings {
		encodings = append(encodings, enc.Clone())
	}
	return Record{
		ID:                  p.ID,
		AcceptanceTolerance: p.AcceptanceTolerance,
		Encodings:           encodings,
	}
}

// Serialize encodes the profile as an indented JSON record.
func (p *Profile) Serialize() ([]byte, error) {
	data, err := json.MarshalIndent(p.Record(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode profile '%s': %w", p.ID, err)
	}
	return data, nil
}

// Deserialize rebuilds a profile from a JSON record. The record is checked against the
// schema first; the first problem is returned and no profile is built.
func Deserialize(data []byte) (*Profile, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrMalformedRecord)
	}

	doc := gjson.ParseBytes(data)
	if problems := InspectRecord(doc); len(problems) > 0 {
		return nil, problems[0]
	}

	rawEncodings := doc.Get(KeyEncodings).Array()
	encodings := make([]vector.Encoding, 0, len(rawEncodings))
	for _, raw := range rawEncodings {
		values := raw.Array()
		enc := make(vector.Encoding, len(values))
		for i, v := range values {
			enc[i] = v.Float()
		}
		encodings = append(encodings, enc)
	}

	return &Profile{
		ID:                  doc.Get(KeyID).String(),
		AcceptanceTolerance: doc.Get(KeyTolerance).Float(),
		Encodings:           encodings,
	}, nil
}
