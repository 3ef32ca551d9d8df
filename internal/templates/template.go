// Package templates holds saved observation forms that can be instantiated
// and submitted to a facility.
package templates

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var ErrUnsupportedFacility = errors.New("unsupported facility")

const (
	identifierLayout = "2006-01-02-150405"
	// DateLayout is how start and end fields are filled in.
	DateLayout = "2006-01-02T15:04:05"
)

type Template struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	OwnerID   string         `json:"target"`
	Facility  string         `json:"facility"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created"`
}

// Identifier names one instantiation of the template.
func (t *Template) Identifier(now time.Time) string {
	return fmt.Sprintf("%s-%s", t.Name, now.Format(identifierLayout))
}

// IdentifierField is the form field that holds the template name and, once
// instantiated, the instance identifier.
func IdentifierField(facility string) (string, error) {
	if facility == "LCO" {
		return "name", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFacility, facility)
}

func DateFields(facility string) []string {
	if facility == "LCO" {
		return []string{"start", "end"}
	}
	return nil
}

// CreateURL appends template_id to base, keeping any existing query parameters.
func (t *Template) CreateURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse create url: %w", err)
	}
	q := u.Query()
	q.Set("template_id", fmt.Sprint(t.ID))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Instantiate returns the initial form fields for a new observation: the saved
// fields, a fresh identifier, a one day window starting now, then overrides.
func (t *Template) Instantiate(now time.Time, overrides map[string]any) (map[string]any, error) {
	idField, err := IdentifierField(t.Facility)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(t.Fields)+len(overrides)+3)
	for k, v := range t.Fields {
		out[k] = v
	}
	out[idField] = t.Identifier(now)
	if dates := DateFields(t.Facility); len(dates) == 2 {
		out[dates[0]] = now.Format(DateLayout)
		out[dates[1]] = now.Add(24 * time.Hour).Format(DateLayout)
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out, nil
}

// FieldError lists the reasons a set of fields failed schema validation.
type FieldError struct {
	Problems []string
}

func (e *FieldError) Error() string {
	return "invalid observation fields: " + strings.Join(e.Problems, "; ")
}

// Validate checks fields against a facility JSON Schema.
func Validate(schema map[string]any, fields map[string]any) error {
	b, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("facility.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	sch, err := compiler.Compile("facility.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// Round trip so numbers and nested values have the types the validator expects.
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal fields: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &FieldError{Problems: flatten(ve)}
		}
		return fmt.Errorf("validate fields: %w", err)
	}
	return nil
}

func flatten(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flatten(c)...)
	}
	return out
}
