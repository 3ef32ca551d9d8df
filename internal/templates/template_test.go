package templates

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func lcoTemplate() *Template {
	return &Template{
		ID:       7,
		Name:     "m51-rgb",
		OwnerID:  "m51",
		Facility: "LCO",
		Fields:   map[string]any{"name": "m51-rgb", "exposure_count": 3.0, "filter": "rp"},
	}
}

func TestIdentifierUsesNameAndTime(t *testing.T) {
	now := time.Date(2019, 8, 1, 9, 30, 5, 0, time.UTC)
	if got := lcoTemplate().Identifier(now); got != "m51-rgb-2019-08-01-093005" {
		t.Fatalf("unexpected identifier: %s", got)
	}
}

func TestIdentifierFieldUnsupported(t *testing.T) {
	if f, err := IdentifierField("LCO"); err != nil || f != "name" {
		t.Fatalf("LCO identifier field: %q %v", f, err)
	}
	if _, err := IdentifierField("SOAR"); !errors.Is(err, ErrUnsupportedFacility) {
		t.Fatalf("expected ErrUnsupportedFacility, got %v", err)
	}
	if len(DateFields("SOAR")) != 0 {
		t.Fatal("unexpected date fields for unknown facility")
	}
}

func TestCreateURLKeepsQuery(t *testing.T) {
	got, err := lcoTemplate().CreateURL("/observations/LCO/create/?target_id=3")
	if err != nil {
		t.Fatalf("CreateURL: %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Path != "/observations/LCO/create/" {
		t.Fatalf("path changed: %s", u.Path)
	}
	q := u.Query()
	if q.Get("target_id") != "3" || q.Get("template_id") != "7" {
		t.Fatalf("unexpected query: %s", u.RawQuery)
	}
}

func TestInstantiate(t *testing.T) {
	now := time.Date(2019, 8, 1, 9, 30, 5, 0, time.UTC)
	fields, err := lcoTemplate().Instantiate(now, map[string]any{"filter": "gp"})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	want := map[string]any{
		"name":           "m51-rgb-2019-08-01-093005",
		"start":          "2019-08-01T09:30:05",
		"end":            "2019-08-02T09:30:05",
		"filter":         "gp",
		"exposure_count": 3.0,
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %v, want %v", k, fields[k], v)
		}
	}
}

func TestValidate(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"name", "exposure_count"},
		"properties": map[string]any{
			"name":           map[string]any{"type": "string", "minLength": 1},
			"exposure_count": map[string]any{"type": "integer", "minimum": 1},
		},
	}
	tests := []struct {
		name    string
		fields  map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"name": "a", "exposure_count": 2}, false},
		{"missing field", map[string]any{"name": "a"}, true},
		{"below minimum", map[string]any{"name": "a", "exposure_count": 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(schema, tt.fields)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var fe *FieldError
				if !errors.As(err, &fe) || len(fe.Problems) == 0 {
					t.Fatalf("expected FieldError with problems, got %v", err)
				}
			}
		})
	}
}
