package store

import (
	"context"
	"encoding/json"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/tendant/tom-education/internal/templates"
)

const templatesTable = "observation_templates"

var templateColumns = []string{"id", "name", "owner_id", "facility", "fields", "created_at"}

func (s *Store) CreateTemplate(ctx context.Context, t *templates.Template) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return fmt.Errorf("encode template fields: %w", err)
	}
	ib := s.sql().Insert(templatesTable).
		Columns("name", "owner_id", "facility", "fields", "created_at").
		Values(t.Name, t.OwnerID, t.Facility, string(fields), micros(t.CreatedAt))
	id, err := insertID(ctx, s.drv, ib)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template %q for %s at %s: %w", t.Name, t.OwnerID, t.Facility, ErrConflict)
		}
		return fmt.Errorf("insert template: %w", err)
	}
	t.ID = id
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (*templates.Template, error) {
	ts, err := s.selectTemplates(ctx, s.templateSelect().Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("template %d: %w", id, ErrNotFound)
	}
	return ts[0], nil
}

func (s *Store) FindTemplate(ctx context.Context, name, owner, facility string) (*templates.Template, error) {
	ts, err := s.selectTemplates(ctx, s.templateSelect().Where(entsql.And(
		entsql.EQ("name", name),
		entsql.EQ("owner_id", owner),
		entsql.EQ("facility", facility),
	)))
	if err != nil {
		return nil, err
	}
	if len(ts) == 0 {
		return nil, fmt.Errorf("template %q: %w", name, ErrNotFound)
	}
	return ts[0], nil
}

// ListTemplates returns the owner's templates, optionally for one facility.
func (s *Store) ListTemplates(ctx context.Context, owner, facility string) ([]*templates.Template, error) {
	pred := entsql.EQ("owner_id", owner)
	if facility != "" {
		pred = entsql.And(pred, entsql.EQ("facility", facility))
	}
	return s.selectTemplates(ctx, s.templateSelect().Where(pred).OrderBy(entsql.Asc("name")))
}

// KnownOwner reports whether anything in the store refers to owner.
func (s *Store) KnownOwner(ctx context.Context, owner string) (bool, error) {
	for _, table := range []string{templatesTable, productsTable, processesTable, observationsTable} {
		rows, err := query(ctx, s.drv, s.sql().Select("owner_id").
			From(s.sql().Table(table)).
			Where(entsql.EQ("owner_id", owner)).
			Limit(1))
		if err != nil {
			return false, fmt.Errorf("query %s: %w", table, err)
		}
		found := rows.Next()
		err = rows.Err()
		rows.Close()
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) templateSelect() *entsql.Selector {
	return s.sql().Select(templateColumns...).From(s.sql().Table(templatesTable))
}

func (s *Store) selectTemplates(ctx context.Context, sel *entsql.Selector) ([]*templates.Template, error) {
	rows, err := query(ctx, s.drv, sel)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()
	var out []*templates.Template
	for rows.Next() {
		var (
			t       templates.Template
			fields  string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.OwnerID, &t.Facility, &fields, &created); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &t.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of template %d: %w", t.ID, err)
		}
		t.CreatedAt = fromMicros(created)
		out = append(out, &t)
	}
	return out, rows.Err()
}
