package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

const (
	observationsTable = "observation_records"
	alertsTable       = "observation_alerts"
)

// Observation is a request submitted to a facility on behalf of an owner.
type Observation struct {
	ID            int64
	OwnerID       string
	Facility      string
	ObservationID string
	Status        string
	Parameters    map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Alert subscribes an email address to an observation.
type Alert struct {
	ID          int64
	Observation *Observation
	Email       string
	CreatedAt   time.Time
}

var observationColumns = []string{"id", "owner_id", "facility", "observation_id", "status", "parameters", "created_at", "updated_at"}

func (s *Store) CreateObservation(ctx context.Context, o *Observation) error {
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	params, err := json.Marshal(o.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	ib := s.sql().Insert(observationsTable).
		Columns("owner_id", "facility", "observation_id", "status", "parameters", "created_at", "updated_at").
		Values(o.OwnerID, o.Facility, o.ObservationID, o.Status, string(params), micros(o.CreatedAt), micros(o.UpdatedAt))
	id, err := insertID(ctx, s.drv, ib)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("observation %s/%s: %w", o.Facility, o.ObservationID, ErrConflict)
		}
		return fmt.Errorf("insert observation: %w", err)
	}
	o.ID = id
	return nil
}

func (s *Store) GetObservation(ctx context.Context, id int64) (*Observation, error) {
	obs, err := s.selectObservations(ctx, s.observationSelect().Where(entsql.EQ("id", id)))
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("observation %d: %w", id, ErrNotFound)
	}
	return obs[0], nil
}

// ListObservations returns observations of one owner, or of every owner when owner is empty.
func (s *Store) ListObservations(ctx context.Context, owner string) ([]*Observation, error) {
	sel := s.observationSelect().OrderBy(entsql.Asc("id"))
	if owner != "" {
		sel.Where(entsql.EQ("owner_id", owner))
	}
	return s.selectObservations(ctx, sel)
}

func (s *Store) UpdateObservationStatus(ctx context.Context, id int64, status string) error {
	n, err := exec(ctx, s.drv, s.sql().Update(observationsTable).
		Set("status", status).
		Set("updated_at", micros(s.now())).
		Where(entsql.EQ("id", id)))
	if err != nil {
		return fmt.Errorf("update observation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("observation %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) CreateAlert(ctx context.Context, a *Alert) error {
	if a.Observation == nil {
		return fmt.Errorf("alert for %s has no observation", a.Email)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	ib := s.sql().Insert(alertsTable).
		Columns("observation_id", "email", "created_at").
		Values(a.Observation.ID, a.Email, micros(a.CreatedAt))
	id, err := insertID(ctx, s.drv, ib)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	a.ID = id
	return nil
}

// ListAlerts returns every alert with its observation loaded.
func (s *Store) ListAlerts(ctx context.Context) ([]*Alert, error) {
	a, o := s.sql().Table(alertsTable).As("a"), s.sql().Table(observationsTable).As("o")
	cols := []string{a.C("id"), a.C("email"), a.C("created_at")}
	for _, c := range observationColumns {
		cols = append(cols, o.C(c))
	}
	sel := s.sql().Select(cols...).
		From(a).
		Join(o).On(a.C("observation_id"), o.C("id")).
		OrderBy(entsql.Asc(a.C("id")))
	rows, err := query(ctx, s.drv, sel)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	var out []*Alert
	for rows.Next() {
		var (
			al               Alert
			ob               Observation
			alCreated        int64
			params           string
			obCreated, obUpd int64
		)
		if err := rows.Scan(&al.ID, &al.Email, &alCreated,
			&ob.ID, &ob.OwnerID, &ob.Facility, &ob.ObservationID, &ob.Status, &params, &obCreated, &obUpd); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &ob.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of observation %d: %w", ob.ID, err)
		}
		al.CreatedAt = fromMicros(alCreated)
		ob.CreatedAt, ob.UpdatedAt = fromMicros(obCreated), fromMicros(obUpd)
		al.Observation = &ob
		out = append(out, &al)
	}
	return out, rows.Err()
}

func (s *Store) observationSelect() *entsql.Selector {
	return s.sql().Select(observationColumns...).From(s.sql().Table(observationsTable))
}

func (s *Store) selectObservations(ctx context.Context, sel *entsql.Selector) ([]*Observation, error) {
	rows, err := query(ctx, s.drv, sel)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()
	var out []*Observation
	for rows.Next() {
		var (
			o                Observation
			params           string
			created, updated int64
		)
		if err := rows.Scan(&o.ID, &o.OwnerID, &o.Facility, &o.ObservationID, &o.Status, &params, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &o.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of observation %d: %w", o.ID, err)
		}
		o.CreatedAt, o.UpdatedAt = fromMicros(created), fromMicros(updated)
		out = append(out, &o)
	}
	return out, rows.Err()
}
