package store

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

// Leases keeps job leases in the processes table. It is used when no Redis is configured.
type Leases struct {
	s *Store
}

func (s *Store) Leases() *Leases { return &Leases{s: s} }

// Acquire takes the lease if it is free, expired, or already ours.
func (l *Leases) Acquire(ctx context.Context, identifier, holder string, ttl time.Duration) (bool, error) {
	now := l.s.now()
	n, err := exec(ctx, l.s.drv, l.s.sql().Update(processesTable).
		Set("lease_holder", holder).
		Set("lease_expires_at", micros(now.Add(ttl))).
		Where(entsql.And(
			pendingRecord(identifier),
			entsql.Or(
				entsql.EQ("lease_holder", ""),
				entsql.EQ("lease_holder", holder),
				entsql.IsNull("lease_expires_at"),
				entsql.LT("lease_expires_at", micros(now)),
			),
		)))
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", identifier, err)
	}
	return n > 0, nil
}

// Renew extends the lease only while holder still owns it.
func (l *Leases) Renew(ctx context.Context, identifier, holder string, ttl time.Duration) (bool, error) {
	n, err := exec(ctx, l.s.drv, l.s.sql().Update(processesTable).
		Set("lease_expires_at", micros(l.s.now().Add(ttl))).
		Where(entsql.And(
			entsql.EQ("identifier", identifier),
			entsql.EQ("lease_holder", holder),
		)))
	if err != nil {
		return false, fmt.Errorf("renew lease %s: %w", identifier, err)
	}
	return n > 0, nil
}

func (l *Leases) Release(ctx context.Context, identifier, holder string) error {
	ub := l.s.sql().Update(processesTable).
		Set("lease_holder", "")
	ub.SetNull("lease_expires_at").Where(entsql.And(
		entsql.EQ("identifier", identifier),
		entsql.EQ("lease_holder", holder),
	))
	if _, err := exec(ctx, l.s.drv, ub); err != nil {
		return fmt.Errorf("release lease %s: %w", identifier, err)
	}
	return nil
}

func (l *Leases) Held(ctx context.Context, identifier string) (bool, error) {
	rows, err := query(ctx, l.s.drv, l.s.sql().Select("lease_holder", "lease_expires_at").
		From(l.s.sql().Table(processesTable)).
		Where(entsql.EQ("identifier", identifier)))
	if err != nil {
		return false, fmt.Errorf("query lease %s: %w", identifier, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("process %s: %w", identifier, ErrNotFound)
	}
	var (
		holder  string
		expires stdsql.NullInt64
	)
	if err := rows.Scan(&holder, &expires); err != nil {
		return false, fmt.Errorf("scan lease %s: %w", identifier, err)
	}
	return holder != "" && expires.Valid && expires.Int64 > micros(l.s.now()), rows.Err()
}
