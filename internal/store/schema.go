package store

import (
	"context"
	"fmt"
	"strings"

	"entgo.io/ent/dialect"
)

// idColumn is replaced per dialect.
const idColumn = "{{ID}}"

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS processes (
		identifier TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		terminal_at BIGINT NULL,
		failure_message TEXT NULL,
		log TEXT NOT NULL DEFAULT '',
		inputs TEXT NOT NULL DEFAULT '[]',
		flags TEXT NOT NULL DEFAULT '{}',
		group_id BIGINT NULL,
		started_at BIGINT NULL,
		worker TEXT NOT NULL DEFAULT '',
		lease_holder TEXT NOT NULL DEFAULT '',
		lease_expires_at BIGINT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS processes_owner_created ON processes (owner_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS processes_status ON processes (status)`,
	`CREATE TABLE IF NOT EXISTS data_products (
		id ` + idColumn + `,
		product_id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		storage TEXT NOT NULL,
		location TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS data_products_owner ON data_products (owner_id)`,
	`CREATE TABLE IF NOT EXISTS data_product_groups (
		id ` + idColumn + `,
		name TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS data_product_group_members (
		group_id BIGINT NOT NULL REFERENCES data_product_groups (id) ON DELETE CASCADE,
		product_id BIGINT NOT NULL REFERENCES data_products (id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reduced_datums (
		id ` + idColumn + `,
		owner_id TEXT NOT NULL,
		product_id BIGINT NULL REFERENCES data_products (id) ON DELETE CASCADE,
		data_type TEXT NOT NULL DEFAULT '',
		source_name TEXT NOT NULL DEFAULT '',
		recorded_at BIGINT NOT NULL,
		value TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS observation_templates (
		id ` + idColumn + `,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		facility TEXT NOT NULL,
		fields TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		UNIQUE (name, owner_id, facility)
	)`,
	`CREATE TABLE IF NOT EXISTS observation_records (
		id ` + idColumn + `,
		owner_id TEXT NOT NULL,
		facility TEXT NOT NULL,
		observation_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		parameters TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (facility, observation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS observation_alerts (
		id ` + idColumn + `,
		observation_id BIGINT NOT NULL REFERENCES observation_records (id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == dialect.Postgres {
		id = "BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range schemaDDL {
		stmt = strings.ReplaceAll(stmt, idColumn, id)
		if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("schema ensured", "statements", len(schemaDDL))
	return nil
}
