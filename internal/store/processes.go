package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/tendant/tom-education/internal/process"
)

const processesTable = "processes"

// identifier collisions within one second are resolved by suffixing; give up after this many.
const maxIdentifierAttempts = 50

var processColumns = []string{
	"identifier", "job_type", "owner_id", "status", "progress", "created_at",
	"terminal_at", "failure_message", "log", "inputs", "flags", "group_id",
	"started_at", "worker",
}

// CreateProcess inserts a pending record. On identifier collision the record's
// identifier is suffixed (-2, -3, ...) until the insert succeeds.
func (s *Store) CreateProcess(ctx context.Context, rec *process.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	inputs, err := json.Marshal(nonNilInts(rec.InputIDs))
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	flags, err := json.Marshal(rec.Flags)
	if err != nil {
		return fmt.Errorf("encode flags: %w", err)
	}
	base := rec.Identifier
	for n := 1; n <= maxIdentifierAttempts; n++ {
		id := process.WithSuffix(base, n)
		ib := s.sql().Insert(processesTable).
			Columns("identifier", "job_type", "owner_id", "status", "progress", "created_at", "log", "inputs", "flags").
			Values(id, rec.JobType, rec.OwnerID, string(rec.Status), rec.Progress, micros(rec.CreatedAt), rec.Log, string(inputs), string(flags))
		_, err := exec(ctx, s.drv, ib)
		if err == nil {
			rec.Identifier = id
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("insert process: %w", err)
		}
	}
	return fmt.Errorf("insert process %s: %w", base, ErrConflict)
}

func (s *Store) GetProcess(ctx context.Context, identifier string) (*process.Record, error) {
	recs, err := s.selectProcesses(ctx, s.processSelect().Where(entsql.EQ("identifier", identifier)))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("process %s: %w", identifier, ErrNotFound)
	}
	return recs[0], nil
}

// ListProcesses returns the owner's records, most recent first; identifier breaks ties.
func (s *Store) ListProcesses(ctx context.Context, owner string) ([]*process.Record, error) {
	sel := s.processSelect().
		Where(entsql.EQ("owner_id", owner)).
		OrderBy(entsql.Desc("created_at"), entsql.Asc("identifier"))
	return s.selectProcesses(ctx, sel)
}

// ListFinished returns the owner's records of one job type in the given status,
// most recently finished first.
func (s *Store) ListFinished(ctx context.Context, owner, jobType string, status process.Status) ([]*process.Record, error) {
	sel := s.processSelect().
		Where(entsql.And(
			entsql.EQ("owner_id", owner),
			entsql.EQ("job_type", jobType),
			entsql.EQ("status", string(status)),
		)).
		OrderBy(entsql.Desc("terminal_at"), entsql.Asc("identifier"))
	return s.selectProcesses(ctx, sel)
}

// ListStaleProcesses returns pending records claimed by a worker before the cutoff.
func (s *Store) ListStaleProcesses(ctx context.Context, startedBefore time.Time) ([]*process.Record, error) {
	sel := s.processSelect().
		Where(entsql.And(
			entsql.EQ("status", string(process.StatusPending)),
			entsql.NotNull("started_at"),
			entsql.LT("started_at", micros(startedBefore)),
		)).
		OrderBy(entsql.Asc("created_at"))
	return s.selectProcesses(ctx, sel)
}

// ListUnclaimedProcesses returns pending records no worker has claimed since before the cutoff.
func (s *Store) ListUnclaimedProcesses(ctx context.Context, createdBefore time.Time) ([]*process.Record, error) {
	sel := s.processSelect().
		Where(entsql.And(
			entsql.EQ("status", string(process.StatusPending)),
			entsql.IsNull("started_at"),
			entsql.LT("created_at", micros(createdBefore)),
		)).
		OrderBy(entsql.Asc("created_at"))
	return s.selectProcesses(ctx, sel)
}

// ClaimProcess records which worker started executing the job.
func (s *Store) ClaimProcess(ctx context.Context, identifier, worker string, now time.Time) error {
	ub := s.sql().Update(processesTable).
		Set("started_at", micros(now)).
		Set("worker", worker).
		Where(pendingRecord(identifier))
	return s.pendingUpdate(ctx, identifier, ub)
}

func (s *Store) SetProgress(ctx context.Context, identifier, progress string) error {
	ub := s.sql().Update(processesTable).
		Set("progress", progress).
		Where(pendingRecord(identifier))
	return s.pendingUpdate(ctx, identifier, ub)
}

// AppendLog appends text to the record's log in a single statement.
func (s *Store) AppendLog(ctx context.Context, identifier, text string) error {
	ub := s.sql().Update(processesTable).
		Set("log", entsql.ExprFunc(func(b *entsql.Builder) {
			b.Ident("log").WriteString(" || ").Arg(text)
		})).
		Where(pendingRecord(identifier))
	return s.pendingUpdate(ctx, identifier, ub)
}

func (s *Store) SetProcessGroup(ctx context.Context, identifier string, groupID int64) error {
	ub := s.sql().Update(processesTable).
		Set("group_id", groupID).
		Where(pendingRecord(identifier))
	return s.pendingUpdate(ctx, identifier, ub)
}

// FinishProcess persists a terminal transition. Progress is left as the last
// SetProgress wrote it. It fails with process.ErrTerminal when the stored record
// already reached a terminal state.
func (s *Store) FinishProcess(ctx context.Context, rec *process.Record) error {
	if !rec.Terminal() {
		return fmt.Errorf("finish %s: status %s is not terminal", rec.Identifier, rec.Status)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	ub := s.sql().Update(processesTable).
		Set("status", string(rec.Status)).
		Set("terminal_at", nullMicros(rec.TerminalAt)).
		Set("lease_holder", "")
	if rec.FailureMessage != nil {
		ub.Set("failure_message", *rec.FailureMessage)
	} else {
		ub.SetNull("failure_message")
	}
	ub.SetNull("lease_expires_at").Where(pendingRecord(rec.Identifier))
	return s.pendingUpdate(ctx, rec.Identifier, ub)
}

func pendingRecord(identifier string) *entsql.Predicate {
	return entsql.And(
		entsql.EQ("identifier", identifier),
		entsql.EQ("status", string(process.StatusPending)),
	)
}

// pendingUpdate runs an update guarded by status = pending and explains a miss.
func (s *Store) pendingUpdate(ctx context.Context, identifier string, ub *entsql.UpdateBuilder) error {
	n, err := exec(ctx, s.drv, ub)
	if err != nil {
		return fmt.Errorf("update process %s: %w", identifier, err)
	}
	if n > 0 {
		return nil
	}
	rec, err := s.GetProcess(ctx, identifier)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", process.ErrTerminal, identifier, rec.Status)
}

func (s *Store) processSelect() *entsql.Selector {
	return s.sql().Select(processColumns...).From(s.sql().Table(processesTable))
}

func (s *Store) selectProcesses(ctx context.Context, sel *entsql.Selector) ([]*process.Record, error) {
	rows, err := query(ctx, s.drv, sel)
	if err != nil {
		return nil, fmt.Errorf("query processes: %w", err)
	}
	defer rows.Close()

	var out []*process.Record
	for rows.Next() {
		var (
			rec                    process.Record
			status                 string
			created                int64
			terminal, started, grp stdsql.NullInt64
			failure                stdsql.NullString
			inputs, flags          string
		)
		if err := rows.Scan(&rec.Identifier, &rec.JobType, &rec.OwnerID, &status, &rec.Progress, &created,
			&terminal, &failure, &rec.Log, &inputs, &flags, &grp, &started, &rec.Worker); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		rec.Status = process.Status(status)
		rec.CreatedAt = fromMicros(created)
		rec.TerminalAt = timePtr(terminal)
		rec.FailureMessage = strPtr(failure)
		rec.GroupID = int64Ptr(grp)
		rec.StartedAt = timePtr(started)
		if err := json.Unmarshal([]byte(inputs), &rec.InputIDs); err != nil {
			return nil, fmt.Errorf("decode inputs of %s: %w", rec.Identifier, err)
		}
		if err := json.Unmarshal([]byte(flags), &rec.Flags); err != nil {
			return nil, fmt.Errorf("decode flags of %s: %w", rec.Identifier, err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNilInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

// IsTerminal reports whether err came from a guarded update on a finished record.
func IsTerminal(err error) bool { return errors.Is(err, process.ErrTerminal) }
