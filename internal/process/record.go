// internal/process/record.go
package process

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a process record.
type Status string

const (
	StatusPending Status = "pending"
	StatusCreated Status = "created"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusCreated || s == StatusFailed }

// IdentifierLayout is the timestamp layout embedded in identifiers.
const IdentifierLayout = "20060102150405"

var ErrTerminal = errors.New("process already in terminal state")

// Record is one background job. It is mutated only by the worker executing it.
type Record struct {
	Identifier     string
	JobType        string
	OwnerID        string
	Status         Status
	Progress       string
	CreatedAt      time.Time
	TerminalAt     *time.Time
	FailureMessage *string
	Log            string
	InputIDs       []int64
	Flags          map[string]bool
	GroupID        *int64
	StartedAt      *time.Time
	Worker         string
}

// New returns a pending record identified by shortName, owner and creation second.
func New(jobType, shortName, owner string, inputs []int64, flags map[string]bool, now time.Time) *Record {
	if flags == nil {
		flags = map[string]bool{}
	}
	return &Record{
		Identifier: Identifier(shortName, owner, now),
		JobType:    jobType,
		OwnerID:    owner,
		Status:     StatusPending,
		CreatedAt:  now,
		InputIDs:   inputs,
		Flags:      flags,
	}
}

func Identifier(shortName, owner string, now time.Time) string {
	return fmt.Sprintf("%s_%s_%s", shortName, owner, now.Format(IdentifierLayout))
}

// WithSuffix returns base with a collision suffix; n <= 1 returns base unchanged.
func WithSuffix(base string, n int) string {
	if n <= 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, n)
}

func (r *Record) Terminal() bool { return r.Status.Terminal() }

func (r *Record) MarkCreated(now time.Time) error {
	if r.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.Identifier, r.Status)
	}
	r.Status = StatusCreated
	r.TerminalAt = &now
	r.FailureMessage = nil
	return nil
}

func (r *Record) MarkFailed(msg string, now time.Time) error {
	if r.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, r.Identifier, r.Status)
	}
	r.Status = StatusFailed
	r.TerminalAt = &now
	r.FailureMessage = &msg
	return nil
}

// Validate checks that terminal fields are set iff the status is terminal.
func (r *Record) Validate() error {
	switch r.Status {
	case StatusPending:
		if r.TerminalAt != nil || r.FailureMessage != nil {
			return fmt.Errorf("pending record %s has terminal fields", r.Identifier)
		}
	case StatusCreated:
		if r.TerminalAt == nil {
			return fmt.Errorf("created record %s missing terminal time", r.Identifier)
		}
		if r.FailureMessage != nil {
			return fmt.Errorf("created record %s has failure message", r.Identifier)
		}
	case StatusFailed:
		if r.TerminalAt == nil || r.FailureMessage == nil {
			return fmt.Errorf("failed record %s missing terminal fields", r.Identifier)
		}
	default:
		return fmt.Errorf("record %s has unknown status %q", r.Identifier, r.Status)
	}
	return nil
}
