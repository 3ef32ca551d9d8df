// Package lease tracks which worker is executing a process record and fails
// records whose worker went away.
package lease

import (
	"context"
	"time"
)

// Leaser grants one worker at a time the right to execute a record.
type Leaser interface {
	Acquire(ctx context.Context, identifier, holder string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, identifier, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, identifier, holder string) error
	Held(ctx context.Context, identifier string) (bool, error)
}

// Nop grants every lease and never reports one as held.
type Nop struct{}

func (Nop) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (Nop) Renew(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (Nop) Release(context.Context, string, string) error { return nil }

func (Nop) Held(context.Context, string) (bool, error) { return false, nil }
