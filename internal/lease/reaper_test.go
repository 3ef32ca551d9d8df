package lease

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/store"
)

type heldSet map[string]bool

func (h heldSet) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (h heldSet) Renew(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (h heldSet) Release(context.Context, string, string) error { return nil }

func (h heldSet) Held(_ context.Context, id string) (bool, error) {
	return h[id], nil
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "lease.db")}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func pending(t *testing.T, s *store.Store, owner string, created time.Time, claimed bool) *process.Record {
	t.Helper()
	ctx := context.Background()
	rec := process.New("timelapse", "timelapse", owner, []int64{1}, nil, created)
	if err := s.CreateProcess(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if claimed {
		if err := s.ClaimProcess(ctx, rec.Identifier, "w1", created); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	return rec
}

func TestReaperFailsAbandonedRecords(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)

	lost := pending(t, s, "lost", start, true)
	alive := pending(t, s, "alive", start, true)
	queued := pending(t, s, "queued", start, false)

	var reaped []string
	r := NewReaper(s, heldSet{alive.Identifier: true}, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithPendingTimeout(10*time.Minute),
		WithOnReap(func(_ context.Context, rec *process.Record) { reaped = append(reaped, rec.Identifier) }))

	r.now = func() time.Time { return start.Add(5 * time.Minute) }
	n, err := r.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	got, _ := s.GetProcess(ctx, lost.Identifier)
	if got.Status != process.StatusFailed || *got.FailureMessage != MessageWorkerLost {
		t.Fatalf("lost record not failed: %+v", got)
	}
	if got, _ := s.GetProcess(ctx, alive.Identifier); got.Status != process.StatusPending {
		t.Fatal("record with a live lease was reaped")
	}

	r.now = func() time.Time { return start.Add(15 * time.Minute) }
	if n, err := r.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	got, _ = s.GetProcess(ctx, queued.Identifier)
	if got.Status != process.StatusFailed || *got.FailureMessage != MessageUnclaimed {
		t.Fatalf("unclaimed record not failed: %+v", got)
	}
	if len(reaped) != 2 || reaped[0] != lost.Identifier || reaped[1] != queued.Identifier {
		t.Fatalf("unexpected reap callbacks: %v", reaped)
	}

	if n, _ := r.Sweep(ctx); n != 0 {
		t.Fatalf("terminal records reaped twice: %d", n)
	}
}

func TestReaperRejectsBadSchedule(t *testing.T) {
	r := NewReaper(openStore(t), Nop{}, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx, "not a schedule"); err == nil {
		t.Fatal("expected schedule error")
	}
	if err := r.Start(ctx, "@every 1h"); err != nil {
		t.Fatalf("start: %v", err)
	}
}
