package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewManager(rdb), mr
}

func TestManagerAcquireIsExclusive(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	ok, err := m.Acquire(ctx, "tl_1_x", "w1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := m.Acquire(ctx, "tl_1_x", "w2", time.Minute); ok {
		t.Fatal("second worker acquired a held lease")
	}
	if ok, _ := m.Acquire(ctx, "tl_1_x", "w1", time.Minute); !ok {
		t.Fatal("holder could not re-acquire its own lease")
	}
}

func TestManagerRenewAndExpiry(t *testing.T) {
	m, mr := newManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "tl_1_x", "w1", 10*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if ok, err := m.Renew(ctx, "tl_1_x", "w2", time.Minute); err != nil || ok {
		t.Fatalf("foreign renew: ok=%v err=%v", ok, err)
	}
	if ok, err := m.Renew(ctx, "tl_1_x", "w1", time.Minute); err != nil || !ok {
		t.Fatalf("renew: ok=%v err=%v", ok, err)
	}
	mr.FastForward(30 * time.Second)
	if held, _ := m.Held(ctx, "tl_1_x"); !held {
		t.Fatal("renewed lease expired early")
	}
	mr.FastForward(time.Minute)
	if held, _ := m.Held(ctx, "tl_1_x"); held {
		t.Fatal("lease survived its ttl")
	}
	if ok, _ := m.Renew(ctx, "tl_1_x", "w1", time.Minute); ok {
		t.Fatal("expired lease was renewed")
	}
}

func TestManagerReleaseOnlyByHolder(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	if _, err := m.Acquire(ctx, "tl_1_x", "w1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx, "tl_1_x", "w2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := m.Held(ctx, "tl_1_x"); !held {
		t.Fatal("foreign release dropped the lease")
	}
	if err := m.Release(ctx, "tl_1_x", "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if held, _ := m.Held(ctx, "tl_1_x"); held {
		t.Fatal("lease still held after release")
	}
}
