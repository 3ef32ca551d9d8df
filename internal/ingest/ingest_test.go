package ingest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tendant/tom-education/internal/artifact"
	"github.com/tendant/tom-education/internal/img/fitstest"
	"github.com/tendant/tom-education/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store, string) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(ctx, store.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "ingest.db")}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	data := t.TempDir()
	fs, err := artifact.NewFS(data, "/media")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return NewService(st, fs, logger), st, data
}

func writeFrame(t *testing.T, root, owner, name string) string {
	t.Helper()
	dir := filepath.Join(root, owner)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	fitstest.WriteFile(t, p, fitstest.Image{Width: 2, Height: 2, DateObs: "2024-03-05T01:02:03", Pix: []int16{1, 2, 3, 4}})
	return p
}

func TestIngestCreatesProductOnce(t *testing.T) {
	svc, st, data := newService(t)
	ctx := context.Background()
	src := writeFrame(t, t.TempDir(), "m51", "a.fits")

	res, err := svc.Ingest(ctx, "m51", src)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Skipped || res.Product.ProductID != "m51/a.fits" || res.Product.Tag != TagFITS {
		t.Fatalf("unexpected result: %+v", res.Product)
	}
	if _, err := os.Stat(filepath.Join(data, "m51", "a.fits")); err != nil {
		t.Fatalf("file not copied: %v", err)
	}

	again, err := svc.Ingest(ctx, "m51", src)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if !again.Skipped || again.Product.ID != res.Product.ID {
		t.Fatalf("expected skip of existing product, got %+v", again)
	}
	products, err := st.ListProducts(ctx, "m51")
	if err != nil {
		t.Fatalf("ListProducts: %v", err)
	}
	if len(products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(products))
	}
}

func TestIngestReaderRequiresOwner(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.IngestReader(context.Background(), "", "a.fits", TagFITS, strings.NewReader("x")); err == nil {
		t.Fatal("expected error without owner")
	}
}

func TestOwnerFromPath(t *testing.T) {
	root := filepath.Join("data", "incoming")
	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{filepath.Join(root, "m51", "a.fits"), "m51", false},
		{filepath.Join(root, "a.fits"), "", true},
		{filepath.Join(root, "m51", "night1", "a.fits"), "", true},
		{filepath.Join("elsewhere", "m51", "a.fits"), "", true},
	}
	for _, tt := range tests {
		got, err := OwnerFromPath(root, tt.path)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("OwnerFromPath(%q) = %q, %v", tt.path, got, err)
		}
	}
}

func TestRunScansRoot(t *testing.T) {
	svc, st, _ := newService(t)
	root := t.TempDir()
	writeFrame(t, root, "m51", "a.fits")
	writeFrame(t, root, "m51", "b.fit")
	writeFrame(t, root, "ngc1", "c.fits")
	if err := os.WriteFile(filepath.Join(root, "m51", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	writeFrame(t, root, ".hidden", "d.fits")
	// Not under an owner directory.
	fitstest.WriteFile(t, filepath.Join(root, "loose.fits"), fitstest.Image{Width: 1, Height: 1, Pix: []int16{0}})

	n, err := svc.Run(context.Background(), root, false, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 3 {
		t.Fatalf("ingested %d files, want 3", n)
	}
	products, _ := st.ListProducts(context.Background(), "m51")
	if len(products) != 2 {
		t.Fatalf("expected 2 products for m51, got %d", len(products))
	}
	if n, _ := svc.Run(context.Background(), root, false, 0); n != 0 {
		t.Fatalf("rescan ingested %d files again", n)
	}
}

func TestWatchEmitsNewFiles(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	existing := writeFrame(t, root, "m51", "old.fits")

	paths, _, err := Watch(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if got := next(t, paths); got != existing {
		t.Fatalf("initial scan emitted %q", got)
	}

	created := writeFrame(t, root, "m51", "new.fits")
	if got := next(t, paths); got != created {
		t.Fatalf("watch emitted %q, want %q", got, created)
	}

	cancel()
	for range paths {
	}
}

func next(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher")
		return ""
	}
}

func TestWatchRequiresRoots(t *testing.T) {
	if _, _, err := Watch(context.Background(), WatchConfig{}); err == nil {
		t.Fatal("expected error without roots")
	}
}
