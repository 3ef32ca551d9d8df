package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tendant/tom-education/pkg/schema"
)

func statusServer(t *testing.T, responses []schema.StatusResponse) (*httptest.Server, *int) {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/async/status/m51" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		i := calls
		calls++
		mu.Unlock()
		if i >= len(responses) {
			i = len(responses) - 1
		}
		_ = json.NewEncoder(w).Encode(responses[i])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func view(id, status string) schema.ProcessView {
	return schema.ProcessView{Identifier: id, Created: 1709600000, Status: status}
}

func TestRunRendersOnlyChanges(t *testing.T) {
	responses := []schema.StatusResponse{
		{Timestamp: 1, Processes: []schema.ProcessView{view("tl_1", "pending")}},
		{Timestamp: 2, Processes: []schema.ProcessView{view("tl_1", "pending")}},
		{Timestamp: 3, Processes: []schema.ProcessView{view("tl_1", "created")}},
		{Timestamp: 4, Processes: []schema.ProcessView{view("tl_1", "created")}},
	}
	srv, _ := statusServer(t, responses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var rendered []schema.StatusResponse
	p := New(srv.URL+"/", "m51", WithInterval(5*time.Millisecond), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	err := p.Run(ctx, func(r schema.StatusResponse) {
		rendered = append(rendered, r)
		if r.Processes[0].Status == "created" {
			time.AfterFunc(30*time.Millisecond, cancel)
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}
	if len(rendered) != 2 {
		t.Fatalf("rendered %d times, want 2: %+v", len(rendered), rendered)
	}
	if rendered[0].Timestamp != 1 || rendered[1].Timestamp != 3 {
		t.Fatalf("unexpected renders: %+v", rendered)
	}
}

func TestFetchReportsStatus(t *testing.T) {
	srv, _ := statusServer(t, []schema.StatusResponse{{}})
	p := New(srv.URL, "ngc1")
	if _, err := p.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestRunKeepsPollingAfterErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(schema.StatusResponse{Timestamp: 9, Processes: []schema.ProcessView{}})
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := New(srv.URL, "m51", WithInterval(time.Millisecond), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	got := 0
	_ = p.Run(ctx, func(schema.StatusResponse) {
		got++
		cancel()
	})
	if got != 1 {
		t.Fatalf("rendered %d times, want 1", got)
	}
}
