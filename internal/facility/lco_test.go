package facility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tendant/tom-education/internal/templates"
)

func newLCOServer(t *testing.T) (*LCO, *map[string]any) {
	t.Helper()
	var submitted map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/requestgroups/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token secret" {
			http.Error(w, "no auth", http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&submitted)
		_, _ = w.Write([]byte(`{"id": 7, "requests": [{"id": 1234}]}`))
	})
	mux.HandleFunc("/api/requests/1234/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state": "COMPLETED"}`))
	})
	var srv *httptest.Server
	mux.HandleFunc("/frames/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("request_id") != "1234" {
			http.Error(w, "bad request id", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{
			map[string]any{"id": 1, "filename": "a-e91.fits.fz", "DATE_OBS": "2019-05-21T12:30:00.123Z", "url": srv.URL + "/download/1", "RLEVEL": 91},
			map[string]any{"id": 2, "filename": "a-e00.fits.fz", "DATE_OBS": "2019-05-21T12:30:00.123Z", "url": srv.URL + "/download/2", "RLEVEL": 0},
		}})
	})
	mux.HandleFunc("/download/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("SIMPLE"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewLCO(LCOConfig{PortalURL: srv.URL, ArchiveURL: srv.URL, Token: "secret"}), &submitted
}

func TestLCOSubmitAndPoll(t *testing.T) {
	lco, submitted := newLCOServer(t)
	ctx := context.Background()

	ids, err := lco.Submit(ctx, map[string]any{"name": "m51-2024", "proposal": "EDU", "instrument_type": "0M4-SCICAM-SBIG", "filter": "rp"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(ids) != 1 || ids[0] != "1234" {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if (*submitted)["name"] != "m51-2024" {
		t.Fatalf("payload not sent: %v", *submitted)
	}

	status, err := lco.Status(ctx, "1234")
	if err != nil || status != "COMPLETED" || !lco.Terminal(status) {
		t.Fatalf("Status = %q, %v", status, err)
	}
	if lco.Terminal("PENDING") {
		t.Fatal("PENDING reported terminal")
	}

	frames, err := lco.Frames(ctx, "1234")
	if err != nil || len(frames) != 2 {
		t.Fatalf("Frames: %v %v", frames, err)
	}
	if !frames[0].Reduced || frames[1].Reduced {
		t.Fatalf("reduction levels wrong: %+v", frames)
	}
	if want := time.Date(2019, 5, 21, 12, 30, 0, 123e6, time.UTC); !frames[0].ObservedAt.Equal(want) {
		t.Fatalf("ObservedAt = %v", frames[0].ObservedAt)
	}

	var buf bytes.Buffer
	if err := lco.Download(ctx, frames[0], &buf); err != nil || buf.String() != "SIMPLE" {
		t.Fatalf("Download: %q %v", buf.String(), err)
	}
	if err := lco.Download(ctx, frames[1], &buf); err == nil {
		t.Fatal("expected error for missing frame")
	}
}

func TestLCOErrorStatus(t *testing.T) {
	lco, _ := newLCOServer(t)
	lco.token = "wrong"
	if _, err := lco.Submit(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected unauthorized error")
	}
}

func TestLCOSchemaValidatesTemplateFields(t *testing.T) {
	lco := NewLCO(LCOConfig{})
	fields := map[string]any{
		"name": "m51", "proposal": "EDU", "ipp_value": 1.05, "observation_mode": "NORMAL",
		"start": "2024-03-05T14:00:00", "end": "2024-03-06T14:00:00",
		"instrument_type": "0M4-SCICAM-SBIG", "filter": "rp",
		"exposure_count": 3, "exposure_time": 30, "max_airmass": 1.6,
	}
	if err := templates.Validate(lco.Schema(), fields); err != nil {
		t.Fatalf("valid fields rejected: %v", err)
	}
	fields["exposure_count"] = 0
	delete(fields, "filter")
	err := templates.Validate(lco.Schema(), fields)
	var fe *templates.FieldError
	if !errors.As(err, &fe) || len(fe.Problems) < 2 {
		t.Fatalf("expected two problems, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewLCO(LCOConfig{}))
	if _, err := r.Get("LCO"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := r.Get("SOAR"); !errors.Is(err, ErrUnknownFacility) {
		t.Fatalf("expected ErrUnknownFacility, got %v", err)
	}
	if names := r.Names(); len(names) != 1 || names[0] != "LCO" {
		t.Fatalf("Names = %v", names)
	}
}
