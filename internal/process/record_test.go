package process

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewRecordIsPending(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)
	rec := New("timelapse", "tl", "42", []int64{1, 2}, nil, now)

	if rec.Identifier != "tl_42_20240305140709" {
		t.Fatalf("unexpected identifier: %s", rec.Identifier)
	}
	if rec.Status != StatusPending || rec.TerminalAt != nil || rec.FailureMessage != nil {
		t.Fatalf("record not pending: %+v", rec)
	}
	if rec.Flags == nil {
		t.Fatal("flags map not initialised")
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMarkFailedSetsTerminalFields(t *testing.T) {
	now := time.Now()
	rec := New("timelapse", "tl", "1", nil, nil, now)
	if err := rec.MarkFailed("disk full", now.Add(time.Second)); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("status not failed: %v", rec.Status)
	}
	if rec.FailureMessage == nil || *rec.FailureMessage != "disk full" {
		t.Fatalf("failure message not recorded: %v", rec.FailureMessage)
	}
	if rec.TerminalAt == nil {
		t.Fatal("terminal time not set")
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestMarkCreatedClearsFailure(t *testing.T) {
	rec := New("timelapse", "tl", "1", nil, nil, time.Now())
	if err := rec.MarkCreated(time.Now()); err != nil {
		t.Fatalf("MarkCreated: %v", err)
	}
	if rec.FailureMessage != nil {
		t.Fatalf("expected no failure message, got %q", *rec.FailureMessage)
	}
	if err := rec.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestTerminalRecordRejectsTransitions(t *testing.T) {
	rec := New("timelapse", "tl", "1", nil, nil, time.Now())
	if err := rec.MarkCreated(time.Now()); err != nil {
		t.Fatalf("MarkCreated: %v", err)
	}
	first := *rec.TerminalAt

	if err := rec.MarkFailed("late", time.Now().Add(time.Hour)); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if err := rec.MarkCreated(time.Now().Add(time.Hour)); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if !rec.TerminalAt.Equal(first) || rec.Status != StatusCreated {
		t.Fatalf("terminal record mutated: %+v", rec)
	}
}

func TestValidateDetectsBrokenInvariant(t *testing.T) {
	msg := "boom"
	now := time.Now()
	tests := []struct {
		name string
		rec  Record
	}{
		{"pending with terminal time", Record{Status: StatusPending, TerminalAt: &now}},
		{"created with message", Record{Status: StatusCreated, TerminalAt: &now, FailureMessage: &msg}},
		{"failed without message", Record{Status: StatusFailed, TerminalAt: &now}},
		{"unknown status", Record{Status: "running"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.rec.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWithSuffix(t *testing.T) {
	if got := WithSuffix("tl_1_x", 1); got != "tl_1_x" {
		t.Fatalf("unexpected base: %s", got)
	}
	if got := WithSuffix("tl_1_x", 3); got != "tl_1_x-3" {
		t.Fatalf("unexpected suffix: %s", got)
	}
}

func TestAsJobError(t *testing.T) {
	wrapped := fmt.Errorf("render: %w", Fail("disk full"))
	je, ok := AsJobError(wrapped)
	if !ok || je.Message != "disk full" {
		t.Fatalf("job error not detected: %v", wrapped)
	}
	if _, ok := AsJobError(errors.New("plain")); ok {
		t.Fatal("plain error detected as job error")
	}
	if Failf("File '%s' missing", "a.fits").Error() != "File 'a.fits' missing" {
		t.Fatal("Failf formatting mismatch")
	}
}
