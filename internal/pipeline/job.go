package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Input is a data product copied into the job's workdir.
type Input struct {
	ProductID int64
	Path      string
	Filename  string
}

// StatusWriter persists progress and log output of the running record.
type StatusWriter interface {
	SetProgress(ctx context.Context, progress string) error
	AppendLog(ctx context.Context, text string) error
}

// Job is what a handler sees of the record it is executing.
type Job struct {
	Identifier string
	OwnerID    string
	Workdir    string
	Flags      map[string]bool
	Inputs     []Input
	Logger     *slog.Logger

	mu       sync.Mutex
	progress string
	depth    int
	status   StatusWriter
}

func NewJob(identifier, owner, workdir string, flags map[string]bool, inputs []Input, w StatusWriter, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		Identifier: identifier,
		OwnerID:    owner,
		Workdir:    workdir,
		Flags:      flags,
		Inputs:     inputs,
		Logger:     logger,
		status:     w,
	}
}

// Progress returns the current progress string.
func (j *Job) Progress() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Status persists progress, runs fn and persists again when fn returns or
// panics. A nested scope puts the enclosing progress back on exit; an outermost
// scope leaves its own progress in place.
func (j *Job) Status(ctx context.Context, progress string, fn func() error) (err error) {
	j.mu.Lock()
	outer, nested := j.progress, j.depth > 0
	j.depth++
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.depth--
		j.mu.Unlock()
	}()
	if err := j.setProgress(ctx, progress); err != nil {
		return err
	}
	defer func() {
		restore := progress
		if nested {
			restore = outer
		}
		if perr := j.setProgress(context.WithoutCancel(ctx), restore); perr != nil && err == nil {
			err = perr
		}
	}()
	return fn()
}

// Logf appends one line to the record's log and persists it immediately.
func (j *Job) Logf(ctx context.Context, format string, args ...any) error {
	line := fmt.Sprintf(format, args...)
	j.Logger.Debug("job log", "line", line)
	if j.status == nil {
		return nil
	}
	return j.status.AppendLog(ctx, line+"\n")
}

func (j *Job) setProgress(ctx context.Context, progress string) error {
	j.mu.Lock()
	j.progress = progress
	j.mu.Unlock()
	if j.status == nil {
		return nil
	}
	return j.status.SetProgress(ctx, progress)
}
