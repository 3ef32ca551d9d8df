// Package facility talks to observatories: submitting observations, polling
// their state and fetching the frames they produced.
package facility

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

var ErrUnknownFacility = errors.New("facility not found")

// Frame is one file an observation produced.
type Frame struct {
	ID         int64
	Filename   string
	URL        string
	ObservedAt time.Time
	Reduced    bool
}

type Facility interface {
	Name() string
	// Submit sends an observation request and returns the ids it created.
	Submit(ctx context.Context, fields map[string]any) ([]string, error)
	Status(ctx context.Context, observationID string) (string, error)
	Terminal(status string) bool
	Frames(ctx context.Context, observationID string) ([]Frame, error)
	Download(ctx context.Context, f Frame, w io.Writer) error
	// Schema is the JSON Schema observation fields must satisfy.
	Schema() map[string]any
}

// Registry looks facilities up by name.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Facility
}

func NewRegistry(fs ...Facility) *Registry {
	r := &Registry{byID: map[string]Facility{}}
	for _, f := range fs {
		r.byID[f.Name()] = f
	}
	return r
}

func (r *Registry) Get(name string) (Facility, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFacility, name)
	}
	return f, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byID))
	for n := range r.byID {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
