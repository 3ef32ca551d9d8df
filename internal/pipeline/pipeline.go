// Package pipeline defines the handlers the runner executes and the registry
// they are looked up in by name.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tendant/tom-education/internal/process"
)

var (
	ErrUnknownPipeline = errors.New("unknown pipeline")
	ErrInvalidPipeline = errors.New("invalid pipeline")
)

// Flag is a boolean option a pipeline accepts from the submitter.
type Flag struct {
	Default  bool
	LongName string
}

type OutputKind string

const (
	KindDataProduct  OutputKind = "data_product"
	KindReducedDatum OutputKind = "reduced_datum"
)

// Output is a file produced by a handler inside the job's workdir.
type Output struct {
	Path string
	Kind OutputKind
	Tag  string
}

// Handler does the work of one job type.
type Handler interface {
	// ShortName prefixes identifiers of records created for this handler.
	ShortName() string
	Flags() map[string]Flag
	// AllowedSuffixes restricts input filenames; nil allows anything.
	AllowedSuffixes() []string
	Run(ctx context.Context, job *Job) ([]Output, error)
}

var flagName = regexp.MustCompile(`^[^\s]+$`)

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds h under name. Names and flag names may not contain whitespace.
func (r *Registry) Register(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidPipeline, name)
	}
	if !flagName.MatchString(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidPipeline, name)
	}
	if !flagName.MatchString(h.ShortName()) {
		return fmt.Errorf("%w: short name %q of %s", ErrInvalidPipeline, h.ShortName(), name)
	}
	for f := range h.Flags() {
		if !flagName.MatchString(f) {
			return fmt.Errorf("%w: invalid flag %q in %s", ErrInvalidPipeline, f, name)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("%w: %q registered twice", ErrInvalidPipeline, name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return h, nil
}

func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveFlags starts every declared flag at false and turns on the declared
// flags the submitter set. Undeclared flags are dropped.
func ResolveFlags(h Handler, submitted map[string]bool) map[string]bool {
	declared := h.Flags()
	out := make(map[string]bool, len(declared))
	for name := range declared {
		out[name] = false
	}
	for name, on := range submitted {
		if _, ok := declared[name]; ok && on {
			out[name] = true
		}
	}
	return out
}

// CheckSuffix fails the job when filename has none of the allowed suffixes.
func CheckSuffix(filename string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, s := range allowed {
		if strings.HasSuffix(filename, s) {
			return nil
		}
	}
	return process.Failf("Error running pipeline File '%s' does not end an allowed filename suffix (%s)",
		filename, strings.Join(allowed, ", "))
}
