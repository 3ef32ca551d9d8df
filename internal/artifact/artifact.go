// Package artifact stores the bytes behind data products.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Storage kinds recorded on data products.
const (
	StorageFS      = "fs"
	StorageContent = "content"
)

var ErrUnknownStorage = errors.New("unknown artifact storage")

// Object describes what is being stored.
type Object struct {
	OwnerID  string
	Filename string
	Tag      string
	// Parent is the location of the input this object was derived from, if any.
	Parent string
}

// Ref is a stable reference to stored bytes.
type Ref struct {
	Storage  string
	Location string
	URL      string
}

type Store interface {
	Kind() string
	Put(ctx context.Context, obj Object, r io.Reader, size int64) (Ref, error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// Set dispatches by storage kind.
type Set map[string]Store

func NewSet(stores ...Store) Set {
	s := Set{}
	for _, st := range stores {
		if st != nil {
			s[st.Kind()] = st
		}
	}
	return s
}

func (s Set) Get(kind string) (Store, error) {
	st, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStorage, kind)
	}
	return st, nil
}

func (s Set) Open(ctx context.Context, kind, location string) (io.ReadCloser, error) {
	st, err := s.Get(kind)
	if err != nil {
		return nil, err
	}
	return st.Open(ctx, location)
}

func (s Set) Delete(ctx context.Context, kind, location string) error {
	st, err := s.Get(kind)
	if err != nil {
		return err
	}
	return st.Delete(ctx, location)
}
