package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FS keeps artifacts under a root directory, one subdirectory per owner.
type FS struct {
	root     string
	mediaURL string
}

func NewFS(root, mediaURL string) (*FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	return &FS{root: root, mediaURL: strings.TrimRight(mediaURL, "/")}, nil
}

func (f *FS) Kind() string { return StorageFS }

func (f *FS) Put(ctx context.Context, obj Object, r io.Reader, _ int64) (Ref, error) {
	loc, err := location(obj.OwnerID, obj.Filename)
	if err != nil {
		return Ref{}, err
	}
	dst := filepath.Join(f.root, filepath.FromSlash(loc))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Ref{}, fmt.Errorf("ensure owner dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return Ref{}, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("write %s: %w", loc, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("close %s: %w", loc, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return Ref{}, fmt.Errorf("move %s into place: %w", loc, err)
	}
	return Ref{Storage: StorageFS, Location: loc, URL: f.URL(loc)}, nil
}

func (f *FS) Open(ctx context.Context, loc string) (io.ReadCloser, error) {
	p, err := f.path(loc)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Delete removes the file; a missing file is not an error.
func (f *FS) Delete(ctx context.Context, loc string) error {
	p, err := f.path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (f *FS) URL(loc string) string {
	return f.mediaURL + "/" + loc
}

// Path returns the file path of a location.
func (f *FS) Path(loc string) (string, error) { return f.path(loc) }

func (f *FS) path(loc string) (string, error) {
	clean := path.Clean("/" + loc)[1:]
	if clean == "" || clean != loc {
		return "", fmt.Errorf("invalid artifact location %q", loc)
	}
	return filepath.Join(f.root, filepath.FromSlash(clean)), nil
}

func location(owner, filename string) (string, error) {
	name := path.Base(filepath.ToSlash(filename))
	if owner == "" || strings.ContainsAny(owner, `/\`) || owner == "." || owner == ".." {
		return "", fmt.Errorf("invalid owner %q", owner)
	}
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	return owner + "/" + name, nil
}
