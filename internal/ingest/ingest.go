// Package ingest turns FITS files into data products.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendant/tom-education/internal/artifact"
	"github.com/tendant/tom-education/internal/store"
)

// TagFITS is the tag of ingested frames.
const TagFITS = "fits"

type Store interface {
	GetProductByProductID(ctx context.Context, productID string) (*store.DataProduct, error)
	CreateProduct(ctx context.Context, p *store.DataProduct) error
}

type Service struct {
	store     Store
	artifacts artifact.Store
	logger    *slog.Logger
}

func NewService(st Store, artifacts artifact.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, artifacts: artifacts, logger: logger}
}

type Result struct {
	Product *store.DataProduct
	Skipped bool
}

// ProductID is the product id of an ingested file.
func ProductID(owner, name string) string {
	return owner + "/" + name
}

// Ingest stores the file at path as a data product of owner.
func (s *Service) Ingest(ctx context.Context, owner, path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	return s.IngestReader(ctx, owner, filepath.Base(path), TagFITS, f)
}

// IngestReader stores r as data product <owner>/<name>. A product that
// already exists is returned with Skipped set.
func (s *Service) IngestReader(ctx context.Context, owner, name, tag string, r io.Reader) (Result, error) {
	if owner == "" || name == "" {
		return Result{}, fmt.Errorf("ingest: owner and name are required")
	}
	productID := ProductID(owner, name)
	if existing, err := s.store.GetProductByProductID(ctx, productID); err == nil {
		return Result{Product: existing, Skipped: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}

	ref, err := s.artifacts.Put(ctx, artifact.Object{OwnerID: owner, Filename: name, Tag: tag}, r, -1)
	if err != nil {
		return Result{}, fmt.Errorf("store %s: %w", productID, err)
	}
	p := &store.DataProduct{
		ProductID: productID,
		OwnerID:   owner,
		Tag:       tag,
		Filename:  name,
		Storage:   ref.Storage,
		Location:  ref.Location,
		URL:       ref.URL,
	}
	if err := s.store.CreateProduct(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			existing, gerr := s.store.GetProductByProductID(ctx, productID)
			if gerr == nil {
				return Result{Product: existing, Skipped: true}, nil
			}
		}
		return Result{}, fmt.Errorf("create product %s: %w", productID, err)
	}
	s.logger.Info("data product ingested", "product_id", productID, "owner", owner, "location", ref.Location)
	return Result{Product: p}, nil
}

// OwnerFromPath returns the owner directory of a file laid out as <root>/<owner>/<file>.
func OwnerFromPath(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || parts[0] == ".." || parts[0] == "." {
		return "", fmt.Errorf("%s is not laid out as <root>/<owner>/<file>", path)
	}
	return parts[0], nil
}

// Run ingests every FITS file under root. With watch it keeps ingesting new
// files until ctx is done.
func (s *Service) Run(ctx context.Context, root string, watch bool, debounce time.Duration) (int, error) {
	if !watch {
		files, err := Scan(root, nil)
		if err != nil {
			return 0, err
		}
		return s.ingestAll(ctx, root, files), nil
	}
	paths, errs, err := Watch(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: debounce})
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return n, ctx.Err()
			}
			n += s.ingestAll(ctx, root, []string{p})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("ingest watcher error", "err", err)
		}
	}
}

// Scan lists the FITS files below root.
func Scan(root string, exts map[string]struct{}) ([]string, error) {
	if exts == nil {
		exts = defaultExts
	}
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && hidden(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if allowed(path, exts) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (s *Service) ingestAll(ctx context.Context, root string, files []string) int {
	n := 0
	for _, p := range files {
		owner, err := OwnerFromPath(root, p)
		if err != nil {
			s.logger.Warn("skipping file", "path", p, "err", err)
			continue
		}
		res, err := s.Ingest(ctx, owner, p)
		if err != nil {
			s.logger.Error("ingest failed", "path", p, "err", err)
			continue
		}
		if !res.Skipped {
			n++
		}
	}
	return n
}
