// Package output persists the files a handler produced.
package output

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tendant/tom-education/internal/artifact"
	"github.com/tendant/tom-education/internal/pipeline"
	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/store"
)

// Store is the persistence the saver needs.
type Store interface {
	CreateProduct(ctx context.Context, p *store.DataProduct) error
	CreateReducedDatum(ctx context.Context, d *store.ReducedDatum) error
	GetOrCreateGroup(ctx context.Context, name string) (*store.Group, error)
	AddToGroup(ctx context.Context, groupID int64, productIDs ...int64) error
	SetProcessGroup(ctx context.Context, identifier string, groupID int64) error
}

type Result struct {
	Products []*store.DataProduct
	Datums   []*store.ReducedDatum
	Group    *store.Group
}

type Saver struct {
	store     Store
	artifacts artifact.Set
	logger    *slog.Logger
	now       func() time.Time
}

func NewSaver(st Store, artifacts artifact.Set, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{store: st, artifacts: artifacts, logger: logger, now: time.Now}
}

// Save stores every output of rec. Binary outputs become data products in the
// group <identifier>_outputs; text outputs become reduced datums.
func (s *Saver) Save(ctx context.Context, rec *process.Record, inputs []*store.DataProduct, outputs []pipeline.Output) (*Result, error) {
	for _, out := range outputs {
		if out.Kind != pipeline.KindDataProduct && out.Kind != pipeline.KindReducedDatum {
			return nil, process.Failf("Invalid output type '%s'", out.Kind)
		}
	}

	target, parent, err := s.destination(inputs)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, out := range outputs {
		name := filepath.Base(out.Path)
		sourceID := fmt.Sprintf("%s_%s", rec.Identifier, name)
		switch out.Kind {
		case pipeline.KindDataProduct:
			prod, err := s.saveProduct(ctx, target, parent, rec, out, sourceID)
			if err != nil {
				return nil, err
			}
			res.Products = append(res.Products, prod)
		case pipeline.KindReducedDatum:
			text, err := os.ReadFile(out.Path)
			if err != nil {
				return nil, fmt.Errorf("read output %s: %w", name, err)
			}
			d := &store.ReducedDatum{
				OwnerID:    rec.OwnerID,
				DataType:   out.Tag,
				SourceName: sourceID,
				Timestamp:  s.now(),
				Value:      string(text),
			}
			if err := s.store.CreateReducedDatum(ctx, d); err != nil {
				return nil, fmt.Errorf("save reduced datum %s: %w", sourceID, err)
			}
			res.Datums = append(res.Datums, d)
		}
	}

	if len(res.Products) == 0 {
		return res, nil
	}
	group, err := s.store.GetOrCreateGroup(ctx, rec.Identifier+"_outputs")
	if err != nil {
		return nil, fmt.Errorf("create output group: %w", err)
	}
	ids := make([]int64, len(res.Products))
	for i, p := range res.Products {
		ids[i] = p.ID
	}
	if err := s.store.AddToGroup(ctx, group.ID, ids...); err != nil {
		return nil, err
	}
	if err := s.store.SetProcessGroup(ctx, rec.Identifier, group.ID); err != nil {
		return nil, err
	}
	rec.GroupID = &group.ID
	res.Group = group
	s.logger.Info("outputs saved", "identifier", rec.Identifier, "products", len(res.Products), "datums", len(res.Datums), "group", group.Name)
	return res, nil
}

func (s *Saver) saveProduct(ctx context.Context, target artifact.Store, parent string, rec *process.Record, out pipeline.Output, productID string) (*store.DataProduct, error) {
	f, err := os.Open(out.Path)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat output: %w", err)
	}

	ref, err := target.Put(ctx, artifact.Object{
		OwnerID:  rec.OwnerID,
		Filename: productID,
		Tag:      out.Tag,
		Parent:   parent,
	}, f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("store output %s: %w", productID, err)
	}
	prod := &store.DataProduct{
		ProductID: productID,
		OwnerID:   rec.OwnerID,
		Tag:       out.Tag,
		Filename:  productID,
		Storage:   ref.Storage,
		Location:  ref.Location,
		URL:       ref.URL,
	}
	if err := s.store.CreateProduct(ctx, prod); err != nil {
		if derr := target.Delete(ctx, ref.Location); derr != nil {
			s.logger.Warn("orphaned artifact", "location", ref.Location, "err", derr)
		}
		return nil, fmt.Errorf("save data product %s: %w", productID, err)
	}
	return prod, nil
}

// destination picks the content store when an input lives there, deriving
// outputs from the first such input. Otherwise files go to the filesystem.
func (s *Saver) destination(inputs []*store.DataProduct) (artifact.Store, string, error) {
	if content, err := s.artifacts.Get(artifact.StorageContent); err == nil {
		for _, in := range inputs {
			if in.Storage == artifact.StorageContent {
				return content, in.Location, nil
			}
		}
	}
	fs, err := s.artifacts.Get(artifact.StorageFS)
	if err != nil {
		return nil, "", err
	}
	return fs, "", nil
}
