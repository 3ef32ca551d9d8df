package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tendant/tom-education/internal/facility"
	"github.com/tendant/tom-education/internal/ingest"
	"github.com/tendant/tom-education/internal/store"
)

// rawMarker appears in the filename of unreduced frames.
const rawMarker = "e00"

var keptSuffixes = []string{".fits.fz", ".fits"}

type SyncStore interface {
	ListObservations(ctx context.Context, owner string) ([]*store.Observation, error)
	UpdateObservationStatus(ctx context.Context, id int64, status string) error
	GetProductByProductID(ctx context.Context, productID string) (*store.DataProduct, error)
}

type Ingester interface {
	IngestReader(ctx context.Context, owner, name, tag string, r io.Reader) (ingest.Result, error)
}

// Syncer refreshes observations from their facility and saves the frames they produced.
type Syncer struct {
	store      SyncStore
	facilities *facility.Registry
	ingester   Ingester
	logger     *slog.Logger
}

func NewSyncer(st SyncStore, facilities *facility.Registry, ingester Ingester, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: st, facilities: facilities, ingester: ingester, logger: logger}
}

// SyncAll syncs the observations of owner, or of every owner when owner is empty.
func (s *Syncer) SyncAll(ctx context.Context, owner string) (int, error) {
	obs, err := s.store.ListObservations(ctx, owner)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, o := range obs {
		n, err := s.Sync(ctx, o)
		if err != nil {
			s.logger.Warn("observation sync failed", "observation", o.ObservationID, "facility", o.Facility, "err", err)
			continue
		}
		total += n
	}
	return total, nil
}

// Sync refreshes the status of o and ingests frames not seen before. It
// returns the number of new data products.
func (s *Syncer) Sync(ctx context.Context, o *store.Observation) (int, error) {
	fac, err := s.facilities.Get(o.Facility)
	if err != nil {
		return 0, err
	}
	status, err := fac.Status(ctx, o.ObservationID)
	if err != nil {
		return 0, fmt.Errorf("refresh status: %w", err)
	}
	if status != o.Status {
		if err := s.store.UpdateObservationStatus(ctx, o.ID, status); err != nil {
			return 0, err
		}
		s.logger.Info("observation status changed", "observation", o.ObservationID, "from", o.Status, "to", status)
		o.Status = status
	}

	frames, err := fac.Frames(ctx, o.ObservationID)
	if err != nil {
		return 0, fmt.Errorf("list frames: %w", err)
	}
	added := 0
	for _, f := range frames {
		if !wanted(f.Filename) {
			continue
		}
		_, err := s.store.GetProductByProductID(ctx, ingest.ProductID(o.OwnerID, f.Filename))
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return added, err
		}
		res, err := s.save(ctx, fac, o.OwnerID, f)
		if err != nil {
			return added, fmt.Errorf("save frame %s: %w", f.Filename, err)
		}
		if !res.Skipped {
			added++
		}
	}
	return added, nil
}

func (s *Syncer) save(ctx context.Context, fac facility.Facility, owner string, f facility.Frame) (ingest.Result, error) {
	tmp, err := os.CreateTemp("", "tomedu-frame-*")
	if err != nil {
		return ingest.Result{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := fac.Download(ctx, f, tmp); err != nil {
		return ingest.Result{}, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return ingest.Result{}, err
	}
	return s.ingester.IngestReader(ctx, owner, f.Filename, ingest.TagFITS, tmp)
}

func wanted(name string) bool {
	if strings.Contains(name, rawMarker) {
		return false
	}
	for _, suf := range keptSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return false
}
