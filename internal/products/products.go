// Package products manages data products and their groups on behalf of the API and commands.
package products

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tendant/tom-education/internal/artifact"
	"github.com/tendant/tom-education/internal/store"
)

var (
	// ErrWrongOwner is returned when a product belongs to a different target.
	ErrWrongOwner = errors.New("data product belongs to another target")
	ErrGroupName  = errors.New("group name is required")
)

type Store interface {
	GetProducts(ctx context.Context, ids []int64) ([]*store.DataProduct, error)
	DeleteProducts(ctx context.Context, ids []int64) error
	GetOrCreateGroup(ctx context.Context, name string) (*store.Group, error)
	AddToGroup(ctx context.Context, groupID int64, productIDs ...int64) error
}

type Service struct {
	store     Store
	artifacts artifact.Set
	logger    *slog.Logger
}

func NewService(st Store, artifacts artifact.Set, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, artifacts: artifacts, logger: logger}
}

// Delete removes the products and their stored files. When owner is set every
// product must belong to it.
func (s *Service) Delete(ctx context.Context, owner string, ids []int64) (int, error) {
	prods, err := s.owned(ctx, owner, ids)
	if err != nil {
		return 0, err
	}
	if err := s.store.DeleteProducts(ctx, ids); err != nil {
		return 0, err
	}
	for _, p := range prods {
		if err := s.artifacts.Delete(ctx, p.Storage, p.Location); err != nil {
			s.logger.Warn("orphaned artifact", "product_id", p.ProductID, "location", p.Location, "err", err)
		}
	}
	s.logger.Info("data products deleted", "owner", owner, "count", len(prods))
	return len(prods), nil
}

// AddToGroup adds the products to the named group, creating it if needed.
func (s *Service) AddToGroup(ctx context.Context, owner, group string, ids []int64) (*store.Group, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, ErrGroupName
	}
	if _, err := s.owned(ctx, owner, ids); err != nil {
		return nil, err
	}
	g, err := s.store.GetOrCreateGroup(ctx, group)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddToGroup(ctx, g.ID, ids...); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Service) owned(ctx context.Context, owner string, ids []int64) ([]*store.DataProduct, error) {
	prods, err := s.store.GetProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return prods, nil
	}
	for _, p := range prods {
		if p.OwnerID != owner {
			return nil, fmt.Errorf("%w: %d is not owned by '%s'", ErrWrongOwner, p.ID, owner)
		}
	}
	return prods, nil
}
