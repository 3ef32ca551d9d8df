// Package alerts submits observations on behalf of users and emails them once
// the observation produced data and a fresh timelapse.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tendant/tom-education/internal/facility"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/internal/templates"
)

// NotFoundError reports a missing target, facility or template.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

type CreateRequest struct {
	Target       string         `json:"target"`
	Facility     string         `json:"facility"`
	TemplateName string         `json:"template_name"`
	Email        string         `json:"email"`
	Overrides    map[string]any `json:"overrides"`
}

type CreateStore interface {
	KnownOwner(ctx context.Context, owner string) (bool, error)
	FindTemplate(ctx context.Context, name, owner, facility string) (*templates.Template, error)
	CreateObservation(ctx context.Context, o *store.Observation) error
	CreateAlert(ctx context.Context, a *store.Alert) error
}

type Service struct {
	store      CreateStore
	facilities *facility.Registry
	logger     *slog.Logger
	now        func() time.Time
}

func NewService(st CreateStore, facilities *facility.Registry, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, facilities: facilities, logger: logger, now: time.Now}
}

// Create instantiates the named template, submits the observation and
// subscribes req.Email to it. Invalid fields come back as *templates.FieldError.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Alert, error) {
	if strings.TrimSpace(req.Email) == "" {
		return nil, &templates.FieldError{Problems: []string{"email: required"}}
	}
	known, err := s.store.KnownOwner(ctx, req.Target)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, &NotFoundError{Message: "Target not found."}
	}
	fac, err := s.facilities.Get(req.Facility)
	if err != nil {
		if errors.Is(err, facility.ErrUnknownFacility) {
			return nil, &NotFoundError{Message: "Facility not found."}
		}
		return nil, err
	}
	tmpl, err := s.store.FindTemplate(ctx, req.TemplateName, req.Target, req.Facility)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Message: fmt.Sprintf("Template '%s' not found for target '%s' and facility '%s'",
				req.TemplateName, req.Target, req.Facility)}
		}
		return nil, err
	}

	fields, err := tmpl.Instantiate(s.now(), req.Overrides)
	if err != nil {
		return nil, err
	}
	if err := templates.Validate(fac.Schema(), fields); err != nil {
		return nil, err
	}
	ids, err := fac.Submit(ctx, fields)
	if err != nil {
		return nil, fmt.Errorf("submit observation to %s: %w", fac.Name(), err)
	}
	if len(ids) != 1 {
		return nil, fmt.Errorf("submit observation to %s: expected one observation id, got %d", fac.Name(), len(ids))
	}

	obs := &store.Observation{
		OwnerID:       req.Target,
		Facility:      fac.Name(),
		ObservationID: ids[0],
		Status:        "PENDING",
		Parameters:    fields,
	}
	if err := s.store.CreateObservation(ctx, obs); err != nil {
		return nil, err
	}
	alert := &store.Alert{Observation: obs, Email: req.Email}
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return nil, err
	}
	s.logger.Info("observation alert created", "target", req.Target, "facility", fac.Name(), "observation", obs.ObservationID, "template", tmpl.Name)
	return alert, nil
}
