package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/tendant/tom-education/internal/facility"
	"github.com/tendant/tom-education/internal/ingest"
	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/runner"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/internal/timelapse"
)

var (
	ErrNoSender = errors.New("ALERT_FROM_EMAIL not set")
	errNoFrames = errors.New("no frames to render")
)

type ProcessorStore interface {
	ListAlerts(ctx context.Context) ([]*store.Alert, error)
	ListProductsByTag(ctx context.Context, owner, tag string) ([]*store.DataProduct, error)
	GetProcess(ctx context.Context, identifier string) (*process.Record, error)
}

// Submitter runs a pipeline; it must not return before the job finished.
type Submitter interface {
	Submit(ctx context.Context, s runner.Submission) (string, error)
}

type Deleter interface {
	Delete(ctx context.Context, owner string, ids []int64) (int, error)
}

type Processor struct {
	store      ProcessorStore
	syncer     *Syncer
	facilities *facility.Registry
	pipelines  Submitter
	products   Deleter
	mailer     Mailer
	from       string
	logger     *slog.Logger
}

func NewProcessor(st ProcessorStore, syncer *Syncer, facilities *facility.Registry, pipelines Submitter, products Deleter, mailer Mailer, from string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      st,
		syncer:     syncer,
		facilities: facilities,
		pipelines:  pipelines,
		products:   products,
		mailer:     mailer,
		from:       from,
		logger:     logger,
	}
}

// Report summarises one run.
type Report struct {
	Targets []string
	Emailed int
}

// Run syncs every alerted observation still in progress, renders a timelapse
// for each target that received new frames and notifies its subscribers.
func (p *Processor) Run(ctx context.Context) (*Report, error) {
	if p.from == "" {
		return nil, ErrNoSender
	}
	alerts, err := p.store.ListAlerts(ctx)
	if err != nil {
		return nil, err
	}

	emails := map[string][]string{}
	synced := map[int64]int{}
	for _, a := range alerts {
		obs := a.Observation
		added, seen := synced[obs.ID]
		if !seen {
			if p.terminal(obs) {
				synced[obs.ID] = 0
				continue
			}
			added, err = p.syncer.Sync(ctx, obs)
			if err != nil {
				p.logger.Warn("alert observation sync failed", "observation", obs.ObservationID, "target", obs.OwnerID, "err", err)
			}
			synced[obs.ID] = added
		}
		if added > 0 && !slices.Contains(emails[obs.OwnerID], a.Email) {
			emails[obs.OwnerID] = append(emails[obs.OwnerID], a.Email)
		}
	}

	targets := make([]string, 0, len(emails))
	for t := range emails {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	report := &Report{}
	for _, target := range targets {
		if err := p.timelapse(ctx, target); err != nil {
			p.logger.Error("alert timelapse failed", "target", target, "err", err)
			continue
		}
		report.Targets = append(report.Targets, target)
		subject := fmt.Sprintf("Observation for '%s' has new data", target)
		body := fmt.Sprintf("Your observation for '%s' has completed, and a timelapse is available", target)
		for _, to := range emails[target] {
			if err := p.mailer.Send(ctx, p.from, []string{to}, subject, body); err != nil {
				p.logger.Error("alert email failed", "target", target, "email", to, "err", err)
				continue
			}
			report.Emailed++
		}
	}
	p.logger.Info("alerts processed", "alerts", len(alerts), "targets", len(report.Targets), "emailed", report.Emailed)
	return report, nil
}

// Start runs Run on schedule until ctx is done.
func (p *Processor) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := p.Run(ctx); err != nil {
			p.logger.Warn("alert processing failed", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid alerts schedule %q: %w", schedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}

func (p *Processor) terminal(obs *store.Observation) bool {
	fac, err := p.facilities.Get(obs.Facility)
	if err != nil {
		return false
	}
	return fac.Terminal(obs.Status)
}

// timelapse renders the target's frames and removes the timelapses it replaces.
func (p *Processor) timelapse(ctx context.Context, target string) error {
	frames, err := p.store.ListProductsByTag(ctx, target, ingest.TagFITS)
	if err != nil {
		return err
	}
	var ids []int64
	for _, f := range frames {
		if timelapse.Accepts(f.Filename) {
			ids = append(ids, f.ID)
		}
	}
	if len(ids) == 0 {
		return errNoFrames
	}
	identifier, err := p.pipelines.Submit(ctx, runner.Submission{JobType: timelapse.Name, OwnerID: target, InputIDs: ids})
	if err != nil {
		return err
	}
	rec, err := p.store.GetProcess(ctx, identifier)
	if err != nil {
		return err
	}
	if rec.Status != process.StatusCreated {
		msg := "not finished"
		if rec.FailureMessage != nil {
			msg = *rec.FailureMessage
		}
		return fmt.Errorf("timelapse %s %s: %s", identifier, rec.Status, msg)
	}

	existing, err := p.store.ListProductsByTag(ctx, target, timelapse.Tag)
	if err != nil {
		return err
	}
	var old []int64
	for _, prod := range existing {
		if !strings.HasPrefix(prod.ProductID, identifier+"_") {
			old = append(old, prod.ID)
		}
	}
	if len(old) == 0 {
		return nil
	}
	n, err := p.products.Delete(ctx, target, old)
	if err != nil {
		return fmt.Errorf("delete old timelapses: %w", err)
	}
	p.logger.Info("old timelapses removed", "target", target, "count", n)
	return nil
}
