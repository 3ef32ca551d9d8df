package api

import (
	"context"
	"fmt"
	"time"

	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/pkg/schema"
)

func timestamp(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func groupURL(id int64) string {
	return fmt.Sprintf("/api/groups/%d", id)
}

// view projects a record for polling. Only pipeline records link to a detail page.
func (s *Server) view(rec *process.Record) schema.ProcessView {
	v := schema.ProcessView{
		Identifier: rec.Identifier,
		Created:    timestamp(rec.CreatedAt),
		Status:     string(rec.Status),
	}
	if rec.TerminalAt != nil {
		ts := timestamp(*rec.TerminalAt)
		v.TerminalTimestamp = &ts
	}
	if rec.FailureMessage != nil && *rec.FailureMessage != "" {
		msg := *rec.FailureMessage
		v.FailureMessage = &msg
	}
	if s.deps.Registry != nil && s.deps.Registry.Has(rec.JobType) {
		u := "/api/pipelines/" + rec.Identifier
		v.ViewURL = &u
	}
	return v
}

func (s *Server) processDetail(ctx context.Context, rec *process.Record) (schema.ProcessDetail, error) {
	d := schema.ProcessDetail{
		ProcessView: s.view(rec),
		Progress:    rec.Progress,
		Logs:        rec.Log,
	}
	if rec.GroupID != nil {
		g, err := s.deps.Store.GetGroup(ctx, *rec.GroupID)
		if err != nil {
			return d, err
		}
		u := groupURL(g.ID)
		d.GroupName = &g.Name
		d.GroupURL = &u
	}
	return d, nil
}

type productView struct {
	ID        int64    `json:"id"`
	ProductID string   `json:"product_id"`
	Tag       string   `json:"tag"`
	Filename  string   `json:"filename"`
	URL       string   `json:"url"`
	Created   float64  `json:"created"`
	Groups    []string `json:"groups"`
}

func productViews(prods []*store.DataProduct, groups map[int64][]string) []productView {
	out := make([]productView, 0, len(prods))
	for _, p := range prods {
		g := groups[p.ID]
		if g == nil {
			g = []string{}
		}
		out = append(out, productView{
			ID:        p.ID,
			ProductID: p.ProductID,
			Tag:       p.Tag,
			Filename:  p.Filename,
			URL:       p.URL,
			Created:   timestamp(p.CreatedAt),
			Groups:    g,
		})
	}
	return out
}
