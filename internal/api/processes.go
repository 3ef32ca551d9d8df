package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/runner"
	"github.com/tendant/tom-education/internal/timelapse"
	"github.com/tendant/tom-education/pkg/schema"
)

// GET /api/async/status/:owner
func (s *Server) status(c *gin.Context) {
	ctx := c.Request.Context()
	owner := c.Param("owner")
	if !s.knownOwner(c, owner) {
		return
	}
	recs, err := s.deps.Store.ListProcesses(ctx, owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := schema.StatusResponse{
		Timestamp: timestamp(s.now()),
		Processes: make([]schema.ProcessView, 0, len(recs)),
	}
	for _, rec := range recs {
		resp.Processes = append(resp.Processes, s.view(rec))
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/pipelines/:identifier
func (s *Server) detail(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.deps.Store.GetProcess(ctx, c.Param("identifier"))
	if err != nil {
		s.fail(c, err)
		return
	}
	d, err := s.processDetail(ctx, rec)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// GET /api/pipelines
func (s *Server) pipelines(c *gin.Context) {
	resp := schema.PipelinesResponse{
		Names: s.deps.Registry.Names(),
		Flags: map[string]map[string]schema.PipelineFlag{},
	}
	for _, name := range resp.Names {
		h, err := s.deps.Registry.Get(name)
		if err != nil {
			continue
		}
		flags := map[string]schema.PipelineFlag{}
		for f, def := range h.Flags() {
			flags[f] = schema.PipelineFlag{Default: def.Default, LongName: def.LongName}
		}
		resp.Flags[name] = flags
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/targets/:owner/pipelines
func (s *Server) submit(c *gin.Context) {
	var req schema.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Pipeline) == "" {
		badRequest(c, "No pipeline_name given")
		return
	}
	id, err := s.deps.Runner.Submit(c.Request.Context(), runner.Submission{
		JobType:  req.Pipeline,
		OwnerID:  c.Param("owner"),
		InputIDs: req.Products,
		Flags:    req.Flags,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, schema.SubmitResponse{OK: true, Identifier: id})
}

// GET /api/targets/:owner
func (s *Server) target(c *gin.Context) {
	ctx := c.Request.Context()
	owner := c.Param("owner")
	if !s.knownOwner(c, owner) {
		return
	}
	recs, err := s.deps.Store.ListFinished(ctx, owner, timelapse.Name, process.StatusCreated)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := schema.TargetDetail{Target: owner, Timelapses: make([]schema.ProcessDetail, 0, len(recs))}
	for _, rec := range recs {
		d, err := s.processDetail(ctx, rec)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.Timelapses = append(resp.Timelapses, d)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) knownOwner(c *gin.Context, owner string) bool {
	known, err := s.deps.Store.KnownOwner(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return false
	}
	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "Target not found."})
		return false
	}
	return true
}
