package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tendant/tom-education/internal/alerts"
	"github.com/tendant/tom-education/internal/templates"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// GET /api/targets/:owner/templates
func (s *Server) listTemplates(c *gin.Context) {
	ts, err := s.deps.Store.ListTemplates(c.Request.Context(), c.Param("owner"), c.Query("facility"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if ts == nil {
		ts = []*templates.Template{}
	}
	c.JSON(http.StatusOK, gin.H{"templates": ts})
}

type templateRequest struct {
	Name     string         `json:"name" binding:"required"`
	Target   string         `json:"target" binding:"required"`
	Facility string         `json:"facility" binding:"required"`
	Fields   map[string]any `json:"fields"`
}

// POST /api/templates
func (s *Server) createTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	if _, err := templates.IdentifierField(req.Facility); err != nil {
		s.fail(c, err)
		return
	}
	if req.Fields == nil {
		req.Fields = map[string]any{}
	}
	t := &templates.Template{Name: req.Name, OwnerID: req.Target, Facility: req.Facility, Fields: req.Fields}
	if err := s.deps.Store.CreateTemplate(c.Request.Context(), t); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GET /api/templates/:id/create-url
func (s *Server) createURL(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid template id")
		return
	}
	t, err := s.deps.Store.GetTemplate(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	base := fmt.Sprintf("/observations/%s/create/?target_id=%s", url.PathEscape(t.Facility), url.QueryEscape(t.OwnerID))
	u, err := t.CreateURL(base)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": u})
}

// POST /api/alerts
func (s *Server) createAlert(c *gin.Context) {
	var req alerts.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	a, err := s.deps.Alerts.Create(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":             a.ID,
		"email":          a.Email,
		"target":         a.Observation.OwnerID,
		"facility":       a.Observation.Facility,
		"observation_id": a.Observation.ObservationID,
	})
}

// GET /api/targets/:owner/export.xlsx
func (s *Server) export(c *gin.Context) {
	owner := c.Param("owner")
	data, err := s.deps.Export.OwnerXLSX(c.Request.Context(), owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", owner+".xlsx"))
	c.Data(http.StatusOK, xlsxContentType, data)
}
