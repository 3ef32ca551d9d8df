package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GET /api/targets/:owner/products
func (s *Server) listProducts(c *gin.Context) {
	ctx := c.Request.Context()
	owner := c.Param("owner")
	prods, err := s.deps.Store.ListProducts(ctx, owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	groups, err := s.deps.Store.ProductGroups(ctx, owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": owner, "products": productViews(prods, groups)})
}

type deleteRequest struct {
	Target   string  `json:"target"`
	Products []int64 `json:"products" binding:"required"`
}

// DELETE /api/products
func (s *Server) deleteProducts(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	n, err := s.deps.Products.Delete(c.Request.Context(), req.Target, req.Products)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

type groupRequest struct {
	Target   string  `json:"target"`
	Group    string  `json:"group" binding:"required"`
	Products []int64 `json:"products" binding:"required"`
}

// POST /api/groups
func (s *Server) addToGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	g, err := s.deps.Products.AddToGroup(c.Request.Context(), req.Target, req.Group, req.Products)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   fmt.Sprintf("Added %d data products to group '%s'", len(req.Products), g.Name),
		"group_url": groupURL(g.ID),
	})
}

// GET /api/groups/:id
func (s *Server) group(c *gin.Context) {
	ctx := c.Request.Context()
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "invalid group id")
		return
	}
	g, err := s.deps.Store.GetGroup(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	prods, err := s.deps.Store.ListGroupProducts(ctx, id, c.Query("target"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       g.ID,
		"name":     g.Name,
		"created":  timestamp(g.CreatedAt),
		"products": productViews(prods, nil),
	})
}
