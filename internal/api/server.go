// Package api serves the polling, submission and management endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendant/tom-education/internal/alerts"
	"github.com/tendant/tom-education/internal/pipeline"
	"github.com/tendant/tom-education/internal/process"
	"github.com/tendant/tom-education/internal/runner"
	"github.com/tendant/tom-education/internal/store"
	"github.com/tendant/tom-education/internal/templates"
)

type Store interface {
	KnownOwner(ctx context.Context, owner string) (bool, error)
	ListProcesses(ctx context.Context, owner string) ([]*process.Record, error)
	ListFinished(ctx context.Context, owner, jobType string, status process.Status) ([]*process.Record, error)
	GetProcess(ctx context.Context, identifier string) (*process.Record, error)
	GetGroup(ctx context.Context, id int64) (*store.Group, error)
	ListGroupProducts(ctx context.Context, groupID int64, owner string) ([]*store.DataProduct, error)
	ListProducts(ctx context.Context, owner string) ([]*store.DataProduct, error)
	ProductGroups(ctx context.Context, owner string) (map[int64][]string, error)
	ListTemplates(ctx context.Context, owner, facility string) ([]*templates.Template, error)
	CreateTemplate(ctx context.Context, t *templates.Template) error
	GetTemplate(ctx context.Context, id int64) (*templates.Template, error)
}

type Submitter interface {
	Submit(ctx context.Context, s runner.Submission) (string, error)
}

type Products interface {
	Delete(ctx context.Context, owner string, ids []int64) (int, error)
	AddToGroup(ctx context.Context, owner, group string, ids []int64) (*store.Group, error)
}

type Alerts interface {
	Create(ctx context.Context, req alerts.CreateRequest) (*store.Alert, error)
}

type Exporter interface {
	OwnerXLSX(ctx context.Context, owner string) ([]byte, error)
}

// Check is one readiness probe.
type Check func(ctx context.Context) error

type Deps struct {
	Store    Store
	Runner   Submitter
	Registry *pipeline.Registry
	Products Products
	Alerts   Alerts
	Export   Exporter
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	Ready    map[string]Check
	Logger   *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps, logger: logger, now: time.Now}
}

// Router returns the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.healthz)
	engine.GET("/readyz", s.readyz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := engine.Group("/api")
	{
		api.GET("/async/status/:owner", s.status)
		api.GET("/pipelines", s.pipelines)
		api.GET("/pipelines/:identifier", s.detail)

		api.GET("/targets/:owner", s.target)
		api.POST("/targets/:owner/pipelines", s.submit)
		api.GET("/targets/:owner/products", s.listProducts)
		api.GET("/targets/:owner/templates", s.listTemplates)
		api.GET("/targets/:owner/export.xlsx", s.export)

		api.DELETE("/products", s.deleteProducts)
		api.POST("/groups", s.addToGroup)
		api.GET("/groups/:id", s.group)

		api.POST("/templates", s.createTemplate)
		api.GET("/templates/:id/create-url", s.createURL)

		api.POST("/alerts", s.createAlert)
	}
	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

// GET /healthz
func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GET /readyz
func (s *Server) readyz(c *gin.Context) {
	ctx := c.Request.Context()
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": name + " check failed"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "timestamp": s.now().UTC()})
}
