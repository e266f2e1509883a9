// Package api is the HTTP surface: a thin gin router over the submit
// service and the task repo. It owns request validation at the wire
// level and the mapping from kernel error kinds to status codes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/enlighter/distributed-task-scheduler/internal/persistence"
	"github.com/enlighter/distributed-task-scheduler/internal/submit"
)

// Server wraps the HTTP listener and its router.
type Server struct {
	http *http.Server
	log  hclog.Logger
}

// NewServer builds the router and binds it to addr.
func NewServer(addr string, svc *submit.Service, repo *persistence.TaskRepo, log hclog.Logger) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("api")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestID(), accessLog(log), gin.Recovery())

	h := &handlers{svc: svc, repo: repo, log: log}
	router.GET("/healthz", h.healthz)
	router.POST("/tasks", h.submitTask)
	router.POST("/tasks/batch", h.submitBatch)
	router.GET("/tasks/:id", h.getTask)
	router.GET("/tasks", h.listTasks)

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Handler exposes the router for httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestID tags each request with a unique id for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func accessLog(log hclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"))
	}
}
