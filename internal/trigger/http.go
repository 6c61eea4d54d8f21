package trigger

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/jorgepascosoto/resumable-db-dump/internal/errors"
	"github.com/jorgepascosoto/resumable-db-dump/internal/progress"
	"github.com/jorgepascosoto/resumable-db-dump/internal/publish"
)

const DefaultRefresh = time.Second

type ServerOption func(*Server)

// WithRefresh sets the Refresh header sent while a dump is in progress.
func WithRefresh(d time.Duration) ServerOption {
	return func(s *Server) { s.refresh = d }
}

func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) { s.gatherer = g }
}

// Server is the HTTP trigger. Every request to / or /dump runs one budgeted
// invocation; browsers keep the dump going by following the Refresh header.
type Server struct {
	trigger   *Trigger
	artifacts publish.Source
	budget    time.Duration
	refresh   time.Duration
	gatherer  prometheus.Gatherer
	engine    *gin.Engine
}

func NewServer(t *Trigger, artifacts publish.Source, budget time.Duration, opts ...ServerOption) *Server {
	s := &Server{
		trigger:   t,
		artifacts: artifacts,
		budget:    budget,
		refresh:   DefaultRefresh,
		gatherer:  prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", s.handleDump)
	r.POST("/dump", s.handleDump)
	r.GET("/status", s.handleStatus)
	r.GET("/dumps/:name", s.handleDownload)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP trigger listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.budget+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP trigger: %w", err)
	}
	return nil
}

func (s *Server) handleDump(c *gin.Context) {
	outcome, err := s.trigger.Invoke(c.Request.Context(), s.budget)
	if stderrors.Is(err, ErrBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		body := gin.H{"status": "error", "error": err.Error()}
		if outcome != nil && outcome.Result != nil {
			body["dump"] = outcome.Result.DumpName
		}
		c.JSON(http.StatusInternalServerError, body)
		return
	}

	res := outcome.Result
	if !outcome.Ready() {
		c.Header("Refresh", strconv.Itoa(int(s.refresh/time.Second)))
		c.JSON(http.StatusAccepted, gin.H{
			"status":    "in_progress",
			"dump":      res.DumpName,
			"table":     res.Table,
			"rows":      res.RowsWritten,
			"remaining": res.Remaining,
		})
		return
	}

	body := gin.H{
		"status":   "ready",
		"dump":     res.DumpName,
		"download": "/dumps/" + res.DumpName,
	}
	if outcome.Summary != nil {
		body["size"] = outcome.Summary.Size
		if outcome.Summary.ObjectKey != "" {
			body["object_key"] = outcome.Summary.ObjectKey
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	session, err := s.trigger.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":     session.State,
		"dump":      session.DumpName,
		"table":     session.Table,
		"offset":    session.Offset,
		"remaining": session.Remaining,
		"lock_held": session.LockHeld,
	})
}

func (s *Server) handleDownload(c *gin.Context) {
	name := c.Param("name")
	if _, err := progress.ParseDumpName(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown dump"})
		return
	}

	body, size, err := s.artifacts.Open(name)
	if stderrors.Is(err, errors.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown dump"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer body.Close()

	c.DataFromReader(http.StatusOK, size, "application/sql", body, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, name),
	})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Millisecond),
		}).Debug("HTTP request")
	}
}
