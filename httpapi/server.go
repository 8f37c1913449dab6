// Package httpapi is a thin gin HTTP server binding --host/--port, exposing
// health, metrics, and a synchronous request-submission API over
// sched.Scheduler. Wire protocol design (streaming, gRPC, etc.) is out of
// scope; this is the minimal surface needed to drive the core end-to-end.
package httpapi

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ksana-llm/ksana-llm-go/internal/errs"
	"github.com/ksana-llm/ksana-llm-go/metrics"
	"github.com/ksana-llm/ksana-llm-go/request"
)

// Scheduler is the subset of *sched.Scheduler the HTTP surface drives,
// narrowed to an interface so handlers are testable without a real
// block manager/worker group behind them.
type Scheduler interface {
	Enqueue(req *request.Request) error
	Abort(reqID string) error
}

// Server binds a gin engine to the scheduler and metrics registry.
type Server struct {
	engine  *gin.Engine
	sched   Scheduler
	metrics *metrics.Registry
	http    *http.Server

	requests sync.Map // req_id -> *request.Request, for GET /v1/requests/:id
	ready    atomic.Bool
}

// New constructs a Server bound to sched and metrics. Call Ready(true) once
// the scheduler's background tick loop is running so /healthz reports 200.
func New(scheduler Scheduler, reg *metrics.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: gin.New(), sched: scheduler, metrics: reg}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Ready flips the /healthz readiness flag.
func (s *Server) Ready(v bool) { s.ready.Store(v) }

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", s.handleMetrics)
	s.engine.POST("/v1/requests", s.handleSubmit)
	s.engine.GET("/v1/requests/:id", s.handleGet)
}

func (s *Server) handleHealthz(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

type submitRequest struct {
	InputTokens []int `json:"input_tokens" binding:"required"`
	Sampling    struct {
		Temperature float64 `json:"temperature"`
		TopP        float64 `json:"top_p"`
	} `json:"sampling_config"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var body submitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := request.New("", body.InputTokens, request.SamplingConfig{
		Temperature: body.Sampling.Temperature,
		TopP:        body.Sampling.TopP,
	}, time.Now().UnixMilli())

	if err := s.sched.Enqueue(req); err != nil {
		statusForCode(c, errs.CodeOf(err), err)
		return
	}
	s.requests.Store(req.ID, req)
	c.JSON(http.StatusOK, gin.H{"req_id": req.ID})
}

func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	v, ok := s.requests.Load(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown request id"})
		return
	}
	req := v.(*request.Request)
	c.JSON(http.StatusOK, gin.H{
		"req_id":        req.ID,
		"stage":         req.Stage.String(),
		"step":          req.Step,
		"output_tokens": req.OutputTokensSnapshot(),
	})
}

// statusForCode maps an errs.Code to an HTTP status: Backpressure->429,
// InvalidArgument->400, Timeout->504.
func statusForCode(c *gin.Context, code errs.Code, err error) {
	status := http.StatusInternalServerError
	switch code {
	case errs.Backpressure:
		status = http.StatusTooManyRequests
	case errs.InvalidArgument:
		status = http.StatusBadRequest
	case errs.Timeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("httpapi: listening on %s", addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return errs.Wrap(errs.Runtime, err, "httpapi: graceful shutdown failed")
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return errs.Wrap(errs.Runtime, err, "httpapi: listen failed")
		}
		return nil
	}
}
