// Package mockserver is a scriptable stand-in for the clip classification service.
package mockserver

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/vigil/internal/types"
)

// DefaultLabels is a handful of action classes used when none are configured.
var DefaultLabels = []string{
	"walking", "running", "sitting down", "standing up", "waving hand",
	"falling", "opening door", "drinking", "reading", "typing",
}

// Options scripts the server's behaviour.
type Options struct {
	Labels      []string
	TopK        int
	Latency     time.Duration
	ModelLoaded bool
	// FailFirst lists status codes returned, in order, before the server starts succeeding.
	FailFirst []int
	// Malformed makes successful responses return an unranked prediction list.
	Malformed bool
	// ExpectFrames rejects requests with a different frame count when non-zero.
	ExpectFrames int
}

// Server implements POST /api/v1/infer and GET /health.
type Server struct {
	router *gin.Engine
	log    zerolog.Logger

	mu        sync.Mutex
	opts      Options
	calls     int
	succeeded int
	failQueue []int
	lastReq   *types.InferenceRequest
}

// New builds the router. gin runs in release mode to keep test output quiet.
func New(opts Options, log zerolog.Logger) *Server {
	if len(opts.Labels) == 0 {
		opts.Labels = DefaultLabels
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	s := &Server{
		log:       log,
		opts:      opts,
		failQueue: append([]int(nil), opts.FailFirst...),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)

	router.GET("/health", s.handleHealth)
	api := router.Group("/api")
	{
		api.POST("/v1/infer", s.handleInfer)
	}
	s.router = router
	return s
}

// Handler exposes the router for httptest servers.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until the listener fails.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// SetModelLoaded flips the readiness flag reported by /health and enforced by /infer.
func (s *Server) SetModelLoaded(loaded bool) {
	s.mu.Lock()
	s.opts.ModelLoaded = loaded
	s.mu.Unlock()
}

// SetLatency changes the artificial processing delay.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.opts.Latency = d
	s.mu.Unlock()
}

// Calls returns how many inference requests have been received.
func (s *Server) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Succeeded returns how many inference requests were answered with predictions.
func (s *Server) Succeeded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded
}

// LastRequest returns the most recent decoded request body.
func (s *Server) LastRequest() *types.InferenceRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReq
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug().
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", c.Writer.Status()).
		Dur("took", time.Since(start)).
		Msg("request")
}

func (s *Server) handleHealth(c *gin.Context) {
	s.mu.Lock()
	loaded := s.opts.ModelLoaded
	s.mu.Unlock()

	c.JSON(http.StatusOK, types.Health{Status: "healthy", ModelLoaded: loaded})
}

func (s *Server) handleInfer(c *gin.Context) {
	s.mu.Lock()
	s.calls++
	opts := s.opts
	var scripted int
	if len(s.failQueue) > 0 {
		scripted = s.failQueue[0]
		s.failQueue = s.failQueue[1:]
	}
	s.mu.Unlock()

	if opts.Latency > 0 {
		select {
		case <-time.After(opts.Latency):
		case <-c.Request.Context().Done():
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
	}

	if scripted != 0 {
		c.JSON(scripted, types.ErrorResponse{Detail: fmt.Sprintf("scripted failure %d", scripted)})
		return
	}
	if !opts.ModelLoaded {
		c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{Detail: "Model not loaded"})
		return
	}

	var req types.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Detail: err.Error()})
		return
	}
	if err := validate(&req, opts.ExpectFrames); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{Detail: err.Error()})
		return
	}

	s.mu.Lock()
	s.lastReq = &req
	s.succeeded++
	s.mu.Unlock()

	c.JSON(http.StatusOK, types.InferenceResponse{
		Predictions: rank(opts.Labels, opts.TopK, opts.Malformed),
		ClipID:      uuid.NewString(),
	})
}

// validate mirrors the service's 400 cases: empty clips, bad base64 and undecodable frames.
func validate(req *types.InferenceRequest, expectFrames int) error {
	if len(req.Frames) == 0 {
		return fmt.Errorf("no frames")
	}
	if expectFrames > 0 && len(req.Frames) != expectFrames {
		return fmt.Errorf("expected %d frames, got %d", expectFrames, len(req.Frames))
	}
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", req.Width, req.Height)
	}
	format, err := types.ParsePixelFormat(req.Format)
	if err != nil {
		return err
	}

	for i, f := range req.Frames {
		data, err := base64.StdEncoding.DecodeString(f)
		if err != nil {
			return fmt.Errorf("failed to decode frame %d: %v", i, err)
		}
		if bytes.HasPrefix(data, []byte{0xFF, 0xD8}) {
			cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("failed to decode frame %d: %v", i, err)
			}
			if cfg.Width != req.Width || cfg.Height != req.Height {
				return fmt.Errorf("frame %d is %dx%d, request says %dx%d", i, cfg.Width, cfg.Height, req.Width, req.Height)
			}
			continue
		}
		if want := req.Width * req.Height * format.BytesPerPixel(); len(data) != want {
			return fmt.Errorf("frame %d has %d raw bytes, want %d", i, len(data), want)
		}
	}
	return nil
}

// rank produces a descending, normalised score for the first k labels.
func rank(labels []string, k int, malformed bool) []types.Prediction {
	if k > len(labels) {
		k = len(labels)
	}
	n := len(labels)
	total := float64(n * (n + 1) / 2)

	preds := make([]types.Prediction, k)
	for i := 0; i < k; i++ {
		preds[i] = types.Prediction{Label: labels[i], Confidence: float64(n-i) / total}
	}
	if malformed && k > 1 {
		preds[0], preds[k-1] = preds[k-1], preds[0]
	}
	return preds
}
