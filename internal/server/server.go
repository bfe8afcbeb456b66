// Package server is the sandboxed inspection server: it receives serialized
// value payloads, runs the registered capability for the declared type, and
// returns a short description. It never touches the live interpreter.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"kernelpeek/internal/observability"
)

// Encoding kinds accepted on /inspect. Pickle payloads are produced by the
// interpreter-side planner but cannot be decoded here; they are rejected with
// a typed error rather than a guess.
const (
	EncodingJSON   = "json"
	EncodingPickle = "pickle"
)

// Config defines server construction knobs.
type Config struct {
	Host        string
	Port        int
	CorsOrigins []string
	// MaxInspectTime caps one capability run regardless of the request's own
	// timeout.
	MaxInspectTime time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           8900,
		MaxInspectTime: 30 * time.Second,
	}
}

func (c Config) WithDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port <= 0 {
		c.Port = 8900
	}
	if c.MaxInspectTime <= 0 {
		c.MaxInspectTime = 30 * time.Second
	}
	return c
}

// inspectRequest mirrors the gateway's wire form. Resource limits are
// advisory here: the per-request timeout is enforced, the rest is logged.
type inspectRequest struct {
	ID             string          `json:"id"`
	DeclaredType   string          `json:"declaredType"`
	EncodingKind   string          `json:"encodingKind"`
	PayloadBase64  string          `json:"payloadBase64"`
	TimeoutMs      int             `json:"timeoutMs"`
	ResourceLimits *resourceLimits `json:"resourceLimits,omitempty"`
}

type resourceLimits struct {
	RAMMB      int `json:"ramMb,omitempty"`
	CPUPercent int `json:"cpuPercent,omitempty"`
}

type inspectResponse struct {
	ID              string `json:"id"`
	Success         bool   `json:"success"`
	ResultText      string `json:"resultText,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs,omitempty"`
}

// Server hosts the inspection RPC surface.
type Server struct {
	cfg      Config
	registry *Registry
	router   *gin.Engine
	started  time.Time

	httpSrv  *http.Server
	shutdown chan struct{}
}

// New builds the server and its routes; nothing listens until Serve.
func New(cfg Config) *Server {
	cfg = cfg.WithDefaults()
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		router:   r,
		started:  time.Now(),
		shutdown: make(chan struct{}),
	}
	s.registerRoutes()
	return s
}

// Registry exposes the capability table, mainly for preloading bindings.
func (s *Server) Registry() *Registry { return s.registry }

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"types":  len(s.registry.Types()),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.POST("/inspect", s.handleInspect)

	s.router.POST("/register", func(c *gin.Context) {
		var body struct {
			TypeName      string `json:"typeName"`
			CapabilityRef string `json:"capabilityRef"`
			Code          string `json:"code"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		ref := body.CapabilityRef
		if ref == "" {
			ref = body.Code
		}
		if err := s.registry.Bind(body.TypeName, ref); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
			return
		}
		log.Info().Str("type", body.TypeName).Str("capability", ref).Msg("inspection capability bound")
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	s.router.GET("/types", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"types": s.registry.Types()})
	})

	s.router.POST("/shutdown", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "stopping"})
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
		}
	})
}

func (s *Server) handleInspect(c *gin.Context) {
	var req inspectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start := time.Now()
	fail := func(msg string) {
		c.JSON(http.StatusOK, inspectResponse{
			ID:              req.ID,
			Success:         false,
			Error:           msg,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		})
	}

	describe, err := s.registry.Resolve(req.DeclaredType)
	if err != nil {
		fail(err.Error())
		return
	}

	if req.ResourceLimits != nil {
		log.Debug().Int("ram_mb", req.ResourceLimits.RAMMB).Int("cpu_percent", req.ResourceLimits.CPUPercent).Msg("resource limits noted")
	}

	if req.EncodingKind != EncodingJSON {
		fail(fmt.Sprintf("server: unsupported encoding %q, only %q payloads can be decoded here", req.EncodingKind, EncodingJSON))
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
	if err != nil {
		fail("server: payload decode: " + err.Error())
		return
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		fail("server: payload parse: " + err.Error())
		return
	}

	timeout := s.cfg.MaxInspectTime
	if req.TimeoutMs > 0 {
		if reqTimeout := time.Duration(req.TimeoutMs) * time.Millisecond; reqTimeout < timeout {
			timeout = reqTimeout
		}
	}
	text, err := runCapability(describe, value, timeout)
	elapsed := time.Since(start)
	if err != nil {
		log.Warn().Err(err).Str("type", req.DeclaredType).Dur("elapsed", elapsed).Msg("inspection failed")
		fail(err.Error())
		return
	}

	c.JSON(http.StatusOK, inspectResponse{
		ID:              req.ID,
		Success:         true,
		ResultText:      text,
		ExecutionTimeMs: elapsed.Milliseconds(),
	})
}

// runCapability bounds one capability run with its own deadline and converts
// panics into errors. A run that outlives the deadline is abandoned; its
// goroutine finishes on its own and its result is discarded.
func runCapability(describe DescribeFunc, value any, timeout time.Duration) (string, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("server: capability panicked: %v", r)}
			}
		}()
		text, err := describe(value)
		done <- result{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-time.After(timeout):
		return "", fmt.Errorf("server: inspection timed out after %s", timeout)
	}
}

// Serve blocks until shutdown is requested or the listener fails.
func (s *Server) Serve() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.router}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("inspection server listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-s.shutdown:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("inspection server stopping")
		return s.httpSrv.Shutdown(ctx)
	}
}

// Stop triggers the same graceful path as POST /shutdown.
func (s *Server) Stop() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
