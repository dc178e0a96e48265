package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"keypaird/internal/config"
	"keypaird/internal/domain"
	"keypaird/internal/infra/logging"
	"keypaird/internal/infra/metrics"
	"keypaird/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type ServerDeps struct {
	Keypairs      *usecase.KeypairService
	Accounts      *usecase.AccountService
	Store         usecase.SecretStore
	Authenticator domain.Authenticator
	Authorizer    domain.Authorizer
	RateLimiter   domain.RateLimiter
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

type Server struct {
	cfg config.Config
	r   *gin.Engine
	log *zap.Logger

	keypairs *usecase.KeypairService
	accounts *usecase.AccountService
	store    usecase.SecretStore
	metrics  *metrics.Metrics

	authenticator domain.Authenticator
	authorizer    domain.Authorizer
	authInitErr   error

	rateLimiter         domain.RateLimiter
	rateLimitRequests   int
	rateLimitWindow     time.Duration
	rateLimitFailClosed bool
}

func NewServer(cfg config.Config, deps ServerDeps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.Middleware(log))

	s := &Server{
		cfg:           cfg,
		r:             r,
		log:           log,
		keypairs:      deps.Keypairs,
		accounts:      deps.Accounts,
		store:         deps.Store,
		metrics:       deps.Metrics,
		authenticator: deps.Authenticator,
		authorizer:    deps.Authorizer,
	}
	if s.metrics != nil {
		r.Use(s.countRequests)
	}
	s.initRateLimit(deps.RateLimiter)
	s.initAuth()
	s.routes()
	return s
}

func (s *Server) initAuth() {
	switch s.cfg.AuthMode {
	case config.AuthModeNone:
		return
	case config.AuthModeJWT, config.AuthModeOIDC:
		if s.authenticator == nil {
			s.authInitErr = errors.New("token auth requires an authenticator")
		}
		if s.authorizer == nil {
			s.authInitErr = errors.Join(s.authInitErr, errors.New("token auth requires an authorizer"))
		}
	case "":
		s.authInitErr = errors.New("AUTH_MODE is required")
	default:
		s.authInitErr = errors.New("unsupported auth mode")
	}
}

func (s *Server) initRateLimit(limiter domain.RateLimiter) {
	s.rateLimiter = limiter
	s.rateLimitRequests = s.cfg.RateLimitRequests
	s.rateLimitWindow = s.cfg.RateLimitWindow()
	if s.rateLimitWindow <= 0 {
		s.rateLimitWindow = time.Minute
	}
	s.rateLimitFailClosed = s.cfg.RateLimitFailClosed
}

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	s.r.GET("/health", s.handleLegacyHealth)
	if s.metrics != nil {
		s.r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	s.r.POST("/auth/login", s.handleLogin)

	keys := s.r.Group("/keys")
	{
		keys.POST("", s.withPermission(domain.PermKeysWrite), s.handleGenerate)
		keys.GET("", s.withPermission(domain.PermKeysRead), s.handleList)
		keys.GET("/:id", s.withPermission(domain.PermKeysRead), s.handleGet)
		keys.POST("/:id/private", s.withPermission(domain.PermKeysPrivate), s.handleGetPrivate)
		keys.PUT("/:id", s.withPermission(domain.PermKeysWrite), s.handleUpdate)
		keys.DELETE("/:id", s.withPermission(domain.PermKeysDelete), s.handleDelete)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}

func (s *Server) Handler() http.Handler {
	return s.r
}

// Run serves until ctx is done, then drains in-flight requests for up to
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if s.authInitErr != nil {
		return s.authInitErr
	}
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", zap.String("addr", s.cfg.HTTPAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.log.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) countRequests(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	s.metrics.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
}

func (s *Server) handleHealth(c *gin.Context) {
	backend := s.cfg.StoreBackend
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "backend": backend})
		return
	}
	ctx, cancel := s.storeContext(c)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("health check failed", zap.String("backend", backend), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "backend": backend})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "backend": backend})
}

// handleLegacyHealth keeps the {status, service} shape older probes expect.
func (s *Server) handleLegacyHealth(c *gin.Context) {
	status, body := http.StatusOK, gin.H{"status": "healthy", "service": "keypaird"}
	if s.store == nil {
		status, body["status"] = http.StatusServiceUnavailable, "unhealthy"
	} else {
		ctx, cancel := s.storeContext(c)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("backend", s.cfg.StoreBackend), zap.Error(err))
			status, body["status"] = http.StatusServiceUnavailable, "unhealthy"
		}
	}
	c.JSON(status, body)
}

// storeContext bounds the health ping.
func (s *Server) storeContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if timeout := s.cfg.StoreTimeout(); timeout > 0 {
		return context.WithTimeout(c.Request.Context(), timeout)
	}
	return context.WithCancel(c.Request.Context())
}
