package gin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/curator/infrastructure/logger"
)

// Server couples a gin engine with an http.Server lifecycle.
type Server struct {
	cfg    *Config
	router *gin.Engine
	http   *http.Server
	log    logger.Logger
}

// Router exposes the engine, mainly for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info("http server listening",
		logger.String("address", ln.Addr().String()),
		logger.String("service", s.cfg.ServiceName),
		logger.String("version", s.cfg.ServiceVersion),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("http server shutting down", logger.Duration("timeout", s.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newServer(cfg *Config, log logger.Logger, checks map[string]HealthCheck, middleware []gin.HandlerFunc, routes func(*gin.Engine)) *Server {
	cfg.setDefaults()
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(RecoveryMiddleware(log), RequestIDLoggerMiddleware(log), LoggerMiddleware(log))
	if len(cfg.CORS.AllowedOrigins) > 0 {
		router.Use(CORSMiddleware(cfg.CORS))
	}
	router.Use(middleware...)

	registerHealthRoutes(router, cfg, time.Now(), checks)
	if routes != nil {
		routes(router)
	}

	return &Server{
		cfg:    cfg,
		router: router,
		log:    log,
		http: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}
