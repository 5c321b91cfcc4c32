package bootstrap

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/curator/infrastructure/logger"
	"github.com/jonesrussell/curator/internal/api"
	"github.com/jonesrussell/curator/internal/config"
	"github.com/jonesrussell/curator/internal/ingest"
	"github.com/jonesrussell/curator/internal/processing"
)

// RunAPI serves the HTTP API until ctx is cancelled.
func RunAPI(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	stopProfiling := startProfiling(cfg.Service.Name+"-api", cfg.Profiling, log)
	defer stopProfiling()

	infra, err := OpenInfra(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := infra.Close(); closeErr != nil {
			log.Warn("close connections", logger.Error(closeErr))
		}
	}()

	scheduler, err := processing.NewScheduler(infra.Content, infra.Jobs, infra.Producer, cfg.Processing, infra.Telemetry, log)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	ingestor := ingest.NewCoordinator(infra.Content, infra.Saves, scheduler, infra.Telemetry, log)
	handler := api.NewHandler(ingestor, scheduler, infra.Saves, infra.Clusters, infra.Jobs, log)

	server := newServer(cfg.Service.Name, cfg.Service.Port, cfg, log, infra.Telemetry, infra.Checks(),
		func(router *gin.Engine) {
			api.SetupRoutes(router, handler, cfg.Auth.JWTSecret, infra.Telemetry.Handler())
		})
	return server.Run(ctx)
}
