// @title           Image Generation API
// @version         1.0.0
// @description     Credit-metered text-to-image and image-to-image generation over the Fireworks workflow API, with batch jobs and an admin surface.

// @host      localhost:8080
// @BasePath  /

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"imagegen-backend/internal/app"
	"imagegen-backend/internal/batch"
	"imagegen-backend/internal/config"
	"imagegen-backend/internal/handlers"
	"imagegen-backend/internal/logging"
	"imagegen-backend/internal/middleware"
	"imagegen-backend/internal/sweeper"
)

const batchQueueSize = 100

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, cleanup := logging.InitializeLogger(cfg.Environment)
	defer cleanup()

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer application.Close()

	// Background batch processing is optional; without it clients drive
	// tasks through POST /api/batch/process.
	var queue handlers.Enqueuer
	var dispatcher *batch.Dispatcher
	if cfg.BatchAutoDispatch {
		dispatcher = batch.NewDispatcher(application.Batches, cfg.BatchWorkers, batchQueueSize)
		dispatcher.Start(ctx)
		queue = dispatcher
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	sw := sweeper.New(application.Purger(), application.Batches, batch.StaleAfter)
	sw.OnSweep(func() { limiter.Cleanup() })
	if err := sw.Start(cfg.SweepSchedule); err != nil {
		logger.Fatal("Failed to start sweeper", zap.Error(err))
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newRouter(application, queue, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		// Generation waits on the provider for up to ~35s.
		WriteTimeout: 90 * time.Second,
	}

	go func() {
		logger.Info("Server starting", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	if dispatcher != nil {
		dispatcher.Stop()
	}
	sw.Stop(5 * time.Second)
}
