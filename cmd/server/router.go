package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"imagegen-backend/internal/app"
	"imagegen-backend/internal/handlers"
	"imagegen-backend/internal/middleware"
)

// newRouter wires every HTTP route. queue may be nil when batches are only
// processed on request.
func newRouter(a *app.App, queue handlers.Enqueuer, limiter *middleware.RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())

	// Health check and metrics (no auth)
	router.GET("/health", handlers.HealthHandler)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	generateHandler := handlers.NewGenerateHandler(a.Service)
	batchHandler := handlers.NewBatchHandler(a.Batches, queue)
	adminHandler := handlers.NewAdminHandler(a.Keys, a.Gate)

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(a.Config, a.Ledger))
	api.Use(limiter.Middleware())

	api.GET("/user", handlers.UserHandler)

	// Generation
	api.POST("/generate", generateHandler.Generate)
	api.POST("/image-to-image", generateHandler.ImageToImage)
	api.POST("/upload", handlers.UploadHandler)
	api.GET("/records", generateHandler.Records)

	// Batches
	api.POST("/batch", batchHandler.Create)
	api.GET("/batch", batchHandler.Status)
	api.GET("/batches", batchHandler.List)
	api.POST("/batch/process", batchHandler.Process)

	// Admin
	admin := api.Group("/admin")
	admin.Use(middleware.AdminMiddleware(a.Config))
	admin.GET("/keys/stats", adminHandler.KeyStats)
	admin.GET("/moderation/logs", adminHandler.ModerationLogs)
	admin.GET("/sensitive-words", adminHandler.SensitiveWords)
	admin.POST("/sensitive-words", adminHandler.AddSensitiveWord)

	return router
}
