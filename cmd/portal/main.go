package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/Pratyush2586/release-assessment-portal/api/swagger"
	"github.com/Pratyush2586/release-assessment-portal/internal/handler"
	"github.com/Pratyush2586/release-assessment-portal/internal/middleware"
	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	"github.com/Pratyush2586/release-assessment-portal/internal/repository"
	"github.com/Pratyush2586/release-assessment-portal/internal/service"
	"github.com/Pratyush2586/release-assessment-portal/pkg/cache"
	"github.com/Pratyush2586/release-assessment-portal/pkg/config"
	"github.com/Pratyush2586/release-assessment-portal/pkg/database"
	"github.com/Pratyush2586/release-assessment-portal/pkg/logger"
	corsmiddleware "github.com/Pratyush2586/release-assessment-portal/pkg/middleware/cors"
	reqidmiddleware "github.com/Pratyush2586/release-assessment-portal/pkg/middleware/requestid"
	"github.com/Pratyush2586/release-assessment-portal/pkg/realtime"
	"github.com/Pratyush2586/release-assessment-portal/pkg/storage"
)

// @title Release Assessment Portal API
// @version 1.0.0
// @description Submit release impact assessment requests and browse engine results
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close() //nolint:errcheck

	blobs, err := storage.NewLocalStorage(cfg.Attachments.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init attachment storage", "error", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Attachments.SignedURLSecret, cfg.Attachments.SignedURLTTL)
	feed := realtime.NewFeed(redisClient, logr)

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	releaseRepo := repository.NewReleaseRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	attachmentRepo := repository.NewAttachmentRepository(db)
	resultsRepo := repository.NewResultsRepository(db)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "release-assessment-portal",
	})
	releaseSvc := service.NewReleaseService(releaseRepo, userRepo, validate, logr)
	notificationSvc := service.NewNotificationService(userRepo, userRepo, logr, cfg.Notifications)
	requestSvc := service.NewRequestService(service.RequestServiceDeps{
		Requests:    requestRepo,
		Attachments: attachmentRepo,
		Releases:    releaseRepo,
		Blobs:       blobs,
		Signer:      signer,
		Feed:        feed,
		Notifier:    notificationSvc,
		Audit:       userRepo,
		Metrics:     metricsSvc,
		Validator:   validate,
		Logger:      logr,
		Uploads:     cfg.Attachments,
		QueueFetch:  cfg.Engine.QueueFetchSize,
	})
	resultsSvc := service.NewResultsService(resultsRepo, requestRepo, userRepo, validate, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	authHandler := handler.NewAuthHandler(authSvc)
	releaseHandler := handler.NewReleaseHandler(releaseSvc)
	requestHandler := handler.NewRequestHandler(requestSvc)
	resultsHandler := handler.NewResultsHandler(resultsSvc)
	engineHandler := handler.NewEngineHandler(requestSvc, resultsSvc)
	eventsHandler := handler.NewEventsHandler(feed, requestSvc, metricsSvc, logr)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Health)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/signup", authHandler.Signup)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.POST("/change-password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	portal := api.Group("", middleware.JWT(authSvc))
	{
		portal.GET("/releases", releaseHandler.List)
		portal.POST("/releases", middleware.RequireRoles(models.RoleAdmin), releaseHandler.Create)

		portal.POST("/requests", requestHandler.Submit)
		portal.GET("/requests", requestHandler.List)
		portal.GET("/requests/:id", requestHandler.Get)
		portal.POST("/requests/:id/cancel", requestHandler.Cancel)
		portal.GET("/requests/:id/attachments/:attachmentId/download-url", requestHandler.SignAttachment)

		portal.GET("/requests/:id/results", resultsHandler.Get)
		portal.GET("/requests/:id/results/api-changes", resultsHandler.APIChanges)
		portal.GET("/requests/:id/results/database-changes", resultsHandler.DatabaseChanges)
		portal.GET("/requests/:id/results/raw", resultsHandler.Raw)
		portal.GET("/requests/:id/results/export", resultsHandler.Export)

		portal.GET("/events/requests", eventsHandler.StreamAll)
		portal.GET("/events/requests/:id", eventsHandler.StreamOne)
	}

	// Signed tokens carry their own authorization.
	api.GET("/attachments/download", requestHandler.Download)

	engine := api.Group("/engine", middleware.EngineAuth(cfg.Engine.Token))
	engine.Use(middleware.Audit(userRepo, models.AuditActionEngineCallback, "engine"))
	{
		engine.GET("/requests", engineHandler.ListQueued)
		engine.PATCH("/requests/:id/status", engineHandler.UpdateStatus)
		engine.PUT("/requests/:id/results", engineHandler.SubmitResults)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Sugar().Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
		os.Exit(1)
	}
}
