package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"autograder/internal/common/cache"
	commonmw "autograder/internal/common/http/middleware"
	"autograder/internal/grading/config"
	"autograder/internal/grading/controller"
	"autograder/internal/grading/repository"
	"autograder/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func runServe(ctx context.Context, cfg *AppConfig) int {
	store, err := repository.NewFileStore(cfg.Grading.Results)
	if err != nil {
		return fail(ctx, "open result store failed", err)
	}
	// Only the assignment name is needed here, so backends are not built.
	assignment := assignmentName(cfg.Grading.Assignment)

	var status controller.StatusSource
	if cfg.Status.Enabled {
		redisCache, err := cache.NewRedisCacheWithConfig(&cfg.Redis)
		if err != nil {
			return fail(ctx, "init redis failed", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		status = repository.NewStatusRepository(redisCache, assignment, cfg.Status.TTL)
	}

	httpServer := buildHTTPServer(cfg.Server, controller.NewResultController(assignment, store, status))
	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fail(ctx, "init http listener failed", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "result http server started", zap.String("addr", cfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	code := 0
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			code = fail(ctx, "http server stopped", err)
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	return code
}

func assignmentName(path string) string {
	name, err := config.PeekName(path)
	if err != nil {
		logger.Warn(context.Background(), "read assignment name failed", zap.Error(err))
	}
	return name
}

func buildHTTPServer(cfg ServerConfig, results *controller.ResultController) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	results.RegisterRoutes(router.Group("/api/v1"))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
