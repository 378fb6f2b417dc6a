package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"telecare-rtc/internal/config"
	"telecare-rtc/internal/server"
	"telecare-rtc/pkg/constants"
	"telecare-rtc/pkg/logger"
)

func main() {
	cfg := config.LoadServer()

	logFormat := "console"
	if cfg.Env == "production" {
		logFormat = "json"
	}
	if err := logger.Init(&logger.Config{Level: "info", Format: logFormat}); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Env == "production" && len(cfg.JWTSecret) < 32 {
		logger.Fatal("JWT_SECRET must be at least 32 characters in production")
	}

	ctx := context.Background()

	// Redis for cross-instance room fan-out
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	defer rdb.Close()
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	// Postgres for call records, with exponential backoff retry
	var pool *pgxpool.Pool
	var err error
	for attempt, delay := 1, time.Second; attempt <= 5; attempt, delay = attempt+1, delay*2 {
		pool, err = pgxpool.New(ctx, cfg.DSN())
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		logger.Warn("database not ready, retrying",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		time.Sleep(delay)
	}
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database", zap.String("host", cfg.DBHost))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := server.NewMetrics(reg)

	records := server.NewCallRecordRepository(pool)
	tm := server.NewTokenManager(cfg.JWTSecret, 24*time.Hour)
	hub := server.NewHub(rdb, records, metrics, cfg.MaxConnections)
	router := server.NewRouter(hub, tm, records, reg)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Info("signaling server starting",
			zap.String("addr", cfg.Addr), zap.Int("max_connections", cfg.MaxConnections))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}
