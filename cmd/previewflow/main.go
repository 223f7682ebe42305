package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/theasmitwalia17/PreviewFlow/internal/app/migrate"
	"github.com/theasmitwalia17/PreviewFlow/internal/config"
	"github.com/theasmitwalia17/PreviewFlow/internal/docker"
	"github.com/theasmitwalia17/PreviewFlow/internal/domain"
	"github.com/theasmitwalia17/PreviewFlow/internal/httpx"
	"github.com/theasmitwalia17/PreviewFlow/internal/logger"
	"github.com/theasmitwalia17/PreviewFlow/internal/repository/postgres"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/broadcast"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/build"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/preview"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/project"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/quota"
	"github.com/theasmitwalia17/PreviewFlow/internal/service/source"
	"github.com/theasmitwalia17/PreviewFlow/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New("previewflow", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	events := broadcast.New(hub, log)

	workspace, err := source.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}
	fetcher := source.NewFetcher(cfg.GitTimeout, log)

	ports := build.NewPortAllocator(domain.PortRange{Lo: cfg.FallbackPortLo, Hi: cfg.FallbackPortHi})
	engine := build.NewEngine(dockerClient, ports, cfg.PreviewScheme, cfg.PreviewHost, cfg.BuildTimeout, log)

	guard := quota.New(repo, repo, log)
	previewSvc := preview.New(repo, repo, guard, fetcher, workspace, engine, events, nil, log)
	projectSvc := project.New(repo, repo, guard, previewSvc, log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Deps{
		Logger:      log,
		Users:       repo,
		ProjectRepo: repo,
		Projects:    projectSvc,
		Previews:    previewSvc,
		Hub:         hub,
		Limiter:     limiter,
		JWTSecret:   cfg.JWTSecret,
		Environment: cfg.Environment,
		DBHealth:    pool.Ping,
		DockerPing:  dockerClient.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		previewSvc.Drain()
		hub.Close()
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
