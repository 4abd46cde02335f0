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

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/manpreetbhatti/codepair/internal/api"
	"github.com/manpreetbhatti/codepair/internal/config"
	"github.com/manpreetbhatti/codepair/internal/db"
	"github.com/manpreetbhatti/codepair/internal/lifecycle"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
	"github.com/manpreetbhatti/codepair/internal/room"
	"github.com/manpreetbhatti/codepair/internal/ws"
)

const (
	upgradeRate    = 10
	upgradeBurst   = 20
	upgradeIdleTTL = 10 * time.Minute
	shutdownWait   = 10 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	registry := room.NewRegistry()
	hub := ws.NewHub(registry, logger)

	stop := make(chan struct{})
	defer close(stop)
	upgrades := ratelimit.NewRegistry(upgradeRate, upgradeBurst, upgradeIdleTTL)
	go upgrades.Run(time.Minute, stop)

	supervisor := lifecycle.New(database, registry, lifecycle.Config{
		Interval:    cfg.CleanupInterval,
		GracePeriod: cfg.InactivityGrace,
	}, logger)
	supervisor.Start()
	defer supervisor.Stop()

	apiHandler := api.New(database, registry, api.Options{
		SessionDuration: cfg.SessionDuration,
		FrontendURL:     cfg.FrontendURL,
		Logger:          logger,
	})

	r := mux.NewRouter()
	r.Use(loggingMiddleware(logger))
	r.Handle("/ws/{room_id}", ws.NewHandler(hub, upgrades, cfg.AllowedOrigins))
	apiHandler.Routes(r)

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: corsMiddleware(cfg.AllowedOrigins, r),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", server.Addr,
			"db", cfg.DBPath,
			"session_duration", cfg.SessionDuration,
			"cleanup_interval", cfg.CleanupInterval,
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownWait)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	// Shutdown leaves hijacked websocket connections alone.
	if err := hub.Drain(shutdownCtx); err != nil {
		logger.Warn("websocket drain", "err", err, "remaining", registry.ConnectionCount())
	}
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Debug("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code)
		})
	}
}

func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	anyOrigin := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
		}
		set[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := set[origin]; ok || anyOrigin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", strings.Join([]string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions,
		}, ", "))
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
