package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mr1hm/go-safety-alerts/internal/api"
	"github.com/mr1hm/go-safety-alerts/internal/connection"
	"github.com/mr1hm/go-safety-alerts/internal/coordinator"
	"github.com/mr1hm/go-safety-alerts/internal/metrics"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/notify"
	"github.com/mr1hm/go-safety-alerts/internal/offline"
	"github.com/mr1hm/go-safety-alerts/internal/platform"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
	"github.com/mr1hm/go-safety-alerts/internal/repository"
	"github.com/mr1hm/go-safety-alerts/internal/transport"
)

func runAgent(cmd *cobra.Command, args []string) error {
	slog.Info("Agent starting", "backend", cfg.Backend.URL, "scope", cfg.Backend.Scope)

	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	m := metrics.New()
	client := remote.NewClient(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Timeout)
	dispatcher := notify.NewDispatcher(platform.Logger{}, nil, notify.Config{
		Workers:    cfg.Worker.Count,
		BufferSize: cfg.Worker.BufferSize,
	})

	coord := coordinator.New(coordinator.Config{
		Scope:          cfg.Backend.Scope,
		Policy:         cfg.Policy(),
		SnoozeDuration: cfg.Escalation.Snooze,
		Connection: connection.Config{
			NewStream: func() transport.Channel {
				return transport.NewStream(transport.StreamConfig{
					URL:               cfg.Backend.StreamURL,
					Token:             cfg.Backend.Token,
					HeartbeatInterval: cfg.Connection.HeartbeatInterval,
					HeartbeatTimeout:  cfg.Connection.HeartbeatTimeout,
				})
			},
			NewPolling: func() transport.Channel {
				return transport.NewPolling(transport.PollingConfig{
					Backend:    client,
					Interval:   cfg.Connection.PollInterval,
					MaxRetries: cfg.Connection.PollMaxRetries,
				})
			},
			MaxStreamFailures: cfg.Connection.StreamMaxFailures,
			UpgradeInterval:   cfg.Connection.UpgradeInterval,
			BackoffBase:       cfg.Connection.BackoffBase,
			BackoffMax:        cfg.Connection.BackoffMax,
		},
	}, coordinator.Deps{
		Backend:    client,
		Queue:      db,
		Snapshots:  db,
		Dispatcher: dispatcher,
		Metrics:    m,
		QueueCfg: offline.Config{
			MaxItems: cfg.Queue.MaxItems,
			MaxAge:   cfg.Queue.MaxAge,
		},
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := coord.Init(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	stopModal := coord.OnModal(func(md notify.Modal) {
		slog.Warn("ALERT REQUIRES ATTENTION", "alert_id", md.Alert.ID, "title", md.Alert.Title, "message", md.Alert.Message, "reason", md.Reason)
	})
	defer stopModal()
	stopStatus := coord.OnConnectionStatusChange(func(st models.ConnectionState) {
		slog.Info("connection status", "status", st.Status, "transport", st.Transport, "attempts", st.ReconnectAttempts)
	})
	defer stopStatus()

	// Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(cfg.Server.RateLimit))

	handler := api.NewHandler(coord, m)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("local API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	coord.Dispose()
	slog.Info("shutdown complete")
	return nil
}
