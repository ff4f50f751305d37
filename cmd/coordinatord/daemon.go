package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/martiangreed/marathon/internal/cache"
	"github.com/martiangreed/marathon/internal/config"
	"github.com/martiangreed/marathon/internal/coordinator"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/observability"
	"github.com/martiangreed/marathon/internal/store"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel   string
		listenAddr string
		httpAddr   string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the coordinator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultCoordinatorConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadCoordinatorFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadCoordinatorFromEnv(cfg)

			if cmd.Flags().Changed("pg-dsn") {
				cfg.Postgres.DSN = pgDSN
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if cfg.Observability.Tracing.ServiceName == "" {
				cfg.Observability.Tracing.ServiceName = "coordinatord"
			}
			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			if cfg.Observability.Metrics.Enabled {
				metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, nil)
			}

			var taskStore store.TaskStore
			if cfg.Postgres.DSN != "" {
				pg, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				defer pg.Close()
				taskStore = pg
			} else {
				logging.Op().Warn("no postgres DSN configured, using in-memory task store")
				taskStore = store.NewMemoryStore()
			}

			var usageCache cache.Cache
			if cfg.Cache.RedisAddr != "" {
				usageCache = cache.NewRedisCache(cache.RedisCacheConfig{Addr: cfg.Cache.RedisAddr})
			} else {
				usageCache = cache.NewInMemoryCache()
			}
			defer usageCache.Close()

			coord := coordinator.New(taskStore, usageCache, coordinator.Config{
				StaleTimeout:     cfg.StaleTimeout,
				ScheduleInterval: cfg.ScheduleInterval,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			coord.Start(ctx)
			defer coord.Stop()

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
			}
			defer ln.Close()
			logging.Op().Info("coordinator node wire listening", "addr", cfg.ListenAddr)

			go acceptNodeConns(ctx, ln, coord)

			var httpServer *http.Server
			if httpAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"status":"ok","service":"coordinatord"}`))
				})
				httpServer = &http.Server{Addr: httpAddr, Handler: mux}
				go func() {
					logging.Op().Info("coordinator HTTP endpoint started", "addr", httpAddr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("coordinator HTTP server error", "error", err)
					}
				}()
			}

			logging.Op().Info("coordinator started")

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			if httpServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				httpServer.Shutdown(shutdownCtx)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&listenAddr, "listen", ":7700", "Node wire listen address")
	cmd.Flags().StringVar(&httpAddr, "http", ":7701", "HTTP listen address for /metrics and /health")

	return cmd
}

// acceptNodeConns accepts node-daemon connections and hands each to the
// coordinator's multiplexed HEARTBEAT/TASK_EVENT server loop, one goroutine
// per node connection (spec section 4.8a: one connection per node carries
// both directions of coordinator<->node traffic).
func acceptNodeConns(ctx context.Context, ln net.Listener, coord *coordinator.Coordinator) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logging.Op().Error("accept node connection", "error", err)
			continue
		}
		go func() {
			if err := coord.ServeNodeConn(ctx, conn); err != nil {
				logging.Op().Warn("node connection closed", "error", err)
			}
		}()
	}
}
