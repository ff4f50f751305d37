package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/martiangreed/marathon/internal/config"
	"github.com/martiangreed/marathon/internal/logging"
	"github.com/martiangreed/marathon/internal/metrics"
	"github.com/martiangreed/marathon/internal/observability"
	"github.com/martiangreed/marathon/internal/snapshot"
	"github.com/martiangreed/marathon/internal/vmpool"
)

func daemonCmd() *cobra.Command {
	var (
		logLevel  string
		nodeID    string
		coordAddr string
		httpAddr  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultNodeConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadNodeFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadNodeFromEnv(cfg)

			if cmd.Flags().Changed("log-level") {
				cfg.Observability.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("node-id") {
				cfg.NodeID = nodeID
			}
			if cmd.Flags().Changed("coordinator") {
				cfg.CoordinatorAddr = coordAddr
			}
			if cfg.NodeID == "" {
				cfg.NodeID = "node-" + uuid.New().String()[:8]
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

			if cfg.Observability.Tracing.ServiceName == "" {
				cfg.Observability.Tracing.ServiceName = "noded"
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

			snapMgr := snapshot.New(cfg.Firecracker.SnapshotDir)
			if err := snapMgr.Discover(); err != nil {
				logging.Op().Warn("snapshot discovery failed, continuing cold-boot only", "error", err)
			} else {
				logging.Op().Info("snapshots discovered", "names", snapMgr.List())
				for _, name := range snapMgr.List() {
					if desc, err := snapMgr.Get(name); err == nil {
						logging.Op().Info("snapshot", "name", name, "content_hash", desc.ContentHash)
					}
				}
			}

			starter := vmpool.NewFirecrackerStarter(vmpool.FirecrackerConfig{
				FirecrackerBin: cfg.Firecracker.FirecrackerBin,
				KernelPath:     cfg.Firecracker.KernelPath,
				RootfsPath:     cfg.Firecracker.RootfsPath,
				SocketDir:      cfg.Firecracker.SocketDir,
				VsockDir:       cfg.Firecracker.VsockDir,
				LogDir:         cfg.Firecracker.LogDir,
				BootTimeout:    cfg.Firecracker.BootTimeout,
			}, snapMgr)

			pool := vmpool.New(starter, vmpool.Config{
				WarmPoolTarget:    cfg.Pool.WarmPoolTarget,
				MaxStartsPerTick:  cfg.Pool.MaxStartsPerTick,
				ReplenishInterval: cfg.Pool.ReplenishInterval,
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.StartReplenishing(ctx)
			defer pool.Stop()

			node := newNodeAgent(cfg.NodeID, cfg.CoordinatorAddr, cfg.HeartbeatInterval, pool)
			if err := node.connect(ctx); err != nil {
				return fmt.Errorf("connect to coordinator: %w", err)
			}
			defer node.close()

			var httpServer *http.Server
			if httpAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte(`{"status":"ok","service":"noded"}`))
				})
				httpServer = &http.Server{Addr: httpAddr, Handler: mux}
				go func() {
					logging.Op().Info("node HTTP endpoint started", "addr", httpAddr)
					if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("node HTTP server error", "error", err)
					}
				}()
			}

			logging.Op().Info("node daemon started", "node_id", cfg.NodeID, "coordinator", cfg.CoordinatorAddr)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")
			pool.SetDraining(true)

			if httpServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				httpServer.Shutdown(shutdownCtx)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "Node identifier (random if unset)")
	cmd.Flags().StringVar(&coordAddr, "coordinator", "", "Coordinator address (host:port)")
	cmd.Flags().StringVar(&httpAddr, "http", ":7801", "HTTP listen address for /metrics and /health")

	return cmd
}
