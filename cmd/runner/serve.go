package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/vmrunner/internal/circuitbreaker"
	"github.com/oriys/vmrunner/internal/config"
	"github.com/oriys/vmrunner/internal/logging"
	"github.com/oriys/vmrunner/internal/metrics"
	"github.com/oriys/vmrunner/internal/queue"
	"github.com/oriys/vmrunner/internal/runner"
	"github.com/oriys/vmrunner/internal/tracing"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the long-lived daemon: init pools, pull jobs, launch VMs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Observability.LogLevel)
			logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)

			if cfg.Observability.MetricsEnabled {
				metrics.InitPrometheus(cfg.Observability.MetricsNamespace, nil)
			}

			if err := logging.InitOutputStore(cfg.Runner.OutputDir, cfg.Observability.OutputMaxBytes, cfg.Observability.OutputRetainS); err != nil {
				return fmt.Errorf("init output store: %w", err)
			}

			if err := tracing.Init(cmd.Context(), tracing.Config{
				Enabled:    cfg.Observability.TracingEnabled,
				Endpoint:   cfg.Observability.TracingEndpoint,
				SampleRate: cfg.Observability.TracingSample,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer tracing.Shutdown(context.Background())

			ips, err := runner.NewIPPool(cfg.Runner.Subnet)
			if err != nil {
				return fmt.Errorf("init ip pool: %w", err)
			}

			taps := runner.NewTAPPool(runner.TAPPoolConfig{
				RunnerName:         cfg.Runner.RunnerName,
				Size:               cfg.TAPPool.Size,
				ReplenishThreshold: cfg.TAPPool.ReplenishThreshold,
				BridgeName:         cfg.Runner.BridgeName,
				BridgeIP:           cfg.Runner.BridgeIP,
				BridgeNetmask:      cfg.Runner.BridgeNetmask,
			}, ips)
			if err := taps.Init(); err != nil {
				return fmt.Errorf("init tap pool: %w", err)
			}
			defer taps.Shutdown()

			overlays := runner.NewOverlayPool(runner.OverlayPoolConfig{
				RunnerName:         cfg.Runner.RunnerName,
				Dir:                cfg.Runner.PoolDir,
				SizeMB:             256,
				Size:               cfg.OverlayPool.Size,
				ReplenishThreshold: cfg.OverlayPool.ReplenishThreshold,
			})
			if err := overlays.Init(); err != nil {
				return fmt.Errorf("init overlay pool: %w", err)
			}
			defer overlays.Shutdown()

			sup := runner.NewSupervisor(runner.SupervisorConfig{
				FirecrackerBin: cfg.Runner.FirecrackerBin,
				KernelPath:     cfg.Runner.KernelPath,
				RootfsPath:     cfg.Runner.RootfsPath,
				LogDir:         cfg.Runner.SocketDir,
				TmpDir:         cfg.Runner.SocketDir,
				BootTimeout:    cfg.VM.BootTimeout,
				DefaultTimeout: 30 * time.Second,
				DefaultVCPU:    cfg.VM.Vcpus,
				DefaultMemMiB:  cfg.VM.MemoryMB,
				Breaker: circuitbreaker.Config{
					ErrorPct:       cfg.Breaker.ErrorPct,
					WindowDuration: cfg.Breaker.WindowDuration,
					OpenDuration:   cfg.Breaker.OpenDuration,
					HalfOpenProbes: cfg.Breaker.HalfOpenProbes,
				},
			}, taps, overlays)

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = startHTTPServer(cfg.Daemon.HTTPAddr, sup)
				logging.Op().Info("metrics/health API started", "addr", cfg.Daemon.HTTPAddr)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.Queue.Enabled {
				client := redis.NewClient(&redis.Options{Addr: cfg.Queue.Addr, DB: cfg.Queue.DB})
				defer client.Close()
				jobQueue := queue.NewJobQueue(client)
				runJobLoop(ctx, jobQueue, sup)
			} else {
				logging.Op().Info("job queue disabled; daemon idle, waiting for shutdown signal")
				<-ctx.Done()
			}

			logging.Op().Info("shutdown signal received")
			if httpServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				httpServer.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "metrics/health HTTP address (e.g. :8080)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

// runJobLoop pulls jobs off the queue and hands each to the Supervisor in
// its own goroutine until ctx is cancelled.
func runJobLoop(ctx context.Context, jobQueue *queue.JobQueue, sup *runner.Supervisor) {
	for {
		job, err := jobQueue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Op().Warn("dequeue failed", "error", err)
			continue
		}
		go func(j queue.Job) {
			result, err := sup.Submit(ctx, j)
			if err != nil {
				logging.Op().Error("job failed", "request_id", j.RequestID, "vm_id", result.VmId, "error", err)
				return
			}
			logging.Op().Info("job completed", "request_id", j.RequestID, "vm_id", result.VmId,
				"exit_code", result.ExitCode, "duration", result.Duration.String())
		}(job)
	}
}

func startHTTPServer(addr string, sup *runner.Supervisor) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics.json", metrics.Global().JSONHandler())
	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.HandleFunc("GET /breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sup.BreakerStates())
	})

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server exited", "error", err)
		}
	}()
	return server
}
