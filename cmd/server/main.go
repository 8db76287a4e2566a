// Command server runs the workspace orchestration service: the streaming
// execute API, the warm pool replenisher, the garbage collector, and (for
// the local backend) the in-process credential-injection proxies.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentcloud/workspace/internal/api"
	"github.com/agentcloud/workspace/internal/config"
	"github.com/agentcloud/workspace/internal/db"
	"github.com/agentcloud/workspace/internal/filesync"
	"github.com/agentcloud/workspace/internal/gc"
	"github.com/agentcloud/workspace/internal/lifecycle"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/models"
	"github.com/agentcloud/workspace/internal/orchestrator"
	"github.com/agentcloud/workspace/internal/proxy"
	"github.com/agentcloud/workspace/internal/store"
	"github.com/agentcloud/workspace/internal/warmpool"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("Starting workspace service",
		"backend", cfg.ContainerBackend, "port", cfg.Port)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	st, err := store.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, store.Options{
		ContainerTTL: cfg.ContainerTTL,
		WarmPoolTTL:  cfg.WarmPoolTTL,
		LockTTL:      cfg.LockTTL,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(rootCtx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	backend, proxyMgr, err := buildBackend(cfg, awsCfg, m)
	if err != nil {
		return err
	}

	syncer := filesync.New(s3.NewFromConfig(awsCfg), cfg.S3Bucket, cfg.S3Prefix, database, m)
	titles := orchestrator.NewBedrockTitles(bedrockruntime.NewFromConfig(awsCfg), cfg.TitleModelID)

	pool := warmpool.New(st, backend, m, warmpool.Options{
		MinSize:         cfg.WarmPoolMinSize,
		MaxSize:         cfg.WarmPoolMaxSize,
		ReplenishPeriod: cfg.ReplenishPeriod,
	})
	go pool.Run(rootCtx)

	collector := gc.New(st, backend, m, gc.Options{
		Period:      cfg.GCPeriod,
		OrphanCycle: cfg.GCOrphanCycle,
	})
	go collector.Run(rootCtx)

	orch := orchestrator.New(st, database, backend, pool, syncer, proxyMgr, titles, m,
		orchestrator.Options{
			HeartbeatInterval: cfg.HeartbeatPeriod,
			EventTimeout:      cfg.EventTimeout,
		})

	apiServer := api.New(orch, st, backend, api.Options{})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("API listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		slog.Info("Metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("listener failed: %w", err)
	}

	// Drain order: stop accepting requests, then stop the replenisher and
	// destroy the pool. The GC dies with the root context.
	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("API shutdown incomplete", "error", err)
	}
	pool.Shutdown(shutCtx)
	_ = metricsSrv.Shutdown(shutCtx)
	slog.Info("Shutdown complete")
	return nil
}

// buildBackend constructs the lifecycle backend and its matching proxy
// manager for the configured deployment mode.
func buildBackend(cfg *config.Config, awsCfg aws.Config, m *metrics.Metrics) (lifecycle.Backend, proxy.Manager, error) {
	proxyOpts := proxy.Options{
		AllowedDomains: cfg.ProxyAllowedDomains,
		SigningHost:    cfg.SigningHost,
		SigningRegion:  cfg.AWSRegion,
		Credentials:    awsCfg.Credentials,
		Metrics:        m,
	}

	switch cfg.ContainerBackend {
	case config.BackendLocal:
		backend, err := lifecycle.NewDockerBackend(lifecycle.DockerOptions{
			Image:           cfg.SandboxImage,
			SocketDir:       cfg.SandboxSocketDir,
			SeccompProfile:  cfg.SeccompProfile,
			ApparmorProfile: cfg.ApparmorProfile,
			StartupTimeout:  cfg.StartupTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return backend, proxy.NewInProcessProxy(cfg.SandboxSocketDir, proxyOpts), nil

	case config.BackendRemote:
		backend := lifecycle.NewECSBackend(ecs.NewFromConfig(awsCfg), lifecycle.ECSOptions{
			Cluster:        cfg.ECSCluster,
			TaskDefinition: cfg.ECSTaskDefinition,
			Subnets:        cfg.ECSSubnets,
			SecurityGroups: cfg.ECSSecurityGroups,
			AgentPort:      cfg.AgentPort,
			ProxyPort:      cfg.ProxySidecarPort,
			StartupTimeout: cfg.StartupTimeout,
		})
		sidecar := proxy.NewSidecarProxy(func(c *models.Container) string {
			return backend.ProxyEndpoint(c)
		})
		return backend, sidecar, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.ContainerBackend)
	}
}
