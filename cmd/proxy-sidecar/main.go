// Command proxy-sidecar runs the credential-injection proxy as a standalone
// container inside a remote sandbox task. The orchestrator pushes
// execution-scoped rules to /admin/update-rules over the task's private
// network; the sandbox sends its outbound traffic through the catch-all.
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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"github.com/agentcloud/workspace/internal/config"
	"github.com/agentcloud/workspace/internal/metrics"
	"github.com/agentcloud/workspace/internal/proxy"

	"github.com/prometheus/client_golang/prometheus"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	p := proxy.New(proxy.Options{
		AllowedDomains: cfg.ProxyAllowedDomains,
		SigningHost:    cfg.SigningHost,
		SigningRegion:  cfg.AWSRegion,
		Credentials:    awsCfg.Credentials,
		Metrics:        metrics.New(prometheus.NewRegistry()),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ProxyPort),
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Proxy sidecar listening", "addr", srv.Addr,
			"allowed_domains", cfg.ProxyAllowedDomains, "signing_host", cfg.SigningHost)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
