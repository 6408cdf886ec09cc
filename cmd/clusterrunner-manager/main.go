// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command clusterrunner-manager runs the ClusterRunner manager: it
// accepts build requests, atomizes and schedules them across connected
// workers, and ingests subjob results.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/eventbus"
	"github.com/clusterrunner/clusterrunner/internal/httpapi"
	"github.com/clusterrunner/clusterrunner/internal/manager"
	"github.com/clusterrunner/clusterrunner/pkg/auth"
	"github.com/clusterrunner/clusterrunner/pkg/config"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/metrics"
	"github.com/clusterrunner/clusterrunner/pkg/middleware"
	"github.com/clusterrunner/clusterrunner/pkg/pool"
	"github.com/clusterrunner/clusterrunner/pkg/retry"
	"github.com/clusterrunner/clusterrunner/pkg/supervisor"
)

func main() {
	cfg := config.NewDefault()
	cfg.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := logging.NewLogger(&logging.Config{
		Level:   logLevel,
		Format:  logging.FormatJSON,
		Output:  os.Stdout,
		Version: "1.0",
		Service: "clusterrunner-manager",
	})

	var signer *auth.Signer
	if cfg.HMACSecret != "" {
		signer = auth.NewSigner(cfg.HMACSecret)
	} else {
		logger.Warn("CLUSTERRUNNER_HMAC_SECRET not set; manager<->worker wire requests will not be signature-verified")
	}

	asyncResetArtifactRoot(cfg.ArtifactRoot, logger)

	collector := metrics.NewInMemoryCollector()

	// Every outbound Worker proxy's transport gets the same
	// logging/metrics/retry/user-agent chain as a plain client would, plus
	// request signing so WorkerRouter's VerifyingMiddleware accepts it.
	backoff := retry.NewHTTPExponentialBackoff().WithMaxRetries(cfg.MaxRetries)
	wrapTransport := func(next http.RoundTripper) http.RoundTripper {
		wrapped := middleware.Chain(
			middleware.WithTimeout(cfg.RequestTimeout),
			middleware.WithLogging(logger),
			middleware.WithMetrics(collector),
			middleware.WithRetryPolicy(backoff),
			middleware.WithUserAgent(cfg.UserAgent),
		)(next)
		if signer != nil {
			wrapped = &auth.SigningRoundTripper{Next: wrapped, Signer: signer}
		}
		return wrapped
	}

	poolCfg := pool.DefaultPoolConfig()
	poolCfg.WrapTransport = wrapTransport
	clientPool := pool.NewHTTPClientPool(poolCfg, logger)
	defer clientPool.Close()

	bus := eventbus.NewBus()

	// A panic in any long-lived goroutine (request-handler loop,
	// worker-allocator loop, heartbeat-sweep drain, per-project build
	// preparation) is logged here and drives the same graceful shutdown
	// as a SIGTERM, then exits non-zero instead of taking the process
	// down silently.
	var srv *http.Server
	var connMgr *pool.ConnectionManager
	sup := supervisor.New(logger, func() {
		if srv != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("manager shutdown error", "error", err.Error())
			}
		}
		if connMgr != nil {
			connMgr.Stop()
		}
		clientPool.Close()
	})

	mgr := manager.New(manager.Config{
		ArtifactRoot:          cfg.ArtifactRoot,
		UnresponsiveThreshold: cfg.HeartbeatUnresponsiveInterval,
		DispatchPoolSize:      cfg.ResultDispatchPoolSize,
		Events:                bus,
		ClientPool:            clientPool,
		Supervisor:            sup,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	connMgr = pool.NewConnectionManager(clientPool, nil, logger)
	connMgr.Start()
	defer connMgr.Stop()

	router := httpapi.NewManagerRouter(mgr, bus, nil, signer, logger)

	srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Handler(),
	}

	go func() {
		logger.Info("manager listening", "addr", cfg.ListenAddr, "artifact_root", cfg.ArtifactRoot)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("manager http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("manager shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("manager shutdown error", "error", err.Error())
	}
	cancel()
}

// asyncResetArtifactRoot gives the manager a fresh, empty artifact root on
// every startup (build ids always start back at 1, so stale artifact
// directories from a prior process would otherwise collide). Deleting a
// large results tree synchronously can take a long time, so it is first
// renamed into a throwaway temp directory and removed in the background.
func asyncResetArtifactRoot(root string, log logging.Logger) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			log.Error("failed to create artifact root", "path", root, "error", err.Error())
		}
		return
	}

	tempParent, err := os.MkdirTemp("", "clusterrunner_async_delete_")
	if err != nil {
		log.Error("failed to stage artifact root for async delete", "error", err.Error())
		return
	}
	staged := filepath.Join(tempParent, filepath.Base(root))
	if err := os.Rename(root, staged); err != nil {
		log.Error("failed to rename artifact root aside", "path", root, "error", err.Error())
		os.RemoveAll(tempParent)
	} else if err := exec.Command("rm", "-rf", tempParent).Start(); err != nil {
		log.Error("failed to launch background artifact cleanup", "error", err.Error())
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		log.Error("failed to recreate artifact root", "path", root, "error", err.Error())
	}
}
