// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Command clusterrunner-worker runs a ClusterRunner worker: it connects
// to a manager, accepts build setup and subjob dispatch, executes
// subjobs, and reports results back.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/executor"
	"github.com/clusterrunner/clusterrunner/internal/httpapi"
	"github.com/clusterrunner/clusterrunner/internal/protocol"
	"github.com/clusterrunner/clusterrunner/pkg/auth"
	"github.com/clusterrunner/clusterrunner/pkg/config"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/metrics"
	"github.com/clusterrunner/clusterrunner/pkg/middleware"
	"github.com/clusterrunner/clusterrunner/pkg/retry"
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
		Service: "clusterrunner-worker",
	})

	managerURL := os.Getenv("CLUSTERRUNNER_MANAGER_URL")
	if managerURL == "" {
		log.Fatal("CLUSTERRUNNER_MANAGER_URL is required")
	}
	advertiseURL := os.Getenv("CLUSTERRUNNER_WORKER_URL")
	if advertiseURL == "" {
		log.Fatal("CLUSTERRUNNER_WORKER_URL is required (the address the manager can reach this worker at)")
	}

	numExecutors := int32(runtime.NumCPU())
	if raw := os.Getenv("CLUSTERRUNNER_NUM_EXECUTORS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			numExecutors = int32(n)
		}
	}

	if cfg.HMACSecret == "" {
		logger.Warn("CLUSTERRUNNER_HMAC_SECRET not set; outbound requests to the manager will not be signed")
	}

	collector := metrics.NewInMemoryCollector()
	backoff := retry.NewHTTPExponentialBackoff().WithMaxRetries(cfg.MaxRetries)
	var transport http.RoundTripper = middleware.Chain(
		middleware.WithTimeout(cfg.RequestTimeout),
		middleware.WithLogging(logger),
		middleware.WithMetrics(collector),
		middleware.WithRetryPolicy(backoff),
		middleware.WithUserAgent(cfg.UserAgent),
	)(http.DefaultTransport)

	var signer *auth.Signer
	if cfg.HMACSecret != "" {
		signer = auth.NewSigner(cfg.HMACSecret)
		transport = &auth.SigningRoundTripper{Next: transport, Signer: signer}
	}
	managerClient := &http.Client{Timeout: cfg.RequestTimeout, Transport: transport}

	sessionID := uuid.NewString()

	reporter := &resultReporter{
		client:       managerClient,
		managerURL:   managerURL,
		advertiseURL: advertiseURL,
		log:          logger,
	}
	pool := executor.NewPool(numExecutors, reporter.report, logger)

	router := httpapi.NewWorkerRouter(pool, sessionID, nil, signer, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Handler(),
	}

	go func() {
		logger.Info("worker listening", "addr", cfg.ListenAddr, "advertise_url", advertiseURL, "num_executors", numExecutors)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("worker http server: %v", err)
		}
	}()

	workerID, err := connectToManager(managerClient, managerURL, advertiseURL, numExecutors, sessionID)
	if err != nil {
		log.Fatalf("failed to connect to manager: %v", err)
	}
	logger.Info("connected to manager", "worker_id", workerID, "session_id", sessionID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go heartbeatLoop(heartbeatCtx, managerClient, managerURL, workerID, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("worker shutting down")
	stopHeartbeat()

	sendWorkerState(managerClient, managerURL, workerID, "SHUTDOWN", logger)

	shutdownDone := make(chan struct{})
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		pool.Kill()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		logger.Error("graceful shutdown did not complete within 10s, forcing exit")
	}
}

// connectToManager registers this worker with the manager, returning its
// assigned worker id.
func connectToManager(client *http.Client, managerURL, advertiseURL string, numExecutors int32, sessionID string) (int32, error) {
	body, err := json.Marshal(protocol.WorkerConnectRequest{
		Worker:       advertiseURL,
		NumExecutors: numExecutors,
		SessionID:    sessionID,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequest(http.MethodPost, managerURL+"/v1/worker", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("manager returned %d connecting worker", resp.StatusCode)
	}

	var connected protocol.WorkerConnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&connected); err != nil {
		return 0, err
	}
	return connected.WorkerID, nil
}

// heartbeatLoop POSTs a heartbeat to the manager on a fixed interval
// until ctx is canceled (spec §4.8's unresponsive-worker sweeper relies
// on this).
func heartbeatLoop(ctx context.Context, client *http.Client, managerURL string, workerID int32, log logging.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			url := fmt.Sprintf("%s/v1/worker/%d/heartbeat", managerURL, workerID)
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				log.Warn("heartbeat failed", "error", err.Error())
				continue
			}
			resp.Body.Close()
		}
	}
}

// sendWorkerState is a best-effort PUT of this worker's state, used on
// graceful shutdown to tell the manager not to dispatch any more work.
func sendWorkerState(client *http.Client, managerURL string, workerID int32, state string, log logging.Logger) {
	body, _ := json.Marshal(protocol.WorkerStateUpdateRequest{Worker: protocol.WorkerStateBody{State: state}})
	url := fmt.Sprintf("%s/v1/worker/%d", managerURL, workerID)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		log.Warn("failed to report shutdown state to manager", "error", err.Error())
		return
	}
	resp.Body.Close()
}

// resultReporter POSTs a completed subjob's results back to the manager,
// implementing executor.ReportFunc.
type resultReporter struct {
	client       *http.Client
	managerURL   string
	advertiseURL string
	log          logging.Logger
}

func (r *resultReporter) report(buildID, subjobID int32, payload build.ResultPayload) {
	wire := protocol.FromResultPayload(payload)
	body, err := json.Marshal(wire)
	if err != nil {
		r.log.Error("failed to marshal subjob result", "build_id", buildID, "subjob_id", subjobID, "error", err.Error())
		return
	}

	url := fmt.Sprintf("%s/v1/build/%d/subjob/%d/result", r.managerURL, buildID, subjobID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		r.log.Error("failed to build subjob result request", "error", err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ClusterRunner-Worker-Url", r.advertiseURL)

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Error("failed to report subjob result", "build_id", buildID, "subjob_id", subjobID, "error", err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.log.Error("manager rejected subjob result", "build_id", buildID, "subjob_id", subjobID, "status", resp.StatusCode)
	}
}
