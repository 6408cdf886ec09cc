// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package manager implements the Manager facade (spec §4.8): the object
// the HTTP layer sits on top of, wiring together the build store, worker
// registry, scheduler pool, request handler, and worker allocator.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/clusterrunner/clusterrunner/internal/allocator"
	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/eventbus"
	"github.com/clusterrunner/clusterrunner/internal/idgen"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/requesthandler"
	"github.com/clusterrunner/clusterrunner/internal/scheduler"
	"github.com/clusterrunner/clusterrunner/internal/worker"
	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/pool"
	"github.com/clusterrunner/clusterrunner/pkg/supervisor"
	"github.com/clusterrunner/clusterrunner/pkg/watch"
	"github.com/clusterrunner/clusterrunner/pkg/workerpool"
)

// WorkerState is a state a connected worker reports to the manager.
type WorkerState string

const (
	WorkerDisconnected   WorkerState = "DISCONNECTED"
	WorkerShutdown       WorkerState = "SHUTDOWN"
	WorkerIdle           WorkerState = "IDLE"
	WorkerSetupCompleted WorkerState = "SETUP_COMPLETED"
	WorkerSetupFailed    WorkerState = "SETUP_FAILED"
)

// Manager is the top-level ClusterRunner manager service.
type Manager struct {
	log logging.Logger

	store          *build.Store
	registry       *worker.Registry
	schedulerPool  *scheduler.Pool
	requestHandler *requesthandler.Handler
	workerAllocator *allocator.Allocator
	dispatchPool   *workerpool.Pool

	buildIDs  *idgen.Counter
	workerIDs *idgen.Counter

	artifactRoot string

	unresponsiveThreshold time.Duration

	events *eventbus.Bus

	workerClient *http.Client
	clientPool   *pool.HTTPClientPool

	supervisor *supervisor.Supervisor
}

// Config bundles Manager construction parameters.
type Config struct {
	ArtifactRoot          string
	UnresponsiveThreshold time.Duration
	DispatchPoolSize      int

	// Events, if non-nil, receives lifecycle notifications for
	// pkg/streaming's SSE/WebSocket handlers. Nil disables streaming.
	Events *eventbus.Bus

	// WorkerClient is the http.Client used by every Worker proxy this
	// manager creates when ClientPool is nil (signing, retry, and metrics
	// middleware live on its Transport). Nil falls back to
	// http.DefaultClient.
	WorkerClient *http.Client

	// ClientPool, if non-nil, supplies a dedicated http.Client per worker
	// URL (connection pooling keyed by endpoint) and takes priority over
	// WorkerClient.
	ClientPool *pool.HTTPClientPool

	// Supervisor supervises the manager's long-lived background
	// goroutines (request-handler loop, worker-allocator loop, heartbeat
	// sweep drain) and the request handler's per-project preparation
	// goroutines: a panic in any of them is logged and triggers this
	// Supervisor's shutdown+exit instead of silently taking the process
	// down. Nil gets a default that logs and exits without any extra
	// teardown step.
	Supervisor *supervisor.Supervisor
}

// New constructs a Manager with fresh, empty state.
func New(cfg Config, log logging.Logger) *Manager {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if cfg.UnresponsiveThreshold <= 0 {
		cfg.UnresponsiveThreshold = 2 * time.Minute
	}
	if cfg.Supervisor == nil {
		cfg.Supervisor = supervisor.New(log, nil)
	}

	m := &Manager{
		log:                   log,
		store:                 build.NewStore(),
		registry:              worker.NewRegistry(),
		schedulerPool:         scheduler.NewPool(0, log),
		buildIDs:              &idgen.Counter{},
		workerIDs:             &idgen.Counter{},
		artifactRoot:          cfg.ArtifactRoot,
		unresponsiveThreshold: cfg.UnresponsiveThreshold,
		dispatchPool:          workerpool.New(cfg.DispatchPoolSize, 256, log),
		events:                cfg.Events,
		workerClient:          cfg.WorkerClient,
		clientPool:            cfg.ClientPool,
		supervisor:            cfg.Supervisor,
	}
	m.requestHandler = requesthandler.New(m.schedulerPool, m.handleSetupFailureOnWorker, log, cfg.Supervisor)
	m.workerAllocator = allocator.New(m.schedulerPool, log)
	return m
}

// Start launches the manager's background loops (request preparation,
// worker allocation, heartbeat sweeping) and returns immediately; the
// loops stop once ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.supervisor.Go("request_handler", func() { m.requestHandler.Run(ctx) })
	m.supervisor.Go("worker_allocator", func() { m.workerAllocator.Run(ctx) })

	sweeper := watch.NewHeartbeatSweeper(m.scanAliveWorkers, m.markWorkerDead, m.unresponsiveThreshold)
	events, _ := sweeper.Watch(ctx)
	m.supervisor.Go("heartbeat_sweep_drain", func() {
		for ev := range events {
			m.log.Error("worker marked offline for missed heartbeats", "worker_id", ev.WorkerID, "url", ev.URL)
		}
	})
}

func (m *Manager) scanAliveWorkers(ctx context.Context) ([]watch.StaleWorker, error) {
	var out []watch.StaleWorker
	for _, w := range m.registry.All() {
		if !w.IsAliveCached() {
			continue
		}
		out = append(out, watch.StaleWorker{
			WorkerID:      w.WorkerID(),
			URL:           w.URL(),
			LastHeartbeat: w.LastHeartbeatTime(),
		})
	}
	return out, nil
}

func (m *Manager) markWorkerDead(ctx context.Context, workerID int32) error {
	w, err := m.registry.GetByID(workerID)
	if err != nil {
		return err
	}
	m.disconnectWorker(w)
	return nil
}

// publish notifies the event bus, if one is configured. No-op otherwise.
func (m *Manager) publish(buildID int32, eventType eventbus.EventType, state, detail string) {
	if m.events == nil {
		return
	}
	m.events.Publish(eventbus.BuildEvent{
		BuildID:   buildID,
		Type:      eventType,
		State:     state,
		Timestamp: time.Now(),
		Detail:    detail,
	})
}

// HandleRequestForNewBuild creates and queues a new Build, given an
// already-constructed ProjectType for the request (the HTTP layer is
// responsible for turning raw request params into one per spec §6).
func (m *Manager) HandleRequestForNewBuild(req build.Request, pt projecttype.ProjectType) *build.Build {
	b := build.New(m.buildIDs.Increment(), req, pt, m.artifactRoot)
	m.store.Add(b)
	m.requestHandler.HandleBuildRequest(b)
	m.publish(b.BuildID(), eventbus.EventBuildQueued, string(build.Queued), "")
	return b
}

// HandleRequestToUpdateBuild processes a build update request (currently
// only "state": "canceled" is meaningful).
func (m *Manager) HandleRequestToUpdateBuild(buildID int32, updateParams map[string]string) error {
	b, err := m.store.Get(buildID)
	if err != nil {
		return err
	}
	if updateParams["state"] == "canceled" {
		b.Cancel()
		return nil
	}
	return crerrors.New(crerrors.ErrorCodeValidationFailed, fmt.Sprintf("unsupported build update: %v", updateParams))
}

// ConnectWorker registers a new worker, displacing and canceling whatever
// build a previous worker at the same url was running (spec §4.8: a
// worker reconnecting means the manager can no longer trust its old
// in-flight state).
func (m *Manager) ConnectWorker(url string, numExecutors int32, sessionID string) int32 {
	if old, err := m.registry.GetByURL(url); err == nil {
		m.log.Warn("worker reconnected, discarding previous instance", "url", url, "old_worker_id", old.WorkerID())
		if buildID, ok := old.CurrentBuildID(); ok {
			if b, err := m.store.Get(buildID); err == nil {
				b.Cancel()
			}
		}
		m.registry.Remove(old)
	}

	w := worker.New(m.workerIDs.Increment(), url, numExecutors, sessionID, m.workerHTTPClient(url))
	m.registry.Add(w)
	m.workerAllocator.AddIdleWorker(w)
	m.log.Info("worker connected", "url", url, "num_executors", numExecutors, "worker_id", w.WorkerID())
	return w.WorkerID()
}

// workerHTTPClient returns the http.Client this manager should use to reach
// the worker at url: a pooled, per-endpoint client when a ClientPool is
// configured, else the single shared WorkerClient, else http.DefaultClient.
func (m *Manager) workerHTTPClient(url string) *http.Client {
	if m.clientPool != nil {
		return m.clientPool.GetClient(url)
	}
	return m.workerClient
}

// HandleWorkerStateUpdate transitions worker per new Worker-reported state.
func (m *Manager) HandleWorkerStateUpdate(workerID int32, newState WorkerState) error {
	w, err := m.registry.GetByID(workerID)
	if err != nil {
		return err
	}

	switch newState {
	case WorkerDisconnected:
		m.disconnectWorker(w)
	case WorkerShutdown:
		w.SetShutdownMode()
		m.log.Info("worker put in shutdown mode", "worker_id", w.WorkerID())
	case WorkerIdle:
		m.workerAllocator.AddIdleWorker(w)
	case WorkerSetupCompleted:
		m.handleSetupSuccessOnWorker(w)
	case WorkerSetupFailed:
		m.handleSetupFailureFromWorkerReport(w)
	default:
		return crerrors.New(crerrors.ErrorCodeValidationFailed, fmt.Sprintf("invalid worker state %q", newState))
	}
	return nil
}

func (m *Manager) disconnectWorker(w *worker.Worker) {
	w.MarkDead()
	m.log.Info("worker disconnected", "worker_id", w.WorkerID(), "url", w.URL())
}

func (m *Manager) handleSetupSuccessOnWorker(w *worker.Worker) {
	buildID, ok := w.CurrentBuildID()
	if !ok {
		return
	}
	s, ok := m.schedulerPool.Get(buildID)
	if !ok {
		return
	}
	m.dispatchPool.Submit(func(ctx context.Context) {
		s.BeginSubjobExecutionsOnWorker(ctx, w)
	})
	m.publish(buildID, eventbus.EventWorkerAllocated, string(build.Building), w.URL())
}

func (m *Manager) handleSetupFailureFromWorkerReport(w *worker.Worker) {
	buildID, ok := w.CurrentBuildID()
	if !ok {
		return
	}
	b, err := m.store.Get(buildID)
	if err != nil {
		return
	}
	m.handleSetupFailureOnWorker(b, w)
}

// handleSetupFailureOnWorker bumps a build's setup-failure counter,
// canceling and failing the build once it crosses the threshold, and
// tears the worker's (non-existent) build assignment down regardless.
// It doubles as the scheduler.FailureHandler invoked synchronously when
// a worker's setup POST itself fails to go out.
func (m *Manager) handleSetupFailureOnWorker(b *build.Build, w *worker.Worker) {
	if b.IncrementSetupFailures() {
		b.Cancel()
		b.MarkFailed(fmt.Sprintf("setup failed on this build more than %d times", build.MaxSetupFailures))
	}
	w.Teardown(context.Background())
}

// UpdateWorkerLastHeartbeatTime records a just-received heartbeat.
func (m *Manager) UpdateWorkerLastHeartbeatTime(workerID int32) error {
	w, err := m.registry.GetByID(workerID)
	if err != nil {
		return err
	}
	w.UpdateLastHeartbeatTime()
	return nil
}

// SetShutdownModeOnWorkers puts every named worker into shutdown mode.
// All ids are validated to exist before any of them are mutated.
func (m *Manager) SetShutdownModeOnWorkers(workerIDs []int32) error {
	workers := make([]*worker.Worker, 0, len(workerIDs))
	for _, id := range workerIDs {
		w, err := m.registry.GetByID(id)
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}
	for _, w := range workers {
		w.SetShutdownMode()
	}
	return nil
}

// HandleResultReportedFromWorker records a completed subjob's results and
// dispatches the next subjob (or frees the worker's executor).
func (m *Manager) HandleResultReportedFromWorker(workerURL string, buildID, subjobID int32, payload build.ResultPayload) error {
	b, err := m.store.Get(buildID)
	if err != nil {
		return err
	}
	w, err := m.registry.GetByURL(workerURL)
	if err != nil {
		return err
	}

	completeErr := b.CompleteSubjob(subjobID, payload)
	m.publish(buildID, eventbus.EventSubjobCompleted, string(b.State()), fmt.Sprintf("subjob %d", subjobID))

	if b.State() == build.Finished || b.State() == build.Error || b.State() == build.Canceled {
		m.publish(buildID, eventbus.EventBuildFinished, string(b.State()), b.Message())
	}

	s, ok := m.schedulerPool.Get(buildID)
	if ok {
		m.dispatchPool.Submit(func(ctx context.Context) {
			s.ExecuteNextSubjobOrFreeExecutor(ctx, w)
		})
	}
	return completeErr
}

// GetBuild returns a build by id.
func (m *Manager) GetBuild(buildID int32) (*build.Build, error) {
	return m.store.Get(buildID)
}

// GetBuilds returns a page of builds in creation order.
func (m *Manager) GetBuilds(start, end int) []*build.Build {
	return m.store.Range(start, end)
}

// ActiveBuilds returns every build that has not yet finished.
func (m *Manager) ActiveBuilds() []*build.Build {
	all := m.store.Range(0, m.store.Size())
	active := make([]*build.Build, 0, len(all))
	for _, b := range all {
		if b.State() != build.Finished {
			active = append(active, b)
		}
	}
	return active
}

// GetPathForBuildResultsArchive returns the tar.gz or zip archive path
// for a finished build's artifacts.
func (m *Manager) GetPathForBuildResultsArchive(buildID int32, isTar bool) (string, error) {
	b, err := m.store.Get(buildID)
	if err != nil {
		return "", err
	}
	tarFile, zipFile := b.Artifacts()
	path := zipFile
	if isTar {
		path = tarFile
	}
	if path == "" {
		return "", crerrors.New(crerrors.ErrorCodeBuildNotReady, "build artifact file is not yet ready")
	}
	return path, nil
}
