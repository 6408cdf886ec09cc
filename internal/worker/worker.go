// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the manager's Worker proxy (RPC to one
// connected worker machine) and the process-wide WorkerRegistry (spec §3,
// §4.4).
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	rpcctx "github.com/clusterrunner/clusterrunner/pkg/context"
	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// rpcTimeouts bounds every outbound call this proxy makes to its worker;
// callers still supply the parent ctx so request-scoped cancellation (e.g.
// build cancellation) cuts a call short before its timeout.
var rpcTimeouts = rpcctx.DefaultTimeoutConfig()

// SessionHeader is sent on every alive-probe so the worker can detect
// whether the manager's record of its session is stale (spec §4.4).
const SessionHeader = "X-ClusterRunner-Session-Id"

// SetupParams identifies the build and executor start index a worker is
// being asked to set up for.
type SetupParams struct {
	ProjectTypeParams      map[string]string
	BuildExecutorStartIndex int32
}

// SubjobStarter is the minimal build-side handle a Worker needs to start
// a subjob without importing internal/subjob (kept generic so the worker
// package has no dependency on the build domain types beyond wire shape).
type SubjobStarter interface {
	BuildID() int32
	SubjobID() int32
	AtomicCommands() []string
}

// Worker mediates all communication to one connected worker machine
// (spec §4.4).
type Worker struct {
	id     int32
	url    string
	client *http.Client

	numExecutors int32

	sessionID        string
	mu               sync.Mutex
	currentBuildID   *int32
	numExecutorsInUse int32
	isAlive          bool
	isInShutdown     bool
	lastHeartbeat    time.Time

	onShutdownSelfDestruct func(w *Worker)
}

// New constructs a Worker proxy. id should come from a process-wide
// idgen.Counter.
func New(id int32, url string, numExecutors int32, sessionID string, client *http.Client) *Worker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{
		id:            id,
		url:           url,
		client:        client,
		numExecutors:  numExecutors,
		sessionID:     sessionID,
		isAlive:       true,
		lastHeartbeat: time.Now(),
	}
}

func (w *Worker) WorkerID() int32 { return w.id }
func (w *Worker) URL() string     { return w.url }
func (w *Worker) NumExecutors() int32 { return w.numExecutors }
func (w *Worker) SessionID() string   { return w.sessionID }

func (w *Worker) String() string {
	return fmt.Sprintf("<worker #%d - %s>", w.id, w.url)
}

func (w *Worker) CurrentBuildID() (int32, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentBuildID == nil {
		return 0, false
	}
	return *w.currentBuildID, true
}

func (w *Worker) NumExecutorsInUse() int32 {
	return atomic.LoadInt32(&w.numExecutorsInUse)
}

func (w *Worker) IsAliveCached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isAlive
}

func (w *Worker) IsShutdown() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isInShutdown
}

func (w *Worker) LastHeartbeatTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

func (w *Worker) UpdateLastHeartbeatTime() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = time.Now()
}

// ClaimExecutor atomically increments the in-use count. Raises if it
// would exceed capacity.
func (w *Worker) ClaimExecutor() (int32, error) {
	newCount := atomic.AddInt32(&w.numExecutorsInUse, 1)
	if newCount > w.numExecutors {
		atomic.AddInt32(&w.numExecutorsInUse, -1)
		return 0, crerrors.New(crerrors.ErrorCodeServerInternal, fmt.Sprintf("cannot claim executor on worker %s: no executors left", w.url))
	}
	return newCount, nil
}

// FreeExecutor atomically decrements the in-use count. Raises if it is
// already zero.
func (w *Worker) FreeExecutor() (int32, error) {
	newCount := atomic.AddInt32(&w.numExecutorsInUse, -1)
	if newCount < 0 {
		atomic.AddInt32(&w.numExecutorsInUse, 1)
		return 0, crerrors.New(crerrors.ErrorCodeServerInternal, fmt.Sprintf("cannot free executor on worker %s: all are free", w.url))
	}
	return newCount, nil
}

// MarkAsIdle clears current_build_id. Valid only if num_executors_in_use
// == 0. If in shutdown mode, kills the worker and signals the caller to
// deregister it.
func (w *Worker) MarkAsIdle() error {
	if w.NumExecutorsInUse() != 0 {
		return crerrors.New(crerrors.ErrorCodeServerInternal, "cannot mark worker idle while executors are still in use")
	}

	w.mu.Lock()
	w.currentBuildID = nil
	shutdown := w.isInShutdown
	w.mu.Unlock()

	if shutdown {
		w.Kill(context.Background())
		if w.onShutdownSelfDestruct != nil {
			w.onShutdownSelfDestruct(w)
		}
		return crerrors.New(crerrors.ErrorCodeWorkerDead, "worker marked for shutdown")
	}
	return nil
}

// Setup POSTs the project-type setup params to the worker, setting
// current_build_id before the call so that an immediate setup-complete
// callback already knows which build owns this worker.
func (w *Worker) Setup(ctx context.Context, buildID int32, params SetupParams) bool {
	w.mu.Lock()
	bid := buildID
	w.currentBuildID = &bid
	w.mu.Unlock()

	body := map[string]any{
		"project_type_params":        params.ProjectTypeParams,
		"build_executor_start_index": params.BuildExecutorStartIndex,
	}
	url := fmt.Sprintf("%s/v1/build/%d/setup", w.url, buildID)
	callCtx, cancel := rpcctx.WithTimeout(ctx, rpcctx.OpWrite, rpcTimeouts)
	defer cancel()
	if _, err := w.post(callCtx, url, body); err != nil {
		w.MarkDead()
		return false
	}
	return true
}

// StartSubjob POSTs the subjob's atomic commands. Refuses if the worker
// is dead or in shutdown.
func (w *Worker) StartSubjob(ctx context.Context, sj SubjobStarter) error {
	if !w.IsAliveCached() {
		return crerrors.New(crerrors.ErrorCodeWorkerDead, "tried to start a subjob on a dead worker")
	}
	if w.IsShutdown() {
		return crerrors.New(crerrors.ErrorCodeWorkerDead, "tried to start a subjob on a worker in shutdown mode")
	}

	url := fmt.Sprintf("%s/v1/build/%d/subjob/%d", w.url, sj.BuildID(), sj.SubjobID())
	body := map[string]any{"atomic_commands": sj.AtomicCommands()}
	callCtx, cancel := rpcctx.WithTimeout(ctx, rpcctx.OpWrite, rpcTimeouts)
	defer cancel()
	if _, err := w.post(callCtx, url, body); err != nil {
		return crerrors.NewWorkerCommunicationError(crerrors.ErrorCodeWorkerUnreachable, w.url, err)
	}
	return nil
}

// Teardown is a best-effort POST; no-op if the worker is already dead.
func (w *Worker) Teardown(ctx context.Context) {
	if !w.IsAliveCached() {
		return
	}
	buildID, ok := w.CurrentBuildID()
	if !ok {
		return
	}
	url := fmt.Sprintf("%s/v1/build/%d/teardown", w.url, buildID)
	callCtx, cancel := rpcctx.WithTimeout(ctx, rpcctx.OpWrite, rpcTimeouts)
	defer cancel()
	if _, err := w.post(callCtx, url, nil); err != nil {
		w.MarkDead()
	}
}

// Kill is a best-effort POST to the kill endpoint; the worker is marked
// dead regardless of outcome.
func (w *Worker) Kill(ctx context.Context) {
	url := fmt.Sprintf("%s/v1/kill", w.url)
	callCtx, cancel := rpcctx.WithTimeout(ctx, rpcctx.OpWrite, rpcTimeouts)
	defer cancel()
	_, _ = w.post(callCtx, url, nil)
	w.MarkDead()
}

// SetShutdownMode latches shutdown mode. If the worker is currently idle
// (no current build), it is killed and deregistered immediately.
func (w *Worker) SetShutdownMode() {
	w.mu.Lock()
	w.isInShutdown = true
	idle := w.currentBuildID == nil
	w.mu.Unlock()

	if idle {
		w.Kill(context.Background())
		if w.onShutdownSelfDestruct != nil {
			w.onShutdownSelfDestruct(w)
		}
	}
}

// OnShutdownSelfDestruct registers the callback invoked when this worker
// kills and deregisters itself as a side effect of shutdown handling
// (used by the registry to remove the worker from its indices).
func (w *Worker) OnShutdownSelfDestruct(fn func(w *Worker)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onShutdownSelfDestruct = fn
}

// IsAlive probes the worker's root endpoint with the expected session-id
// header when useCached is false; otherwise returns the stored flag.
func (w *Worker) IsAlive(ctx context.Context, useCached bool) bool {
	if useCached {
		return w.IsAliveCached()
	}

	callCtx, cancel := rpcctx.WithTimeout(ctx, rpcctx.OpRead, rpcTimeouts)
	defer cancel()

	url := w.url + "/v1"
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, url, nil)
	if err != nil {
		w.MarkDead()
		return false
	}
	if w.sessionID != "" {
		req.Header.Set(SessionHeader, w.sessionID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.MarkDead()
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.MarkDead()
		return false
	}

	var parsed struct {
		Worker struct {
			IsAlive bool `json:"is_alive"`
		} `json:"worker"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		w.MarkDead()
		return false
	}

	w.mu.Lock()
	w.isAlive = parsed.Worker.IsAlive
	alive := w.isAlive
	w.mu.Unlock()
	if !alive {
		w.MarkDead()
	}
	return alive
}

// MarkDead marks the worker dead and clears its current build.
func (w *Worker) MarkDead() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.isAlive = false
	w.currentBuildID = nil
}

func (w *Worker) post(ctx context.Context, url string, body any) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, crerrors.New(crerrors.ErrorCodeWorkerUnreachable, fmt.Sprintf("worker returned status %d", resp.StatusCode))
	}
	return resp, nil
}
