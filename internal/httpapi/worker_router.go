// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/clusterrunner/clusterrunner/internal/executor"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/protocol"
	"github.com/clusterrunner/clusterrunner/pkg/auth"
	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

// WorkerProjectTypeFactory constructs a ProjectType from a setup request's
// project_type_params bag, as received from the manager rather than
// parsed from a submitted build (mirrors ProjectTypeFactory but keys off
// the raw param map, since the worker-side setup body has no job_name or
// atoms_override fields of its own).
type WorkerProjectTypeFactory func(params map[string]string) (projecttype.ProjectType, error)

// DefaultWorkerProjectTypeFactories mirrors DefaultProjectTypeFactories
// for the worker-side setup path.
func DefaultWorkerProjectTypeFactories() map[string]WorkerProjectTypeFactory {
	return map[string]WorkerProjectTypeFactory{
		"directory": func(params map[string]string) (projecttype.ProjectType, error) {
			dir := params["project_directory"]
			if dir == "" {
				return nil, crerrors.New(crerrors.ErrorCodeValidationFailed, `"directory" project type requires a "project_directory" param`)
			}
			pt := projecttype.NewShellProjectType(dir, nil)
			pt.JobName = params["job_name"]
			return pt, nil
		},
	}
}

// WorkerRouter implements the worker-side HTTP endpoints of spec §6: the
// manager's Worker proxy calls into these to set up a build, dispatch
// subjobs, tear down, and probe liveness.
type WorkerRouter struct {
	pool      *executor.Pool
	sessionID string
	factories map[string]WorkerProjectTypeFactory
	signer    *auth.Signer
	log       logging.Logger
	router    *mux.Router

	mu                sync.Mutex
	baseExecutorIndex int32
}

// NewWorkerRouter builds the worker-side router. sessionID is this worker
// process's identity, compared against the X-ClusterRunner-Session-Id
// header on every alive probe that carries one (spec §4.4): a mismatch
// reports is_alive false, so a manager can detect that the worker process
// at this URL has restarted since it connected. factories may
// be nil to use DefaultWorkerProjectTypeFactories. signer, if non-nil,
// verifies the X-ClusterRunner-Signature header on every mutating route.
func NewWorkerRouter(pool *executor.Pool, sessionID string, factories map[string]WorkerProjectTypeFactory, signer *auth.Signer, log logging.Logger) *WorkerRouter {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if factories == nil {
		factories = DefaultWorkerProjectTypeFactories()
	}

	wr := &WorkerRouter{pool: pool, sessionID: sessionID, factories: factories, signer: signer, log: log}
	wr.router = mux.NewRouter().StrictSlash(false)

	wr.router.HandleFunc("/v1", wr.handleAlive).Methods(http.MethodGet)
	wr.router.Handle("/v1/build/{build_id}/setup", wr.verified(wr.handleSetup)).Methods(http.MethodPost)
	wr.router.Handle("/v1/build/{build_id}/subjob/{subjob_id}", wr.verified(wr.handleSubjob)).Methods(http.MethodPost)
	wr.router.Handle("/v1/build/{build_id}/teardown", wr.verified(wr.handleTeardown)).Methods(http.MethodPost)
	wr.router.Handle("/v1/kill", wr.verified(wr.handleKill)).Methods(http.MethodPost)

	return wr
}

// Handler returns the composed http.Handler.
func (wr *WorkerRouter) Handler() http.Handler { return wr.router }

func (wr *WorkerRouter) verified(h http.HandlerFunc) http.Handler {
	if wr.signer == nil {
		return h
	}
	return wr.signer.VerifyingMiddleware(h)
}

func (wr *WorkerRouter) handleAlive(w http.ResponseWriter, r *http.Request) {
	isAlive := true
	if got := r.Header.Get("X-ClusterRunner-Session-Id"); got != "" && got != wr.sessionID {
		isAlive = false
	}
	writeJSON(w, http.StatusOK, protocol.AliveResponse{Worker: protocol.AliveWorkerStatus{IsAlive: isAlive}})
}

func (wr *WorkerRouter) handleSetup(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathInt32(w, r, "build_id")
	if !ok {
		return
	}

	var req protocol.SetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	kind := req.ProjectTypeParams["type"]
	factory, ok := wr.factories[kind]
	if !ok {
		writeError(w, http.StatusBadRequest, "unrecognized project type: "+kind)
		return
	}
	pt, err := factory(req.ProjectTypeParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := pt.FetchProject(r.Context()); err != nil {
		writeCRError(w, err)
		return
	}
	jc, err := pt.JobConfig()
	if err != nil {
		writeCRError(w, err)
		return
	}

	if err := wr.pool.SetupBuild(context.Background(), buildID, jc, pt); err != nil {
		writeCRError(w, err)
		return
	}

	wr.mu.Lock()
	wr.baseExecutorIndex = req.BuildExecutorStartIndex
	wr.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (wr *WorkerRouter) handleSubjob(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathInt32(w, r, "build_id")
	if !ok {
		return
	}
	subjobID, ok := pathInt32(w, r, "subjob_id")
	if !ok {
		return
	}

	var req protocol.SubjobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	wr.mu.Lock()
	baseExecutorIndex := wr.baseExecutorIndex
	wr.mu.Unlock()

	executorID, err := wr.pool.StartSubjob(r.Context(), buildID, subjobID, req.AtomicCommands, baseExecutorIndex)
	if err != nil {
		writeCRError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.SubjobResponse{ExecutorID: executorID})
}

func (wr *WorkerRouter) handleTeardown(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathInt32(w, r, "build_id")
	if !ok {
		return
	}
	if err := wr.pool.TeardownBuild(context.Background(), buildID); err != nil {
		writeCRError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (wr *WorkerRouter) handleKill(w http.ResponseWriter, r *http.Request) {
	wr.pool.Kill()
	w.WriteHeader(http.StatusOK)
}
