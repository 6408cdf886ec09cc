// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package httpapi wires internal/protocol's DTOs onto gorilla/mux routers
// for the two halves of spec §6's wire protocol: the manager-side
// endpoints a worker calls into, and the worker-side endpoints the
// manager calls into. Pagination shaping and other "HTTP/JSON surface
// dressing" named in spec §1's Non-goals are deliberately not here; these
// routers decode a DTO, call straight into internal/manager or
// internal/executor, and encode the result.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/clusterrunner/clusterrunner/internal/build"
	"github.com/clusterrunner/clusterrunner/internal/eventbus"
	"github.com/clusterrunner/clusterrunner/internal/manager"
	"github.com/clusterrunner/clusterrunner/internal/projecttype"
	"github.com/clusterrunner/clusterrunner/internal/protocol"
	"github.com/clusterrunner/clusterrunner/pkg/auth"
	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/clusterrunner/clusterrunner/pkg/logging"
	"github.com/clusterrunner/clusterrunner/pkg/streaming"
)

// ProjectTypeFactory constructs a ProjectType from a submitted build
// request's free-form params. Registered per request "type" (spec §4.8's
// "registered ProjectType kinds"); the default registry built by
// NewManagerRouter only knows the "directory" kind (backed by
// projecttype.ShellProjectType), matching the Non-goal that keeps git/
// docker fetchers out of this module's scope.
type ProjectTypeFactory func(req protocol.NewBuildRequest) (projecttype.ProjectType, error)

// DefaultProjectTypeFactories returns the built-in registry of
// ProjectType kinds.
func DefaultProjectTypeFactories() map[string]ProjectTypeFactory {
	return map[string]ProjectTypeFactory{
		"directory": func(req protocol.NewBuildRequest) (projecttype.ProjectType, error) {
			dir := req.Params["project_directory"]
			if dir == "" {
				return nil, crerrors.New(crerrors.ErrorCodeValidationFailed, `"directory" project type requires a "project_directory" param`)
			}
			pt := projecttype.NewShellProjectType(dir, nil)
			pt.JobName = req.JobName
			pt.AtomsList = req.AtomsOverride
			return pt, nil
		},
	}
}

// ManagerRouter implements the manager-side HTTP endpoints of spec §6:
// worker connect/state-update/heartbeat, subjob result ingestion, and
// (as a minimal default ProjectType registry permits) build submission,
// plus the build-event streaming endpoints of §4.12.
type ManagerRouter struct {
	mgr              *manager.Manager
	log              logging.Logger
	projectFactories map[string]ProjectTypeFactory
	signer           *auth.Signer
	router           *mux.Router
}

// NewManagerRouter builds the manager-side router. factories may be nil
// to use DefaultProjectTypeFactories. signer, if non-nil, is used to
// verify the X-ClusterRunner-Signature header (spec §4.11) on the
// worker-facing routes (worker connect/state/heartbeat, subjob result);
// the build-submission routes are left unsigned since they are the
// user-facing entry point, not part of the manager<->worker wire.
func NewManagerRouter(mgr *manager.Manager, bus *eventbus.Bus, factories map[string]ProjectTypeFactory, signer *auth.Signer, log logging.Logger) *ManagerRouter {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	if factories == nil {
		factories = DefaultProjectTypeFactories()
	}

	mr := &ManagerRouter{mgr: mgr, log: log, projectFactories: factories, signer: signer}
	mr.router = mux.NewRouter().StrictSlash(false)

	mr.router.HandleFunc("/v1/build", mr.handleNewBuild).Methods(http.MethodPost)
	mr.router.HandleFunc("/v1/build/{build_id}", mr.handleUpdateBuild).Methods(http.MethodPost, http.MethodPut)
	mr.router.HandleFunc("/v1/build/{build_id}", mr.handleGetBuild).Methods(http.MethodGet)
	mr.router.HandleFunc("/v1/build/{build_id}/result/{archive}", mr.handleGetArtifact).Methods(http.MethodGet)
	mr.router.Handle("/v1/build/{build_id}/subjob/{subjob_id}/result", mr.verified(mr.handleSubjobResult)).Methods(http.MethodPost)

	mr.router.Handle("/v1/worker", mr.verified(mr.handleWorkerConnect)).Methods(http.MethodPost)
	mr.router.Handle("/v1/worker/{worker_id}", mr.verified(mr.handleWorkerStateUpdate)).Methods(http.MethodPut)
	mr.router.Handle("/v1/worker/{worker_id}/heartbeat", mr.verified(mr.handleWorkerHeartbeat)).Methods(http.MethodPost)

	if bus != nil {
		sse := streaming.NewSSEServer(bus)
		ws := streaming.NewWebSocketServer(bus)
		mr.router.HandleFunc("/v1/stream/events", sse.HandleSSE).Methods(http.MethodGet)
		mr.router.HandleFunc("/v1/stream/ws", ws.HandleWebSocket).Methods(http.MethodGet)
	}

	return mr
}

// verified wraps h with signature verification when this router was
// constructed with a signer; otherwise h runs unwrapped (e.g. in tests
// that exercise handlers without standing up the shared secret).
func (mr *ManagerRouter) verified(h http.HandlerFunc) http.Handler {
	if mr.signer == nil {
		return h
	}
	return mr.signer.VerifyingMiddleware(h)
}

// Handler returns the composed http.Handler.
func (mr *ManagerRouter) Handler() http.Handler { return mr.router }

func (mr *ManagerRouter) handleNewBuild(w http.ResponseWriter, r *http.Request) {
	var req protocol.NewBuildRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	factory, ok := mr.projectFactories[req.Type]
	if !ok {
		writeError(w, http.StatusBadRequest, "unrecognized project type: "+req.Type)
		return
	}
	pt, err := factory(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buildReq := build.Request{
		Type:          req.Type,
		Params:        req.Params,
		JobName:       req.JobName,
		AtomsOverride: req.AtomsOverride,
	}
	b := mr.mgr.HandleRequestForNewBuild(buildReq, pt)
	writeJSON(w, http.StatusOK, protocol.NewBuildResponse{BuildID: b.BuildID()})
}

func (mr *ManagerRouter) handleUpdateBuild(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathInt32(w, r, "build_id")
	if !ok {
		return
	}

	var req protocol.BuildUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := mr.mgr.HandleRequestToUpdateBuild(buildID, map[string]string{"state": req.Status}); err != nil {
		writeCRError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (mr *ManagerRouter) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathInt32(w, r, "build_id")
	if !ok {
		return
	}
	b, err := mr.mgr.GetBuild(buildID)
	if err != nil {
		writeCRError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build_id": b.BuildID(),
		"state":    string(b.State()),
		"message":  b.Message(),
	})
}

func (mr *ManagerRouter) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathInt32(w, r, "build_id")
	if !ok {
		return
	}
	isTar := mux.Vars(r)["archive"] == "tar"

	path, err := mr.mgr.GetPathForBuildResultsArchive(buildID, isTar)
	if err != nil {
		writeCRError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}

func (mr *ManagerRouter) handleSubjobResult(w http.ResponseWriter, r *http.Request) {
	buildID, ok := pathInt32(w, r, "build_id")
	if !ok {
		return
	}
	subjobID, ok := pathInt32(w, r, "subjob_id")
	if !ok {
		return
	}

	var req protocol.SubjobResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	workerURL := r.Header.Get(workerURLHeader)
	if workerURL == "" {
		writeError(w, http.StatusBadRequest, "missing "+workerURLHeader+" header")
		return
	}

	payload := req.ToResultPayload()
	if err := mr.mgr.HandleResultReportedFromWorker(workerURL, buildID, subjobID, payload); err != nil {
		writeCRError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (mr *ManagerRouter) handleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	var req protocol.WorkerConnectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workerID := mr.mgr.ConnectWorker(req.Worker, req.NumExecutors, req.SessionID)
	writeJSON(w, http.StatusOK, protocol.WorkerConnectResponse{WorkerID: workerID})
}

func (mr *ManagerRouter) handleWorkerStateUpdate(w http.ResponseWriter, r *http.Request) {
	workerID, ok := pathInt32(w, r, "worker_id")
	if !ok {
		return
	}
	var req protocol.WorkerStateUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := mr.mgr.HandleWorkerStateUpdate(workerID, manager.WorkerState(req.Worker.State)); err != nil {
		writeCRError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (mr *ManagerRouter) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID, ok := pathInt32(w, r, "worker_id")
	if !ok {
		return
	}
	if err := mr.mgr.UpdateWorkerLastHeartbeatTime(workerID); err != nil {
		writeCRError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// workerURLHeader carries the reporting worker's url on the subjob-result
// endpoint, since spec §6's result upload body (here JSON, not a
// multipart archive — see DESIGN.md) does not itself name the worker.
const workerURLHeader = "X-ClusterRunner-Worker-Url"

func pathInt32(w http.ResponseWriter, r *http.Request, name string) (int32, bool) {
	raw := mux.Vars(r)[name]
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name+": "+raw)
		return 0, false
	}
	return int32(v), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: message})
}

func writeCRError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch crerrors.GetErrorCode(err) {
	case crerrors.ErrorCodeBuildNotFound, crerrors.ErrorCodeWorkerNotFound:
		status = http.StatusNotFound
	case crerrors.ErrorCodeValidationFailed, crerrors.ErrorCodeInvalidRequest:
		status = http.StatusBadRequest
	case crerrors.ErrorCodeBuildNotReady:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}
