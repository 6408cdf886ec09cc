// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"sync"

	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// Registry holds two indexed views (by id, by url) of the same set of
// connected Workers. Mutations are atomic with respect to lookups (spec
// §3). Registry is an explicit collaborator the manager facade owns and
// passes down, rather than a process-wide singleton, so tests can run two
// independent managers in one process.
type Registry struct {
	mu     sync.Mutex
	byURL  map[string]*Worker
	byID   map[int32]*Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		byURL: make(map[string]*Worker),
		byID:  make(map[int32]*Worker),
	}
}

// Add registers w in both indices, wiring its shutdown self-destruct
// callback to remove it again.
func (r *Registry) Add(w *Worker) {
	w.OnShutdownSelfDestruct(func(dead *Worker) {
		r.Remove(dead)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byURL[w.URL()] = w
	r.byID[w.WorkerID()] = w
}

// Remove deregisters w from both indices. A no-op if w is not present.
func (r *Registry) Remove(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byURL, w.URL())
	delete(r.byID, w.WorkerID())
}

// GetByID returns the worker with the given id, or a not-found error.
func (r *Registry) GetByID(id int32) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byID[id]
	if !ok {
		return nil, crerrors.NewNotFoundError("worker", id)
	}
	return w, nil
}

// GetByURL returns the worker at the given url, or a not-found error.
func (r *Registry) GetByURL(url string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byURL[url]
	if !ok {
		return nil, crerrors.NewNotFoundError("worker", url)
	}
	return w, nil
}

// All returns all registered workers, indexed by id.
func (r *Registry) All() map[int32]*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int32]*Worker, len(r.byID))
	for k, v := range r.byID {
		out[k] = v
	}
	return out
}
