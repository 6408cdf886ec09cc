// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package build

import (
	"sync"

	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
)

// Store retains builds in-memory, oldest-first, for the life of the
// process (spec §3's "Lifecycle" paragraph). Store is an explicit
// collaborator rather than a singleton: tests (and the manager facade)
// construct their own instance.
type Store struct {
	mu     sync.RWMutex
	byID   map[int32]*Build
	order  []*Build
}

// NewStore creates an empty build store.
func NewStore() *Store {
	return &Store{byID: make(map[int32]*Build)}
}

// Add records a new build.
func (s *Store) Add(b *Build) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[b.BuildID()] = b
	s.order = append(s.order, b)
}

// Get returns the build with the given id, or a not-found error.
func (s *Store) Get(buildID int32) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[buildID]
	if !ok {
		return nil, crerrors.NewNotFoundError("build", buildID)
	}
	return b, nil
}

// Range returns builds in creation order from start (inclusive) to end
// (exclusive); end may exceed the number of stored builds.
func (s *Store) Range(start, end int) []*Build {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if start < 0 {
		start = 0
	}
	if start >= len(s.order) {
		return nil
	}
	if end > len(s.order) {
		end = len(s.order)
	}
	out := make([]*Build, end-start)
	copy(out, s.order[start:end])
	return out
}

// Size returns the number of builds held in the store.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
