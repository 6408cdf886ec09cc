// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterrunner/clusterrunner/pkg/logging"
)

func TestGoRecoversPanicAndShutsDown(t *testing.T) {
	var shutdownCalls, exitCalls int32
	var exitCode int32

	s := New(logging.NoOpLogger{}, func() {
		atomic.AddInt32(&shutdownCalls, 1)
	})
	s.exit = func(code int) {
		atomic.AddInt32(&exitCalls, 1)
		atomic.StoreInt32(&exitCode, int32(code))
	}

	s.Go("test-goroutine", func() {
		panic("boom")
	})

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exitCalls) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&shutdownCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&exitCode))
}

func TestGoWithoutPanicNeverShutsDown(t *testing.T) {
	var shutdownCalls, exitCalls int32
	s := New(logging.NoOpLogger{}, func() {
		atomic.AddInt32(&shutdownCalls, 1)
	})
	s.exit = func(code int) {
		atomic.AddInt32(&exitCalls, 1)
	}

	done := make(chan struct{})
	s.Go("test-goroutine", func() {
		close(done)
	})

	require.Eventually(t, func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&shutdownCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&exitCalls))
}

func TestGoShutsDownOnceForConcurrentPanics(t *testing.T) {
	var shutdownCalls, exitCalls int32
	s := New(logging.NoOpLogger{}, func() {
		atomic.AddInt32(&shutdownCalls, 1)
		time.Sleep(10 * time.Millisecond)
	})
	s.exit = func(code int) {
		atomic.AddInt32(&exitCalls, 1)
	}

	for i := 0; i < 5; i++ {
		s.Go("test-goroutine", func() {
			panic("boom")
		})
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exitCalls) > 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&shutdownCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&exitCalls))
}
