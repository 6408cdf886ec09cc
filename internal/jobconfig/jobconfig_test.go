// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clusterrunner/clusterrunner/internal/jobconfig"
)

func TestJoinCommandsSimple(t *testing.T) {
	assert.Equal(t, "echo a && echo b && echo c", jobconfig.JoinCommands([]string{"echo a", "echo b", "echo c"}))
}

func TestJoinCommandsBackgroundedCommand(t *testing.T) {
	assert.Equal(t, "run_daemon & echo started", jobconfig.JoinCommands([]string{"run_daemon &", "echo started"}))
}

func TestJoinCommandsStripsSemicolons(t *testing.T) {
	assert.Equal(t, "echo a && echo b", jobconfig.JoinCommands([]string{"echo a;", "echo b;"}))
}

func TestJoinCommandsSkipsEmpty(t *testing.T) {
	assert.Equal(t, "echo a && echo b", jobconfig.JoinCommands([]string{"echo a", "", "echo b"}))
}

func TestJoinCommandsSingleElement(t *testing.T) {
	assert.Equal(t, "echo a", jobconfig.JoinCommands([]string{"echo a"}))
}

func TestNewDefaultsMaxExecutors(t *testing.T) {
	cfg := jobconfig.New("build", nil, nil, []string{"make test"}, nil, 0, 0)
	assert.Equal(t, jobconfig.DefaultMaxExecutors, cfg.MaxExecutors)
	assert.Equal(t, jobconfig.DefaultMaxExecutors, cfg.MaxExecutorsPerWorker)
	assert.Equal(t, "make test", cfg.Command)
}

func TestNewRespectsExplicitLimits(t *testing.T) {
	cfg := jobconfig.New("build", nil, nil, []string{"make test"}, nil, 4, 2)
	assert.Equal(t, 4, cfg.MaxExecutors)
	assert.Equal(t, 2, cfg.MaxExecutorsPerWorker)
}

func TestAtomizerSpecIsFreeform(t *testing.T) {
	freeform := jobconfig.AtomizerSpec{Command: "echo hi"}
	keyed := jobconfig.AtomizerSpec{EnvVarName: "TEST_NAME", Command: "ls tests/"}
	assert.True(t, freeform.IsFreeform())
	assert.False(t, keyed.IsFreeform())
}
