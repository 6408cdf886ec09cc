// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config loads ClusterRunner's manager/worker process configuration
// from environment variables, with sane defaults for local development.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds configuration shared by the manager and worker processes.
type Config struct {
	// ListenAddr is the address the process's HTTP server binds to.
	ListenAddr string

	// ArtifactRoot is the directory builds write artifacts under
	// (<ArtifactRoot>/<build_id>/... per §6's on-disk layout).
	ArtifactRoot string

	// HMACSecret signs and verifies the manager<->worker wire protocol's
	// X-ClusterRunner-Signature header (§4.11).
	HMACSecret string

	// RequestTimeout is the connection+read timeout applied to outbound
	// worker RPCs (setup/teardown/kill/alive-probe); default 120s per §5.
	RequestTimeout time.Duration

	// MaxRetries bounds retries of a failed, retryable worker RPC.
	MaxRetries int

	// RetryWaitMin is the minimum backoff wait between worker RPC retries.
	RetryWaitMin time.Duration

	// RetryWaitMax is the maximum backoff wait between worker RPC retries.
	RetryWaitMax time.Duration

	// HeartbeatUnresponsiveInterval is how long a worker may go without a
	// heartbeat before the sweeper marks it dead (§4.8).
	HeartbeatUnresponsiveInterval time.Duration

	// ResultDispatchPoolSize bounds the worker pool used to fan out
	// "dispatch next subjob or free executor" after a result is reported
	// (§4.8, §9) — a throughput knob, not a correctness knob.
	ResultDispatchPoolSize int

	// MaxSetupFailures is the number of setup failures a build tolerates
	// before it is canceled (§4.3), fixed at 3.
	MaxSetupFailures int

	// UserAgent identifies this process on outbound worker RPCs.
	UserAgent string

	// Debug enables debug-level logging.
	Debug bool

	// InsecureSkipVerify skips TLS certificate verification on outbound
	// worker RPCs (local/dev only).
	InsecureSkipVerify bool
}

// NewDefault creates a new configuration with default values.
func NewDefault() *Config {
	return &Config{
		ListenAddr:                    getEnvOrDefault("CLUSTERRUNNER_LISTEN_ADDR", "0.0.0.0:43000"),
		ArtifactRoot:                  getEnvOrDefault("CLUSTERRUNNER_ARTIFACT_ROOT", "/tmp/clusterrunner/artifacts"),
		HMACSecret:                    getEnvOrDefault("CLUSTERRUNNER_HMAC_SECRET", ""),
		RequestTimeout:                120 * time.Second,
		MaxRetries:                    3,
		RetryWaitMin:                  1 * time.Second,
		RetryWaitMax:                  30 * time.Second,
		HeartbeatUnresponsiveInterval: 60 * time.Second,
		ResultDispatchPoolSize:        32,
		MaxSetupFailures:              3,
		UserAgent:                     "clusterrunner/1.0",
		Debug:                         getEnvBoolOrDefault("CLUSTERRUNNER_DEBUG", false),
		InsecureSkipVerify:            getEnvBoolOrDefault("CLUSTERRUNNER_INSECURE_SKIP_VERIFY", false),
	}
}

// Load loads configuration from environment variables, overriding any
// value already set on c.
func (c *Config) Load() {
	if addr := os.Getenv("CLUSTERRUNNER_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}

	if root := os.Getenv("CLUSTERRUNNER_ARTIFACT_ROOT"); root != "" {
		c.ArtifactRoot = root
	}

	if secret := os.Getenv("CLUSTERRUNNER_HMAC_SECRET"); secret != "" {
		c.HMACSecret = secret
	}

	if timeout := os.Getenv("CLUSTERRUNNER_REQUEST_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.RequestTimeout = d
		}
	}

	if maxRetries := os.Getenv("CLUSTERRUNNER_MAX_RETRIES"); maxRetries != "" {
		if i, err := strconv.Atoi(maxRetries); err == nil {
			c.MaxRetries = i
		}
	}

	if interval := os.Getenv("CLUSTERRUNNER_HEARTBEAT_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			c.HeartbeatUnresponsiveInterval = d
		}
	}

	if poolSize := os.Getenv("CLUSTERRUNNER_RESULT_DISPATCH_POOL_SIZE"); poolSize != "" {
		if i, err := strconv.Atoi(poolSize); err == nil {
			c.ResultDispatchPoolSize = i
		}
	}

	if userAgent := os.Getenv("CLUSTERRUNNER_USER_AGENT"); userAgent != "" {
		c.UserAgent = userAgent
	}

	c.Debug = getEnvBoolOrDefault("CLUSTERRUNNER_DEBUG", c.Debug)
	c.InsecureSkipVerify = getEnvBoolOrDefault("CLUSTERRUNNER_INSECURE_SKIP_VERIFY", c.InsecureSkipVerify)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return ErrMissingListenAddr
	}

	if c.ArtifactRoot == "" {
		return ErrMissingArtifactRoot
	}

	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}

	if c.ResultDispatchPoolSize <= 0 {
		return ErrInvalidPoolSize
	}

	return nil
}

// getEnvOrDefault returns the environment variable value or a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as a boolean or
// a default value.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
