package config

import "errors"

var (
	// ErrMissingListenAddr is returned when the listen address is not set.
	ErrMissingListenAddr = errors.New("listen address is required")

	// ErrMissingArtifactRoot is returned when the artifact root is not set.
	ErrMissingArtifactRoot = errors.New("artifact root is required")

	// ErrInvalidTimeout is returned when the request timeout is invalid.
	ErrInvalidTimeout = errors.New("request timeout must be greater than 0")

	// ErrInvalidMaxRetries is returned when max retries is invalid.
	ErrInvalidMaxRetries = errors.New("max retries must be greater than or equal to 0")

	// ErrInvalidPoolSize is returned when the result dispatch pool size is invalid.
	ErrInvalidPoolSize = errors.New("result dispatch pool size must be greater than 0")
)
