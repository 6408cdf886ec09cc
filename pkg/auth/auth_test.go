// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"io"
	"net/http"
	"strings"
	"testing"

	crerrors "github.com/clusterrunner/clusterrunner/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignerSignSetsHeader(t *testing.T) {
	signer := NewSigner("shared-secret")

	req, err := http.NewRequest(http.MethodPost, "http://worker-1:43001/v1/build/1/setup", strings.NewReader(`{"build_executor_start_index":0}`))
	require.NoError(t, err)

	err = signer.Sign(req)
	require.NoError(t, err)

	assert.NotEmpty(t, req.Header.Get(SignatureHeader))
}

func TestSignerSignIsDeterministic(t *testing.T) {
	signer := NewSigner("shared-secret")
	body := `{"atomic_commands":["export X=1; echo hi"]}`

	req1, _ := http.NewRequest(http.MethodPost, "http://worker-1/v1/build/1/subjob/0", strings.NewReader(body))
	req2, _ := http.NewRequest(http.MethodPost, "http://worker-1/v1/build/1/subjob/0", strings.NewReader(body))

	require.NoError(t, signer.Sign(req1))
	require.NoError(t, signer.Sign(req2))

	assert.Equal(t, req1.Header.Get(SignatureHeader), req2.Header.Get(SignatureHeader))
}

func TestSignerVerifySucceedsForMatchingBody(t *testing.T) {
	signer := NewSigner("shared-secret")
	body := []byte(`{"worker":"10.0.0.5:43001","num_executors":4,"session_id":"abc123"}`)

	req, err := http.NewRequest(http.MethodPost, "http://manager/v1/worker", nil)
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, signer.digest(body))

	assert.NoError(t, signer.Verify(req, body))
}

func TestSignerVerifyRejectsMismatchedBody(t *testing.T) {
	signer := NewSigner("shared-secret")
	signedBody := []byte(`{"state":"IDLE"}`)
	tamperedBody := []byte(`{"state":"SHUTDOWN"}`)

	req, err := http.NewRequest(http.MethodPut, "http://manager/v1/worker/7", nil)
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, signer.digest(signedBody))

	err = signer.Verify(req, tamperedBody)
	require.Error(t, err)
	assert.Equal(t, crerrors.ErrorCodeSignatureInvalid, crerrors.GetErrorCode(err))
}

func TestSignerVerifyRejectsMissingHeader(t *testing.T) {
	signer := NewSigner("shared-secret")

	req, err := http.NewRequest(http.MethodPost, "http://manager/v1/worker", nil)
	require.NoError(t, err)

	err = signer.Verify(req, []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, crerrors.ErrorCodeSignatureMissing, crerrors.GetErrorCode(err))
}

func TestSignerVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"worker_id":1}`)

	signerA := NewSigner("secret-a")
	signerB := NewSigner("secret-b")

	req, err := http.NewRequest(http.MethodPost, "http://manager/v1/worker", nil)
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, signerA.digest(body))

	err = signerB.Verify(req, body)
	require.Error(t, err)
	assert.Equal(t, crerrors.ErrorCodeSignatureInvalid, crerrors.GetErrorCode(err))
}

func TestSignRestoresRequestBody(t *testing.T) {
	signer := NewSigner("shared-secret")
	body := `{"executor_start_index":2}`

	req, err := http.NewRequest(http.MethodPost, "http://worker-1/v1/build/1/setup", strings.NewReader(body))
	require.NoError(t, err)

	require.NoError(t, signer.Sign(req))

	readBack, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(readBack))
}

func TestSigningRoundTripperSignsBeforeSending(t *testing.T) {
	signer := NewSigner("shared-secret")
	var capturedSignature string

	next := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		capturedSignature = req.Header.Get(SignatureHeader)
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})

	rt := &SigningRoundTripper{Next: next, Signer: signer}

	req, err := http.NewRequest(http.MethodPost, "http://worker-1/v1/kill", strings.NewReader(`{}`))
	require.NoError(t, err)

	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, capturedSignature)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
