// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rejectingAPI refuses every registration
type rejectingAPI struct {
	err error
}

func (r rejectingAPI) Name() string { return "rejecting-api" }

func (r rejectingAPI) Register(string, string, string, http.Handler) error { return r.err }

func TestPprofEndpoints(t *testing.T) {
	api := newMockAPIServer()
	p := NewPprof(api)
	assert.Equal(t, "pprof", p.Name())
	require.NoError(t, p.Init())
	require.Contains(t, api.handlers, pprofPrefix)

	for _, path := range []string{
		"/debug/pprof/",
		"/debug/pprof/cmdline",
		"/debug/pprof/symbol",
		"/debug/pprof/goroutine?debug=1",
		"/debug/pprof/heap?debug=1",
	} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			api.handlers[pprofPrefix].ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestPprofRegistrationFailure(t *testing.T) {
	errTaken := errors.New("endpoint taken")
	assert.ErrorIs(t, NewPprof(rejectingAPI{err: errTaken}).Init(), errTaken)
}
