// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/internal/service"
)

// mockService implements service.Service, service.LiveChecker, and service.ReadyChecker
type mockService struct {
	name  string
	live  bool
	ready bool
}

func (m *mockService) Name() string  { return m.name }
func (m *mockService) IsLive() bool  { return m.live }
func (m *mockService) IsReady() bool { return m.ready }

// simpleService implements no checker
type simpleService struct {
	name string
}

func (s *simpleService) Name() string { return s.name }

// mockAPIServer implements APIService for testing
type mockAPIServer struct {
	handlers map[string]http.Handler
}

func newMockAPIServer() *mockAPIServer {
	return &mockAPIServer{handlers: map[string]http.Handler{}}
}

func (m *mockAPIServer) Name() string {
	return "mock-api-server"
}

func (m *mockAPIServer) Register(endpoint, summary, description string, handler http.Handler) error {
	m.handlers[endpoint] = handler
	return nil
}

func (m *mockAPIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if handler, ok := m.handlers[r.URL.Path]; ok {
		handler.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func probe(t *testing.T, services []service.Service, method, path string) (int, HealthStatus) {
	t.Helper()
	api := newMockAPIServer()
	require.NoError(t, NewHealthProbe(api, services, slog.Default()).Init())

	w := httptest.NewRecorder()
	api.ServeHTTP(w, httptest.NewRequest(method, path, nil))

	var status HealthStatus
	if w.Code != http.StatusMethodNotAllowed {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	}
	return w.Code, status
}

func TestHealthProbe_Init(t *testing.T) {
	api := newMockAPIServer()
	hp := NewHealthProbe(api, nil, slog.Default())

	require.NoError(t, hp.Init())
	assert.Equal(t, "health-probe", hp.Name())
	assert.Contains(t, api.handlers, "/probe/livez")
	assert.Contains(t, api.handlers, "/probe/readyz")
}

func TestHealthProbe(t *testing.T) {
	tt := []struct {
		name     string
		services []service.Service
		path     string
		code     int
		status   string
		checked  int
	}{{
		name: "all live",
		services: []service.Service{
			&mockService{name: "pipeline", live: true},
			&mockService{name: "api-server", live: true},
		},
		path: "/probe/livez", code: http.StatusOK, status: "ok", checked: 2,
	}, {
		name: "one not live",
		services: []service.Service{
			&mockService{name: "pipeline", live: false},
			&mockService{name: "api-server", live: true},
		},
		path: "/probe/livez", code: http.StatusServiceUnavailable, status: "unhealthy", checked: 2,
	}, {
		name: "all ready",
		services: []service.Service{
			&mockService{name: "pipeline", ready: true},
		},
		path: "/probe/readyz", code: http.StatusOK, status: "ok", checked: 1,
	}, {
		name: "not ready",
		services: []service.Service{
			&mockService{name: "pipeline", live: true, ready: false},
		},
		path: "/probe/readyz", code: http.StatusServiceUnavailable, status: "unhealthy", checked: 1,
	}, {
		name:     "no checkers",
		services: []service.Service{&simpleService{name: "simple"}},
		path:     "/probe/readyz", code: http.StatusOK, status: "ok", checked: 0,
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			code, status := probe(t, tc.services, http.MethodGet, tc.path)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.status, status.Status)
			assert.Len(t, status.Services, tc.checked)
		})
	}
}

func TestHealthProbe_MethodNotAllowed(t *testing.T) {
	code, _ := probe(t, nil, http.MethodPost, "/probe/livez")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}
