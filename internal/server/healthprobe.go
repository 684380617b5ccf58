// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/powerapi-ng/powerapi/internal/service"
)

// HealthProbe serves /probe/livez and /probe/readyz out of the services
// implementing service.LiveChecker and service.ReadyChecker
type HealthProbe struct {
	logger    *slog.Logger
	apiServer APIService
	services  []service.Service
}

var _ service.Initializer = (*HealthProbe)(nil)

// ServiceHealth represents the health status of a single service
type ServiceHealth struct {
	Name  string `json:"name"`
	Live  bool   `json:"live,omitempty"`
	Ready bool   `json:"ready,omitempty"`
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status   string          `json:"status"` // "ok" or "unhealthy"
	Services []ServiceHealth `json:"services"`
}

func NewHealthProbe(apiServer APIService, services []service.Service, logger *slog.Logger) *HealthProbe {
	return &HealthProbe{
		logger:    logger.With("service", "health-probe"),
		apiServer: apiServer,
		services:  services,
	}
}

func (h *HealthProbe) Name() string {
	return "health-probe"
}

func (h *HealthProbe) Init() error {
	if err := h.apiServer.Register(
		"/probe/livez",
		"Liveness Probe",
		"Returns 200 while the pipeline runs",
		http.HandlerFunc(h.handleLiveness),
	); err != nil {
		return err
	}

	return h.apiServer.Register(
		"/probe/readyz",
		"Readiness Probe",
		"Returns 200 when every actor of the pipeline is alive",
		http.HandlerFunc(h.handleReadiness),
	)
}

func (h *HealthProbe) handleLiveness(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(svc service.Service) (ServiceHealth, bool, bool) {
		lc, ok := svc.(service.LiveChecker)
		if !ok {
			return ServiceHealth{}, false, false
		}
		live := lc.IsLive()
		return ServiceHealth{Name: svc.Name(), Live: live}, live, true
	})
}

func (h *HealthProbe) handleReadiness(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(svc service.Service) (ServiceHealth, bool, bool) {
		rc, ok := svc.(service.ReadyChecker)
		if !ok {
			return ServiceHealth{}, false, false
		}
		ready := rc.IsReady()
		return ServiceHealth{Name: svc.Name(), Ready: ready}, ready, true
	})
}

// respond checks every service; check returns the health of a service,
// whether it passed and whether the service is checked at all
func (h *HealthProbe) respond(w http.ResponseWriter, r *http.Request, check func(service.Service) (ServiceHealth, bool, bool)) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := HealthStatus{Status: "ok", Services: []ServiceHealth{}}
	code := http.StatusOK
	for _, svc := range h.services {
		health, passed, checked := check(svc)
		if !checked {
			continue
		}
		status.Services = append(status.Services, health)
		if !passed {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(status); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}
