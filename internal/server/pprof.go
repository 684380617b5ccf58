// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/http/pprof"

	"github.com/powerapi-ng/powerapi/internal/service"
)

const pprofPrefix = "/debug/pprof/"

// Pprof exposes the runtime profiles of the pipeline process. Every actor
// runs as goroutines of this process, so the goroutine and heap profiles
// cover the whole pipeline.
type Pprof struct {
	api APIService
}

var _ service.Initializer = (*Pprof)(nil)

// NewPprof creates the profiling service; it is only wired when
// debug.pprof.enabled is set
func NewPprof(api APIService) *Pprof {
	return &Pprof{api: api}
}

func (p *Pprof) Name() string {
	return "pprof"
}

func (p *Pprof) Init() error {
	mux := http.NewServeMux()
	// Index also serves the named profiles: heap, goroutine, block...
	mux.HandleFunc(pprofPrefix, pprof.Index)
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": pprof.Cmdline,
		"profile": pprof.Profile,
		"symbol":  pprof.Symbol,
		"trace":   pprof.Trace,
	} {
		mux.HandleFunc(pprofPrefix+name, h)
	}
	return p.api.Register(pprofPrefix, "pprof", "Profiling data of the pipeline process", mux)
}
