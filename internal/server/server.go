// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the HTTP endpoints of a running pipeline: its self
// metrics, health probes and optional profiling data.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/exporter-toolkit/web"

	"github.com/powerapi-ng/powerapi/internal/service"
)

// DefaultListenAddress is used when no address is configured
const DefaultListenAddress = ":28283"

// APIService defines the interface for the HTTP server providing API endpoints
type APIService interface {
	service.Service
	Register(endpoint, summary, description string, handler http.Handler) error
}

// APIServer serves the endpoints registered by other services, over TLS
// when a web configuration file is given
type APIServer struct {
	logger *slog.Logger

	server              *http.Server
	mux                 *http.ServeMux
	endpointDescription string
	listenAddrs         []string
	webConfigFile       string
}

var (
	_ APIService          = (*APIServer)(nil)
	_ service.Initializer = (*APIServer)(nil)
	_ service.Runner      = (*APIServer)(nil)
	_ service.Shutdowner  = (*APIServer)(nil)
)

type Opts struct {
	logger        *slog.Logger
	listenAddrs   []string
	webConfigFile string
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the APIServer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithListenAddress sets the addresses the APIServer listens on
func WithListenAddress(addrs []string) OptionFn {
	return func(o *Opts) {
		o.listenAddrs = addrs
	}
}

// WithWebConfig sets the exporter-toolkit web configuration file enabling
// TLS and basic authentication
func WithWebConfig(path string) OptionFn {
	return func(o *Opts) {
		o.webConfigFile = path
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		listenAddrs: []string{DefaultListenAddress},
	}
}

// NewAPIServer creates a new APIServer instance
func NewAPIServer(applyOpts ...OptionFn) *APIServer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	mux := http.NewServeMux()
	return &APIServer{
		logger:        opts.logger.With("service", "api-server"),
		mux:           mux,
		server:        &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listenAddrs:   opts.listenAddrs,
		webConfigFile: opts.webConfigFile,
	}
}

func (s *APIServer) Name() string {
	return "api-server"
}

func (s *APIServer) Init() error {
	if len(s.listenAddrs) == 0 {
		return fmt.Errorf("no listening address provided")
	}

	// landing page listing the registered endpoints
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, err := w.Write(fmt.Appendf(nil, `<html>
<head><title>PowerAPI</title></head>
<body>
<h1>PowerAPI</h1>
<p>Available endpoints:</p>
<ul>
	%s
</ul>
</body>
</html>`,
			s.endpointDescription))
		if err != nil {
			s.logger.Error("failed to write landing page", "error", err)
		}
	})
	return nil
}

func (s *APIServer) Run(ctx context.Context) error {
	s.logger.Info("running API server", "addresses", s.listenAddrs)
	errCh := make(chan error, 1)
	go func() {
		errCh <- web.ListenAndServe(s.server, &web.FlagConfig{
			WebListenAddresses: &s.listenAddrs,
			WebConfigFile:      &s.webConfigFile,
		}, s.logger)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server on context done")
		return nil

	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("API server returned an error", "error", err)
		return err
	}
}

func (s *APIServer) Shutdown() error {
	s.logger.Info("shutting down API server on request")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *APIServer) Register(endpoint, summary, description string, handler http.Handler) error {
	s.logger.Debug("endpoint registered", "endpoint", endpoint)
	s.mux.Handle(endpoint, handler)
	s.endpointDescription += fmt.Sprintf("<li> <a href=\"%s\"> %s </a> %s </li>\n", endpoint, summary, description)
	return nil
}
