// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package promdb exposes power estimations as a Prometheus metrics endpoint
package promdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/exporter-toolkit/web"
	"k8s.io/utils/clock"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "prometheus"

	DefaultTTL      = 300 * time.Second
	shutdownTimeout = 5 * time.Second
)

var kinds = []report.Kind{report.KindPower}

// Factory registers the prometheus backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "addr", Type: config.ArgString, Default: "127.0.0.1", Help: "address the endpoint listens on"},
			{Name: "port", Type: config.ArgInt, Default: 9100, Help: "port the endpoint listens on"},
			{Name: "tags", Type: config.ArgStrings, Help: "metadata exported as labels"},
			{Name: "ttl", Type: config.ArgDuration, Default: DefaultTTL, Help: "time a sample is exported after its timestamp"},
			{Name: "web-config-file", Type: config.ArgString, Default: "", Help: "exporter-toolkit web configuration (TLS, basic auth)"},
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			address := net.JoinHostPort(p.Values.String("addr"), strconv.Itoa(p.Values.Int("port")))
			return New(address, p.Values.Strings("tags"),
				WithTTL(p.Values.Duration("ttl")),
				WithWebConfigFile(p.Values.String("web-config-file")),
				WithLogger(p.Logger),
			), nil
		},
	}
}

type Opts struct {
	logger        *slog.Logger
	clock         clock.PassiveClock
	ttl           time.Duration
	webConfigFile string
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
		ttl:    DefaultTTL,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock samples expire against
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

func WithTTL(ttl time.Duration) OptionFn {
	return func(o *Opts) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

func WithWebConfigFile(path string) OptionFn {
	return func(o *Opts) {
		o.webConfigFile = path
	}
}

// DB serves the collected samples on /metrics
type DB struct {
	logger    *slog.Logger
	address   string
	webConfig string
	collector *PowerCollector

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

var _ database.Writable = (*DB)(nil)

func New(address string, tags []string, applyOpts ...OptionFn) *DB {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &DB{
		logger:    opts.logger.With("database", Type),
		address:   address,
		webConfig: opts.webConfigFile,
		collector: NewPowerCollector(tags, opts.ttl, opts.clock),
	}
}

func (db *DB) SupportedWriteKinds() []report.Kind { return kinds }

// Addr returns the address the endpoint listens on, nil before Connect
func (db *DB) Addr() net.Addr {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.listener == nil {
		return nil
	}
	return db.listener.Addr()
}

func (db *DB) Connect(ctx context.Context) error {
	registry := prom.NewRegistry()
	if err := registry.Register(db.collector); err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          registry,
	}))

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", db.address)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	webConfig := db.webConfig
	flags := &web.FlagConfig{
		WebListenAddresses: &[]string{l.Addr().String()},
		WebConfigFile:      &webConfig,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := web.Serve(l, server, flags, db.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
			db.logger.Error("metrics endpoint stopped", "error", err)
		}
	}()

	db.mu.Lock()
	db.server, db.listener, db.done = server, l, done
	db.mu.Unlock()
	db.logger.Info("serving power estimations", "address", l.Addr().String())
	return nil
}

func (db *DB) Disconnect() {
	db.mu.Lock()
	server, done := db.server, db.done
	db.server, db.listener, db.done = nil, nil, nil
	db.mu.Unlock()
	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		db.logger.Warn("failed to shutdown metrics endpoint", "error", err)
	}
	<-done
}

func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	for _, r := range reports {
		power, ok := r.(report.PowerReport)
		if !ok {
			return fmt.Errorf("%w: %w: %s", database.ErrWriteFailed, database.ErrUnsupportedKind, r.Kind())
		}
		db.collector.Submit(power)
	}
	return nil
}
