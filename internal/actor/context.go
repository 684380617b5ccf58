// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/powerapi-ng/powerapi/internal/metrics"
)

const socketPrefix = "powerapi-ipc-"

// Context is shared by every actor and proxy of a pipeline. It is built once
// and handed to the channel layer explicitly.
type Context struct {
	logger      *slog.Logger
	metrics     *metrics.Recorder
	dir         string
	dialTimeout time.Duration
}

type Opts struct {
	logger      *slog.Logger
	metrics     *metrics.Recorder
	dir         string
	dialTimeout time.Duration
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger used by the channel layer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithMetrics sets the recorder counting messages dropped by the channel layer
func WithMetrics(m *metrics.Recorder) OptionFn {
	return func(o *Opts) {
		o.metrics = m
	}
}

// WithDirectory sets the directory holding the socket files
func WithDirectory(dir string) OptionFn {
	return func(o *Opts) {
		o.dir = dir
	}
}

// WithDialTimeout bounds how long a client waits for an endpoint to appear
func WithDialTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.dialTimeout = d
	}
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		dir:         os.TempDir(),
		dialTimeout: time.Second,
	}
}

// NewContext creates the channel layer context
func NewContext(applyOpts ...OptionFn) *Context {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Context{
		logger:      opts.logger,
		metrics:     opts.metrics,
		dir:         opts.dir,
		dialTimeout: opts.dialTimeout,
	}
}

// Address returns the socket path of the channel used for purpose by the
// actor called name.
func (c *Context) Address(name, purpose string) string {
	// blake2b.New only fails on invalid sizes or keys
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write([]byte(name + ":" + purpose))
	return filepath.Join(c.dir, socketPrefix+hex.EncodeToString(h.Sum(nil)))
}

func (c *Context) Logger() *slog.Logger {
	return c.logger
}
