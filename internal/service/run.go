// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/oklog/run"
)

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return logger
}

// Init initializes services in order. When one fails, the services
// initialized before it are shut down in reverse order, so the API server
// goes away before the pipeline it reports on.
func Init(logger *slog.Logger, services []Service) error {
	logger = orDefault(logger)

	initialized := make([]Service, 0, len(services))
	for _, s := range services {
		i, ok := s.(Initializer)
		if !ok {
			continue
		}
		logger.Info("initializing service", "service", s.Name())
		if err := i.Init(); err != nil {
			initErr := fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			return errors.Join(initErr, shutdown(logger, initialized))
		}
		initialized = append(initialized, s)
	}
	return nil
}

// shutdown stops services last initialized first and collects the failures
func shutdown(logger *slog.Logger, services []Service) error {
	var errs []error
	for _, s := range slices.Backward(services) {
		sd, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		logger.Info("shutting down", "service", s.Name())
		if err := sd.Shutdown(); err != nil {
			logger.Warn("service shutdown failed", "service", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("failed to shut down service %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run runs every Runner in one run group: the first to return interrupts
// the others, which are then shut down if they implement Shutdowner. The
// error of the first service to return is returned.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	logger = orDefault(logger)

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			continue
		}

		g.Add(
			func() error {
				logger.Info("running service", "service", s.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", s.Name(), "reason", err)
				}
				_ = shutdown(logger, []Service{s})
			},
		)
	}

	logger.Info("running all services")
	return g.Run()
}
