// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/ptr"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/actor"
	"github.com/powerapi-ng/powerapi/internal/generator"
	"github.com/powerapi-ng/powerapi/internal/logger"
	"github.com/powerapi-ng/powerapi/internal/metrics"
	"github.com/powerapi-ng/powerapi/internal/server"
	"github.com/powerapi-ng/powerapi/internal/service"
	"github.com/powerapi-ng/powerapi/internal/supervisor"
	"github.com/powerapi-ng/powerapi/internal/version"
)

// exitConfigError is the status of a process stopped by its configuration
const exitConfigError = -1

func main() {
	cfg, err := parseArgsAndConfig(os.Args[1:], os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "powerapi: %v\n", err)
		os.Exit(exitConfigError)
	}

	logger := logger.New(cfg.LogLevel(), cfg.Log.Format, os.Stdout)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	services, err := createServices(logger, cfg)
	if err != nil {
		logger.Error("invalid pipeline", "error", err)
		os.Exit(exitConfigError)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("failed to start PowerAPI", "error", err)
		os.Exit(1)
	}

	logger.Info("starting PowerAPI")
	if err := service.Run(context.Background(), logger, services); err != nil {
		logger.Error("PowerAPI terminated with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("graceful shutdown completed")
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("PowerAPI version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

// parseArgsAndConfig merges the configuration layers: flags override the
// environment, which overrides the configuration file, which overrides the
// defaults
func parseArgsAndConfig(args, environ []string) (*config.Config, error) {
	app := kingpin.New("powerapi", "Software-defined power meter estimating the power consumption of software from hardware counters.")
	app.Version(version.Info().String())
	app.HelpFlag.Short('h')

	configFile := app.Flag("config-file", "Path to a YAML or JSON configuration file, also read from "+config.ConfigFileEnv).String()
	updateConfig := config.RegisterFlags(app)
	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	if *configFile == "" {
		*configFile = lookupEnv(environ, config.ConfigFileEnv)
	}

	var layers []*config.Config
	if *configFile != "" {
		fileCfg, err := config.FromFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", *configFile, err)
		}
		layers = append(layers, fileCfg)
	}

	envCfg, err := config.FromEnv(environ, generator.EnvArgs(generator.DefaultDatabases(), generator.DefaultProcessors()))
	if err != nil {
		return nil, err
	}
	layers = append(layers, envCfg)

	cfg, err := (&config.Builder{}).Use(config.DefaultConfig()).MergeConfig(layers...).Build()
	if err != nil {
		return nil, err
	}

	if err := updateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lookupEnv(environ []string, key string) string {
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// createServices builds the pipeline and the services exposing it. The API
// server is only created when it has listen addresses.
func createServices(logger *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	logger.Debug("creating all services")
	recorder := metrics.NewRecorder()

	ipc := actor.NewContext(
		actor.WithLogger(logger),
		actor.WithDirectory(cfg.IPC.Directory),
		actor.WithMetrics(recorder),
	)
	p, err := generator.Generate(ipc, cfg,
		generator.WithLogger(logger),
		generator.WithMetrics(recorder),
	)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(ipc,
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(recorder),
		supervisor.WithStream(ptr.Deref(cfg.Stream, false)),
		supervisor.WithHandshakeTimeout(cfg.IPC.HandshakeTimeout),
	)
	pipeline := service.NewPipeline(logger, sup, p.Actors())
	services := []service.Service{pipeline}

	if len(cfg.Web.ListenAddresses) > 0 {
		apiServer := server.NewAPIServer(
			server.WithLogger(logger),
			server.WithListenAddress(cfg.Web.ListenAddresses),
			server.WithWebConfig(cfg.Web.Config),
		)
		services = append(services,
			apiServer,
			server.NewMetrics(apiServer, logger, recorder, metrics.NewBuildInfo()),
			server.NewHealthProbe(apiServer, []service.Service{pipeline}, logger),
		)
		if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
			services = append(services, server.NewPprof(apiServer))
		}
	}

	return append(services, service.NewSignalHandler(logger, syscall.SIGINT, syscall.SIGTERM)), nil
}
