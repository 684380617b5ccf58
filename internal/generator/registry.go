// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package generator

import (
	"slices"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/database/csvdb"
	"github.com/powerapi-ng/powerapi/internal/database/influxdb"
	"github.com/powerapi-ng/powerapi/internal/database/jsonldb"
	"github.com/powerapi-ng/powerapi/internal/database/kafkadb"
	"github.com/powerapi-ng/powerapi/internal/database/mongodb"
	"github.com/powerapi-ng/powerapi/internal/database/natsdb"
	"github.com/powerapi-ng/powerapi/internal/database/opentsdb"
	"github.com/powerapi-ng/powerapi/internal/database/procfsdb"
	"github.com/powerapi-ng/powerapi/internal/database/promdb"
	"github.com/powerapi-ng/powerapi/internal/database/socketdb"
	"github.com/powerapi-ng/powerapi/internal/database/stdoutdb"
	"github.com/powerapi-ng/powerapi/internal/database/timescaledb"
	"github.com/powerapi-ng/powerapi/internal/database/wsdb"
	"github.com/powerapi-ng/powerapi/internal/processor"
)

// DefaultDatabases returns a registry holding every built in backend
func DefaultDatabases() *database.Registry {
	return database.NewRegistry().MustRegister(
		csvdb.Factory(),
		jsonldb.Factory(),
		socketdb.Factory(),
		procfsdb.Factory(),
		mongodb.Factory(),
		natsdb.Factory(),
		influxdb.Factory(),
		opentsdb.Factory(),
		promdb.Factory(),
		stdoutdb.Factory(),
		kafkadb.Factory(),
		timescaledb.Factory(),
		wsdb.Factory(),
	)
}

// DefaultProcessors returns a registry holding the built in processors
func DefaultProcessors() *processor.Registry {
	r, err := processor.NewRegistry(processor.Enrichers()...)
	if err != nil {
		panic(err)
	}
	return r
}

// EnvArgs lists the argument names of every group, used to read component
// arguments from the environment
func EnvArgs(databases *database.Registry, processors *processor.Registry) map[config.Group][]string {
	var inputs, outputs []string
	for _, typ := range databases.Types() {
		f, _ := databases.Lookup(typ)
		for _, a := range f.Args {
			if f.NewReadable != nil {
				inputs = append(inputs, a.Name)
			}
			if f.NewWritable != nil {
				outputs = append(outputs, a.Name)
			}
		}
	}

	var pre, post []string
	for _, typ := range processors.Types() {
		f, _ := processors.Lookup(typ)
		for _, a := range f.Args {
			pre = append(pre, a.Name)
			post = append(post, a.Name)
		}
	}
	pre = append(pre, config.PullerBinding)
	post = append(post, config.PusherBinding)

	return map[config.Group][]string{
		config.GroupInput:         compact(inputs),
		config.GroupOutput:        compact(outputs),
		config.GroupPreProcessor:  compact(pre),
		config.GroupPostProcessor: compact(post),
	}
}

func compact(names []string) []string {
	slices.Sort(names)
	return slices.Compact(names)
}
