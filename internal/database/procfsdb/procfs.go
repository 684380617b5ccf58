// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package procfsdb is an input sampling the local procfs: every read
// produces one ProcfsReport with the cpu usage of the tracked processes
// since the previous read.
package procfsdb

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"

	"github.com/prometheus/procfs"
	"k8s.io/utils/clock"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const Type = "procfs"

var kinds = []report.Kind{report.KindProcfs}

// Factory registers the procfs backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "mount", Type: config.ArgString, Default: procfs.DefaultMountPoint, Help: "procfs mount point"},
			{Name: "sensor", Type: config.ArgString, Default: "", Help: "sensor name, the hostname when empty"},
			{Name: "targets", Type: config.ArgStrings, Help: "process names to track, every process when empty"},
		},
		NewReadable: func(p database.Params) (database.Readable, error) {
			if p.Model != report.KindProcfs {
				return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, p.Model)
			}
			return New(p.Values.String("mount"), p.Values.String("sensor"), p.Values.Strings("targets"),
				WithLogger(p.Logger)), nil
		},
	}
}

type Opts struct {
	logger *slog.Logger
	clock  clock.PassiveClock
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

// WithClock sets the clock timestamping the reports
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// sample is the cpu time, in seconds, seen at one read
type sample struct {
	total float64
	busy  float64
	procs map[string]float64
}

type DB struct {
	logger  *slog.Logger
	clock   clock.PassiveClock
	mount   string
	sensor  string
	targets []string

	fs   procfs.FS
	prev *sample
}

var _ database.Readable = (*DB)(nil)

func New(mount, sensor string, targets []string, applyOpts ...OptionFn) *DB {
	opts := Opts{logger: slog.Default(), clock: clock.RealClock{}}
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &DB{
		logger:  opts.logger.With("database", Type),
		clock:   opts.clock,
		mount:   mount,
		sensor:  sensor,
		targets: targets,
	}
}

func (db *DB) SupportedReadKinds() []report.Kind { return kinds }

func (db *DB) Connect(ctx context.Context) error {
	fs, err := procfs.NewFS(db.mount)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	if db.sensor == "" {
		if db.sensor, err = os.Hostname(); err != nil {
			return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
		}
	}
	db.fs = fs
	db.prev = nil
	return nil
}

func (db *DB) Disconnect() {}

// Read produces one report, except on the first read which only records
// the baseline
func (db *DB) Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error] {
	return func(yield func(report.Report, error) bool) {
		cur, err := db.sample()
		if err != nil {
			yield(nil, fmt.Errorf("%w: %w", database.ErrReadFailed, err))
			return
		}
		prev := db.prev
		db.prev = cur
		if prev == nil {
			return
		}

		elapsed := cur.total - prev.total
		if elapsed <= 0 {
			return
		}
		usage := make(map[string]float64, len(cur.procs))
		for name, t := range cur.procs {
			usage[name] = max(t-prev.procs[name], 0) / elapsed * 100
		}
		yield(report.ProcfsReport{
			Header: report.Header{
				Timestamp: db.clock.Now().UTC(),
				Sensor:    db.sensor,
				Target:    "all",
				Metadata:  map[string]any{},
			},
			Usage:          usage,
			GlobalCPUUsage: (cur.busy - prev.busy) / elapsed * 100,
		}, nil)
	}
}

func (db *DB) sample() (*sample, error) {
	stat, err := db.fs.Stat()
	if err != nil {
		return nil, err
	}
	c := stat.CPUTotal
	total := c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	s := &sample{
		total: total,
		busy:  total - c.Idle - c.Iowait,
		procs: map[string]float64{},
	}

	procs, err := db.fs.AllProcs()
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			// the process exited since it was listed
			continue
		}
		if len(db.targets) > 0 && !slices.Contains(db.targets, st.Comm) {
			continue
		}
		s.procs[st.Comm] += st.CPUTime()
	}
	return s, nil
}
