// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package influxdb writes reports to an InfluxDB 2 bucket
package influxdb

import (
	"context"
	"fmt"
	"log/slog"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "influxdb2"

	powerMeasurement   = "powerrep"
	formulaMeasurement = "formularep"
	powerField         = "power_estimation"
)

var kinds = []report.Kind{report.KindPower, report.KindFormula}

// Factory registers the influxdb2 backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "uri", Type: config.ArgString, Required: true, Help: "URL of the InfluxDB server"},
			{Name: "org", Type: config.ArgString, Required: true, Help: "organization name"},
			{Name: "db", Type: config.ArgString, Required: true, Help: "bucket name"},
			{Name: "token", Type: config.ArgString, Default: "", Help: "authentication token"},
			{Name: "tags", Type: config.ArgStrings, Help: "metadata kept as tags, every tag when empty"},
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			return New(p.Values.String("uri"), p.Values.String("org"), p.Values.String("db"),
				p.Values.String("token"), p.Values.Strings("tags"), p.Logger), nil
		},
	}
}

// DB writes points with the blocking write API
type DB struct {
	logger  *slog.Logger
	url     string
	org     string
	bucket  string
	token   string
	allowed map[string]bool

	client influxdb2.Client
	writer api.WriteAPIBlocking
}

var _ database.Writable = (*DB)(nil)

func New(url, org, bucket, token string, tags []string, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(tags))
	for _, t := range tags {
		allowed[t] = true
	}
	return &DB{
		logger:  logger.With("database", Type),
		url:     url,
		org:     org,
		bucket:  bucket,
		token:   token,
		allowed: allowed,
	}
}

func (db *DB) SupportedWriteKinds() []report.Kind { return kinds }

// Connect checks the server is up and creates the bucket when missing
func (db *DB) Connect(ctx context.Context) error {
	client := influxdb2.NewClient(db.url, db.token)
	if ok, err := client.Ping(ctx); err != nil || !ok {
		client.Close()
		return fmt.Errorf("%w: %s is not ready: %v", database.ErrConnectionFailed, db.url, err)
	}
	if err := db.ensureBucket(ctx, client); err != nil {
		client.Close()
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	db.client = client
	db.writer = client.WriteAPIBlocking(db.org, db.bucket)
	return nil
}

func (db *DB) ensureBucket(ctx context.Context, client influxdb2.Client) error {
	buckets := client.BucketsAPI()
	if _, err := buckets.FindBucketByName(ctx, db.bucket); err == nil {
		return nil
	}
	org, err := client.OrganizationsAPI().FindOrganizationByName(ctx, db.org)
	if err != nil {
		return fmt.Errorf("organization %q: %w", db.org, err)
	}
	if _, err := buckets.CreateBucketWithName(ctx, org, db.bucket); err != nil {
		return fmt.Errorf("create bucket %q: %w", db.bucket, err)
	}
	db.logger.Info("bucket created", "bucket", db.bucket)
	return nil
}

func (db *DB) Disconnect() {
	if db.client != nil {
		db.client.Close()
		db.client = nil
	}
}

func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	points := make([]*write.Point, 0, len(reports))
	for _, r := range reports {
		p, err := db.point(r)
		if err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		if p != nil {
			points = append(points, p)
		}
	}
	if len(points) == 0 {
		return nil
	}
	if err := db.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}

// tags returns the sensor and target tags plus the allowed metadata
func (db *DB) tags(h report.Header) map[string]string {
	flat := report.FlattenTags(h.Metadata, "_")
	names := make([]string, 0, len(flat))
	for name := range flat {
		if len(db.allowed) == 0 || db.allowed[name] {
			names = append(names, name)
		}
	}
	tags := map[string]string{"sensor": h.Sensor, "target": h.Target}
	for name, sanitized := range report.SanitizeTags(names) {
		tags[sanitized] = report.TagString(flat[name])
	}
	return tags
}

// point encodes r, a formula report without metadata has no field and is
// skipped
func (db *DB) point(r report.Report) (*write.Point, error) {
	switch v := r.(type) {
	case report.PowerReport:
		return influxdb2.NewPoint(powerMeasurement, db.tags(v.Header),
			map[string]any{powerField: v.Power}, v.Timestamp), nil
	case report.FormulaReport:
		fields := report.FlattenTags(v.Metadata, "_")
		if len(fields) == 0 {
			db.logger.Debug("skipping formula report without metadata", "sensor", v.Sensor, "target", v.Target)
			return nil, nil
		}
		tags := map[string]string{"sensor": v.Sensor, "target": v.Target}
		sanitized := make(map[string]any, len(fields))
		for name, value := range fields {
			sanitized[report.SanitizeTagKey(name)] = value
		}
		return influxdb2.NewPoint(formulaMeasurement, tags, sanitized, v.Timestamp), nil
	default:
		return nil, fmt.Errorf("%w: %s", database.ErrUnsupportedKind, r.Kind())
	}
}
