// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package opentsdb writes power estimations to OpenTSDB through its HTTP API
package opentsdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "opentsdb"

	requestTimeout = 10 * time.Second
)

var kinds = []report.Kind{report.KindPower}

// Factory registers the opentsdb backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "uri", Type: config.ArgString, Required: true, Help: "host of the OpenTSDB server"},
			{Name: "port", Type: config.ArgInt, Default: 4242, Help: "port of the OpenTSDB server"},
			{Name: "metric-name", Type: config.ArgString, Required: true, Help: "metric the power is stored in"},
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			base := "http://" + net.JoinHostPort(p.Values.String("uri"), strconv.Itoa(p.Values.Int("port")))
			return New(base, p.Values.String("metric-name"), p.Logger)
		},
	}
}

// dataPoint is the body of /api/put
type dataPoint struct {
	Metric    string            `json:"metric"`
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags"`
}

type DB struct {
	logger *slog.Logger
	base   *url.URL
	metric string
	client *http.Client
}

var _ database.Writable = (*DB)(nil)

// New creates a driver for the server at base, e.g. http://localhost:4242
func New(base, metric string, logger *slog.Logger) (*DB, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid OpenTSDB url %q: %w", base, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		logger: logger.With("database", Type),
		base:   u,
		metric: metric,
		client: &http.Client{Timeout: requestTimeout},
	}, nil
}

func (db *DB) SupportedWriteKinds() []report.Kind { return kinds }

// Connect checks the server answers on /api/version
func (db *DB) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, db.base.JoinPath("/api/version").String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	if err := db.do(req); err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	return nil
}

func (db *DB) Disconnect() {
	db.client.CloseIdleConnections()
}

func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	points := make([]dataPoint, 0, len(reports))
	for _, r := range reports {
		power, ok := r.(report.PowerReport)
		if !ok {
			return fmt.Errorf("%w: %w: %s", database.ErrWriteFailed, database.ErrUnsupportedKind, r.Kind())
		}
		points = append(points, dataPoint{
			Metric:    db.metric,
			Timestamp: power.Timestamp.Unix(),
			Value:     power.Power,
			Tags:      map[string]string{"host": power.Sensor, "target": power.Target},
		})
	}
	if len(points) == 0 {
		return nil
	}

	body, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, db.base.JoinPath("/api/put").String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := db.do(req); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}

func (db *DB) do(req *http.Request) error {
	resp, err := db.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	return nil
}
