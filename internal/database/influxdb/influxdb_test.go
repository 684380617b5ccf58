// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package influxdb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

type fakeServer struct {
	*httptest.Server
	mu        sync.Mutex
	bodies    []string
	writeCode int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{writeCode: http.StatusNoContent}
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/v2/buckets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"buckets": [{"id": "0001", "name": "power", "retentionRules": []}]}`)
	})
	mux.HandleFunc("/api/v2/write", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.bodies = append(fs.bodies, string(body))
		code := fs.writeCode
		fs.mu.Unlock()
		if code != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = io.WriteString(w, `{"code": "internal error", "message": "boom"}`)
			return
		}
		w.WriteHeader(code)
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) written() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]string(nil), fs.bodies...)
}

func header(md map[string]any) report.Header {
	return report.Header{Timestamp: time.Unix(1, 0).UTC(), Sensor: "s", Target: "t", Metadata: md}
}

func TestWritePower(t *testing.T) {
	fs := newFakeServer(t)
	db := New(fs.URL, "org", "power", "token", []string{"socket"}, nil)
	require.NoError(t, db.Connect(context.Background()))
	defer db.Disconnect()

	err := db.Write(context.Background(), []report.Report{
		report.PowerReport{Header: header(map[string]any{"socket": "0", "ignored": "x"}), Power: 12.5},
	})
	require.NoError(t, err)

	bodies := fs.written()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "powerrep,sensor=s,socket=0,target=t power_estimation=12.5 1000000000")
	assert.NotContains(t, bodies[0], "ignored")
}

func TestWriteFormula(t *testing.T) {
	fs := newFakeServer(t)
	db := New(fs.URL, "org", "power", "", nil, nil)
	require.NoError(t, db.Connect(context.Background()))
	defer db.Disconnect()

	err := db.Write(context.Background(), []report.Report{
		report.FormulaReport{Header: header(map[string]any{"ratio": 0.5})},
		report.FormulaReport{Header: header(nil)},
	})
	require.NoError(t, err)

	bodies := fs.written()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], "formularep,sensor=s,target=t ratio=0.5 1000000000")
}

func TestTagsAreSanitized(t *testing.T) {
	db := New("http://localhost", "org", "power", "", nil, nil)
	tags := db.tags(header(map[string]any{"k8s": map[string]any{"pod.name": "web"}}))
	assert.Equal(t, map[string]string{"sensor": "s", "target": "t", "k8s_pod_name": "web"}, tags)
}

func TestWriteFailure(t *testing.T) {
	fs := newFakeServer(t)
	db := New(fs.URL, "org", "power", "", nil, nil)
	require.NoError(t, db.Connect(context.Background()))
	defer db.Disconnect()

	fs.mu.Lock()
	fs.writeCode = http.StatusInternalServerError
	fs.mu.Unlock()

	err := db.Write(context.Background(), []report.Report{report.PowerReport{Header: header(nil), Power: 1}})
	assert.ErrorIs(t, err, database.ErrWriteFailed)
}

func TestConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	db := New(srv.URL, "org", "power", "", nil, nil)
	assert.ErrorIs(t, db.Connect(context.Background()), database.ErrConnectionFailed)
}

func TestUnsupportedKind(t *testing.T) {
	db := New("http://localhost", "org", "power", "", nil, nil)
	_, err := db.point(report.HWPCReport{})
	assert.ErrorIs(t, err, database.ErrUnsupportedKind)
}
