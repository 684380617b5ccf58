// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

func power(target string) report.Report {
	return report.PowerReport{Header: report.Header{Sensor: "s", Target: target}, Power: 1}
}

func TestReadConsumes(t *testing.T) {
	db := New(nil, power("a"), power("b"))
	require.NoError(t, db.Connect(context.Background()))
	assert.True(t, db.Connected())

	var targets []string
	for r, err := range db.Read(context.Background(), false) {
		require.NoError(t, err)
		targets = append(targets, r.Head().Target)
	}
	assert.Equal(t, []string{"a", "b"}, targets)

	db.Add(power("c"))
	for r := range db.Read(context.Background(), false) {
		assert.Equal(t, "c", r.Head().Target)
	}
	for range db.Read(context.Background(), false) {
		t.Fatal("reports are read once")
	}

	db.Disconnect()
	assert.False(t, db.Connected())
}

func TestWrite(t *testing.T) {
	db := New([]report.Kind{report.KindPower})
	assert.Equal(t, []report.Kind{report.KindPower}, db.SupportedWriteKinds())

	require.NoError(t, db.Write(context.Background(), []report.Report{power("a")}))
	db.SetWriteErr(errors.New("disk full"))
	err := db.Write(context.Background(), []report.Report{power("b")})
	assert.ErrorIs(t, err, database.ErrWriteFailed)

	assert.Len(t, db.Written(), 1)
	assert.Equal(t, 2, db.Writes())
}

func TestConnectErr(t *testing.T) {
	db := New(nil)
	db.ConnectErr = errors.New("refused")
	assert.ErrorIs(t, db.Connect(context.Background()), database.ErrConnectionFailed)
	assert.False(t, db.Connected())
}
