// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package kafkadb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

func newTestDB(t *testing.T) (*DB, *mocks.SyncProducer) {
	t.Helper()
	db := New([]string{"localhost:9092"}, "power", "testing", nil)
	producer := mocks.NewSyncProducer(t, db.cfg)
	db.newProducer = func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		return producer, nil
	}
	require.NoError(t, db.Connect(context.Background()))
	return db, producer
}

func powerReport(target string, watts float64) report.PowerReport {
	return report.PowerReport{
		Header: report.Header{Timestamp: time.UnixMilli(1000).UTC(), Sensor: "node", Target: target},
		Power:  watts,
	}
}

func TestConfig(t *testing.T) {
	cfg := NewConfig("powerapi")
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)
	assert.NoError(t, cfg.Validate())
}

func TestWrite(t *testing.T) {
	db, producer := newTestDB(t)
	defer db.Disconnect()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got map[string]any
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got["target"] != "web" || got["power"] != 12.5 {
			return errors.New("unexpected message " + string(val))
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	err := db.Write(context.Background(), []report.Report{
		powerReport("web", 12.5),
		report.FormulaReport{Header: report.Header{Timestamp: time.UnixMilli(1000).UTC(), Sensor: "node", Target: "rapl"}},
	})
	assert.NoError(t, err)
}

func TestWriteFailure(t *testing.T) {
	db, producer := newTestDB(t)
	defer db.Disconnect()

	producer.ExpectSendMessageAndFail(sarama.ErrNotEnoughReplicas)
	err := db.Write(context.Background(), []report.Report{powerReport("web", 1)})
	assert.ErrorIs(t, err, database.ErrWriteFailed)
}

func TestWriteUnsupported(t *testing.T) {
	db, _ := newTestDB(t)
	defer db.Disconnect()

	err := db.Write(context.Background(), []report.Report{report.HWPCReport{}})
	assert.ErrorIs(t, err, database.ErrUnsupportedKind)
}

func TestConnectFailure(t *testing.T) {
	db := New([]string{"localhost:1"}, "power", "testing", nil)
	db.newProducer = func([]string, *sarama.Config) (sarama.SyncProducer, error) {
		return nil, sarama.ErrOutOfBrokers
	}
	assert.ErrorIs(t, db.Connect(context.Background()), database.ErrConnectionFailed)
}
