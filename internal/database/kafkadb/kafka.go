// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package kafkadb publishes reports to a Kafka topic as JSON messages keyed
// by target.
package kafkadb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Shopify/sarama"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const Type = "kafka"

var kinds = []report.Kind{report.KindPower, report.KindFormula}

// Factory registers the kafka backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "brokers", Type: config.ArgStrings, Required: true, Help: "comma separated list of brokers"},
			{Name: "topic", Type: config.ArgString, Required: true, Help: "topic the reports are published to"},
			{Name: "client-id", Type: config.ArgString, Default: "powerapi", Help: "client id sent to the brokers"},
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			return New(p.Values.Strings("brokers"), p.Values.String("topic"), p.Values.String("client-id"), p.Logger), nil
		},
	}
}

// ProducerFn creates the producer on Connect
type ProducerFn func(brokers []string, cfg *sarama.Config) (sarama.SyncProducer, error)

type DB struct {
	logger      *slog.Logger
	brokers     []string
	topic       string
	cfg         *sarama.Config
	newProducer ProducerFn
	producer    sarama.SyncProducer
}

var _ database.Writable = (*DB)(nil)

// NewConfig returns the producer configuration: every in-sync replica
// acknowledges a message before it is considered sent.
func NewConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	return cfg
}

func New(brokers []string, topic, clientID string, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		logger:      logger.With("database", Type),
		brokers:     brokers,
		topic:       topic,
		cfg:         NewConfig(clientID),
		newProducer: sarama.NewSyncProducer,
	}
}

func (db *DB) SupportedWriteKinds() []report.Kind { return kinds }

func (db *DB) Connect(ctx context.Context) error {
	producer, err := db.newProducer(db.brokers, db.cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	db.producer = producer
	db.logger.Info("connected to kafka", "brokers", db.brokers, "topic", db.topic)
	return nil
}

func (db *DB) Disconnect() {
	if db.producer == nil {
		return
	}
	if err := db.producer.Close(); err != nil {
		db.logger.Warn("failed to close producer", "error", err)
	}
	db.producer = nil
}

func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(reports))
	for _, r := range reports {
		if !database.Supports(kinds, r.Kind()) {
			return fmt.Errorf("%w: %w: %s", database.ErrWriteFailed, database.ErrUnsupportedKind, r.Kind())
		}
		value, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		h := r.Head()
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     db.topic,
			Key:       sarama.StringEncoder(h.Target),
			Value:     sarama.ByteEncoder(value),
			Timestamp: h.Timestamp,
			Headers: []sarama.RecordHeader{
				{Key: []byte("kind"), Value: []byte(r.Kind().String())},
				{Key: []byte("sensor"), Value: []byte(h.Sensor)},
			},
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := db.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
	}
	return nil
}
