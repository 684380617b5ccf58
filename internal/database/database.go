// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package database defines the contract of the drivers used by pullers and
// pushers to read and write reports.
package database

import (
	"context"
	"errors"
	"iter"
	"slices"

	"github.com/powerapi-ng/powerapi/internal/report"
)

var (
	// ErrConnectionFailed is returned by Connect when the backend can't be reached
	ErrConnectionFailed = errors.New("connection failed")
	// ErrReadFailed is a transient failure of one read, the puller retries
	ErrReadFailed = errors.New("read failed")
	// ErrWriteFailed is returned by Write, the pusher keeps its buffer
	ErrWriteFailed = errors.New("write failed")
	// ErrBadInput is returned for an item of the backend that does not decode
	// to a report; the item is skipped.
	ErrBadInput = errors.New("bad input")
	// ErrUnsupportedKind is returned when a driver is used with a report kind
	// it does not support
	ErrUnsupportedKind = errors.New("unsupported report kind")
)

// Driver is the connection side shared by every backend
type Driver interface {
	// Connect opens the backend. Errors wrap ErrConnectionFailed.
	Connect(ctx context.Context) error
	// Disconnect releases the backend, errors are ignored
	Disconnect()
}

// Readable is a driver reports can be read from
type Readable interface {
	Driver
	SupportedReadKinds() []report.Kind
	// Read lazily produces reports. In postmortem mode the sequence ends once
	// the backend is exhausted; in stream mode it ends when nothing is
	// available right now and the puller calls Read again later.
	Read(ctx context.Context, stream bool) iter.Seq2[report.Report, error]
}

// Writable is a driver reports can be written to
type Writable interface {
	Driver
	SupportedWriteKinds() []report.Kind
	// Write persists a batch. Errors wrap ErrWriteFailed.
	Write(ctx context.Context, reports []report.Report) error
}

// Supports reports whether kind is part of kinds
func Supports(kinds []report.Kind, kind report.Kind) bool {
	return slices.Contains(kinds, kind)
}
