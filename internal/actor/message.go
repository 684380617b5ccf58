// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/powerapi-ng/powerapi/internal/failure"
	"github.com/powerapi-ng/powerapi/internal/report"
)

// ErrUnknownMessageType is returned by behaviors receiving a message they
// have no handler for.
var ErrUnknownMessageType = errors.New("unknown message type")

// Message is the closed set of values exchanged between actors
type Message interface {
	isMessage()
}

// StartMessage asks an actor to initialize itself
type StartMessage struct {
	Sender string
}

// OKMessage acknowledges a StartMessage
type OKMessage struct {
	Sender string
}

// ErrorMessage reports a failed initialization
type ErrorMessage struct {
	Sender string
	Reason string
}

// PoisonPillMessage asks an actor to terminate. A soft pill lets the actor
// process its pending messages first.
type PoisonPillMessage struct {
	Sender string
	Soft   bool
}

// ReportMessage carries a report on the data channel
type ReportMessage struct {
	Report report.Report
}

// UpdateRoutesMessage renames routing targets of a running actor: every
// route towards a key is moved to the associated value.
type UpdateRoutesMessage struct {
	Sender string
	Routes map[string]string
}

func (StartMessage) isMessage()        {}
func (OKMessage) isMessage()           {}
func (ErrorMessage) isMessage()        {}
func (PoisonPillMessage) isMessage()   {}
func (ReportMessage) isMessage()       {}
func (UpdateRoutesMessage) isMessage() {}

// UnknownMessage builds the recoverable failure returned for unhandled messages
func UnknownMessage(msg Message) error {
	return failure.AsRecoverable(fmt.Errorf("%w: %T", ErrUnknownMessageType, msg))
}

const (
	typeStart        = "start"
	typeOK           = "ok"
	typeError        = "error"
	typePoisonPill   = "poison-pill"
	typeReport       = "report"
	typeUpdateRoutes = "update-routes"
)

type wireMessage struct {
	Type   string            `json:"type"`
	Sender string            `json:"sender,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Soft   bool              `json:"soft,omitempty"`
	Report json.RawMessage   `json:"report,omitempty"`
	Routes map[string]string `json:"routes,omitempty"`
}

func encodeMessage(msg Message) ([]byte, error) {
	var w wireMessage
	switch m := msg.(type) {
	case StartMessage:
		w = wireMessage{Type: typeStart, Sender: m.Sender}
	case OKMessage:
		w = wireMessage{Type: typeOK, Sender: m.Sender}
	case ErrorMessage:
		w = wireMessage{Type: typeError, Sender: m.Sender, Reason: m.Reason}
	case PoisonPillMessage:
		w = wireMessage{Type: typePoisonPill, Sender: m.Sender, Soft: m.Soft}
	case ReportMessage:
		body, err := report.Marshal(m.Report)
		if err != nil {
			return nil, err
		}
		w = wireMessage{Type: typeReport, Report: body}
	case UpdateRoutesMessage:
		w = wireMessage{Type: typeUpdateRoutes, Sender: m.Sender, Routes: m.Routes}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, msg)
	}
	return json.Marshal(w)
}

func decodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	switch w.Type {
	case typeStart:
		return StartMessage{Sender: w.Sender}, nil
	case typeOK:
		return OKMessage{Sender: w.Sender}, nil
	case typeError:
		return ErrorMessage{Sender: w.Sender, Reason: w.Reason}, nil
	case typePoisonPill:
		return PoisonPillMessage{Sender: w.Sender, Soft: w.Soft}, nil
	case typeReport:
		r, err := report.Unmarshal(w.Report)
		if err != nil {
			return nil, err
		}
		return ReportMessage{Report: r}, nil
	case typeUpdateRoutes:
		return UpdateRoutesMessage{Sender: w.Sender, Routes: w.Routes}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, w.Type)
	}
}
