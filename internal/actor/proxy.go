// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"time"

	"github.com/powerapi-ng/powerapi/internal/report"
)

// Proxy talks to a running actor through its sockets. It never binds
// anything; the actor called name must have been set up beforehand.
type Proxy struct {
	name   string
	sender string
	socket *SocketInterface
}

// NewProxy creates a client of the actor called name. sender identifies the
// caller in control messages.
func NewProxy(ipc *Context, name, sender string) *Proxy {
	return &Proxy{
		name:   name,
		sender: sender,
		socket: NewSocketInterface(ipc, name),
	}
}

func (p *Proxy) Name() string { return p.name }

func (p *Proxy) ConnectControl() error { return p.socket.ConnectControl() }

func (p *Proxy) ConnectData() error { return p.socket.ConnectData() }

func (p *Proxy) SendControl(msg Message) error { return p.socket.SendControl(msg) }

// ReceiveControl waits for a reply of the actor; nil on timeout
func (p *Proxy) ReceiveControl(timeout time.Duration) (Message, error) {
	return p.socket.ReceiveControl(timeout)
}

func (p *Proxy) SendData(msg Message) error { return p.socket.SendData(msg) }

// SendReport pushes r on the data channel of the actor
func (p *Proxy) SendReport(r report.Report) error {
	return p.socket.SendData(ReportMessage{Report: r})
}

// SoftKill asks the actor to process its pending messages and terminate,
// then closes the proxy.
func (p *Proxy) SoftKill() error {
	return p.kill(true)
}

// HardKill asks the actor to terminate immediately, then closes the proxy
func (p *Proxy) HardKill() error {
	return p.kill(false)
}

func (p *Proxy) kill(soft bool) error {
	if p.socket.controlConn() == nil {
		if err := p.socket.ConnectControl(); err != nil {
			_ = p.socket.Close()
			return err
		}
	}
	err := p.socket.SendControl(PoisonPillMessage{Sender: p.sender, Soft: soft})
	_ = p.socket.Close()
	return err
}

// Close releases the client sockets
func (p *Proxy) Close() error {
	return p.socket.Close()
}
