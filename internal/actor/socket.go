// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package actor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	purposeControl = "control"
	purposeData    = "data"
)

var (
	// ErrNotConnected is returned when using a channel that was never set up
	// or connected on this side.
	ErrNotConnected = errors.New("socket not connected")
	// ErrClosed is returned once the socket interface has been closed
	ErrClosed = errors.New("socket interface closed")
)

type inbound struct {
	msg  Message
	from net.Conn
}

// SocketInterface is the pair of channels of an actor. The owning actor
// binds both endpoints with Setup; any other party attaches to them with
// ConnectControl and ConnectData.
type SocketInterface struct {
	ipc    *Context
	logger *slog.Logger
	name   string

	controlPath string
	dataPath    string

	mu sync.Mutex

	// endpoint side
	bound     bool
	controlLn net.Listener
	dataLn    net.Listener
	// files bound by this interface; a successor may have replaced them
	controlFile os.FileInfo
	dataFile    os.FileInfo
	controlIn   chan inbound
	dataIn      chan inbound
	peers       map[net.Conn]struct{}
	lastPeer    net.Conn

	// client side
	control   net.Conn
	replies   chan Message
	data      net.Conn
	controlMu sync.Mutex
	dataMu    sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocketInterface creates the socket interface of the actor called name
func NewSocketInterface(ipc *Context, name string) *SocketInterface {
	return &SocketInterface{
		ipc:         ipc,
		logger:      ipc.logger.With("socket", name),
		name:        name,
		controlPath: ipc.Address(name, purposeControl),
		dataPath:    ipc.Address(name, purposeData),
		controlIn:   make(chan inbound),
		dataIn:      make(chan inbound),
		replies:     make(chan Message, 16),
		peers:       map[net.Conn]struct{}{},
		closed:      make(chan struct{}),
	}
}

// Setup binds the control and data endpoints. Only the owning actor calls it.
func (s *SocketInterface) Setup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	controlLn, controlFile, err := listen(s.controlPath)
	if err != nil {
		return fmt.Errorf("failed to bind control channel of %s: %w", s.name, err)
	}
	dataLn, dataFile, err := listen(s.dataPath)
	if err != nil {
		_ = controlLn.Close()
		removeOwned(s.controlPath, controlFile)
		return fmt.Errorf("failed to bind data channel of %s: %w", s.name, err)
	}

	s.controlLn, s.dataLn, s.bound = controlLn, dataLn, true
	s.controlFile, s.dataFile = controlFile, dataFile
	s.wg.Add(2)
	go s.accept(controlLn, s.controlIn)
	go s.accept(dataLn, s.dataIn)
	return nil
}

func listen(path string) (*net.UnixListener, os.FileInfo, error) {
	// a previous run killed abruptly may have left the file behind
	_ = os.Remove(path)
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, nil, err
	}
	// the file is removed by Close, only while it is still ours
	ln.SetUnlinkOnClose(false)
	info, err := os.Stat(path)
	if err != nil {
		_ = ln.Close()
		return nil, nil, err
	}
	return ln, info, nil
}

// removeOwned unlinks path unless another listener has been bound there since
func removeOwned(path string, owned os.FileInfo) {
	current, err := os.Stat(path)
	if err != nil || !os.SameFile(current, owned) {
		return
	}
	_ = os.Remove(path)
}

func (s *SocketInterface) accept(ln net.Listener, in chan inbound) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.peers[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.read(conn, in)
	}
}

func (s *SocketInterface) read(conn net.Conn, in chan inbound) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		payload, err := readPayload(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("peer connection closed", "error", err)
			}
			return
		}
		msg, err := decodeMessage(payload)
		if err != nil {
			s.logger.Warn("dropping undecodable message", "error", err)
			s.ipc.metrics.Dropped(s.name, "undecodable", 1)
			continue
		}
		select {
		case in <- inbound{msg: msg, from: conn}:
		case <-s.closed:
			return
		}
	}
}

// Receive waits for a message on either channel. A timeout of zero or less
// blocks until a message arrives or the interface is closed. It returns a
// nil message when the timeout expires.
func (s *SocketInterface) Receive(timeout time.Duration) (Message, error) {
	if !s.isBound() {
		return nil, ErrNotConnected
	}
	timer, stop := after(timeout)
	defer stop()

	select {
	case in := <-s.controlIn:
		s.setLastPeer(in.from)
		return in.msg, nil
	case in := <-s.dataIn:
		return in.msg, nil
	case <-timer:
		return nil, nil
	case <-s.closed:
		return nil, ErrClosed
	}
}

// ReceiveControl waits for a message on the control channel only
func (s *SocketInterface) ReceiveControl(timeout time.Duration) (Message, error) {
	timer, stop := after(timeout)
	defer stop()

	if s.isBound() {
		select {
		case in := <-s.controlIn:
			s.setLastPeer(in.from)
			return in.msg, nil
		case <-timer:
			return nil, nil
		case <-s.closed:
			return nil, ErrClosed
		}
	}

	if s.controlConn() == nil {
		return nil, ErrNotConnected
	}
	select {
	case msg := <-s.replies:
		return msg, nil
	case <-timer:
		return nil, nil
	case <-s.closed:
		return nil, ErrClosed
	}
}

// SendControl writes msg on the control channel. On the endpoint side the
// message goes back to the peer that sent the last control message.
func (s *SocketInterface) SendControl(msg Message) error {
	conn := s.controlConn()
	if conn == nil && s.isBound() {
		s.mu.Lock()
		conn = s.lastPeer
		s.mu.Unlock()
	}
	if conn == nil {
		return ErrNotConnected
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	return writeFrame(conn, msg)
}

// SendData writes msg on the data channel of the remote actor
func (s *SocketInterface) SendData(msg Message) error {
	s.mu.Lock()
	conn := s.data
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return writeFrame(conn, msg)
}

// ConnectControl attaches a client to the control endpoint
func (s *SocketInterface) ConnectControl() error {
	conn, err := s.dial(s.controlPath)
	if err != nil {
		return fmt.Errorf("failed to connect control channel of %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.control = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			payload, err := readPayload(conn)
			if err != nil {
				return
			}
			msg, err := decodeMessage(payload)
			if err != nil {
				s.logger.Warn("dropping undecodable reply", "error", err)
				continue
			}
			select {
			case s.replies <- msg:
			case <-s.closed:
				return
			}
		}
	}()
	return nil
}

// ConnectData attaches a client to the data endpoint
func (s *SocketInterface) ConnectData() error {
	conn, err := s.dial(s.dataPath)
	if err != nil {
		return fmt.Errorf("failed to connect data channel of %s: %w", s.name, err)
	}
	s.mu.Lock()
	s.data = conn
	s.mu.Unlock()
	return nil
}

func (s *SocketInterface) dial(path string) (net.Conn, error) {
	deadline := time.Now().Add(s.ipc.dialTimeout)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return conn, nil
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-s.closed:
			return nil, ErrClosed
		}
	}
}

// Close releases every socket. The endpoint side also removes its socket
// files unless a newer endpoint has bound the same addresses. Calling Close
// more than once is a no-op.
func (s *SocketInterface) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		s.mu.Lock()
		closers := []io.Closer{}
		for _, c := range []io.Closer{s.controlLn, s.dataLn, s.control, s.data} {
			if c != nil {
				closers = append(closers, c)
			}
		}
		for peer := range s.peers {
			closers = append(closers, peer)
		}
		bound := s.bound
		s.mu.Unlock()

		for _, c := range closers {
			_ = c.Close()
		}
		if bound {
			removeOwned(s.controlPath, s.controlFile)
			removeOwned(s.dataPath, s.dataFile)
		}
	})
	s.wg.Wait()
	return nil
}

func (s *SocketInterface) isBound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *SocketInterface) controlConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

func (s *SocketInterface) setLastPeer(conn net.Conn) {
	s.mu.Lock()
	s.lastPeer = conn
	s.mu.Unlock()
}

func after(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
