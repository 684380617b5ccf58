// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

// Package wsdb broadcasts reports as JSON text messages to the websocket
// clients connected to it.
package wsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/powerapi-ng/powerapi/config"
	"github.com/powerapi-ng/powerapi/internal/database"
	"github.com/powerapi-ng/powerapi/internal/report"
)

const (
	Type = "websocket"

	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var kinds = []report.Kind{report.KindPower, report.KindFormula}

// Factory registers the websocket backend
func Factory() database.Factory {
	return database.Factory{
		Type: Type,
		Args: []config.Arg{
			{Name: "addr", Type: config.ArgString, Default: "127.0.0.1", Help: "address to listen on"},
			{Name: "port", Type: config.ArgInt, Required: true, Help: "port to listen on"},
			{Name: "path", Type: config.ArgString, Default: "/ws", Help: "path clients connect to"},
		},
		NewWritable: func(p database.Params) (database.Writable, error) {
			address := net.JoinHostPort(p.Values.String("addr"), strconv.Itoa(p.Values.Int("port")))
			return New(address, p.Values.String("path"), p.Logger), nil
		},
	}
}

type client struct {
	conn *websocket.Conn
	// gorilla connections support one concurrent writer
	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// DB is a websocket server, reports written while no client is connected
// are lost
type DB struct {
	logger   *slog.Logger
	address  string
	path     string
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]struct{}
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

var _ database.Writable = (*DB)(nil)

func New(address, path string, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{
		logger:  logger.With("database", Type),
		address: address,
		path:    path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

func (db *DB) SupportedWriteKinds() []report.Kind { return kinds }

// Addr returns the address listened on, nil before Connect
func (db *DB) Addr() net.Addr {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.listener == nil {
		return nil
	}
	return db.listener.Addr()
}

// Clients returns the number of connected clients
func (db *DB) Clients() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.clients)
}

func (db *DB) Connect(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", db.address)
	if err != nil {
		return fmt.Errorf("%w: %w", database.ErrConnectionFailed, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(db.path, db.handle)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	db.mu.Lock()
	db.server, db.listener = server, l
	db.mu.Unlock()

	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			db.logger.Error("websocket server stopped", "error", err)
		}
	}()
	db.logger.Info("waiting for websocket clients", "address", l.Addr().String(), "path", db.path)
	return nil
}

func (db *DB) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := db.upgrader.Upgrade(w, r, nil)
	if err != nil {
		db.logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{conn: conn}
	db.mu.Lock()
	db.clients[c] = struct{}{}
	db.mu.Unlock()
	db.logger.Info("client connected", "remote", r.RemoteAddr)

	db.wg.Add(1)
	go func() {
		defer db.wg.Done()
		defer db.remove(c)
		// clients only send control frames, reading processes them and
		// detects closed connections
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (db *DB) remove(c *client) {
	db.mu.Lock()
	_, ok := db.clients[c]
	delete(db.clients, c)
	db.mu.Unlock()
	if ok {
		_ = c.conn.Close()
	}
}

func (db *DB) Disconnect() {
	db.mu.Lock()
	server := db.server
	db.server, db.listener = nil, nil
	clients := make([]*client, 0, len(db.clients))
	for c := range db.clients {
		clients = append(clients, c)
	}
	db.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			db.logger.Warn("failed to shutdown websocket server", "error", err)
		}
	}
	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		db.remove(c)
	}
	db.wg.Wait()
}

// Write sends every report to every client. A client failing to receive is
// disconnected, the write itself does not fail.
func (db *DB) Write(ctx context.Context, reports []report.Report) error {
	messages := make([][]byte, 0, len(reports))
	for _, r := range reports {
		if !database.Supports(kinds, r.Kind()) {
			return fmt.Errorf("%w: %w: %s", database.ErrWriteFailed, database.ErrUnsupportedKind, r.Kind())
		}
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("%w: %w", database.ErrWriteFailed, err)
		}
		messages = append(messages, data)
	}

	db.mu.Lock()
	clients := make([]*client, 0, len(db.clients))
	for c := range db.clients {
		clients = append(clients, c)
	}
	db.mu.Unlock()

	for _, c := range clients {
		for _, msg := range messages {
			if err := c.send(msg); err != nil {
				db.logger.Warn("dropping client", "remote", c.conn.RemoteAddr().String(), "error", err)
				db.remove(c)
				break
			}
		}
	}
	return nil
}
