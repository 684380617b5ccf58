// SPDX-FileCopyrightText: 2025 The PowerAPI Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalHandlerRun(t *testing.T) {
	t.Run("returns when context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sh := NewSignalHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), syscall.SIGINT)

		errCh := make(chan error)
		go func() {
			errCh <- sh.Run(ctx)
		}()

		// Cancel the context
		cancel()

		var err error
		select {
		case err = <-errCh:
			// Got result
		case <-time.After(time.Second):
			t.Fatal("Run did not return after context cancellation")
		}

		assert.Equal(t, context.Canceled, err)
	})
}

func TestSignalHandlerReturnsOnSignal(t *testing.T) {
	sh := NewSignalHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), syscall.SIGUSR1)
	assert.Equal(t, "signal-handler", sh.Name())

	// SIGUSR1 would kill the test binary before the handler subscribes
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGUSR1)
	defer signal.Stop(guard)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sh.Run(context.Background())
	}()

	// Notify is only registered once Run started
	assert.Eventually(t, func() bool {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGUSR1)
		select {
		case err := <-errCh:
			return err == nil
		default:
			return false
		}
	}, time.Second, 20*time.Millisecond)
}
