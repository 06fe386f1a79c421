// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle drives the relay from startup through a graceful
// shutdown on a termination signal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/fluxrelay/session"
)

// DefaultGrace is the delay between disconnecting and terminating.
const DefaultGrace = time.Second

// ErrInvalidState is returned when an operation is not allowed in the
// current state.
var ErrInvalidState = errors.New("invalid lifecycle state")

// Session is the broker session driven by the controller.
type Session interface {
	Connect()
	Unsubscribe()
	Disconnect()
}

// Controller runs the relay state machine:
//
//	Idle -> Connecting -> Subscribed -> Disconnecting -> Terminated
//
// A connection failure or an unexpected disconnect returns to Idle; the relay
// does not reconnect on its own.
type Controller struct {
	session Session
	logger  *slog.Logger
	grace   time.Duration
	signals []os.Signal

	sm        stateManager
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Controller.
type Option func(*Controller)

// WithGrace sets the delay between disconnecting and terminating.
func WithGrace(d time.Duration) Option {
	return func(c *Controller) {
		c.grace = d
	}
}

// WithSignals sets the signals that trigger shutdown.
func WithSignals(sig ...os.Signal) Option {
	return func(c *Controller) {
		c.signals = sig
	}
}

// New creates an idle controller.
func New(s Session, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		session: s,
		logger:  logger,
		grace:   DefaultGrace,
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	return c.sm.get()
}

// Done is closed when the controller reaches Terminated.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start moves Idle to Connecting and connects the session.
func (c *Controller) Start() error {
	if !c.sm.transition(StateIdle, StateConnecting) {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, c.sm.get())
	}
	c.logger.Info("starting relay")
	c.session.Connect()
	return nil
}

// SessionChanged applies a session state change.
func (c *Controller) SessionChanged(change session.Change) {
	switch change {
	case session.Subscribed:
		if c.sm.transition(StateConnecting, StateSubscribed) {
			c.logger.Info("relay subscribed and forwarding")
		}
	case session.ConnectFailed, session.Disconnected:
		if from, ok := c.sm.transitionFrom(StateIdle, StateConnecting, StateSubscribed); ok {
			c.logger.Warn("relay lost its broker session, restart required",
				slog.String("from", from.String()),
				slog.String("reason", change.String()))
		}
	case session.SubscribeFailed:
		c.logger.Warn("topic subscription failed", slog.String("state", c.sm.get().String()))
	}
}

// Shutdown unsubscribes, disconnects, waits the grace delay and terminates.
// It is idempotent; concurrent callers return once Terminated is reached.
func (c *Controller) Shutdown() {
	if c.sm.transition(StateIdle, StateTerminated) {
		c.logger.Info("relay terminated")
		c.terminate()
		return
	}

	from, ok := c.sm.transitionFrom(StateDisconnecting, StateConnecting, StateSubscribed)
	if !ok {
		<-c.done
		return
	}

	c.logger.Info("shutting down relay", slog.String("from", from.String()))
	c.session.Unsubscribe()
	c.session.Disconnect()

	if c.grace > 0 {
		time.Sleep(c.grace)
	}

	c.sm.set(StateTerminated)
	c.logger.Info("relay terminated")
	c.terminate()
}

// Run starts the relay and blocks until a termination signal arrives or ctx
// is cancelled, then shuts down.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	if len(c.signals) > 0 {
		signal.Notify(sigCh, c.signals...)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
		c.logger.Info("context cancelled, shutting down")
	}

	c.Shutdown()
	return nil
}

func (c *Controller) terminate() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
