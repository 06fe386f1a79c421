// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process broker. It records every call made
// through its connections and lets callers inject inbound messages, which
// makes it suitable for tests and local dry runs.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxrelay/broker"
)

// Recorded operation names.
const (
	OpDial        = "dial"
	OpConnect     = "connect"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpSendReply   = "send_reply"
	OpDisconnect  = "disconnect"
	OpDispose     = "dispose"
)

// ErrNoSubscriber is returned by Deliver when no live connection is
// subscribed to the message topic.
var ErrNoSubscriber = errors.New("no subscriber for topic")

var _ broker.Dialer = (*Broker)(nil)

// Broker is an in-process broker.Dialer.
type Broker struct {
	mu        sync.Mutex
	logger    *slog.Logger
	calls     []string
	counts    map[string]int
	replies   []broker.Reply
	conns     []*Conn
	pending   map[string]*Conn
	dialErr   error
	connErr   error
	subErr    error
	manualAck bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithDialError makes Dial fail with err.
func WithDialError(err error) Option {
	return func(b *Broker) {
		b.dialErr = err
	}
}

// WithConnectError makes every Connect emit a ConnectFailedEvent with err.
func WithConnectError(err error) Option {
	return func(b *Broker) {
		b.connErr = err
	}
}

// WithSubscribeError makes every subscribe and unsubscribe request emit a
// SubscriptionErrorEvent with err.
func WithSubscribeError(err error) Option {
	return func(b *Broker) {
		b.subErr = err
	}
}

// WithManualAck holds subscription confirmations until Ack is called.
func WithManualAck() Option {
	return func(b *Broker) {
		b.manualAck = true
	}
}

// WithLogger sets the logger used to trace broker calls.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// New creates an in-process broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		logger:  slog.Default(),
		counts:  make(map[string]int),
		pending: make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Dial creates a new connection delivering events to handler.
func (b *Broker) Dial(creds broker.Credentials, handler broker.EventHandler) (broker.Conn, error) {
	b.record(OpDial)
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	c := &Conn{
		broker: b,
		creds:  creds,
		events: broker.NewEventQueue(handler),
		subs:   make(map[string]bool),
	}

	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()

	return c, nil
}

// Calls returns the recorded operations in call order.
func (b *Broker) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Count returns how many times op was called.
func (b *Broker) Count(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[op]
}

// Replies returns the replies sent through any connection.
func (b *Broker) Replies() []broker.Reply {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.Reply(nil), b.replies...)
}

// Conns returns every connection dialed so far.
func (b *Broker) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// Deliver injects msg into the live connections subscribed to its topic.
func (b *Broker) Deliver(msg *broker.InboundMessage) error {
	delivered := false
	for _, c := range b.Conns() {
		if c.subscribed(msg.Topic) {
			c.events.Emit(broker.MessageEvent{Message: msg})
			delivered = true
		}
	}
	if !delivered {
		return fmt.Errorf("%w: %s", ErrNoSubscriber, msg.Topic)
	}
	return nil
}

// Drop simulates the broker closing every live connection.
func (b *Broker) Drop(err error) {
	for _, c := range b.Conns() {
		if c.setConnected(false) {
			c.events.Emit(broker.DisconnectedEvent{Err: err})
		}
	}
}

// Ack confirms a pending subscription request when WithManualAck is set.
// Acking the same key twice emits a duplicate confirmation.
func (b *Broker) Ack(key string) error {
	b.mu.Lock()
	c, ok := b.pending[key]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown correlation key %q", key)
	}
	c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: key})
	return nil
}

// PendingKeys returns the correlation keys of requests issued so far in
// manual ack mode.
func (b *Broker) PendingKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	return keys
}

func (b *Broker) record(op string) {
	b.mu.Lock()
	b.calls = append(b.calls, op)
	b.counts[op]++
	b.mu.Unlock()
	b.logger.Debug("memory broker call", slog.String("op", op))
}

// Conn is a connection to the in-process broker.
type Conn struct {
	broker *Broker
	creds  broker.Credentials
	events *broker.EventQueue

	mu        sync.Mutex
	connected bool
	disposed  bool
	subs      map[string]bool
}

var _ broker.Conn = (*Conn)(nil)

// Credentials returns the credentials the connection was dialed with.
func (c *Conn) Credentials() broker.Credentials {
	return c.creds
}

// Connect emits ConnectedEvent, or ConnectFailedEvent when configured to fail.
func (c *Conn) Connect() error {
	c.broker.record(OpConnect)
	if c.broker.connErr != nil {
		c.events.Emit(broker.ConnectFailedEvent{Err: c.broker.connErr})
		return nil
	}
	c.setConnected(true)
	c.events.Emit(broker.ConnectedEvent{})
	return nil
}

// Subscribe records the subscription and confirms it.
func (c *Conn) Subscribe(req broker.SubscribeRequest) error {
	c.broker.record(OpSubscribe)
	return c.request(req, true)
}

// Unsubscribe removes the subscription and confirms it.
func (c *Conn) Unsubscribe(req broker.SubscribeRequest) error {
	c.broker.record(OpUnsubscribe)
	return c.request(req, false)
}

func (c *Conn) request(req broker.SubscribeRequest, subscribe bool) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return broker.ErrNotConnected
	}
	if c.broker.subErr == nil {
		c.subs[req.Topic] = subscribe
	}
	c.mu.Unlock()

	if c.broker.subErr != nil {
		c.events.Emit(broker.SubscriptionErrorEvent{CorrelationKey: req.CorrelationKey, Err: c.broker.subErr})
		return nil
	}

	if c.broker.manualAck {
		c.broker.mu.Lock()
		c.broker.pending[req.CorrelationKey] = c
		c.broker.mu.Unlock()
		return nil
	}
	c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
	return nil
}

// SendReply records the reply.
func (c *Conn) SendReply(reply *broker.Reply) error {
	c.broker.record(OpSendReply)
	if !c.isConnected() {
		return broker.ErrNotConnected
	}
	if reply.Destination == "" {
		return broker.ErrNoReplyTo
	}

	c.broker.mu.Lock()
	c.broker.replies = append(c.broker.replies, *reply)
	c.broker.mu.Unlock()
	return nil
}

// Disconnect emits DisconnectedEvent.
func (c *Conn) Disconnect() error {
	c.broker.record(OpDisconnect)
	if !c.setConnected(false) {
		return broker.ErrNotConnected
	}
	c.events.Emit(broker.DisconnectedEvent{})
	return nil
}

// Dispose stops event delivery. Queued events are still delivered.
func (c *Conn) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.connected = false
	c.mu.Unlock()

	c.broker.record(OpDispose)
	c.events.Close()
}

// setConnected updates the connection state and reports whether it changed.
func (c *Conn) setConnected(v bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.connected == v {
		return false
	}
	c.connected = v
	if !v {
		c.subs = make(map[string]bool)
	}
	return true
}

func (c *Conn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.subs[topic]
}
