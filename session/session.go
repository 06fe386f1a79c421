// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxrelay/broker"
	"github.com/absmach/fluxrelay/server/otel"
	"github.com/google/uuid"
)

// Change is a session state change reported to observers.
type Change uint8

// Session changes.
const (
	Connected Change = iota + 1
	ConnectFailed
	Subscribed
	SubscribeFailed
	Unsubscribed
	Disconnected
)

// String returns the change name.
func (c Change) String() string {
	switch c {
	case Connected:
		return "connected"
	case ConnectFailed:
		return "connect_failed"
	case Subscribed:
		return "subscribed"
	case SubscribeFailed:
		return "subscribe_failed"
	case Unsubscribed:
		return "unsubscribed"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MessageHandler processes one inbound message. Replies go through r.
type MessageHandler func(ctx context.Context, msg *broker.InboundMessage, r broker.Replier)

// Config holds the session settings.
type Config struct {
	Credentials broker.Credentials
	Topic       string
	Durable     bool
	AckTimeout  time.Duration
}

type op uint8

const (
	opSubscribe op = iota + 1
	opUnsubscribe
)

func (o op) String() string {
	if o == opSubscribe {
		return "subscribe"
	}
	return "unsubscribe"
}

// errNoReason stands in for a missing error on failure events.
var errNoReason = errors.New("broker gave no reason")

// Status is a snapshot of the session state.
type Status struct {
	Connected  bool   `json:"connected"`
	Subscribed bool   `json:"subscribed"`
	Topic      string `json:"topic"`
}

// Session owns the broker connection and the topic subscription.
//
// All methods are safe for concurrent use. Broker events are handled one at
// a time; the message handler runs outside the session lock.
type Session struct {
	cfg     Config
	dialer  broker.Dialer
	handler MessageHandler
	logger  *slog.Logger
	metrics *otel.Metrics // nil if metrics disabled

	mu         sync.Mutex
	conn       broker.Conn // nil when not connected
	gen        uint64
	connected  bool // set once the broker confirms the connection
	subscribed bool
	pending    map[string]op
	observers  []func(Change)
}

// Option configures a Session.
type Option func(*Session)

// WithObserver registers fn to receive state changes.
func WithObserver(fn func(Change)) Option {
	return func(s *Session) {
		s.observers = append(s.observers, fn)
	}
}

// WithMetrics records session events.
func WithMetrics(m *otel.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// New creates an unconnected session.
func New(cfg Config, dialer broker.Dialer, handler MessageHandler, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = broker.DefaultAckTimeout
	}

	s := &Session{
		cfg:     cfg,
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		pending: make(map[string]op),
	}
	for _, opt := range opts {
		opt(s)
	}

	logger.Info("ready to subscribe", slog.String("topic", cfg.Topic))
	return s
}

// Observe registers fn to receive state changes.
func (s *Session) Observe(fn func(Change)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Connect creates a broker connection and starts connecting. It is a no-op
// when a connection already exists. Failures are logged, not returned.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		s.logger.Info("already connected to broker")
		return
	}

	creds := s.cfg.Credentials
	s.logger.Info("connecting to broker",
		slog.String("url", creds.URL),
		slog.String("username", creds.Username),
		slog.String("vpn", creds.VPN),
		slog.String("client_name", creds.ClientName))

	s.gen++
	gen := s.gen
	conn, err := s.dialer.Dial(creds, func(ev broker.Event) {
		s.handle(gen, ev)
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("failed to create broker connection",
			slog.String("error", broker.NewError(broker.KindConnection, "dial", err).Error()))
		s.notify(ConnectFailed)
		return
	}
	s.conn = conn

	if err := conn.Connect(); err != nil {
		s.release()
		s.mu.Unlock()
		s.logger.Error("failed to connect to broker",
			slog.String("error", broker.NewError(broker.KindConnection, "connect", err).Error()))
		s.notify(ConnectFailed)
		return
	}
	s.mu.Unlock()
}

// Subscribe requests the topic subscription. It is a no-op when not
// connected, already subscribed, or a subscribe request is outstanding.
func (s *Session) Subscribe() {
	s.request(opSubscribe)
}

// Unsubscribe removes the topic subscription. It is a no-op when not
// connected, not subscribed, or an unsubscribe request is outstanding.
func (s *Session) Unsubscribe() {
	s.request(opUnsubscribe)
}

func (s *Session) request(o op) {
	s.mu.Lock()
	switch {
	case s.conn == nil:
		s.mu.Unlock()
		s.logger.Info("not connected, ignoring request", slog.String("op", o.String()))
		return
	case o == opSubscribe && s.subscribed:
		s.mu.Unlock()
		s.logger.Info("already subscribed", slog.String("topic", s.cfg.Topic))
		return
	case o == opUnsubscribe && !s.subscribed:
		s.mu.Unlock()
		s.logger.Info("not subscribed", slog.String("topic", s.cfg.Topic))
		return
	case s.hasPending(o):
		s.mu.Unlock()
		s.logger.Debug("request already pending", slog.String("op", o.String()))
		return
	}

	req := broker.SubscribeRequest{
		Topic:          s.cfg.Topic,
		CorrelationKey: uuid.NewString(),
		Durable:        s.cfg.Durable,
		Timeout:        s.cfg.AckTimeout,
	}
	s.pending[req.CorrelationKey] = o
	conn := s.conn
	s.mu.Unlock()

	// The adapter call may block until the broker answers.
	var err error
	if o == opSubscribe {
		err = conn.Subscribe(req)
	} else {
		err = conn.Unsubscribe(req)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.pending, req.CorrelationKey)
		s.mu.Unlock()
	}

	if err != nil {
		s.logger.Error("subscription request failed",
			slog.String("topic", req.Topic),
			slog.String("error", broker.NewError(broker.KindSubscription, o.String(), err).Error()))
		if o == opSubscribe {
			s.notify(SubscribeFailed)
		}
		return
	}

	s.logger.Info("subscription request sent",
		slog.String("op", o.String()),
		slog.String("topic", req.Topic),
		slog.String("correlation_key", req.CorrelationKey),
		slog.Bool("durable", req.Durable))
}

// Disconnect starts an orderly disconnect. It is a no-op when not connected.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		s.logger.Info("not connected, ignoring disconnect")
		return
	}

	s.logger.Info("disconnecting from broker")
	if err := s.conn.Disconnect(); err != nil {
		s.release()
		s.mu.Unlock()
		s.logger.Error("broker disconnect failed",
			slog.String("error", broker.NewError(broker.KindConnection, "disconnect", err).Error()))
		s.notify(Disconnected)
		return
	}
	s.mu.Unlock()
}

// SendReply sends reply through the current connection.
func (s *Session) SendReply(reply *broker.Reply) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	err := broker.ErrNotConnected
	if conn != nil {
		err = conn.SendReply(reply)
	}
	if err != nil {
		err = broker.NewError(broker.KindSend, "send reply", err)
		s.logger.Error("failed to send reply",
			slog.String("destination", reply.Destination),
			slog.String("correlation_id", reply.CorrelationID),
			slog.String("error", err.Error()))
		return err
	}

	s.logger.Debug("reply sent",
		slog.String("destination", reply.Destination),
		slog.String("correlation_id", reply.CorrelationID))
	return nil
}

// HandleEvent processes an event for the current connection.
func (s *Session) HandleEvent(ev broker.Event) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.handle(gen, ev)
}

func (s *Session) handle(gen uint64, ev broker.Event) {
	if s.metrics != nil {
		s.metrics.RecordSessionEvent(ev.Type())
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.logger.Debug("ignoring event from previous connection", slog.String("event", ev.Type()))
		return
	}

	switch e := ev.(type) {
	case broker.ConnectedEvent:
		s.connected = true
		s.mu.Unlock()
		s.logger.Info("connected to broker")
		s.notify(Connected)
		s.Subscribe()

	case broker.ConnectFailedEvent:
		s.release()
		s.mu.Unlock()
		s.logger.Error("broker connection failed",
			slog.String("error", broker.NewError(broker.KindConnection, "connect", reason(e.Err)).Error()))
		s.notify(ConnectFailed)

	case broker.DisconnectedEvent:
		if s.conn == nil {
			s.mu.Unlock()
			s.logger.Debug("disconnected event without connection")
			return
		}
		s.release()
		s.mu.Unlock()
		if e.Err != nil {
			s.logger.Warn("disconnected from broker", slog.String("error", e.Err.Error()))
		} else {
			s.logger.Info("disconnected from broker")
		}
		s.notify(Disconnected)

	case broker.SubscriptionOkEvent:
		o, ok := s.pending[e.CorrelationKey]
		if !ok {
			s.mu.Unlock()
			s.logger.Warn("ignoring unexpected subscription confirmation",
				slog.String("correlation_key", e.CorrelationKey))
			return
		}
		delete(s.pending, e.CorrelationKey)
		change := Subscribed
		s.subscribed = o == opSubscribe
		if o == opUnsubscribe {
			change = Unsubscribed
		}
		s.mu.Unlock()
		s.logger.Info("subscription confirmed",
			slog.String("op", o.String()),
			slog.String("topic", s.cfg.Topic))
		s.notify(change)

	case broker.SubscriptionErrorEvent:
		o, ok := s.pending[e.CorrelationKey]
		delete(s.pending, e.CorrelationKey)
		s.mu.Unlock()
		name := "subscription"
		if ok {
			name = o.String()
		}
		s.logger.Error("subscription request rejected",
			slog.String("topic", s.cfg.Topic),
			slog.String("correlation_key", e.CorrelationKey),
			slog.String("error", broker.NewError(broker.KindSubscription, name, reason(e.Err)).Error()))
		if ok && o == opSubscribe {
			s.notify(SubscribeFailed)
		}

	case broker.MessageEvent:
		handler := s.handler
		s.mu.Unlock()
		if handler == nil || e.Message == nil {
			return
		}
		handler(context.Background(), e.Message, s)

	default:
		s.mu.Unlock()
		s.logger.Warn("unknown broker event", slog.String("event", ev.Type()))
	}
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected:  s.connected,
		Subscribed: s.subscribed,
		Topic:      s.cfg.Topic,
	}
}

// Connected reports whether the broker has confirmed the connection.
func (s *Session) Connected() bool {
	return s.Status().Connected
}

// Subscribed reports whether the topic subscription is confirmed.
func (s *Session) Subscribed() bool {
	return s.Status().Subscribed
}

// release must be called with s.mu held. Events still queued by the
// released connection are ignored.
func (s *Session) release() {
	if s.conn != nil {
		s.conn.Dispose()
		s.conn = nil
	}
	s.gen++
	s.connected = false
	s.subscribed = false
	clear(s.pending)
}

func reason(err error) error {
	if err == nil {
		return errNoReason
	}
	return err
}

// hasPending must be called with s.mu held.
func (s *Session) hasPending(o op) bool {
	for _, p := range s.pending {
		if p == o {
			return true
		}
	}
	return false
}

func (s *Session) notify(c Change) {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(c)
	}
}
