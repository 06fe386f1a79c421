// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nats implements the broker capability over NATS core.
//
// Message headers become message properties, the NATS reply subject is the
// reply-to destination and the Nats-Msg-Id header is the message id. NATS
// core has no durable subscriptions; the durable flag is ignored.
package nats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxrelay/broker"
	natsgo "github.com/nats-io/nats.go"
)

// Header names used on the wire.
const (
	HeaderMsgID         = "Nats-Msg-Id"
	HeaderCorrelationID = "Correlation-Id"
	HeaderReply         = "Reply"
)

// Config holds NATS connection settings.
type Config struct {
	ConnectTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

var _ broker.Dialer = (*Dialer)(nil)

// Dialer creates NATS connections.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a NATS dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial creates an unconnected NATS connection.
func (d *Dialer) Dial(creds broker.Credentials, handler broker.EventHandler) (broker.Conn, error) {
	return &conn{
		cfg:    d.cfg,
		creds:  creds,
		logger: d.logger.With(slog.String("broker", "nats")),
		events: broker.NewEventQueue(handler),
	}, nil
}

type conn struct {
	cfg    Config
	creds  broker.Credentials
	logger *slog.Logger
	events *broker.EventQueue

	mu       sync.Mutex
	nc       *natsgo.Conn
	sub      *natsgo.Subscription
	disposed bool
}

func (c *conn) options() []natsgo.Option {
	opts := []natsgo.Option{
		natsgo.MaxReconnects(c.cfg.MaxReconnects),
		natsgo.ReconnectWait(c.cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(c.handleDisconnect),
		natsgo.ReconnectHandler(c.handleReconnect),
		natsgo.ClosedHandler(c.handleClosed),
	}
	if c.cfg.ConnectTimeout > 0 {
		opts = append(opts, natsgo.Timeout(c.cfg.ConnectTimeout))
	}
	if c.creds.Username != "" {
		opts = append(opts, natsgo.UserInfo(c.creds.Username, c.creds.Password))
	}
	if c.creds.ClientName != "" {
		opts = append(opts, natsgo.Name(c.creds.ClientName))
	}
	return opts
}

func (c *conn) Connect() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return broker.ErrClosed
	}
	c.mu.Unlock()

	go func() {
		nc, err := natsgo.Connect(c.creds.URL, c.options()...)
		if err != nil {
			c.events.Emit(broker.ConnectFailedEvent{Err: err})
			return
		}

		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			nc.Close()
			return
		}
		c.nc = nc
		c.mu.Unlock()

		c.logger.Debug("nats connected", slog.String("server", nc.ConnectedUrl()))
		c.events.Emit(broker.ConnectedEvent{})
	}()
	return nil
}

func (c *conn) Subscribe(req broker.SubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		return broker.ErrNotConnected
	}
	if c.sub != nil {
		c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
		return nil
	}

	sub, err := c.nc.Subscribe(req.Topic, c.handleMsg)
	if err == nil {
		err = c.nc.FlushTimeout(ackTimeout(req))
	}
	if err != nil {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		c.events.Emit(broker.SubscriptionErrorEvent{CorrelationKey: req.CorrelationKey, Err: err})
		return nil
	}

	c.sub = sub
	c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
	return nil
}

func (c *conn) Unsubscribe(req broker.SubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil {
		return broker.ErrNotConnected
	}
	if c.sub == nil {
		c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
		return nil
	}

	err := c.sub.Unsubscribe()
	if err == nil {
		err = c.nc.FlushTimeout(ackTimeout(req))
	}
	if err != nil {
		c.events.Emit(broker.SubscriptionErrorEvent{CorrelationKey: req.CorrelationKey, Err: err})
		return nil
	}

	c.sub = nil
	c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
	return nil
}

func (c *conn) SendReply(reply *broker.Reply) error {
	if reply.Destination == "" {
		return broker.ErrNoReplyTo
	}

	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil {
		return broker.ErrNotConnected
	}

	return nc.PublishMsg(replyMsg(reply))
}

func (c *conn) Disconnect() error {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()
	if nc == nil || nc.IsClosed() {
		return broker.ErrNotConnected
	}

	// ClosedHandler emits the DisconnectedEvent.
	nc.Close()
	return nil
}

func (c *conn) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	nc := c.nc
	c.nc = nil
	c.sub = nil
	c.mu.Unlock()

	if nc != nil && !nc.IsClosed() {
		nc.Close()
	}
	c.events.Close()
}

func (c *conn) handleMsg(m *natsgo.Msg) {
	c.events.Emit(broker.MessageEvent{Message: inbound(m)})
}

func (c *conn) handleDisconnect(_ *natsgo.Conn, err error) {
	if err != nil {
		c.logger.Warn("nats connection lost, reconnecting", slog.String("error", err.Error()))
	}
}

func (c *conn) handleReconnect(nc *natsgo.Conn) {
	c.logger.Info("nats reconnected", slog.String("server", nc.ConnectedUrl()))
}

func (c *conn) handleClosed(nc *natsgo.Conn) {
	c.events.Emit(broker.DisconnectedEvent{Err: nc.LastError()})
}

func inbound(m *natsgo.Msg) *broker.InboundMessage {
	msg := &broker.InboundMessage{
		Topic:   m.Subject,
		Payload: m.Data,
		ReplyTo: m.Reply,
	}
	if len(m.Header) == 0 {
		return msg
	}

	msg.MessageID = m.Header.Get(HeaderMsgID)
	msg.Properties = make(map[string]string, len(m.Header))
	for k, v := range m.Header {
		if k == HeaderMsgID || len(v) == 0 {
			continue
		}
		msg.Properties[k] = v[0]
	}
	return msg
}

func replyMsg(reply *broker.Reply) *natsgo.Msg {
	m := natsgo.NewMsg(reply.Destination)
	m.Header.Set(HeaderCorrelationID, reply.CorrelationID)
	if reply.IsReply {
		m.Header.Set(HeaderReply, "true")
	}
	return m
}

func ackTimeout(req broker.SubscribeRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return broker.DefaultAckTimeout
}
