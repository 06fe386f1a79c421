// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the broker capability over MQTT 3.1.1.
//
// MQTT 3.1.1 has no user properties or reply-to field. In envelope mode the
// payload is a JSON Envelope carrying them; otherwise messages have no
// properties, no reply-to and the packet id as message id.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxrelay/broker"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesce     = 250 // milliseconds
	replyQoS              = 1
)

// Config holds MQTT connection settings.
type Config struct {
	ConnectTimeout time.Duration
	// Durable requests a persistent session (clean session off) and QoS 1
	// subscriptions.
	Durable bool
	// Envelope decodes inbound payloads as JSON Envelopes.
	Envelope bool
}

// Envelope wraps a message payload with the metadata MQTT 3.1.1 cannot carry.
type Envelope struct {
	Payload    []byte            `json:"payload"`
	Properties map[string]string `json:"properties,omitempty"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
}

// ReplyPayload is the JSON body of a reply message.
type ReplyPayload struct {
	CorrelationID string `json:"correlation_id"`
	Reply         bool   `json:"reply"`
}

var _ broker.Dialer = (*Dialer)(nil)

// Dialer creates MQTT connections.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates an MQTT dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial creates an unconnected MQTT client.
func (d *Dialer) Dial(creds broker.Credentials, handler broker.EventHandler) (broker.Conn, error) {
	if creds.URL == "" {
		return nil, errors.New("mqtt broker url is required")
	}

	c := &conn{
		cfg:    d.cfg,
		logger: d.logger.With(slog.String("broker", "mqtt")),
		events: broker.NewEventQueue(handler),
	}

	clientID := creds.ClientName
	if clientID == "" {
		clientID = "fluxrelay-" + uuid.NewString()
	}

	opts := paho.NewClientOptions().
		AddBroker(creds.URL).
		SetClientID(clientID).
		SetCleanSession(!d.cfg.Durable).
		SetProtocolVersion(4).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectionLostHandler(c.handleConnectionLost)
	if creds.Username != "" {
		opts.SetUsername(creds.Username)
		opts.SetPassword(creds.Password)
	}
	c.client = paho.NewClient(opts)

	return c, nil
}

type conn struct {
	cfg    Config
	logger *slog.Logger
	events *broker.EventQueue
	client paho.Client

	mu       sync.Mutex
	disposed bool
}

func (c *conn) Connect() error {
	if c.isDisposed() {
		return broker.ErrClosed
	}

	token := c.client.Connect()
	go func() {
		if err := wait(token, c.cfg.ConnectTimeout); err != nil {
			c.events.Emit(broker.ConnectFailedEvent{Err: err})
			return
		}
		c.events.Emit(broker.ConnectedEvent{})
	}()
	return nil
}

func (c *conn) Subscribe(req broker.SubscribeRequest) error {
	if !c.client.IsConnectionOpen() {
		return broker.ErrNotConnected
	}

	var qos byte
	if req.Durable {
		qos = 1
	}
	token := c.client.Subscribe(req.Topic, qos, c.handleMessage)
	go c.confirm(req, token)
	return nil
}

func (c *conn) Unsubscribe(req broker.SubscribeRequest) error {
	if !c.client.IsConnectionOpen() {
		return broker.ErrNotConnected
	}

	token := c.client.Unsubscribe(req.Topic)
	go c.confirm(req, token)
	return nil
}

func (c *conn) confirm(req broker.SubscribeRequest, token paho.Token) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = broker.DefaultAckTimeout
	}
	if err := wait(token, timeout); err != nil {
		c.events.Emit(broker.SubscriptionErrorEvent{CorrelationKey: req.CorrelationKey, Err: err})
		return
	}
	if st, ok := token.(*paho.SubscribeToken); ok {
		for topic, code := range st.Result() {
			if code == 0x80 {
				c.events.Emit(broker.SubscriptionErrorEvent{
					CorrelationKey: req.CorrelationKey,
					Err:            fmt.Errorf("subscription to %q rejected", topic),
				})
				return
			}
		}
	}
	c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
}

func (c *conn) SendReply(reply *broker.Reply) error {
	if reply.Destination == "" {
		return broker.ErrNoReplyTo
	}
	if !c.client.IsConnectionOpen() {
		return broker.ErrNotConnected
	}

	payload, err := json.Marshal(ReplyPayload{
		CorrelationID: reply.CorrelationID,
		Reply:         reply.IsReply,
	})
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}

	token := c.client.Publish(reply.Destination, replyQoS, false, payload)
	go func() {
		if err := wait(token, c.cfg.ConnectTimeout); err != nil {
			c.logger.Warn("reply publish not acknowledged",
				slog.String("destination", reply.Destination),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (c *conn) Disconnect() error {
	if !c.client.IsConnected() {
		return broker.ErrNotConnected
	}

	c.client.Disconnect(disconnectQuiesce)
	c.events.Emit(broker.DisconnectedEvent{})
	return nil
}

func (c *conn) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	if c.client.IsConnected() {
		c.client.Disconnect(0)
	}
	c.events.Close()
}

func (c *conn) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

func (c *conn) handleConnectionLost(_ paho.Client, err error) {
	c.events.Emit(broker.DisconnectedEvent{Err: err})
}

func (c *conn) handleMessage(_ paho.Client, m paho.Message) {
	msg, err := inbound(m.Topic(), m.Payload(), m.MessageID(), c.cfg.Envelope)
	if err != nil {
		c.logger.Warn("invalid message envelope, forwarding raw payload",
			slog.String("topic", m.Topic()),
			slog.String("error", err.Error()))
	}
	c.events.Emit(broker.MessageEvent{Message: msg})
}

// inbound converts an MQTT publish into an InboundMessage. When the envelope
// cannot be decoded the raw payload is returned together with the error.
func inbound(topic string, payload []byte, packetID uint16, envelope bool) (*broker.InboundMessage, error) {
	raw := &broker.InboundMessage{
		Topic:     topic,
		Payload:   payload,
		MessageID: strconv.Itoa(int(packetID)),
	}
	if !envelope {
		return raw, nil
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return raw, fmt.Errorf("failed to decode envelope: %w", err)
	}

	msg := &broker.InboundMessage{
		Topic:      topic,
		Payload:    env.Payload,
		Properties: env.Properties,
		ReplyTo:    env.ReplyTo,
		MessageID:  env.MessageID,
	}
	if msg.MessageID == "" {
		msg.MessageID = raw.MessageID
	}
	return msg, nil
}

func wait(token paho.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return broker.ErrAckTimeout
	}
	return token.Error()
}
