// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package kafka implements the broker capability over Apache Kafka.
//
// Record headers become message properties, except reply-to and message-id
// which carry the reply destination and the message id. The record key is
// the message id when no message-id header is present. Durable subscriptions
// join a consumer group; non-durable ones read new records from partition 0.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxrelay/broker"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// Header names used on the wire.
const (
	HeaderReplyTo       = "reply-to"
	HeaderMessageID     = "message-id"
	HeaderCorrelationID = "Correlation-Id"
	HeaderReply         = "Reply"
)

const (
	defaultDialTimeout = 10 * time.Second
	readRetryDelay     = time.Second
)

// Config holds Kafka connection settings.
type Config struct {
	// GroupID is the consumer group joined by durable subscriptions.
	GroupID     string
	DialTimeout time.Duration
}

var _ broker.Dialer = (*Dialer)(nil)

// Dialer creates Kafka connections.
type Dialer struct {
	cfg    Config
	logger *slog.Logger
}

// NewDialer creates a Kafka dialer.
func NewDialer(cfg Config, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial creates an unconnected Kafka connection. The URL lists the bootstrap
// brokers: kafka://host1:9092,host2:9092.
func (d *Dialer) Dial(creds broker.Credentials, handler broker.EventHandler) (broker.Conn, error) {
	brokers, err := ParseBrokers(creds.URL)
	if err != nil {
		return nil, err
	}

	groupID := d.cfg.GroupID
	if groupID == "" {
		groupID = creds.ClientName
	}

	var mech sasl.Mechanism
	if creds.Username != "" {
		mech = plain.Mechanism{Username: creds.Username, Password: creds.Password}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		brokers: brokers,
		groupID: groupID,
		dialer: &kafkago.Dialer{
			ClientID:      creds.ClientName,
			Timeout:       d.cfg.DialTimeout,
			DualStack:     true,
			SASLMechanism: mech,
		},
		mech:    mech,
		timeout: d.cfg.DialTimeout,
		logger:  d.logger.With(slog.String("broker", "kafka")),
		events:  broker.NewEventQueue(handler),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// ParseBrokers extracts the broker addresses from a kafka:// URL.
func ParseBrokers(url string) ([]string, error) {
	hosts := strings.TrimPrefix(url, "kafka://")
	var brokers []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(h); err != nil {
			return nil, fmt.Errorf("invalid kafka broker address %q: %w", h, err)
		}
		brokers = append(brokers, h)
	}
	if len(brokers) == 0 {
		return nil, errors.New("at least one Kafka broker address is required")
	}
	return brokers, nil
}

type conn struct {
	brokers []string
	groupID string
	dialer  *kafkago.Dialer
	mech    sasl.Mechanism
	timeout time.Duration
	logger  *slog.Logger
	events  *broker.EventQueue
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	connected bool
	disposed  bool
	writer    *kafkago.Writer
	reader    *kafkago.Reader
	subCancel context.CancelFunc
}

func (c *conn) Connect() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return broker.ErrClosed
	}
	c.mu.Unlock()

	go func() {
		if err := c.ping(); err != nil {
			c.events.Emit(broker.ConnectFailedEvent{Err: err})
			return
		}

		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			return
		}
		c.connected = true
		c.writer = &kafkago.Writer{
			Addr:         kafkago.TCP(c.brokers...),
			Balancer:     &kafkago.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			Transport: &kafkago.Transport{
				ClientID: c.dialer.ClientID,
				SASL:     c.mech,
			},
		}
		c.mu.Unlock()

		c.events.Emit(broker.ConnectedEvent{})
	}()
	return nil
}

// ping dials the bootstrap brokers until one answers.
func (c *conn) ping() error {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	var errs []error
	for _, addr := range c.brokers {
		kc, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		kc.Close()
		return nil
	}
	return errors.Join(errs...)
}

func (c *conn) Subscribe(req broker.SubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return broker.ErrNotConnected
	}
	if c.reader != nil {
		c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
		return nil
	}

	rc := kafkago.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    req.Topic,
		Dialer:   c.dialer,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  500 * time.Millisecond,
	}
	if req.Durable {
		rc.GroupID = c.groupID
	}
	reader := kafkago.NewReader(rc)
	if !req.Durable {
		if err := reader.SetOffset(kafkago.LastOffset); err != nil {
			reader.Close()
			c.events.Emit(broker.SubscriptionErrorEvent{CorrelationKey: req.CorrelationKey, Err: err})
			return nil
		}
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.reader = reader
	c.subCancel = cancel
	go c.consumeLoop(ctx, reader)

	c.logger.Debug("kafka consumer started",
		slog.String("topic", req.Topic),
		slog.String("group_id", rc.GroupID))
	c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
	return nil
}

func (c *conn) Unsubscribe(req broker.SubscribeRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return broker.ErrNotConnected
	}

	if err := c.stopReader(); err != nil {
		c.events.Emit(broker.SubscriptionErrorEvent{CorrelationKey: req.CorrelationKey, Err: err})
		return nil
	}
	c.events.Emit(broker.SubscriptionOkEvent{CorrelationKey: req.CorrelationKey})
	return nil
}

// stopReader must be called with c.mu held.
func (c *conn) stopReader() error {
	if c.reader == nil {
		return nil
	}
	c.subCancel()
	err := c.reader.Close()
	c.reader = nil
	c.subCancel = nil
	return err
}

func (c *conn) consumeLoop(ctx context.Context, reader *kafkago.Reader) {
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Warn("kafka read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		c.events.Emit(broker.MessageEvent{Message: inbound(m)})
	}
}

func (c *conn) SendReply(reply *broker.Reply) error {
	if reply.Destination == "" {
		return broker.ErrNoReplyTo
	}

	c.mu.Lock()
	w := c.writer
	c.mu.Unlock()
	if w == nil {
		return broker.ErrNotConnected
	}

	msg := replyMessage(reply)
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
		defer cancel()
		if err := w.WriteMessages(ctx, msg); err != nil {
			c.logger.Warn("kafka reply write failed",
				slog.String("destination", reply.Destination),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (c *conn) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return broker.ErrNotConnected
	}
	c.connected = false
	err := errors.Join(c.stopReader(), c.closeWriter())
	c.mu.Unlock()

	c.events.Emit(broker.DisconnectedEvent{Err: err})
	return nil
}

// closeWriter must be called with c.mu held.
func (c *conn) closeWriter() error {
	if c.writer == nil {
		return nil
	}
	err := c.writer.Close()
	c.writer = nil
	return err
}

func (c *conn) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.connected = false
	if err := errors.Join(c.stopReader(), c.closeWriter()); err != nil {
		c.logger.Debug("kafka close failed", slog.String("error", err.Error()))
	}
	c.mu.Unlock()

	c.cancel()
	c.events.Close()
}

func inbound(m kafkago.Message) *broker.InboundMessage {
	msg := &broker.InboundMessage{
		Topic:     m.Topic,
		Payload:   m.Value,
		MessageID: string(m.Key),
	}
	if len(m.Headers) == 0 {
		return msg
	}

	msg.Properties = make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderReplyTo:
			msg.ReplyTo = string(h.Value)
		case HeaderMessageID:
			msg.MessageID = string(h.Value)
		default:
			msg.Properties[h.Key] = string(h.Value)
		}
	}
	return msg
}

func replyMessage(reply *broker.Reply) kafkago.Message {
	headers := []kafkago.Header{
		{Key: HeaderCorrelationID, Value: []byte(reply.CorrelationID)},
	}
	if reply.IsReply {
		headers = append(headers, kafkago.Header{Key: HeaderReply, Value: []byte("true")})
	}
	return kafkago.Message{
		Topic:   reply.Destination,
		Key:     []byte(reply.CorrelationID),
		Headers: headers,
	}
}
