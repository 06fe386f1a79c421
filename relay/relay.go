// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay turns inbound broker messages into HTTP requests and replies
// to the broker once each request has been handed off.
package relay

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"strconv"

	"github.com/absmach/fluxrelay/broker"
	"github.com/absmach/fluxrelay/headers"
	"github.com/absmach/fluxrelay/server/otel"
	"github.com/absmach/fluxrelay/webhook"
)

// Dispatcher hands a request off for asynchronous delivery.
type Dispatcher interface {
	Dispatch(req *webhook.Request) error
}

// Relay forwards messages to a single HTTP target.
type Relay struct {
	target     webhook.Target
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *otel.Metrics // nil if metrics disabled
}

// Option configures a Relay.
type Option func(*Relay)

// WithMetrics records message and reply metrics.
func WithMetrics(m *otel.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// New creates a relay.
func New(target webhook.Target, d Dispatcher, logger *slog.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		target:     target,
		dispatcher: d,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BuildRequest builds the POST request for msg. Message properties become
// headers after translation and are applied over the fixed headers.
func BuildRequest(target webhook.Target, msg *broker.InboundMessage) *webhook.Request {
	hdrs := map[string]string{
		webhook.HeaderContentType:   webhook.ContentTypeJSON,
		webhook.HeaderContentLength: strconv.Itoa(len(msg.Payload)),
	}
	maps.Copy(hdrs, headers.TranslateAll(msg.Properties))

	return &webhook.Request{
		Method:  http.MethodPost,
		Target:  target,
		Headers: hdrs,
		Body:    msg.Payload,
	}
}

// HandleMessage dispatches msg to the target without waiting for the
// response, then sends the reply through replier. The reply is sent even when the
// request could not be dispatched.
func (r *Relay) HandleMessage(ctx context.Context, msg *broker.InboundMessage, replier broker.Replier) {
	if r.metrics != nil {
		r.metrics.RecordMessageReceived(msg.Topic, int64(len(msg.Payload)))
	}
	if r.logger.Enabled(ctx, slog.LevelDebug) {
		r.logger.DebugContext(ctx, "message received\n"+msg.Dump(),
			slog.String("topic", msg.Topic),
			slog.String("message_id", msg.MessageID))
	}

	req := BuildRequest(r.target, msg)
	for k, v := range req.Headers {
		if !webhook.ValidHeader(k, v) {
			r.logger.WarnContext(ctx, "skipping property that is not a valid HTTP header",
				slog.String("header", k),
				slog.String("message_id", msg.MessageID))
		}
	}

	if err := r.dispatcher.Dispatch(req); err != nil {
		r.logger.ErrorContext(ctx, "failed to dispatch request",
			slog.String("url", req.URL()),
			slog.String("message_id", msg.MessageID),
			slog.String("error", broker.NewError(broker.KindTransport, "dispatch", err).Error()))
	}

	err := replier.SendReply(broker.NewReply(msg))
	if r.metrics != nil {
		r.metrics.RecordReply(err == nil)
	}
}
