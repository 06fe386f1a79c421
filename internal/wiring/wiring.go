// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring assembles relay components from configuration.
package wiring

import (
	"fmt"
	"log/slog"

	"github.com/absmach/fluxrelay/broker"
	"github.com/absmach/fluxrelay/broker/kafka"
	"github.com/absmach/fluxrelay/broker/memory"
	"github.com/absmach/fluxrelay/broker/mqtt"
	"github.com/absmach/fluxrelay/broker/nats"
	"github.com/absmach/fluxrelay/config"
	"github.com/absmach/fluxrelay/lifecycle"
	"github.com/absmach/fluxrelay/server/health"
	"github.com/absmach/fluxrelay/session"
	"github.com/absmach/fluxrelay/webhook"
)

// NewDialer returns the broker adapter selected by cfg.Type.
func NewDialer(cfg config.BrokerConfig, logger *slog.Logger) (broker.Dialer, error) {
	switch cfg.Type {
	case config.BrokerNATS:
		return nats.NewDialer(nats.Config{
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			MaxReconnects:  cfg.NATS.MaxReconnects,
			ReconnectWait:  cfg.NATS.ReconnectWait,
		}, logger), nil
	case config.BrokerMQTT:
		return mqtt.NewDialer(mqtt.Config{
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			Durable:        cfg.Durable,
			Envelope:       cfg.MQTT.Envelope,
		}, logger), nil
	case config.BrokerKafka:
		return kafka.NewDialer(kafka.Config{
			GroupID:     cfg.Kafka.GroupID,
			DialTimeout: cfg.Kafka.DialTimeout,
		}, logger), nil
	case config.BrokerMemory:
		return memory.New(memory.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("unsupported broker type %q", cfg.Type)
	}
}

// SessionConfig maps broker settings to session settings.
func SessionConfig(cfg config.BrokerConfig) session.Config {
	return session.Config{
		Credentials: broker.Credentials{
			URL:        cfg.URL,
			VPN:        cfg.VPN,
			Username:   cfg.Username,
			Password:   cfg.Password,
			ClientName: cfg.ClientName,
		},
		Topic:      cfg.Topic,
		Durable:    cfg.Durable,
		AckTimeout: cfg.AckTimeout,
	}
}

// Target maps the target settings to a webhook target.
func Target(cfg config.TargetConfig) webhook.Target {
	return webhook.Target{
		Scheme: cfg.Scheme,
		Host:   cfg.Host,
		Port:   cfg.Port,
		Path:   cfg.Path,
	}
}

// QueueDepther reports the number of queued requests.
type QueueDepther interface {
	QueueDepth() int
}

// Status combines controller, session and forwarder state for the health
// server.
func Status(ctrl *lifecycle.Controller, s *session.Session, q QueueDepther) health.StatusFunc {
	return func() health.Status {
		st := s.Status()
		depth := 0
		if q != nil {
			depth = q.QueueDepth()
		}
		return health.Status{
			State:      ctrl.State().String(),
			Connected:  st.Connected,
			Subscribed: st.Subscribed,
			Topic:      st.Topic,
			QueueDepth: depth,
		}
	}
}
