// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/absmach/fluxrelay/config"
	"github.com/urfave/cli/v3"
)

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to YAML configuration file",
			Sources: cli.EnvVars("RELAY_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "broker-type",
			Usage:   "broker adapter (nats, mqtt, kafka, memory)",
			Sources: cli.EnvVars("BROKER_TYPE"),
		},
		&cli.StringFlag{
			Name:    "broker-url",
			Usage:   "broker URL",
			Sources: cli.EnvVars("BROKER_URL", "SOLACE_URL"),
		},
		&cli.StringFlag{
			Name:    "broker-vpn",
			Usage:   "broker VPN or tenant name",
			Sources: cli.EnvVars("BROKER_VPN_NAME", "SOLACE_VPN_NAME"),
		},
		&cli.StringFlag{
			Name:    "broker-username",
			Usage:   "broker username",
			Sources: cli.EnvVars("BROKER_USERNAME", "SOLACE_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "broker-password",
			Usage:   "broker password",
			Sources: cli.EnvVars("BROKER_PASSWORD", "SOLACE_PASSWORD"),
		},
		&cli.StringFlag{
			Name:    "topic",
			Usage:   "topic to subscribe to",
			Sources: cli.EnvVars("BROKER_TOPIC", "SOLACE_TOPIC"),
		},
		&cli.StringFlag{
			Name:    "webhook-host",
			Usage:   "webhook host",
			Sources: cli.EnvVars("WEBHOOK_HOST"),
		},
		&cli.StringFlag{
			Name:    "webhook-port",
			Usage:   "webhook port",
			Sources: cli.EnvVars("WEBHOOK_PORT"),
		},
		&cli.StringFlag{
			Name:    "webhook-path",
			Usage:   "webhook path",
			Sources: cli.EnvVars("WEBHOOK_PATH"),
		},
		&cli.StringFlag{
			Name:    "webhook-scheme",
			Usage:   "webhook scheme (http or https)",
			Sources: cli.EnvVars("WEBHOOK_SCHEME"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level (trace, debug, info, warn, error)",
			Sources: cli.EnvVars("LOGLEVEL"),
		},
	}
}

// overlay copies explicitly set flags over the loaded configuration.
func overlay(cfg *config.Config, c *cli.Command) {
	fields := map[string]*string{
		"broker-type":     &cfg.Broker.Type,
		"broker-url":      &cfg.Broker.URL,
		"broker-vpn":      &cfg.Broker.VPN,
		"broker-username": &cfg.Broker.Username,
		"broker-password": &cfg.Broker.Password,
		"topic":           &cfg.Broker.Topic,
		"webhook-host":    &cfg.Target.Host,
		"webhook-port":    &cfg.Target.Port,
		"webhook-path":    &cfg.Target.Path,
		"webhook-scheme":  &cfg.Target.Scheme,
		"log-level":       &cfg.Log.Level,
	}
	for name, dst := range fields {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
}
