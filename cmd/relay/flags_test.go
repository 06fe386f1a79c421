// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"

	"github.com/absmach/fluxrelay/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func overlayArgs(t *testing.T, args ...string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cmd := &cli.Command{
		Name:  "fluxrelay",
		Flags: flags(),
		Action: func(_ context.Context, c *cli.Command) error {
			overlay(cfg, c)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"fluxrelay"}, args...)))
	return cfg
}

func TestOverlay_Flags(t *testing.T) {
	cfg := overlayArgs(t,
		"--broker-type", "mqtt",
		"--broker-url", "tcp://broker:1883",
		"--topic", "orders/#",
		"--webhook-host", "hooks.internal",
		"--webhook-port", "8080",
		"--webhook-path", "/in",
		"--webhook-scheme", "http",
		"--log-level", "debug",
	)

	assert.Equal(t, "mqtt", cfg.Broker.Type)
	assert.Equal(t, "tcp://broker:1883", cfg.Broker.URL)
	assert.Equal(t, "orders/#", cfg.Broker.Topic)
	assert.Equal(t, config.TargetConfig{Scheme: "http", Host: "hooks.internal", Port: "8080", Path: "/in"}, cfg.Target)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestOverlay_LegacyEnvironment(t *testing.T) {
	t.Setenv("SOLACE_URL", "nats://legacy:4222")
	t.Setenv("SOLACE_VPN_NAME", "default")
	t.Setenv("SOLACE_USERNAME", "relay")
	t.Setenv("SOLACE_PASSWORD", "secret")
	t.Setenv("SOLACE_TOPIC", "orders")
	t.Setenv("LOGLEVEL", "TRACE")

	cfg := overlayArgs(t)

	assert.Equal(t, "nats://legacy:4222", cfg.Broker.URL)
	assert.Equal(t, "default", cfg.Broker.VPN)
	assert.Equal(t, "relay", cfg.Broker.Username)
	assert.Equal(t, "secret", cfg.Broker.Password)
	assert.Equal(t, "orders", cfg.Broker.Topic)
	assert.Equal(t, "trace", cfg.Log.Level)
}

func TestOverlay_UnsetKeepsConfig(t *testing.T) {
	cfg := overlayArgs(t)
	def := config.Default()

	assert.Equal(t, def.Broker.Type, cfg.Broker.Type)
	assert.Equal(t, def.Target, cfg.Target)
	assert.Equal(t, def.Log.Level, cfg.Log.Level)
}
