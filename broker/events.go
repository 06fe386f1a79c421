// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

// Event type names.
const (
	TypeConnected         = "connected"
	TypeConnectFailed     = "connect_failed"
	TypeDisconnected      = "disconnected"
	TypeSubscriptionOk    = "subscription_ok"
	TypeSubscriptionError = "subscription_error"
	TypeMessage           = "message"
)

// Event is a broker session event. The set of implementations is closed.
type Event interface {
	Type() string
	isEvent()
}

// ConnectedEvent reports that the connection is up.
type ConnectedEvent struct{}

// ConnectFailedEvent reports that a connection attempt failed.
type ConnectFailedEvent struct {
	Err error
}

// DisconnectedEvent reports that the connection is gone, either because
// Disconnect was requested or because it was lost (Err set).
type DisconnectedEvent struct {
	Err error
}

// SubscriptionOkEvent confirms a subscribe or unsubscribe request.
type SubscriptionOkEvent struct {
	CorrelationKey string
}

// SubscriptionErrorEvent reports a rejected subscribe or unsubscribe request.
type SubscriptionErrorEvent struct {
	CorrelationKey string
	Err            error
}

// MessageEvent carries a received message.
type MessageEvent struct {
	Message *InboundMessage
}

func (ConnectedEvent) Type() string         { return TypeConnected }
func (ConnectFailedEvent) Type() string     { return TypeConnectFailed }
func (DisconnectedEvent) Type() string      { return TypeDisconnected }
func (SubscriptionOkEvent) Type() string    { return TypeSubscriptionOk }
func (SubscriptionErrorEvent) Type() string { return TypeSubscriptionError }
func (MessageEvent) Type() string           { return TypeMessage }

func (ConnectedEvent) isEvent()         {}
func (ConnectFailedEvent) isEvent()     {}
func (DisconnectedEvent) isEvent()      {}
func (SubscriptionOkEvent) isEvent()    {}
func (SubscriptionErrorEvent) isEvent() {}
func (MessageEvent) isEvent()           {}
