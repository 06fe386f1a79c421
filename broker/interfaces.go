// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "time"

// DefaultAckTimeout bounds how long a subscribe or unsubscribe request may wait
// for the broker's confirmation.
const DefaultAckTimeout = 10 * time.Second

// Credentials identify the relay to the broker.
type Credentials struct {
	URL        string
	VPN        string
	Username   string
	Password   string
	ClientName string
}

// SubscribeRequest describes a subscribe or unsubscribe call.
// CorrelationKey is echoed back in the confirmation event.
type SubscribeRequest struct {
	Topic          string
	CorrelationKey string
	Durable        bool
	Timeout        time.Duration
}

// EventHandler receives broker events. Adapters invoke it from a single
// goroutine per connection, one event at a time.
type EventHandler func(Event)

// Dialer builds broker connections. Dial constructs the connection and
// registers the handler; it does not perform network I/O.
type Dialer interface {
	Dial(creds Credentials, handler EventHandler) (Conn, error)
}

// Conn is one broker connection.
//
// Connect, Subscribe and Unsubscribe are asynchronous: a nil error means the
// request was issued, and its outcome is reported through the EventHandler.
type Conn interface {
	// Connect starts connecting. Emits ConnectedEvent or ConnectFailedEvent.
	Connect() error

	// Subscribe adds the topic subscription. Emits SubscriptionOkEvent or
	// SubscriptionErrorEvent carrying the request's correlation key.
	Subscribe(req SubscribeRequest) error

	// Unsubscribe removes the topic subscription. Confirmation events are the
	// same as for Subscribe.
	Unsubscribe(req SubscribeRequest) error

	// SendReply sends a reply message. Delivery is not confirmed.
	SendReply(reply *Reply) error

	// Disconnect starts an orderly disconnect. Emits DisconnectedEvent.
	Disconnect() error

	// Dispose releases all resources held by the connection. It must be
	// safe to call more than once.
	Dispose()
}

// Replier sends replies to the broker.
type Replier interface {
	SendReply(reply *Reply) error
}
