// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

// Broker errors.
var (
	ErrNotConnected = errors.New("not connected to broker")
	ErrNoReplyTo    = errors.New("message has no reply-to destination")
	ErrClosed       = errors.New("connection closed")
	ErrAckTimeout   = errors.New("broker did not confirm request in time")
)

// Kind classifies relay errors.
type Kind uint8

// Error kinds.
const (
	KindConnection Kind = iota + 1
	KindSubscription
	KindSend
	KindTransport
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindSubscription:
		return "SubscriptionError"
	case KindSend:
		return "SendError"
	case KindTransport:
		return "TransportError"
	default:
		return "UnknownError"
	}
}

// Error is a classified failure of a single operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with its kind and the failing operation.
// It returns nil when err is nil.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
