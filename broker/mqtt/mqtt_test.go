// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxrelay/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(complete bool, err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} {
	return t.done
}

func (t *fakeToken) Error() error {
	return t.err
}

func TestInboundRaw(t *testing.T) {
	msg, err := inbound("orders/new", []byte(`{"id":1}`), 17, false)
	require.NoError(t, err)

	assert.Equal(t, &broker.InboundMessage{
		Topic:     "orders/new",
		Payload:   []byte(`{"id":1}`),
		MessageID: "17",
	}, msg)
}

func TestInboundEnvelope(t *testing.T) {
	env := Envelope{
		Payload:    []byte(`{"id":1}`),
		Properties: map[string]string{"JMS_Solace_HTTP_field_X-Trace": "abc"},
		ReplyTo:    "reply/orders",
		MessageID:  "msg-1",
	}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	msg, err := inbound("orders/new", data, 3, true)
	require.NoError(t, err)

	assert.Equal(t, "orders/new", msg.Topic)
	assert.Equal(t, env.Payload, msg.Payload)
	assert.Equal(t, env.Properties, msg.Properties)
	assert.Equal(t, "reply/orders", msg.ReplyTo)
	assert.Equal(t, "msg-1", msg.MessageID)
}

func TestInboundEnvelopeDefaultsMessageID(t *testing.T) {
	msg, err := inbound("t", []byte(`{"payload":"aGk="}`), 9, true)
	require.NoError(t, err)

	assert.Equal(t, []byte("hi"), msg.Payload)
	assert.Equal(t, "9", msg.MessageID)
}

func TestInboundInvalidEnvelope(t *testing.T) {
	msg, err := inbound("t", []byte("not json"), 5, true)
	require.Error(t, err)

	assert.Equal(t, []byte("not json"), msg.Payload)
	assert.Equal(t, "5", msg.MessageID)
}

func TestReplyPayload(t *testing.T) {
	data, err := json.Marshal(ReplyPayload{CorrelationID: "msg-1", Reply: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"correlation_id":"msg-1","reply":true}`, string(data))
}

func TestWait(t *testing.T) {
	assert.NoError(t, wait(newFakeToken(true, nil), time.Second))

	failure := errors.New("not authorized")
	assert.ErrorIs(t, wait(newFakeToken(true, failure), time.Second), failure)
	assert.ErrorIs(t, wait(newFakeToken(false, nil), 10*time.Millisecond), broker.ErrAckTimeout)
}

func TestDialRequiresURL(t *testing.T) {
	_, err := NewDialer(Config{}, nil).Dial(broker.Credentials{}, func(broker.Event) {})
	assert.Error(t, err)
}

func TestConnNotConnected(t *testing.T) {
	c, err := NewDialer(Config{}, nil).Dial(broker.Credentials{URL: "tcp://127.0.0.1:1883"}, func(broker.Event) {})
	require.NoError(t, err)
	defer c.Dispose()

	req := broker.SubscribeRequest{Topic: "orders/new", CorrelationKey: "k"}
	assert.ErrorIs(t, c.Subscribe(req), broker.ErrNotConnected)
	assert.ErrorIs(t, c.Unsubscribe(req), broker.ErrNotConnected)
	assert.ErrorIs(t, c.Disconnect(), broker.ErrNotConnected)
	assert.ErrorIs(t, c.SendReply(&broker.Reply{}), broker.ErrNoReplyTo)
	assert.ErrorIs(t, c.SendReply(&broker.Reply{Destination: "r"}), broker.ErrNotConnected)
}

func TestConnectFailure(t *testing.T) {
	events := make(chan broker.Event, 1)
	d := NewDialer(Config{ConnectTimeout: time.Second}, nil)
	c, err := d.Dial(broker.Credentials{URL: "tcp://127.0.0.1:1"}, func(ev broker.Event) {
		events <- ev
	})
	require.NoError(t, err)
	defer c.Dispose()

	require.NoError(t, c.Connect())

	select {
	case ev := <-events:
		assert.Equal(t, broker.TypeConnectFailed, ev.Type())
	case <-time.After(5 * time.Second):
		t.Fatal("no connect event")
	}
}
