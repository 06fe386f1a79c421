// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxrelay/broker"
	"github.com/absmach/fluxrelay/broker/memory"
	"github.com/absmach/fluxrelay/config"
	"github.com/absmach/fluxrelay/relay"
	"github.com/absmach/fluxrelay/session"
	"github.com/absmach/fluxrelay/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var target = webhook.Target{Scheme: "http", Host: "hooks.internal", Port: "8080", Path: "/orders"}

type dispatcherMock struct {
	mu   sync.Mutex
	reqs []*webhook.Request
	err  error
}

func (d *dispatcherMock) Dispatch(req *webhook.Request) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	return d.err
}

type replierMock struct {
	replies []*broker.Reply
	err     error
}

func (r *replierMock) SendReply(reply *broker.Reply) error {
	r.replies = append(r.replies, reply)
	return r.err
}

func TestBuildRequest(t *testing.T) {
	cases := []struct {
		name    string
		msg     *broker.InboundMessage
		headers map[string]string
	}{
		{
			name: "no properties",
			msg:  &broker.InboundMessage{Payload: []byte(`{"a":1}`)},
			headers: map[string]string{
				"Content-Type":   "application/json",
				"Content-Length": "7",
			},
		},
		{
			name: "gateway properties",
			msg: &broker.InboundMessage{
				Payload: []byte(`{}`),
				Properties: map[string]string{
					"JMS_Solace_HTTP_target_path_query_verbatim": "/orders?id=7",
					"JMS_Solace_HTTP_field_Authorization":        "Bearer abc",
					"X-Tenant":                                   "acme",
				},
			},
			headers: map[string]string{
				"Content-Type":   "application/json",
				"Content-Length": "2",
				"X-Request-Path": "/orders?id=7",
				"Authorization":  "Bearer abc",
				"X-Tenant":       "acme",
			},
		},
		{
			name: "empty payload",
			msg: &broker.InboundMessage{
				Properties: map[string]string{"JMS_Solace_HTTP_fiel_X": "partial"},
			},
			headers: map[string]string{
				"Content-Type":           "application/json",
				"Content-Length":         "0",
				"JMS_Solace_HTTP_fiel_X": "partial",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := relay.BuildRequest(target, tc.msg)

			assert.Equal(t, http.MethodPost, req.Method)
			assert.Equal(t, target, req.Target)
			assert.Equal(t, "http://hooks.internal:8080/orders", req.URL())
			assert.Equal(t, tc.msg.Payload, req.Body)
			assert.Equal(t, tc.headers, req.Headers)
			assert.Len(t, req.Headers, len(tc.msg.Properties)+2)
		})
	}
}

func TestBuildRequestPropertyOverridesFixedHeader(t *testing.T) {
	msg := &broker.InboundMessage{
		Payload:    []byte("<a/>"),
		Properties: map[string]string{"JMS_Solace_HTTP_field_Content-Type": "application/xml"},
	}

	req := relay.BuildRequest(target, msg)
	assert.Equal(t, "application/xml", req.Headers["Content-Type"])
}

func TestHandleMessage(t *testing.T) {
	d := &dispatcherMock{}
	r := &replierMock{}
	rl := relay.New(target, d, discardLogger())

	msg := &broker.InboundMessage{
		Topic:     "orders/new",
		Payload:   []byte(`{"id":1}`),
		ReplyTo:   "reply/1",
		MessageID: "m-1",
	}
	rl.HandleMessage(context.Background(), msg, r)

	require.Len(t, d.reqs, 1)
	assert.Equal(t, msg.Payload, d.reqs[0].Body)
	require.Len(t, r.replies, 1)
	assert.Equal(t, &broker.Reply{Destination: "reply/1", CorrelationID: "m-1", IsReply: true}, r.replies[0])
}

func TestHandleMessageRepliesWhenDispatchFails(t *testing.T) {
	d := &dispatcherMock{err: webhook.ErrQueueFull}
	r := &replierMock{err: errors.New("send failed")}
	rl := relay.New(target, d, discardLogger())

	rl.HandleMessage(context.Background(), &broker.InboundMessage{MessageID: "m-2", ReplyTo: "reply/2"}, r)

	assert.Len(t, d.reqs, 1)
	assert.Len(t, r.replies, 1)
}

func TestHandleMessageDumpsAtDebug(t *testing.T) {
	msg := &broker.InboundMessage{Topic: "orders/new", MessageID: "m-3", Payload: []byte("hello")}

	var info bytes.Buffer
	rl := relay.New(target, &dispatcherMock{}, slog.New(slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo})))
	rl.HandleMessage(context.Background(), msg, &replierMock{})
	assert.NotContains(t, info.String(), "message received")

	var debug bytes.Buffer
	rl = relay.New(target, &dispatcherMock{}, slog.New(slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug})))
	rl.HandleMessage(context.Background(), msg, &replierMock{})
	assert.Contains(t, debug.String(), "message received")
	assert.Contains(t, debug.String(), "ApplicationMsgId:   m-3")
	assert.Contains(t, debug.String(), "hello")
}

func TestRelayEndToEnd(t *testing.T) {
	type received struct {
		path   string
		header http.Header
		length int64
		body   []byte
	}
	hits := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		hits <- received{
			path:   req.URL.Path,
			header: req.Header.Clone(),
			length: req.ContentLength,
			body:   body,
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	tgt := webhook.Target{Scheme: u.Scheme, Host: u.Hostname(), Port: u.Port(), Path: "/ingest"}

	cfg := config.Default().Forwarder
	cfg.ShutdownTimeout = time.Second
	fwd, err := webhook.NewForwarder(cfg, webhook.NewHTTPSender(5*time.Second), discardLogger())
	require.NoError(t, err)
	defer fwd.Close()

	b := memory.New()
	rl := relay.New(tgt, fwd, discardLogger())
	s := session.New(session.Config{Topic: "orders/new", Durable: true}, b, rl.HandleMessage, discardLogger())

	s.Connect()
	require.Eventually(t, s.Subscribed, time.Second, 5*time.Millisecond)

	payload := []byte(`{"order":42}`)
	require.NoError(t, b.Deliver(&broker.InboundMessage{
		Topic:   "orders/new",
		Payload: payload,
		Properties: map[string]string{
			"JMS_Solace_HTTP_field_X-Trace": "abc",
		},
		ReplyTo:   "reply/orders",
		MessageID: "msg-42",
	}))

	select {
	case got := <-hits:
		assert.Equal(t, "/ingest", got.path)
		assert.Equal(t, payload, got.body)
		assert.Equal(t, int64(len(payload)), got.length)
		assert.Equal(t, "application/json", got.header.Get("Content-Type"))
		assert.Equal(t, strconv.Itoa(len(payload)), got.header.Get("Content-Length"))
		assert.Equal(t, "abc", got.header.Get("X-Trace"))
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}

	require.Eventually(t, func() bool {
		return len(b.Replies()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, broker.Reply{Destination: "reply/orders", CorrelationID: "msg-42", IsReply: true}, b.Replies()[0])
	assert.Equal(t, 1, b.Count(memory.OpSendReply))
}
