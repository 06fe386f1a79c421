// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// maxDumpPayload caps the payload bytes rendered by Dump.
const maxDumpPayload = 1024

// InboundMessage is a message received on the subscribed topic.
// It must not be modified after it has been handed to an EventHandler.
type InboundMessage struct {
	Topic      string
	Payload    []byte
	Properties map[string]string
	ReplyTo    string
	MessageID  string
}

// Reply is the correlated response sent back for an InboundMessage.
type Reply struct {
	Destination   string
	CorrelationID string
	IsReply       bool
}

// NewReply builds the reply for msg: addressed to its reply-to destination
// and correlated by its application message id.
func NewReply(msg *InboundMessage) *Reply {
	return &Reply{
		Destination:   msg.ReplyTo,
		CorrelationID: msg.MessageID,
		IsReply:       true,
	}
}

// Dump renders the message for diagnostic logging.
func (m *InboundMessage) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination:        %s\n", m.Topic)
	fmt.Fprintf(&b, "ApplicationMsgId:   %s\n", m.MessageID)
	fmt.Fprintf(&b, "ReplyTo:            %s\n", m.ReplyTo)
	fmt.Fprintf(&b, "Binary Attachment:  len=%d\n", len(m.Payload))

	if len(m.Properties) > 0 {
		keys := make([]string, 0, len(m.Properties))
		for k := range m.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("User Property Map:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, m.Properties[k])
		}
	}

	payload := m.Payload
	truncated := false
	if len(payload) > maxDumpPayload {
		payload = payload[:maxDumpPayload]
		truncated = true
	}
	if utf8.Valid(payload) {
		b.Write(payload)
	} else {
		fmt.Fprintf(&b, "% x", payload)
	}
	if truncated {
		b.WriteString("...")
	}

	return b.String()
}
