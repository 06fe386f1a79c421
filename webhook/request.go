// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"net"
	"strings"
)

// Fixed request headers.
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	ContentTypeJSON     = "application/json"
)

// Target is the HTTP endpoint requests are sent to.
type Target struct {
	Scheme string
	Host   string
	Port   string
	Path   string
}

// URL renders scheme://host:port/path.
func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "https"
	}
	path := t.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	host := t.Host
	if t.Port != "" {
		host = net.JoinHostPort(t.Host, t.Port)
	}
	return scheme + "://" + host + path
}

// Request is one outbound HTTP request. It is built per message and never
// persisted.
type Request struct {
	Method  string
	Target  Target
	Headers map[string]string
	Body    []byte
}

// URL returns the request URL.
func (r *Request) URL() string {
	return r.Target.URL()
}
