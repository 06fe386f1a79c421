// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// Sender delivers a single request.
type Sender interface {
	Send(ctx context.Context, req *Request) error
}

// HTTPSender implements the Sender interface over net/http.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a new HTTP sender. A zero timeout means 30 seconds.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSender{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send writes the request and waits for the response status.
// Non-2xx responses are reported as errors.
func (s *HTTPSender) Send(ctx context.Context, r *Request) error {
	method := r.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL(), bytes.NewReader(r.Body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// net/http derives Content-Length from the body and ignores the header.
	req.ContentLength = int64(len(r.Body))
	for key, value := range r.Headers {
		if strings.EqualFold(key, HeaderContentLength) || !ValidHeader(key, value) {
			continue
		}
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}

// ValidHeader reports whether key and value can be sent as an HTTP header.
// Invalid headers are skipped by HTTPSender rather than failing the request.
func ValidHeader(key, value string) bool {
	return httpguts.ValidHeaderFieldName(key) && httpguts.ValidHeaderFieldValue(value)
}
