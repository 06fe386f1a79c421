// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package headers maps broker gateway property keys to HTTP header names.
package headers

import "strings"

// Gateway property keys.
const (
	// PathVerbatimKey carries the original request path and query.
	PathVerbatimKey = "JMS_Solace_HTTP_target_path_query_verbatim"

	// FieldPrefix marks a property that carries an HTTP header field.
	FieldPrefix = "JMS_Solace_HTTP_field_"

	// RequestPathHeader is the header that receives PathVerbatimKey's value.
	RequestPathHeader = "X-Request-Path"
)

// Translate returns the HTTP header name for a message property key.
//
//	JMS_Solace_HTTP_target_path_query_verbatim -> X-Request-Path
//	JMS_Solace_HTTP_field_<name>               -> <name>
//	anything else                              -> unchanged
func Translate(key string) string {
	if key == PathVerbatimKey {
		return RequestPathHeader
	}
	if name, ok := strings.CutPrefix(key, FieldPrefix); ok {
		return name
	}
	return key
}

// TranslateAll translates every key of props. Values are copied verbatim.
func TranslateAll(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[Translate(k)] = v
	}
	return out
}
