// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package headers_test

import (
	"testing"

	"github.com/absmach/fluxrelay/headers"
	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "verbatim path", key: "JMS_Solace_HTTP_target_path_query_verbatim", want: "X-Request-Path"},
		{name: "field prefix", key: "JMS_Solace_HTTP_field_X-Custom", want: "X-Custom"},
		{name: "field prefix authorization", key: "JMS_Solace_HTTP_field_Authorization", want: "Authorization"},
		{name: "field prefix only", key: "JMS_Solace_HTTP_field_", want: ""},
		{name: "partial prefix", key: "JMS_Solace_HTTP_fiel_X-Custom", want: "JMS_Solace_HTTP_fiel_X-Custom"},
		{name: "prefix not at start", key: "X-JMS_Solace_HTTP_field_Y", want: "X-JMS_Solace_HTTP_field_Y"},
		{name: "prefix stripped once", key: "JMS_Solace_HTTP_field_JMS_Solace_HTTP_field_Z", want: "JMS_Solace_HTTP_field_Z"},
		{name: "verbatim key with suffix", key: "JMS_Solace_HTTP_target_path_query_verbatim2", want: "JMS_Solace_HTTP_target_path_query_verbatim2"},
		{name: "lowercase prefix", key: "jms_solace_http_field_X", want: "jms_solace_http_field_X"},
		{name: "passthrough", key: "X-Trace-Id", want: "X-Trace-Id"},
		{name: "empty", key: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, headers.Translate(tt.key))
		})
	}
}

func TestTranslateAll(t *testing.T) {
	props := map[string]string{
		"JMS_Solace_HTTP_target_path_query_verbatim": "/hooks/github?x=1",
		"JMS_Solace_HTTP_field_X-Custom":             "abc",
		"X-Plain":                                    "v",
	}

	got := headers.TranslateAll(props)
	assert.Equal(t, map[string]string{
		"X-Request-Path": "/hooks/github?x=1",
		"X-Custom":       "abc",
		"X-Plain":        "v",
	}, got)

	assert.Empty(t, headers.TranslateAll(nil))
}
