// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics defines and registers the Prometheus collectors tracked
// across the dispatch engine: inbound connections, outbound dials, and the
// splice relay.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gatewayd"

var (
	// ConnectionsOpened tracks inbound connections currently being served,
	// from accept through the recipient's Serve returning.
	ConnectionsOpened = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "inbound",
		Name:      "connections_open",
		Help:      "Number of inbound connections currently being served.",
	})

	// DialAttemptsTotal counts outbound dial attempts by policy and outcome.
	DialAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dialer",
		Name:      "attempts_total",
		Help:      "Outbound dial attempts, labeled by resolved policy name and outcome.",
	}, []string{"policy", "outcome"})

	// SpliceBytesTotal counts bytes relayed by the splice engine, labeled by
	// direction (inbound_to_outbound, outbound_to_inbound).
	SpliceBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "splice",
		Name:      "bytes_total",
		Help:      "Bytes relayed through the splice engine, by direction.",
	}, []string{"direction"})

	// SpliceSessionsTotal counts completed splice sessions, labeled by how
	// the session ended (eof, error, cancelled).
	SpliceSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "splice",
		Name:      "sessions_total",
		Help:      "Completed splice sessions, labeled by termination reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(prometheus.NewBuildInfoCollector())
}

// SanitizeCode normalizes a status code for use as a low-cardinality metric
// label: zero is treated as 200 (no explicit response written), everything
// else passes through as its decimal string.
func SanitizeCode(s int) string {
	switch s {
	case 0, 200:
		return "200"
	default:
		return strconv.Itoa(s)
	}
}

// Only support the list of "regular" HTTP methods, see
// https://developer.mozilla.org/en-US/docs/Web/HTTP/Methods
var methodMap = map[string]string{
	"GET": http.MethodGet, "get": http.MethodGet,
	"HEAD": http.MethodHead, "head": http.MethodHead,
	"PUT": http.MethodPut, "put": http.MethodPut,
	"POST": http.MethodPost, "post": http.MethodPost,
	"DELETE": http.MethodDelete, "delete": http.MethodDelete,
	"CONNECT": http.MethodConnect, "connect": http.MethodConnect,
	"OPTIONS": http.MethodOptions, "options": http.MethodOptions,
	"TRACE": http.MethodTrace, "trace": http.MethodTrace,
	"PATCH": http.MethodPatch, "patch": http.MethodPatch,
}

// SanitizeMethod sanitizes the method for use as a metric label. This helps
// prevent high cardinality on the method label. The name is always upper case.
func SanitizeMethod(m string) string {
	if m, ok := methodMap[m]; ok {
		return m
	}

	return "OTHER"
}
