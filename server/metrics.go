// Copyright 2025 PgScope
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

package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgscope_http_request_duration_seconds",
			Help:    "HTTP request latency by method, path, and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	guardRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pgscope_guard_rejections_total",
			Help: "Statements rejected by the read-only query guard.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestDuration, guardRejections)
}

func observeRequest(method, path string, status int, d time.Duration) {
	requestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(d.Seconds())
}
