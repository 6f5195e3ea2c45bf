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

package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgscope_pool_connections_total",
			Help: "Connectors held per connection fingerprint, leased plus free",
		},
		[]string{"fingerprint"},
	)

	connectionsLeased = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgscope_pool_connections_leased",
			Help: "Connectors currently leased per connection fingerprint",
		},
		[]string{"fingerprint"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgscope_pool_retries_total",
			Help: "Transient failures retried on a fresh connector",
		},
		[]string{"fingerprint"},
	)
)

func init() {
	prometheus.MustRegister(connectionsTotal, connectionsLeased, retriesTotal)
}

// updateMetrics publishes the bucket's occupancy gauges.
func (p *Pool) updateMetrics(b *bucket) {
	b.mu.Lock()
	total := b.total
	leased := 0
	for _, e := range b.entries {
		if e.leased {
			leased++
		}
	}
	b.mu.Unlock()

	connectionsTotal.WithLabelValues(b.fingerprint).Set(float64(total))
	connectionsLeased.WithLabelValues(b.fingerprint).Set(float64(leased))
}
