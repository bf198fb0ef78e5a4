// Copyright 2022-2023 RelationalAI, Inc.
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

package generate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nstrain"

type Metrics struct {
	queries        *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	matchedRows    *prometheus.CounterVec
	failedWorkers  *prometheus.CounterVec
	regimeDuration *prometheus.GaugeVec
}

// NewMetrics registers the generator metrics with reg, a nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_queries_total",
			Help:      "Total number of range aggregate queries executed.",
		}, []string{"regime"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "range_query_duration_seconds",
			Help:      "Time taken by one range aggregate query.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"regime"}),
		matchedRows: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matched_rows_total",
			Help:      "Sum of the row counts returned by range queries.",
		}, []string{"regime"}),
		failedWorkers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_partitions_total",
			Help:      "Number of partition workers that failed.",
		}, []string{"regime"}),
		regimeDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regime_duration_seconds",
			Help:      "Wall time spent generating one regime.",
		}, []string{"regime"}),
	}
}
