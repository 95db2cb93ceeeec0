// Copyright 2025 AxonFlow
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

package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"axonflow/querygate/agent/gate"
	"axonflow/querygate/connectors/base"
)

// Metrics are the engine's Prometheus collectors
type Metrics struct {
	decisions         *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	errors            *prometheus.CounterVec
	engines           prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg registers with
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_policy_decisions_total",
				Help: "Policy decisions by outcome and first violated rule",
			},
			[]string{"outcome", "rule"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "querygate_execution_duration_seconds",
				Help:    "Statement execution time by operation kind and outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind", "outcome"},
		),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "querygate_errors_total",
				Help: "Errors returned across the engine boundary by kind",
			},
			[]string{"kind"},
		),
		engines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "querygate_engines",
				Help: "Pooled engines currently cached",
			},
		),
	}
}

func (m *Metrics) observeDecision(d *gate.Decision) {
	if m == nil {
		return
	}
	if d.Allowed {
		m.decisions.WithLabelValues("allowed", "").Inc()
		return
	}
	m.decisions.WithLabelValues("rejected", string(d.Rule())).Inc()
}

func (m *Metrics) observeExecution(kind gate.OperationKind, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(base.KindOf(err))
	}
	m.executionDuration.WithLabelValues(kind.String(), outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) observeError(err error) {
	if m == nil || err == nil {
		return
	}
	kind := base.KindOf(err)
	if kind == "" {
		kind = "Unknown"
	}
	m.errors.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) setEngines(n int) {
	if m == nil {
		return
	}
	m.engines.Set(float64(n))
}
