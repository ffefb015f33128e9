// Copyright 2025 DataWeave
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

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataweave_orchestrator_runs_total",
		Help: "Completed orchestration runs by entry point and outcome.",
	}, []string{"entry", "outcome"})

	hopsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dataweave_orchestrator_hops_total",
		Help: "Router to agent hops across all runs.",
	})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dataweave_orchestrator_tool_calls_total",
		Help: "Tool invocations by tool name and success.",
	}, []string{"tool", "success"})

	modelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dataweave_orchestrator_model_latency_seconds",
		Help:    "Model capability invocation latency by node.",
		Buckets: prometheus.DefBuckets,
	}, []string{"node"})
)
