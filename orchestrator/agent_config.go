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
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentCapability declares one specialized agent's intent-matching
// rules for the supervisor dispatcher.
type AgentCapability struct {
	// Agent is the node name the capability routes to.
	Agent string `yaml:"agent"`

	// Description is injected into the capability snapshot.
	Description string `yaml:"description"`

	// Keywords are matched case-insensitively against the query.
	Keywords []string `yaml:"keywords"`

	// Priority breaks score ties; higher wins.
	Priority int `yaml:"priority"`
}

// AgentRegistryConfig is the supervisor's fixed agent registry, loaded
// from YAML at startup.
type AgentRegistryConfig struct {
	Agents []AgentCapability `yaml:"agents"`
}

// LoadAgentRegistry reads a registry from a YAML file.
func LoadAgentRegistry(path string) (*AgentRegistryConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent registry: %w", err)
	}

	var cfg AgentRegistryConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse agent registry: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentRegistryConfig) validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("agent registry declares no agents")
	}
	for _, a := range c.Agents {
		switch a.Agent {
		case NodePreprocessing, NodeAnalytics, NodeML:
		default:
			return fmt.Errorf("agent registry names unknown agent %q", a.Agent)
		}
		if len(a.Keywords) == 0 {
			return fmt.Errorf("agent %q declares no keywords", a.Agent)
		}
	}
	return nil
}

// DefaultAgentRegistry is the built-in registry used when no YAML file
// is configured.
func DefaultAgentRegistry() *AgentRegistryConfig {
	return &AgentRegistryConfig{
		Agents: []AgentCapability{
			{
				Agent:       NodePreprocessing,
				Description: "Cleans and transforms datasets",
				Keywords: []string{
					"clean", "duplicate", "missing", "outlier", "normalize",
					"encode", "drop", "transform", "preprocess", "validate",
				},
				Priority: 10,
			},
			{
				Agent:       NodeML,
				Description: "Trains, tunes and evaluates models",
				Keywords: []string{
					"train", "model", "predict", "evaluate", "tune",
					"hyperparameter", "regression", "classification", "forecast",
				},
				Priority: 5,
			},
			{
				Agent:       NodeAnalytics,
				Description: "Analyzes datasets and answers questions about them",
				Keywords: []string{
					"analyze", "analysis", "summarize", "statistics", "correlation",
					"average", "mean", "distribution", "compare", "report",
				},
				Priority: 1,
			},
		},
	}
}

// Match picks the capability whose keywords best match the query.
// Score is the number of matched keywords; ties break on priority
// descending, then declared order, so matching is deterministic.
func (c *AgentRegistryConfig) Match(query string) (AgentCapability, bool) {
	q := strings.ToLower(query)

	var best AgentCapability
	bestScore := 0
	for _, cap := range c.Agents {
		score := 0
		for _, kw := range cap.Keywords {
			if strings.Contains(q, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore || (score == bestScore && score > 0 && cap.Priority > best.Priority) {
			best = cap
			bestScore = score
		}
	}
	return best, bestScore > 0
}

// Snapshot renders the registry as prompt context for dispatched
// agents.
func (c *AgentRegistryConfig) Snapshot() string {
	var b strings.Builder
	b.WriteString("Available specialized agents:\n")
	for _, a := range c.Agents {
		fmt.Fprintf(&b, "- %s: %s\n", a.Agent, a.Description)
	}
	return b.String()
}
