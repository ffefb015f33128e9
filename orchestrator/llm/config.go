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

package llm

import (
	"fmt"
	"sync"
)

// ProviderConfig contains configuration for creating or switching a
// provider. The gateway owns one Selector built from this config; there
// is no process-wide provider global.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type"`

	// APIKey is the authentication key for the provider API.
	// Empty for providers that need none (e.g., local Ollama).
	APIKey string `json:"api_key,omitempty"`

	// Endpoint is the API endpoint URL. If empty, provider defaults
	// are used.
	Endpoint string `json:"endpoint,omitempty"`

	// Deployment is the Azure OpenAI deployment name.
	Deployment string `json:"deployment,omitempty"`

	// APIVersion is the provider API version, where applicable.
	APIVersion string `json:"api_version,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty"`

	// TimeoutSeconds is the request timeout (0 = provider default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Validate checks that the config names a usable provider.
func (c ProviderConfig) Validate() error {
	switch c.Type {
	case ProviderTypeAnthropic, ProviderTypeAzureOpenAI, ProviderTypeOllama:
	default:
		return fmt.Errorf("unknown provider type: %q", c.Type)
	}
	if c.Type == ProviderTypeAzureOpenAI && c.Deployment == "" {
		return fmt.Errorf("azure-openai provider requires a deployment name")
	}
	return nil
}

// Factory builds a concrete Provider from a config. The orchestrator
// registers one factory covering all compiled-in provider types.
type Factory func(cfg ProviderConfig) (Provider, error)

// Selector holds the active provider behind a single-writer lock.
// Switching providers is a config update through Use, never a global
// mutation. Reads are lock-free apart from the RLock and never span a
// model invocation.
type Selector struct {
	mu      sync.RWMutex
	factory Factory
	cfg     ProviderConfig
	active  Provider
}

// NewSelector creates a Selector that builds providers with factory.
func NewSelector(factory Factory) *Selector {
	return &Selector{factory: factory}
}

// Use validates cfg, builds the provider and atomically swaps it in.
// The previous provider remains in use by in-flight calls that already
// obtained it from Active.
func (s *Selector) Use(cfg ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p, err := s.factory(cfg)
	if err != nil {
		return fmt.Errorf("failed to build %s provider: %w", cfg.Type, err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.active = p
	s.mu.Unlock()

	return nil
}

// Active returns the currently selected provider, or nil if Use has
// never succeeded.
func (s *Selector) Active() Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Current returns the active provider configuration with the API key
// redacted, suitable for status endpoints.
func (s *Selector) Current() ProviderConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.cfg
	if cfg.APIKey != "" {
		cfg.APIKey = "[redacted]"
	}
	return cfg
}
