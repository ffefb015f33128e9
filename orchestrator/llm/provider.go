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
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
//
// The orchestration core only ever talks to this interface: router
// decision steps call Chat with zero tools, specialized agents call Chat
// with their fixed tool subset and loop tool results back into Messages
// until the model answers with text.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type (e.g., "anthropic", "ollama").
	Type() ProviderType

	// Chat generates the next assistant turn for the given request.
	// The context should be used for cancellation and timeout.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// HealthCheck verifies the provider is operational.
	// Implementations should check API connectivity and authentication
	// and complete within a reasonable timeout (e.g., 10s).
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}
