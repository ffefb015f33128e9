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

// Package llm defines the unified model-capability boundary used by the
// DataWeave orchestrator. A provider receives a system prompt, a message
// history and a set of tool specifications, and returns either a final
// text answer or a request to invoke one of the offered tools. All
// provider implementations speak this contract so the orchestration core
// never depends on a concrete vendor API.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeAzureOpenAI represents Azure OpenAI Service models.
	ProviderTypeAzureOpenAI ProviderType = "azure-openai"

	// ProviderTypeOllama represents self-hosted Ollama models.
	ProviderTypeOllama ProviderType = "ollama"
)

// Role tags a conversation message with its originator.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single role-tagged conversation turn.
type Message struct {
	// Role identifies who produced this turn.
	Role Role `json:"role"`

	// Content is the text body of the turn.
	Content string `json:"content"`

	// ToolCallID links a tool-result turn back to the assistant turn
	// that requested it. Empty for non-tool turns.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the invoked tool's name on tool-result turns.
	ToolName string `json:"tool_name,omitempty"`
}

// ToolSpec describes an invocable tool offered to the model.
type ToolSpec struct {
	// Name is the unique tool identifier.
	Name string `json:"name"`

	// Description tells the model what the tool does.
	Description string `json:"description"`

	// Schema is a JSON-Schema object describing the tool arguments.
	Schema map[string]any `json:"schema"`
}

// ToolCall is a model request to invoke a tool.
type ToolCall struct {
	// ID is the provider-assigned call identifier, echoed back on the
	// tool-result message.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Arguments are the decoded tool arguments.
	Arguments map[string]any `json:"arguments"`
}

// ChatRequest encapsulates all parameters for a model invocation.
type ChatRequest struct {
	// SystemPrompt sets context/behavior for the conversation.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages is the conversation history, oldest first.
	Messages []Message `json:"messages"`

	// Tools lists the tools the model may request. Empty for pure
	// decision steps.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens limits the response length. 0 uses provider defaults.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`
}

// ChatResponse contains the result of a model invocation. When ToolCall
// is non-nil the model asked for a tool invocation and Content may be
// empty; otherwise Content is the final text answer.
type ChatResponse struct {
	// Content is the generated text, when the model answered directly.
	Content string `json:"content"`

	// ToolCall is non-nil when the model requested a tool invocation.
	ToolCall *ToolCall `json:"tool_call,omitempty"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// FinishReason indicates why generation stopped.
	// Common values: "stop", "tool_use", "max_tokens".
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`
}

// UsageStats tracks token usage for billing and monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// HealthStatus represents the health state of a provider.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheckResult contains detailed health check information.
type HealthCheckResult struct {
	Status      HealthStatus  `json:"status"`
	Latency     time.Duration `json:"latency"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
}

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeMalformedOutput indicates the model returned output the
	// integration layer could not decode.
	ErrCodeMalformedOutput = "malformed_output"

	// ErrCodeServerError indicates a provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates a request timeout.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates the provider is unavailable.
	ErrCodeUnavailable = "unavailable"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
