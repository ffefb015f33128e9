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

// Package ollama provides a model-capability provider backed by a
// self-hosted Ollama server's /api/chat endpoint, including tool calls.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dataweave/platform/orchestrator/llm"
)

const (
	// DefaultBaseURL is the default local Ollama endpoint
	DefaultBaseURL = "http://localhost:11434"

	// DefaultTimeout is the default HTTP timeout. Local models can be
	// slow on first load, so this is generous.
	DefaultTimeout = 300 * time.Second

	// DefaultModel is the model used when none is configured
	DefaultModel = "llama3.1"
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Ollama.
type Provider struct {
	baseURL string
	model   string
	client  HTTPClient
	healthy bool
	mu      sync.RWMutex
}

// Config contains configuration for the Ollama provider. No API key:
// Ollama is assumed to run inside the deployment boundary.
type Config struct {
	BaseURL string        // Optional: server URL (default: http://localhost:11434)
	Model   string        // Optional: default model
	Timeout time.Duration // Optional: HTTP timeout (default: 300s)
}

// NewProvider creates a new Ollama provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		healthy: true,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "ollama"
}

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeOllama
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// API wire types.

type apiToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type apiMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
}

type apiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type apiRequest struct {
	Model    string         `json:"model"`
	Messages []apiMessage   `json:"messages"`
	Tools    []apiTool      `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type apiResponse struct {
	Model           string     `json:"model"`
	Message         apiMessage `json:"message"`
	DoneReason      string     `json:"done_reason"`
	PromptEvalCount int        `json:"prompt_eval_count"`
	EvalCount       int        `json:"eval_count"`
}

// Chat generates the next assistant turn via POST /api/chat.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	apiReq := apiRequest{
		Model:    model,
		Messages: toAPIMessages(req.SystemPrompt, req.Messages),
		Stream:   false,
	}
	options := map[string]any{}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.Temperature >= 0 {
		options["temperature"] = req.Temperature
	}
	if len(options) > 0 {
		apiReq.Options = options
	}
	for _, tool := range req.Tools {
		at := apiTool{Type: "function"}
		at.Function.Name = tool.Name
		at.Function.Description = tool.Description
		at.Function.Parameters = tool.Schema
		apiReq.Tools = append(apiReq.Tools, at)
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, llm.NewProviderError("ollama", llm.ErrCodeUnavailable, err.Error())
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, p.parseAPIError(resp.StatusCode, body)
	}
	p.setHealthy(true)

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, llm.NewProviderError("ollama", llm.ErrCodeMalformedOutput,
			fmt.Sprintf("failed to decode response: %v", err))
	}

	out := &llm.ChatResponse{
		Content: apiResp.Message.Content,
		Model:   apiResp.Model,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.PromptEvalCount,
			CompletionTokens: apiResp.EvalCount,
			TotalTokens:      apiResp.PromptEvalCount + apiResp.EvalCount,
		},
		Latency: time.Since(start),
	}

	switch apiResp.DoneReason {
	case "length":
		out.FinishReason = "max_tokens"
	default:
		out.FinishReason = "stop"
	}

	// Ollama tool calls carry no id, so the loop mints one to link the
	// result turn back to this request.
	if len(apiResp.Message.ToolCalls) > 0 {
		tc := apiResp.Message.ToolCalls[0]
		out.ToolCall = &llm.ToolCall{
			ID:        "call_" + uuid.NewString(),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
		out.FinishReason = "tool_use"
	}

	return out, nil
}

// toAPIMessages converts unified messages into Ollama chat messages.
func toAPIMessages(systemPrompt string, messages []llm.Message) []apiMessage {
	out := make([]apiMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, apiMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		role := string(m.Role)
		if m.Role == llm.RoleTool {
			role = "tool"
		}
		out = append(out, apiMessage{Role: role, Content: m.Content})
	}
	return out
}

// HealthCheck verifies the server responds on /api/tags.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	result := &llm.HealthCheckResult{LastChecked: time.Now()}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	result.Latency = time.Since(start)
	if err != nil {
		p.setHealthy(false)
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, nil
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		p.setHealthy(false)
		result.Status = llm.HealthStatusUnhealthy
		result.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return result, nil
	}

	p.setHealthy(true)
	result.Status = llm.HealthStatusHealthy
	return result, nil
}

// parseAPIError converts an HTTP error response into a ProviderError.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var apiErr struct {
		Error string `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		message = apiErr.Error
	}

	code := llm.ErrCodeServerError
	switch statusCode {
	case http.StatusBadRequest, http.StatusNotFound:
		code = llm.ErrCodeInvalidRequest
	case http.StatusTooManyRequests:
		code = llm.ErrCodeRateLimit
	}

	perr := llm.NewProviderError("ollama", code, message)
	perr.StatusCode = statusCode
	return perr
}
