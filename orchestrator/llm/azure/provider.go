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

// Package azure provides a model-capability provider backed by Azure
// OpenAI chat completions, including function calling.
package azure

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

	"dataweave/platform/orchestrator/llm"
)

const (
	// DefaultAPIVersion is the Azure OpenAI API version
	DefaultAPIVersion = "2024-06-01"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Azure OpenAI deployments.
type Provider struct {
	apiKey     string
	endpoint   string
	deployment string
	apiVersion string
	client     HTTPClient
	healthy    bool
	mu         sync.RWMutex
}

// Config contains configuration for the Azure OpenAI provider
type Config struct {
	APIKey     string        // Required: Azure OpenAI API key
	Endpoint   string        // Required: resource endpoint, e.g. https://myres.openai.azure.com
	Deployment string        // Required: deployment name
	APIVersion string        // Optional: API version (default: 2024-06-01)
	Timeout    time.Duration // Optional: HTTP timeout (default: 120s)
}

// NewProvider creates a new Azure OpenAI provider instance
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("azure openai API key is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("azure openai endpoint is required")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("azure openai deployment is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Provider{
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		deployment: cfg.Deployment,
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: cfg.Timeout},
		healthy:    true,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "azure-openai"
}

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType {
	return llm.ProviderTypeAzureOpenAI
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

func (p *Provider) chatURL() string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, p.deployment, p.apiVersion)
}

// API wire types (OpenAI chat completions dialect).

type apiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Name       string        `json:"name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
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
	Messages    []apiMessage `json:"messages"`
	Tools       []apiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
}

type apiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string     `json:"finish_reason"`
		Message      apiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Chat generates the next assistant turn via the chat completions API.
func (p *Provider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()

	apiReq := apiRequest{
		Messages:  toAPIMessages(req.SystemPrompt, req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if apiReq.MaxTokens <= 0 {
		apiReq.MaxTokens = DefaultMaxTokens
	}
	if req.Temperature >= 0 {
		t := req.Temperature
		apiReq.Temperature = &t
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

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.chatURL(), bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, llm.NewProviderError("azure-openai", llm.ErrCodeUnavailable, err.Error())
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
		return nil, llm.NewProviderError("azure-openai", llm.ErrCodeMalformedOutput,
			fmt.Sprintf("failed to decode response: %v", err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, llm.NewProviderError("azure-openai", llm.ErrCodeMalformedOutput,
			"response contained no choices")
	}

	choice := apiResp.Choices[0]
	out := &llm.ChatResponse{
		Content: choice.Message.Content,
		Model:   apiResp.Model,
		Usage: llm.UsageStats{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		Latency: time.Since(start),
	}

	switch choice.FinishReason {
	case "tool_calls":
		out.FinishReason = "tool_use"
	case "length":
		out.FinishReason = "max_tokens"
	default:
		out.FinishReason = "stop"
	}

	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, llm.NewProviderError("azure-openai", llm.ErrCodeMalformedOutput,
					fmt.Sprintf("undecodable tool arguments: %v", err))
			}
		}
		out.ToolCall = &llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
		out.FinishReason = "tool_use"
	} else if out.FinishReason == "tool_use" {
		return nil, llm.NewProviderError("azure-openai", llm.ErrCodeMalformedOutput,
			"finish_reason tool_calls without tool calls")
	}

	return out, nil
}

// toAPIMessages converts unified messages into OpenAI-style messages.
// The system prompt leads the list; assistant tool requests are replayed
// as tool_calls entries so tool-result turns stay linked.
func toAPIMessages(systemPrompt string, messages []llm.Message) []apiMessage {
	out := make([]apiMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, apiMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			out = append(out, apiMessage{
				Role:       "tool",
				Content:    m.Content,
				Name:       m.ToolName,
				ToolCallID: m.ToolCallID,
			})
		case llm.RoleAssistant:
			am := apiMessage{Role: "assistant", Content: m.Content}
			if m.ToolCallID != "" {
				tc := apiToolCall{ID: m.ToolCallID, Type: "function"}
				tc.Function.Name = m.ToolName
				tc.Function.Arguments = m.Content
				am.Content = ""
				am.ToolCalls = []apiToolCall{tc}
			}
			out = append(out, am)
		case llm.RoleSystem:
			out = append(out, apiMessage{Role: "system", Content: m.Content})
		default:
			out = append(out, apiMessage{Role: "user", Content: m.Content})
		}
	}
	return out
}

// HealthCheck verifies API connectivity with a minimal request.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	_, err := p.Chat(ctx, llm.ChatRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})

	result := &llm.HealthCheckResult{
		Latency:     time.Since(start),
		LastChecked: time.Now(),
	}
	if err != nil {
		result.Status = llm.HealthStatusUnhealthy
		result.Message = err.Error()
		return result, nil
	}
	result.Status = llm.HealthStatusHealthy
	return result, nil
}

// parseAPIError converts an HTTP error response into a ProviderError.
func (p *Provider) parseAPIError(statusCode int, body []byte) error {
	var apiErr struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	code := llm.ErrCodeServerError
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = llm.ErrCodeAuth
	case http.StatusBadRequest, http.StatusNotFound:
		code = llm.ErrCodeInvalidRequest
	case http.StatusTooManyRequests:
		code = llm.ErrCodeRateLimit
	}

	perr := llm.NewProviderError("azure-openai", code, message)
	perr.StatusCode = statusCode
	return perr
}
