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

package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dataweave/platform/orchestrator/llm"
)

// MockHTTPClient is a mock implementation of HTTPClient
type MockHTTPClient struct {
	mock.Mock
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*http.Response), args.Error(1)
}

func newTestProvider(client HTTPClient) *Provider {
	return &Provider{
		apiKey:     "test-api-key",
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		model:      DefaultModel,
		client:     client,
		healthy:    true,
	}
}

func textResponse(text string) []byte {
	body, _ := json.Marshal(apiResponse{
		Model:      DefaultModel,
		StopReason: "end_turn",
		Content:    []apiContentBlock{{Type: "text", Text: text}},
		Usage: struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		}{InputTokens: 10, OutputTokens: 8},
	})
	return body
}

// =============================================================================
// Provider Creation Tests
// =============================================================================

func TestNewProvider_Success(t *testing.T) {
	provider, err := NewProvider(Config{APIKey: "test-api-key"})

	require.NoError(t, err)
	assert.NotNil(t, provider)
	assert.Equal(t, "anthropic", provider.Name())
	assert.Equal(t, llm.ProviderTypeAnthropic, provider.Type())
	assert.Equal(t, DefaultBaseURL, provider.baseURL)
	assert.Equal(t, DefaultAPIVersion, provider.apiVersion)
	assert.Equal(t, DefaultModel, provider.model)
}

func TestNewProvider_MissingAPIKey(t *testing.T) {
	provider, err := NewProvider(Config{})

	assert.Error(t, err)
	assert.Nil(t, provider)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestNewProvider_TrimsTrailingSlash(t *testing.T) {
	provider, err := NewProvider(Config{
		APIKey:  "test-api-key",
		BaseURL: "https://custom.example.com/",
	})

	require.NoError(t, err)
	assert.Equal(t, "https://custom.example.com", provider.baseURL)
}

// =============================================================================
// Chat Tests
// =============================================================================

func TestProvider_Chat_TextAnswer(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		return req.URL.String() == DefaultBaseURL+"/v1/messages" &&
			req.Header.Get("x-api-key") == "test-api-key" &&
			req.Header.Get("anthropic-version") == DefaultAPIVersion
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(textResponse("Paris is the capital of France."))),
	}, nil)

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: "What is the capital of France?"}},
		MaxTokens: 100,
	})

	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", resp.Content)
	assert.Nil(t, resp.ToolCall)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 18, resp.Usage.TotalTokens)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_ToolUse(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	respBody, _ := json.Marshal(apiResponse{
		Model:      DefaultModel,
		StopReason: "tool_use",
		Content: []apiContentBlock{
			{Type: "text", Text: "Let me check that file."},
			{
				Type:  "tool_use",
				ID:    "toolu_01",
				Name:  "file_manager_get_file",
				Input: map[string]any{"file_id": "f-123"},
			},
		},
	})

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
		return strings.Contains(string(body), `"input_schema"`) &&
			strings.Contains(string(body), "file_manager_get_file")
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}, nil)

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Fetch the file"}},
		Tools: []llm.ToolSpec{{
			Name:        "file_manager_get_file",
			Description: "Fetch a stored file by id",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"file_id": map[string]any{"type": "string"}},
			},
		}},
	})

	require.NoError(t, err)
	assert.Equal(t, "tool_use", resp.FinishReason)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, "toolu_01", resp.ToolCall.ID)
	assert.Equal(t, "file_manager_get_file", resp.ToolCall.Name)
	assert.Equal(t, "f-123", resp.ToolCall.Arguments["file_id"])

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_ToolResultMessage(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
		return strings.Contains(string(body), `"tool_result"`) &&
			strings.Contains(string(body), `"tool_use_id":"toolu_01"`)
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(textResponse("The file has 42 rows."))),
	}, nil)

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "Fetch the file"},
			{Role: llm.RoleAssistant, Content: `{"file_id":"f-123"}`, ToolCallID: "toolu_01", ToolName: "file_manager_get_file"},
			{Role: llm.RoleTool, Content: `{"success":true,"rows":42}`, ToolCallID: "toolu_01", ToolName: "file_manager_get_file"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "The file has 42 rows.", resp.Content)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_HTTPError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	errorResp := `{"type":"error","error":{"type":"server_error","message":"Internal server error"}}`
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusInternalServerError,
		Body:       io.NopCloser(bytes.NewReader([]byte(errorResp))),
	}, nil)

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
	})

	assert.Error(t, err)
	assert.Nil(t, resp)

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusInternalServerError, perr.StatusCode)
	assert.Equal(t, llm.ErrCodeServerError, perr.Code)
	assert.True(t, perr.Retryable)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_RateLimitError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	errorResp := `{"type":"error","error":{"type":"rate_limit_error","message":"Rate limit exceeded"}}`
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       io.NopCloser(bytes.NewReader([]byte(errorResp))),
	}, nil)

	_, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
	})

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeRateLimit, perr.Code)
	assert.Equal(t, "Rate limit exceeded", perr.Message)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_AuthError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	errorResp := `{"type":"error","error":{"type":"authentication_error","message":"Invalid API key"}}`
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusUnauthorized,
		Body:       io.NopCloser(bytes.NewReader([]byte(errorResp))),
	}, nil)

	_, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
	})

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeAuth, perr.Code)
	assert.False(t, perr.Retryable)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_NetworkError(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	resp, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
	})

	assert.Error(t, err)
	assert.Nil(t, resp)

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeUnavailable, perr.Code)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_InvalidJSON(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader([]byte("invalid json"))),
	}, nil)

	_, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
	})

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeMalformedOutput, perr.Code)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_ToolUseStopWithoutBlock(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	respBody, _ := json.Marshal(apiResponse{
		Model:      DefaultModel,
		StopReason: "tool_use",
		Content:    []apiContentBlock{{Type: "text", Text: "hmm"}},
	})
	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(respBody)),
	}, nil)

	_, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
	})

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, llm.ErrCodeMalformedOutput, perr.Code)

	mockClient.AssertExpectations(t)
}

func TestProvider_Chat_DefaultMaxTokens(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.MatchedBy(func(req *http.Request) bool {
		body, _ := io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))

		var apiReq apiRequest
		if err := json.Unmarshal(body, &apiReq); err != nil {
			return false
		}
		return apiReq.MaxTokens == DefaultMaxTokens && apiReq.Model == DefaultModel
	})).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(textResponse("ok"))),
	}, nil)

	_, err := provider.Chat(context.Background(), llm.ChatRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Test"}},
	})

	require.NoError(t, err)
	mockClient.AssertExpectations(t)
}

// =============================================================================
// Health Check Tests
// =============================================================================

func TestProvider_HealthCheck_Healthy(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(&http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(textResponse("pong"))),
	}, nil)

	result, err := provider.HealthCheck(context.Background())

	require.NoError(t, err)
	assert.Equal(t, llm.HealthStatusHealthy, result.Status)

	mockClient.AssertExpectations(t)
}

func TestProvider_HealthCheck_Unhealthy(t *testing.T) {
	mockClient := new(MockHTTPClient)
	provider := newTestProvider(mockClient)

	mockClient.On("Do", mock.Anything).Return(nil, errors.New("connection refused"))

	result, err := provider.HealthCheck(context.Background())

	require.NoError(t, err)
	assert.Equal(t, llm.HealthStatusUnhealthy, result.Status)
	assert.Contains(t, result.Message, "connection refused")

	mockClient.AssertExpectations(t)
}
