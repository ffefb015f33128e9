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
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataweave/platform/orchestrator/llm"
	"dataweave/platform/orchestrator/tools"
)

// stubProvider scripts model behavior per call. Router decision steps
// arrive with zero tools, agent steps with a non-empty tool list.
type stubProvider struct {
	mu    sync.Mutex
	calls int
	chat  func(call int, req llm.ChatRequest) (*llm.ChatResponse, error)
}

func (p *stubProvider) Name() string           { return "stub" }
func (p *stubProvider) Type() llm.ProviderType { return "stub" }

func (p *stubProvider) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()
	return p.chat(call, req)
}

func (p *stubProvider) HealthCheck(context.Context) (*llm.HealthCheckResult, error) {
	return &llm.HealthCheckResult{Status: llm.HealthStatusHealthy}, nil
}

func textResp(content string) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: content, FinishReason: "stop"}, nil
}

func toolResp(id, name string, args map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		FinishReason: "tool_use",
		ToolCall:     &llm.ToolCall{ID: id, Name: name, Arguments: args},
	}, nil
}

func selectorFor(p llm.Provider) *llm.Selector {
	s := llm.NewSelector(func(llm.ProviderConfig) (llm.Provider, error) { return p, nil })
	_ = s.Use(llm.ProviderConfig{Type: llm.ProviderTypeOllama})
	return s
}

// dataServices fakes the preprocessing and file-manager collaborators
// behind one httptest server.
func dataServices(t *testing.T) *httptest.Server {
	t.Helper()
	cleaned := base64.StdEncoding.EncodeToString([]byte("region,amount,units\nnorth,100,3\nsouth,250,7\n"))
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/preprocess/remove-duplicates":
			_ = json.NewEncoder(w).Encode(tools.Result{
				Success: true,
				Message: "removed 1 duplicate row",
				Data:    map[string]any{"file_content": cleaned, "filename": "sales.csv"},
			})
		case "/files/upload":
			_ = json.NewEncoder(w).Encode(tools.Result{
				Success: true,
				Data:    map[string]any{"file_id": "file-1", "version": 2},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestGraph(p llm.Provider, preURL, fmURL string, maxHops int) (*StateGraph, *MemoryCheckpointStore) {
	pre := tools.NewPreprocessingClient(preURL, 0)
	ml := tools.NewMLClient(preURL, 0)
	code := tools.NewCodeRunnerClient(preURL, 0)
	fm := tools.NewFileManagerClient(fmURL, 0)

	store := NewMemoryCheckpointStore()
	graph := NewStateGraph(selectorFor(p), store,
		NewPreprocessingAgent(pre, code, fm),
		NewAnalyticsAgent(fm),
		NewMLAgent(ml, fm),
		NewReporterAgent(fm),
		maxHops)
	return graph, store
}

func TestStateGraph_CleanCSVSingleHop(t *testing.T) {
	services := dataServices(t)
	defer services.Close()

	provider := &stubProvider{chat: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch call {
		case 0: // router: dispatch to preprocessing
			require.Empty(t, req.Tools)
			return textResp(`{"action":"dispatch","target":"preprocessing_agent","subtask":"remove duplicate rows from sales.csv"}`)
		case 1: // agent: call the remove-duplicates tool
			require.NotEmpty(t, req.Tools)
			return toolResp("tc-1", "preprocessing_remove_duplicates", map[string]any{
				"file_content": req.Messages[len(req.Messages)-1].Content,
				"filename":     "sales.csv",
			})
		case 2: // agent: final answer after seeing the tool result
			last := req.Messages[len(req.Messages)-1]
			require.Equal(t, llm.RoleTool, last.Role)
			assert.Contains(t, last.Content, `"success":true`)
			return textResp("Removed 1 duplicate row from sales.csv.")
		case 3: // router: done
			return textResp(`{"action":"done","reason":"agent answer is final"}`)
		}
		t.Fatalf("unexpected model call %d", call)
		return nil, nil
	}}

	graph, store := newTestGraph(provider, services.URL, services.URL, 0)

	state := NewExecutionState("thread-clean")
	require.NoError(t, state.SetFilePayload(csvPayload("sales.csv", salesCSV)))
	state.AppendMessage(llm.Message{Role: llm.RoleUser, Content: "clean the uploaded sales.csv by removing duplicates"})

	var events []HopEvent
	final, err := graph.Run(context.Background(), state, func(ev HopEvent) { events = append(events, ev) })
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Equal(t, "Removed 1 duplicate row from sales.csv.", final.Result.Content)
	assert.Equal(t, "file-1", final.FileID)
	assert.Equal(t, 2, final.FileVersion)
	require.Len(t, final.FileVersionHistory, 1)
	assert.Equal(t, 2, final.FileMetadata.Rows)

	// One agent hop, then termination.
	require.NotEmpty(t, events)
	assert.Equal(t, NodePreprocessing, events[0].Node)
	assert.Equal(t, 1, events[len(events)-1].Hop)

	// Checkpoint reflects the committed final state.
	loaded, err := store.Load(context.Background(), "thread-clean")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, loaded.Status)
	assert.Equal(t, "file-1", loaded.FileID)
}

func TestStateGraph_AdversarialLoopTerminatesAtCap(t *testing.T) {
	provider := &stubProvider{chat: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if len(req.Tools) == 0 {
			// Router always asks for another hop.
			return textResp(`{"action":"dispatch","target":"analytics_agent","subtask":"keep digging"}`)
		}
		return textResp("still digging")
	}}

	graph, _ := newTestGraph(provider, "http://example.invalid", "http://example.invalid", 3)

	state := NewExecutionState("thread-loop")
	final, err := graph.Run(context.Background(), state, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Contains(t, final.Result.Content, MaxHopsMarker)
	// Partial results are preserved alongside the marker.
	assert.Contains(t, final.Result.Content, "still digging")
}

func TestStateGraph_UnparsableDecisionDegradedDone(t *testing.T) {
	provider := &stubProvider{chat: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		return textResp("I think we should probably clean the data first?")
	}}

	graph, store := newTestGraph(provider, "http://example.invalid", "http://example.invalid", 0)

	state := NewExecutionState("thread-garbled")
	final, err := graph.Run(context.Background(), state, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Contains(t, final.Result.Content, "partial results only")

	loaded, err := store.Load(context.Background(), "thread-garbled")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, loaded.Status)
}

func TestStateGraph_ToolFailureDoesNotCrashRun(t *testing.T) {
	provider := &stubProvider{chat: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch call {
		case 0:
			return textResp(`{"action":"dispatch","target":"preprocessing_agent","subtask":"remove duplicates"}`)
		case 1:
			return toolResp("tc-1", "preprocessing_remove_duplicates", map[string]any{
				"file_content": "aGk=", "filename": "sales.csv",
			})
		case 2:
			// The agent observes the failure and reports inability.
			last := req.Messages[len(req.Messages)-1]
			require.Equal(t, llm.RoleTool, last.Role)
			assert.Contains(t, last.Content, `"success":false`)
			return textResp("The preprocessing service is unreachable, I could not clean the file.")
		case 3:
			return textResp(`{"action":"done"}`)
		}
		t.Fatalf("unexpected model call %d", call)
		return nil, nil
	}}

	// Unreachable collaborator.
	graph, _ := newTestGraph(provider, "http://127.0.0.1:1", "http://127.0.0.1:1", 0)

	state := NewExecutionState("thread-toolfail")
	require.NoError(t, state.SetFilePayload(csvPayload("sales.csv", salesCSV)))

	final, err := graph.Run(context.Background(), state, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Contains(t, final.Result.Content, "unreachable")
}

func TestStateGraph_ReporterTerminates(t *testing.T) {
	provider := &stubProvider{chat: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		if len(req.Tools) == 0 {
			return textResp(`{"action":"report","subtask":"summarize the work"}`)
		}
		return textResp("Summary: nothing was needed.")
	}}

	graph, _ := newTestGraph(provider, "http://example.invalid", "http://example.invalid", 0)

	state := NewExecutionState("thread-report")
	final, err := graph.Run(context.Background(), state, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	assert.Equal(t, "Summary: nothing was needed.", final.Result.Content)
}

func TestStateGraph_StatusMonotone(t *testing.T) {
	var observed []Status
	provider := &stubProvider{chat: func(call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		switch call {
		case 0:
			return textResp(`{"action":"dispatch","target":"analytics_agent","subtask":"look"}`)
		case 1:
			return textResp("looked")
		default:
			return textResp(`{"action":"done"}`)
		}
	}}

	graph, _ := newTestGraph(provider, "http://example.invalid", "http://example.invalid", 0)

	state := NewExecutionState("thread-mono")
	final, err := graph.Run(context.Background(), state, func(ev HopEvent) {
		observed = append(observed, ev.Status)
	})
	require.NoError(t, err)

	assert.Equal(t, StatusDone, final.Status)
	// RUNNING observations never follow a DONE observation.
	seenDone := false
	for _, s := range observed {
		if seenDone {
			assert.Equal(t, StatusDone, s)
		}
		if s == StatusDone {
			seenDone = true
		}
	}
}

func TestParseRouterDecision(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		action  string
	}{
		{"plain json done", `{"action":"done"}`, false, "done"},
		{"json wrapped in prose", "Sure!\n{\"action\":\"report\",\"reason\":\"wrap up\"}\nHope that helps.", false, "report"},
		{"valid dispatch", `{"action":"dispatch","target":"ml_agent","subtask":"train a model"}`, false, "dispatch"},
		{"dispatch without subtask", `{"action":"dispatch","target":"ml_agent"}`, true, ""},
		{"dispatch unknown target", `{"action":"dispatch","target":"reporter","subtask":"x"}`, true, ""},
		{"invalid action", `{"action":"ponder"}`, true, ""},
		{"no json at all", "let me think about this", true, ""},
		{"broken json", `{"action":"done"`, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := ParseRouterDecision(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, decision.Action)
		})
	}
}

func TestStateGraph_NoProviderConfigured(t *testing.T) {
	store := NewMemoryCheckpointStore()
	fm := tools.NewFileManagerClient("http://example.invalid", 0)
	graph := NewStateGraph(llm.NewSelector(nil), store,
		NewPreprocessingAgent(tools.NewPreprocessingClient("http://example.invalid", 0), tools.NewCodeRunnerClient("http://example.invalid", 0), fm),
		NewAnalyticsAgent(fm),
		NewMLAgent(tools.NewMLClient("http://example.invalid", 0), fm),
		NewReporterAgent(fm), 0)

	_, err := graph.Run(context.Background(), NewExecutionState("t"), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no model provider"))
}
