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
	"encoding/json"
	"fmt"
	"strconv"

	"dataweave/platform/orchestrator/llm"
	"dataweave/platform/orchestrator/tools"
	"dataweave/platform/shared/logger"
)

// Node names of the state graph.
const (
	NodeRouter        = "router"
	NodePreprocessing = "preprocessing_agent"
	NodeAnalytics     = "analytics_agent"
	NodeML            = "ml_agent"
	NodeReporter      = "reporter"
)

// maxToolRounds bounds one agent's tool loop within a single hop.
const maxToolRounds = 8

// Agent is one specialized executor: the model capability plus a fixed
// tool subset, run as a bounded tool loop over one subtask. Agents
// update Result and the file bookkeeping, and raise
// ProduceFinalMessage; they never set Status.
type Agent struct {
	name         string
	systemPrompt string
	registry     *tools.Registry
	fileManager  *tools.FileManagerClient
	mutatesFiles bool
	log          *logger.Logger
}

// NewPreprocessingAgent executes cleaning/transformation subtasks. The
// code runner covers transformations no fixed preprocessing endpoint
// expresses.
func NewPreprocessingAgent(pre *tools.PreprocessingClient, code *tools.CodeRunnerClient, fm *tools.FileManagerClient) *Agent {
	all := append(pre.Tools(), code.Tools()...)
	all = append(all, fm.Tools()...)
	return &Agent{
		name: NodePreprocessing,
		systemPrompt: "You are a data preprocessing specialist. Use the preprocessing tools to " +
			"clean and transform the active dataset as the subtask asks, falling back to " +
			"transformation code only when no dedicated tool fits. Work on the dataset " +
			"passed in the conversation, report what changed, and answer in plain text when done.",
		registry:     tools.NewRegistry(all...),
		fileManager:  fm,
		mutatesFiles: true,
		log:          logger.New(NodePreprocessing),
	}
}

// NewAnalyticsAgent executes analysis subtasks over the active dataset.
// It reads stored files but never mutates them.
func NewAnalyticsAgent(fm *tools.FileManagerClient) *Agent {
	return &Agent{
		name: NodeAnalytics,
		systemPrompt: "You are a data analytics specialist. Inspect the active dataset and its " +
			"stored versions to answer analytical questions. You cannot modify files. Answer " +
			"in plain text with concrete figures.",
		registry:    tools.NewRegistry(fm.ReadOnlyTools()...),
		fileManager: fm,
		log:         logger.New(NodeAnalytics),
	}
}

// NewMLAgent executes training/evaluation subtasks.
func NewMLAgent(ml *tools.MLClient, fm *tools.FileManagerClient) *Agent {
	all := append(ml.Tools(), fm.ReadOnlyTools()...)
	return &Agent{
		name: NodeML,
		systemPrompt: "You are a machine learning specialist. Train, tune and evaluate models on " +
			"the active dataset using the ML tools. Report metrics and artifact references in " +
			"plain text when done.",
		registry:    tools.NewRegistry(all...),
		fileManager: fm,
		log:         logger.New(NodeML),
	}
}

// NewReporterAgent synthesizes the final user-facing answer from the
// accumulated results. Read-only tool access, must not touch the
// payload.
func NewReporterAgent(fm *tools.FileManagerClient) *Agent {
	return &Agent{
		name: NodeReporter,
		systemPrompt: "You are the reporter. Summarize everything accomplished so far into one " +
			"clear, user-facing answer. You may look up previously referenced artifacts but " +
			"you cannot modify anything.",
		registry:    tools.NewRegistry(fm.ReadOnlyTools()...),
		fileManager: fm,
		log:         logger.New(NodeReporter),
	}
}

// Name returns the agent's node name.
func (a *Agent) Name() string { return a.name }

// Execute runs the agent's tool loop for the current subtask. A model
// invocation error is returned to the router; tool failures stay inside
// the conversation.
func (a *Agent) Execute(ctx context.Context, provider llm.Provider, state *ExecutionState) error {
	messages := CompactHistory(state.Messages, 0, 0)
	messages = append(messages, llm.Message{
		Role: llm.RoleUser,
		Content: fmt.Sprintf("Active dataset: %s\nSubtask: %s",
			state.FileMetadata.Summary(), state.CurrentSubtask),
	})

	for round := 0; round < maxToolRounds; round++ {
		resp, err := a.chat(ctx, provider, llm.ChatRequest{
			SystemPrompt: a.systemPrompt,
			Messages:     messages,
			Tools:        a.registry.Specs(),
		})
		if err != nil {
			return fmt.Errorf("%s model invocation failed: %w", a.name, err)
		}

		if resp.ToolCall == nil {
			state.SetResult(resp.Content, state.ModelArtifactPath)
			state.AppendMessage(llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
			state.ProduceFinalMessage = true
			return nil
		}

		result := a.invokeTool(ctx, resp.ToolCall, state)

		args, _ := json.Marshal(resp.ToolCall.Arguments)
		messages = append(messages,
			llm.Message{
				Role:       llm.RoleAssistant,
				Content:    string(args),
				ToolCallID: resp.ToolCall.ID,
				ToolName:   resp.ToolCall.Name,
			},
			llm.Message{
				Role:       llm.RoleTool,
				Content:    result.JSON(),
				ToolCallID: resp.ToolCall.ID,
				ToolName:   resp.ToolCall.Name,
			},
		)
	}

	// The model never settled on an answer. Report the round budget as
	// the result rather than failing the run.
	content := fmt.Sprintf("The %s could not complete the subtask within %d tool rounds.", a.name, maxToolRounds)
	state.SetResult(content, "")
	state.AppendMessage(llm.Message{Role: llm.RoleAssistant, Content: content})
	state.ProduceFinalMessage = true
	return nil
}

func (a *Agent) chat(ctx context.Context, provider llm.Provider, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := provider.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	modelLatency.WithLabelValues(a.name).Observe(resp.Latency.Seconds())
	return resp, nil
}

// invokeTool runs one tool call and applies its state effects. The
// adapter itself never touches state; all bookkeeping happens here so
// both orchestration front-ends share it.
func (a *Agent) invokeTool(ctx context.Context, call *llm.ToolCall, state *ExecutionState) tools.Result {
	result := a.registry.Call(ctx, call.Name, call.Arguments)
	toolCallsTotal.WithLabelValues(call.Name, strconv.FormatBool(result.Success)).Inc()

	a.log.Info(state.ThreadID, state.SessionID, "tool call", map[string]interface{}{
		"tool":    call.Name,
		"success": result.Success,
	})

	if result.Success {
		if err := ApplyToolEffects(ctx, state, a.fileManager, call.Name, a.registry.Mutates(call.Name), result); err != nil {
			// Bookkeeping failure is reported to the model like any
			// other tool failure.
			return tools.Failure("tool succeeded but applying its result failed: %v", err)
		}
	}
	return result
}

// ApplyToolEffects folds a successful tool result into the execution
// state: dataset replacements are persisted to the file manager and
// recorded in the version history, ML artifacts land in their dedicated
// fields. Shared by the graph agents and the supervisor dispatcher so
// file-version bookkeeping cannot diverge.
//
// Only mutating tools replace the dataset. Reads such as
// file_manager_get_version echo file_content in their result data, and
// folding that back in would re-upload just-downloaded bytes and grow
// the version history from a pure read.
func ApplyToolEffects(ctx context.Context, state *ExecutionState, fm *tools.FileManagerClient, toolName string, mutates bool, result tools.Result) error {
	if content, ok := result.Data["file_content"].(string); ok && content != "" && mutates {
		filename, _ := result.Data["filename"].(string)
		if filename == "" && state.FilePayload != nil {
			filename = state.FilePayload.Filename
		}
		format := formatFromFilename(filename)

		if err := state.SetFilePayload(FilePayload{
			Content:  content,
			Format:   format,
			Filename: filename,
		}); err != nil {
			return err
		}

		upload := fm.Upload(ctx, content, filename, state.FileID)
		if !upload.Success {
			return fmt.Errorf("file manager upload failed: %s", upload.Error)
		}
		if id, ok := upload.Data["file_id"].(string); ok && id != "" {
			state.FileID = id
		}
		version := state.FileVersion + 1
		if v, ok := upload.Data["version"].(float64); ok {
			version = int(v)
		}
		state.RecordFileVersion(version, fmt.Sprintf("updated by %s", toolName))
	}

	if path, ok := result.Data["model_path"].(string); ok && path != "" {
		state.ModelArtifactPath = path
	}
	if uri, ok := result.Data["tracking_uri"].(string); ok && uri != "" {
		state.TrackingURI = uri
	}
	if metrics, ok := result.Data["metrics"].(map[string]any); ok {
		if state.ModelMetrics == nil {
			state.ModelMetrics = make(map[string]float64, len(metrics))
		}
		for k, v := range metrics {
			if f, ok := v.(float64); ok {
				state.ModelMetrics[k] = f
			}
		}
	}

	return nil
}

func formatFromFilename(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i+1:]
		}
	}
	return "csv"
}
