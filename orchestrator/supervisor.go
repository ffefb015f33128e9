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
	"fmt"

	"dataweave/platform/orchestrator/llm"
	"dataweave/platform/orchestrator/tools"
	"dataweave/platform/shared/logger"
)

// Supervisor is the one-shot orchestration front-end: capability-match
// the query to exactly one specialized agent, run it against an
// injected state snapshot, fold the results back, persist. No router
// loop. It shares ApplyToolEffects with the graph so file-version
// bookkeeping stays identical between the two entry points.
type Supervisor struct {
	selector    *llm.Selector
	agents      map[string]*Agent
	registry    *AgentRegistryConfig
	store       CheckpointStore
	fileManager *tools.FileManagerClient
	log         *logger.Logger
}

// NewSupervisor wires the dispatcher over the same agents as the graph.
func NewSupervisor(selector *llm.Selector, store CheckpointStore, registry *AgentRegistryConfig, fm *tools.FileManagerClient, preprocessing, analytics, ml *Agent) *Supervisor {
	return &Supervisor{
		selector: selector,
		agents: map[string]*Agent{
			NodePreprocessing: preprocessing,
			NodeAnalytics:     analytics,
			NodeML:            ml,
		},
		registry:    registry,
		store:       store,
		fileManager: fm,
		log:         logger.New("supervisor"),
	}
}

// Dispatch handles one query: load or default the active dataset, match
// a capability, run the matched agent on a snapshot, merge and persist.
// Missing input and missing capability are results, not errors.
func (s *Supervisor) Dispatch(ctx context.Context, state *ExecutionState, query string) (*ExecutionState, error) {
	provider := s.selector.Active()
	if provider == nil {
		return nil, fmt.Errorf("no model provider configured")
	}

	state.AppendMessage(llm.Message{Role: llm.RoleUser, Content: query})

	if err := s.ensureDataset(ctx, state); err != nil {
		return nil, err
	}

	cap, matched := s.registry.Match(query)
	if !matched {
		state.SetResult("No specialized agent matches this request. Try a preprocessing, analytics or ML task.", "")
		return s.finish(ctx, state, "no_match")
	}

	if state.FilePayload == nil && cap.Agent != NodeAnalytics {
		state.SetResult("Missing input: this request needs a dataset, but no file was provided and no default dataset is available.", "")
		return s.finish(ctx, state, "missing_input")
	}

	s.log.Info(state.ThreadID, state.SessionID, "dispatching", map[string]interface{}{
		"agent": cap.Agent,
		"query": truncateForPrompt(query, 200),
	})

	snapshot := s.snapshot(state, query)
	agent := s.agents[cap.Agent]
	if err := agent.Execute(ctx, provider, snapshot); err != nil {
		s.log.Error(state.ThreadID, state.SessionID, "dispatched agent failed", map[string]interface{}{
			"agent": cap.Agent,
			"error": err.Error(),
		})
		state.SetResult(fmt.Sprintf("The %s failed mid-task; partial results only", cap.Agent), "")
		return s.finish(ctx, state, "model_failure")
	}

	s.merge(state, snapshot)
	return s.finish(ctx, state, "done")
}

// ensureDataset loads the thread's default dataset from the file
// manager when only a reference is checkpointed. An unreachable file
// manager is not fatal: the agent observes the absent dataset instead.
func (s *Supervisor) ensureDataset(ctx context.Context, state *ExecutionState) error {
	if state.FilePayload != nil || state.FileID == "" {
		return nil
	}

	result := s.fileManager.GetVersion(ctx, state.FileID, 0)
	if !result.Success {
		s.log.Warn(state.ThreadID, state.SessionID, "default dataset load failed", map[string]interface{}{
			"file_id": state.FileID,
			"error":   result.Error,
		})
		return nil
	}

	content, _ := result.Data["file_content"].(string)
	filename, _ := result.Data["filename"].(string)
	if content == "" {
		return nil
	}
	return state.SetFilePayload(FilePayload{
		Content:  content,
		Format:   formatFromFilename(filename),
		Filename: filename,
	})
}

// snapshot builds the capability snapshot injected into the dispatched
// agent: dataset reference and subtask, not the full conversation.
func (s *Supervisor) snapshot(state *ExecutionState, query string) *ExecutionState {
	return &ExecutionState{
		SessionID:          state.SessionID,
		ThreadID:           state.ThreadID,
		Status:             StatusRunning,
		Messages:           []llm.Message{{Role: llm.RoleSystem, Content: s.registry.Snapshot()}},
		FilePayload:        state.FilePayload,
		FileMetadata:       state.FileMetadata,
		FileID:             state.FileID,
		FileVersion:        state.FileVersion,
		FileVersionHistory: state.FileVersionHistory,
		CurrentSubtask:     query,
	}
}

// merge folds the snapshot's effects back into the thread state.
func (s *Supervisor) merge(state, snapshot *ExecutionState) {
	state.Result = snapshot.Result
	state.ProduceFinalMessage = snapshot.ProduceFinalMessage

	state.FilePayload = snapshot.FilePayload
	state.FileMetadata = snapshot.FileMetadata
	state.FileID = snapshot.FileID
	state.FileVersion = snapshot.FileVersion
	state.FileVersionHistory = snapshot.FileVersionHistory

	if snapshot.ModelArtifactPath != "" {
		state.ModelArtifactPath = snapshot.ModelArtifactPath
	}
	if snapshot.TrackingURI != "" {
		state.TrackingURI = snapshot.TrackingURI
	}
	if len(snapshot.ModelMetrics) > 0 {
		state.ModelMetrics = snapshot.ModelMetrics
	}

	if state.Result != nil {
		state.AppendMessage(llm.Message{Role: llm.RoleAssistant, Content: state.Result.Content})
	}
}

func (s *Supervisor) finish(ctx context.Context, state *ExecutionState, outcome string) (*ExecutionState, error) {
	state.Status = StatusDone
	if err := s.store.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("failed to checkpoint thread %s: %w", state.ThreadID, err)
	}
	runsTotal.WithLabelValues("supervisor", outcome).Inc()
	return state, nil
}
