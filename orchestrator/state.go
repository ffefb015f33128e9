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

// Package orchestrator implements the DataWeave multi-agent
// orchestration core: the shared execution state, the state-graph
// router and its specialized agents, the one-shot supervisor
// dispatcher, thread checkpointing, and the streaming HTTP gateway.
package orchestrator

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataweave/platform/orchestrator/llm"
)

// Status is the run lifecycle signal. Only the router decision step may
// move a run to StatusDone; specialized agents signal completion through
// ProduceFinalMessage instead.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
)

// ErrStateCorrupted marks a checkpoint that loaded but failed
// validation. The thread is unusable until the caller explicitly asks
// for a fresh one.
var ErrStateCorrupted = errors.New("execution state corrupted")

// MaxHopsMarker is embedded in the result content when the hop cap
// forces a degraded termination.
const MaxHopsMarker = "[max hops exceeded - partial result]"

// FilePayload is the active dataset: base64 content plus a format tag.
// It is replaced wholesale when an agent produces a new version, never
// mutated in place.
type FilePayload struct {
	Content  string `json:"content"`
	Format   string `json:"format"`
	Filename string `json:"filename,omitempty"`
}

// FileMetadata describes the active dataset. It is derived from
// FilePayload and recomputed on every payload replacement.
type FileMetadata struct {
	Filename    string     `json:"filename,omitempty"`
	Format      string     `json:"format"`
	SizeBytes   int        `json:"size_bytes"`
	Rows        int        `json:"rows,omitempty"`
	Columns     int        `json:"columns,omitempty"`
	ColumnNames []string   `json:"column_names,omitempty"`
	SampleRows  [][]string `json:"sample_rows,omitempty"`
}

// Result is the output envelope of the last agent hop.
type Result struct {
	Content     string `json:"content"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	IsLarge     bool   `json:"is_large"`
}

// VersionEntry records one persisted update of the active file.
type VersionEntry struct {
	Version     int       `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}

// PlanStep is one entry of the router's optional task breakdown.
type PlanStep struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
}

// ExecutionState is the single source of truth for one run, threaded
// explicitly through every router and agent step and persisted to the
// checkpoint store after each transition.
type ExecutionState struct {
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`

	Messages []llm.Message `json:"messages"`

	FilePayload  *FilePayload  `json:"file_payload,omitempty"`
	FileMetadata *FileMetadata `json:"file_metadata,omitempty"`

	Status Status `json:"status"`

	CurrentStep    int        `json:"current_step"`
	Plan           []PlanStep `json:"plan,omitempty"`
	CurrentSubtask string     `json:"current_subtask,omitempty"`

	Result *Result `json:"result,omitempty"`

	FileID             string         `json:"file_id,omitempty"`
	FileVersion        int            `json:"file_version,omitempty"`
	FileVersionHistory []VersionEntry `json:"file_version_history,omitempty"`

	ModelArtifactPath string             `json:"model_artifact_path,omitempty"`
	ModelMetrics      map[string]float64 `json:"model_metrics,omitempty"`
	TrackingURI       string             `json:"tracking_uri,omitempty"`

	ProduceFinalMessage bool `json:"produce_final_message"`
}

// NewExecutionState creates the fresh state for a thread's first run.
func NewExecutionState(threadID string) *ExecutionState {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	return &ExecutionState{
		SessionID: uuid.NewString(),
		ThreadID:  threadID,
		Messages:  []llm.Message{},
		Status:    StatusRunning,
	}
}

// Validate checks the structural invariants enforced at every
// load/store boundary. A violation means the checkpoint is corrupt.
func (s *ExecutionState) Validate() error {
	if s.ThreadID == "" {
		return fmt.Errorf("%w: missing thread_id", ErrStateCorrupted)
	}
	if s.Status != StatusRunning && s.Status != StatusDone {
		return fmt.Errorf("%w: invalid status %q", ErrStateCorrupted, s.Status)
	}
	if s.FilePayload != nil && s.FileMetadata == nil {
		return fmt.Errorf("%w: file payload without metadata", ErrStateCorrupted)
	}
	if s.FilePayload != nil && s.FileMetadata != nil && s.FileMetadata.Format != s.FilePayload.Format {
		return fmt.Errorf("%w: metadata format %q does not match payload format %q",
			ErrStateCorrupted, s.FileMetadata.Format, s.FilePayload.Format)
	}
	for _, m := range s.Messages {
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool:
		default:
			return fmt.Errorf("%w: message with invalid role %q", ErrStateCorrupted, m.Role)
		}
	}
	return nil
}

// AppendMessage appends one conversation turn. History is append-only
// within a run; compaction happens only in the prompt view.
func (s *ExecutionState) AppendMessage(msg llm.Message) {
	s.Messages = append(s.Messages, msg)
}

// SetFilePayload replaces the active dataset wholesale and recomputes
// its metadata in the same step so the pair is never observed stale.
func (s *ExecutionState) SetFilePayload(payload FilePayload) error {
	meta, err := computeFileMetadata(payload)
	if err != nil {
		return err
	}
	s.FilePayload = &payload
	s.FileMetadata = meta
	return nil
}

// RecordFileVersion appends one version entry and advances the current
// version. History length never decreases for a given file_id.
func (s *ExecutionState) RecordFileVersion(version int, description string) {
	s.FileVersion = version
	s.FileVersionHistory = append(s.FileVersionHistory, VersionEntry{
		Version:     version,
		Timestamp:   time.Now().UTC(),
		Description: description,
	})
}

// SetResult overwrites the per-hop output envelope.
func (s *ExecutionState) SetResult(content, artifactRef string) {
	s.Result = &Result{
		Content:     content,
		ArtifactRef: artifactRef,
		IsLarge:     len(content) > largeResultThreshold,
	}
}

const largeResultThreshold = 8192

// maxSampleRows bounds the metadata preview.
const maxSampleRows = 5

// computeFileMetadata derives metadata from the payload. Tabular
// formats get schema and row counts; anything else only size.
func computeFileMetadata(payload FilePayload) (*FileMetadata, error) {
	raw, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to decode file payload: %w", err)
	}

	meta := &FileMetadata{
		Filename:  payload.Filename,
		Format:    payload.Format,
		SizeBytes: len(raw),
	}

	if strings.EqualFold(payload.Format, "csv") {
		reader := csv.NewReader(bytes.NewReader(raw))
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err == io.EOF {
			return meta, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse csv payload: %w", err)
		}
		meta.ColumnNames = header
		meta.Columns = len(header)

		for {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse csv payload: %w", err)
			}
			meta.Rows++
			if len(meta.SampleRows) < maxSampleRows {
				meta.SampleRows = append(meta.SampleRows, row)
			}
		}
	}

	return meta, nil
}

// Summary renders the dataset description for router and agent prompts.
func (m *FileMetadata) Summary() string {
	if m == nil {
		return "no active dataset"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "file %q (%s, %d bytes)", m.Filename, m.Format, m.SizeBytes)
	if m.Columns > 0 {
		fmt.Fprintf(&b, ", %d rows x %d columns", m.Rows, m.Columns)
		fmt.Fprintf(&b, ", columns: %s", strings.Join(m.ColumnNames, ", "))
	}
	return b.String()
}
