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
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataweave/platform/orchestrator/llm"
)

const salesCSV = "region,amount,units\nnorth,100,3\nsouth,250,7\nnorth,100,3\n"

func csvPayload(filename, content string) FilePayload {
	return FilePayload{
		Content:  base64.StdEncoding.EncodeToString([]byte(content)),
		Format:   "csv",
		Filename: filename,
	}
}

func TestNewExecutionState(t *testing.T) {
	state := NewExecutionState("thread-1")

	assert.Equal(t, "thread-1", state.ThreadID)
	assert.NotEmpty(t, state.SessionID)
	assert.Equal(t, StatusRunning, state.Status)
	assert.Empty(t, state.Messages)
	require.NoError(t, state.Validate())
}

func TestNewExecutionState_GeneratesThreadID(t *testing.T) {
	state := NewExecutionState("")
	assert.NotEmpty(t, state.ThreadID)
}

func TestSetFilePayload_RecomputesMetadata(t *testing.T) {
	state := NewExecutionState("thread-1")

	require.NoError(t, state.SetFilePayload(csvPayload("sales.csv", salesCSV)))

	require.NotNil(t, state.FileMetadata)
	assert.Equal(t, "sales.csv", state.FileMetadata.Filename)
	assert.Equal(t, 3, state.FileMetadata.Rows)
	assert.Equal(t, 3, state.FileMetadata.Columns)
	assert.Equal(t, []string{"region", "amount", "units"}, state.FileMetadata.ColumnNames)
	assert.Len(t, state.FileMetadata.SampleRows, 3)

	// Replacing the payload must replace the metadata in the same step.
	require.NoError(t, state.SetFilePayload(csvPayload("dedup.csv", "region,amount,units\nnorth,100,3\nsouth,250,7\n")))
	assert.Equal(t, 2, state.FileMetadata.Rows)
	assert.Equal(t, "dedup.csv", state.FileMetadata.Filename)
}

func TestSetFilePayload_InvalidBase64(t *testing.T) {
	state := NewExecutionState("thread-1")

	err := state.SetFilePayload(FilePayload{Content: "not base64!!", Format: "csv"})

	assert.Error(t, err)
	assert.Nil(t, state.FilePayload)
	assert.Nil(t, state.FileMetadata)
}

func TestSetFilePayload_NonTabularFormat(t *testing.T) {
	state := NewExecutionState("thread-1")

	require.NoError(t, state.SetFilePayload(FilePayload{
		Content:  base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47}),
		Format:   "png",
		Filename: "plot.png",
	}))

	assert.Equal(t, 4, state.FileMetadata.SizeBytes)
	assert.Zero(t, state.FileMetadata.Rows)
	assert.Empty(t, state.FileMetadata.ColumnNames)
}

func TestValidate_CorruptStates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ExecutionState)
	}{
		{"missing thread id", func(s *ExecutionState) { s.ThreadID = "" }},
		{"invalid status", func(s *ExecutionState) { s.Status = "PAUSED" }},
		{"payload without metadata", func(s *ExecutionState) {
			s.FilePayload = &FilePayload{Content: "aGk=", Format: "csv"}
		}},
		{"metadata format mismatch", func(s *ExecutionState) {
			s.FilePayload = &FilePayload{Content: "aGk=", Format: "csv"}
			s.FileMetadata = &FileMetadata{Format: "xlsx"}
		}},
		{"invalid message role", func(s *ExecutionState) {
			s.Messages = append(s.Messages, llm.Message{Role: "narrator", Content: "hi"})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewExecutionState("thread-1")
			tt.mutate(state)

			err := state.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStateCorrupted))
		})
	}
}

func TestRecordFileVersion_AppendOnly(t *testing.T) {
	state := NewExecutionState("thread-1")

	state.RecordFileVersion(1, "initial upload")
	state.RecordFileVersion(2, "removed duplicates")

	assert.Equal(t, 2, state.FileVersion)
	require.Len(t, state.FileVersionHistory, 2)
	assert.Equal(t, 1, state.FileVersionHistory[0].Version)
	assert.Equal(t, "removed duplicates", state.FileVersionHistory[1].Description)
}

func TestSetResult_LargeFlag(t *testing.T) {
	state := NewExecutionState("thread-1")

	state.SetResult("small answer", "")
	assert.False(t, state.Result.IsLarge)

	state.SetResult(strings.Repeat("x", largeResultThreshold+1), "artifact-1")
	assert.True(t, state.Result.IsLarge)
	assert.Equal(t, "artifact-1", state.Result.ArtifactRef)
}

func TestFileMetadata_Summary(t *testing.T) {
	var nilMeta *FileMetadata
	assert.Equal(t, "no active dataset", nilMeta.Summary())

	state := NewExecutionState("thread-1")
	require.NoError(t, state.SetFilePayload(csvPayload("sales.csv", salesCSV)))

	summary := state.FileMetadata.Summary()
	assert.Contains(t, summary, "sales.csv")
	assert.Contains(t, summary, "3 rows x 3 columns")
	assert.Contains(t, summary, "region, amount, units")
}
