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

package tools

import (
	"context"
	"time"
)

// FileManagerClient adapts the external file storage/versioning
// service. Agents reach it only through Tools(); the orchestration core
// additionally uses the typed methods for version bookkeeping.
type FileManagerClient struct {
	client *serviceClient
}

// NewFileManagerClient creates a client for the file-manager service.
func NewFileManagerClient(baseURL string, timeout time.Duration) *FileManagerClient {
	return &FileManagerClient{client: newServiceClient(baseURL, timeout)}
}

// Upload stores a new file or a new version of an existing one. The
// response data carries file_id and version.
func (c *FileManagerClient) Upload(ctx context.Context, content, filename, fileID string) Result {
	payload := map[string]any{
		"file_content": content,
		"filename":     filename,
	}
	if fileID != "" {
		payload["file_id"] = fileID
	}
	return c.client.postJSON(ctx, "/files/upload", payload)
}

// GetVersion fetches a file version's payload and metadata. Version 0
// means latest.
func (c *FileManagerClient) GetVersion(ctx context.Context, fileID string, version int) Result {
	payload := map[string]any{"file_id": fileID}
	if version > 0 {
		payload["version"] = version
	}
	return c.client.postJSON(ctx, "/files/get-version", payload)
}

// List enumerates stored files.
func (c *FileManagerClient) List(ctx context.Context) Result {
	return c.client.postJSON(ctx, "/files/list", map[string]any{})
}

// Delete removes a file and its versions.
func (c *FileManagerClient) Delete(ctx context.Context, fileID string) Result {
	return c.client.postJSON(ctx, "/files/delete", map[string]any{"file_id": fileID})
}

// Find searches stored files by term.
func (c *FileManagerClient) Find(ctx context.Context, term string) Result {
	return c.client.postJSON(ctx, "/files/find", map[string]any{"term": term})
}

// AnalyzeChanges describes the differences between two versions.
func (c *FileManagerClient) AnalyzeChanges(ctx context.Context, fileID string, fromVersion, toVersion int) Result {
	return c.client.postJSON(ctx, "/files/analyze-changes", map[string]any{
		"file_id":      fileID,
		"from_version": fromVersion,
		"to_version":   toVersion,
	})
}

// Tools returns the file-manager adapters offered to agents.
func (c *FileManagerClient) Tools() []Tool {
	return []Tool{
		&remoteTool{
			name:        "file_manager_upload",
			description: "Store a file or a new version of an existing file. Returns file_id and version.",
			schema: objectSchema([]string{"file_content", "filename"}, map[string]any{
				"file_content": prop("string", "Base64-encoded file content"),
				"filename":     prop("string", "Original filename"),
				"file_id":      prop("string", "Existing file id when uploading a new version"),
			}),
			path:    "/files/upload",
			client:  c.client,
			mutates: true,
		},
		&remoteTool{
			name:        "file_manager_get_version",
			description: "Fetch the payload and metadata of a stored file version. Omit version for latest.",
			schema: objectSchema([]string{"file_id"}, map[string]any{
				"file_id": prop("string", "File identifier"),
				"version": prop("integer", "Version number, latest when omitted"),
			}),
			path:   "/files/get-version",
			client: c.client,
		},
		&remoteTool{
			name:        "file_manager_list",
			description: "List stored files with their latest versions.",
			schema:      objectSchema(nil, map[string]any{}),
			path:        "/files/list",
			client:      c.client,
		},
		&remoteTool{
			name:        "file_manager_delete",
			description: "Delete a stored file and all its versions.",
			schema: objectSchema([]string{"file_id"}, map[string]any{
				"file_id": prop("string", "File identifier"),
			}),
			path:    "/files/delete",
			client:  c.client,
			mutates: true,
		},
		&remoteTool{
			name:        "file_manager_find",
			description: "Find stored files matching a search term.",
			schema: objectSchema([]string{"term"}, map[string]any{
				"term": prop("string", "Search term matched against filenames"),
			}),
			path:   "/files/find",
			client: c.client,
		},
		&remoteTool{
			name:        "file_manager_analyze_changes",
			description: "Describe the differences between two versions of a stored file.",
			schema: objectSchema([]string{"file_id", "from_version", "to_version"}, map[string]any{
				"file_id":      prop("string", "File identifier"),
				"from_version": prop("integer", "Older version number"),
				"to_version":   prop("integer", "Newer version number"),
			}),
			path:   "/files/analyze-changes",
			client: c.client,
		},
	}
}

// ReadOnlyTools returns the subset safe for the reporter node, which
// must not mutate stored files.
func (c *FileManagerClient) ReadOnlyTools() []Tool {
	var out []Tool
	for _, t := range c.Tools() {
		switch t.Name() {
		case "file_manager_get_version", "file_manager_list",
			"file_manager_find", "file_manager_analyze_changes":
			out = append(out, t)
		}
	}
	return out
}
