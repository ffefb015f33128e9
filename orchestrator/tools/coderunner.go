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
	"time"
)

// CodeRunnerClient adapts the sandboxed code-execution service, used
// for ad-hoc analysis and transformations no fixed endpoint covers.
// Execution happens entirely inside the remote sandbox; this process
// never runs submitted code.
type CodeRunnerClient struct {
	client *serviceClient
}

// NewCodeRunnerClient creates a client for the code-runner service.
func NewCodeRunnerClient(baseURL string, timeout time.Duration) *CodeRunnerClient {
	return &CodeRunnerClient{client: newServiceClient(baseURL, timeout)}
}

// Tools returns the code-execution adapters offered to agents. Only
// transform_dataset_with_code produces a new dataset.
func (c *CodeRunnerClient) Tools() []Tool {
	return []Tool{
		&remoteTool{
			name:        "execute_code",
			description: "Run a short Python snippet in the sandbox and return its stdout. No dataset involved.",
			schema: objectSchema([]string{"code"}, map[string]any{
				"code": prop("string", "Python source to execute"),
			}),
			path:   "/code/execute",
			client: c.client,
		},
		&remoteTool{
			name:        "analyze_data_with_code",
			description: "Run Python analysis code against the dataset (exposed as a dataframe named df) and return the printed results. The dataset is not modified.",
			schema: objectSchema([]string{"file_content", "filename", "code"}, map[string]any{
				"file_content": prop("string", "Base64-encoded dataset"),
				"filename":     prop("string", "Original filename"),
				"code":         prop("string", "Python source operating on df"),
			}),
			path:   "/code/analyze",
			client: c.client,
		},
		&remoteTool{
			name:        "transform_dataset_with_code",
			description: "Run Python transformation code against the dataset (dataframe df) and return the transformed dataset.",
			schema: objectSchema([]string{"file_content", "filename", "code"}, map[string]any{
				"file_content": prop("string", "Base64-encoded dataset"),
				"filename":     prop("string", "Original filename"),
				"code":         prop("string", "Python source that reassigns df"),
			}),
			path:    "/code/transform",
			client:  c.client,
			mutates: true,
		},
	}
}
