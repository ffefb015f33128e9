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

// Package tools wraps the external data services (file manager,
// preprocessing, ML) as uniform callable adapters. Every adapter is a
// pure function from parameters to Result: one synchronous HTTP call,
// no retries, no state mutation. Failures come back as Success=false
// with a readable Error so model-driven agents can observe and react
// to them instead of crashing the run.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"dataweave/platform/orchestrator/llm"
)

// Result is the uniform tool outcome surfaced to agents.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Failure builds an unsuccessful Result from an error message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// JSON renders the result for feeding back into a model conversation.
func (r Result) JSON() string {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":"unencodable result: %v"}`, err)
	}
	return string(raw)
}

// Tool is one invocable adapter, exposed to the model capability as an
// action it can request.
type Tool interface {
	// Name is the unique tool identifier offered to the model.
	Name() string

	// Spec describes the tool for the model capability.
	Spec() llm.ToolSpec

	// Mutates reports whether a successful call replaces the active
	// dataset or changes stored files. Reads must return false so their
	// results are never folded into the dataset bookkeeping.
	Mutates() bool

	// Call performs the single synchronous external call.
	Call(ctx context.Context, params map[string]any) Result
}

// Registry is a fixed, ordered set of tools handed to one agent.
type Registry struct {
	tools []Tool
	byName map[string]Tool
}

// NewRegistry builds a registry preserving declaration order.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools = append(r.tools, t)
		r.byName[t.Name()] = t
	}
	return r
}

// Specs returns the tool specifications in declaration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	return specs
}

// Call invokes the named tool. An unknown name is a tool failure, not
// a fault: the model sees it and can correct itself.
func (r *Registry) Call(ctx context.Context, name string, params map[string]any) Result {
	t, ok := r.byName[name]
	if !ok {
		return Failure("unknown tool %q", name)
	}
	return t.Call(ctx, params)
}

// Mutates reports whether the named tool is a mutating operation.
// Unknown names are treated as reads.
func (r *Registry) Mutates(name string) bool {
	t, ok := r.byName[name]
	return ok && t.Mutates()
}

// =============================================================================
// Shared HTTP plumbing
// =============================================================================

// DefaultCallTimeout bounds one external service call.
const DefaultCallTimeout = 60 * time.Second

// serviceClient issues single JSON-over-HTTP calls against one data
// service. It never retries.
type serviceClient struct {
	baseURL string
	client  *http.Client
}

func newServiceClient(baseURL string, timeout time.Duration) *serviceClient {
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}
	return &serviceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// postJSON POSTs payload to path and decodes the service's uniform
// {success, message, data, error} response. Any transport or decoding
// problem becomes an unsuccessful Result.
func (c *serviceClient) postJSON(ctx context.Context, path string, payload map[string]any) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Failure("failed to encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Failure("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Failure("service call failed: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Failure("failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Failure("service returned status %d: %s", resp.StatusCode, truncate(string(raw), 300))
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Failure("malformed service response: %v", err)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so the clip never emits invalid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// remoteTool is the standard adapter: name, spec, and one endpoint.
// mutates marks operations whose success changes the active dataset or
// stored files.
type remoteTool struct {
	name        string
	description string
	schema      map[string]any
	path        string
	client      *serviceClient
	mutates     bool
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Mutates() bool { return t.mutates }

func (t *remoteTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: t.name, Description: t.description, Schema: t.schema}
}

func (t *remoteTool) Call(ctx context.Context, params map[string]any) Result {
	if params == nil {
		params = map[string]any{}
	}
	return t.client.postJSON(ctx, t.path, params)
}

// objectSchema builds a JSON-Schema object from property name/type/
// description triples, marking required the listed names.
func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
