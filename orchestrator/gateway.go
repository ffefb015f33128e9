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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"dataweave/platform/orchestrator/llm"
	"dataweave/platform/shared/logger"
)

// maxUploadBytes bounds inbound multipart uploads (32 MiB).
const maxUploadBytes = 32 << 20

// Attachment is one base64 artifact in a chat response.
type Attachment struct {
	ContentType string `json:"content_type"`
	Filename    string `json:"filename,omitempty"`
	Data        string `json:"data"`
}

// ChatResponse is the single-JSON reply of the chat endpoints.
type ChatResponse struct {
	Message     string         `json:"message"`
	Status      Status         `json:"status"`
	ThreadID    string         `json:"thread_id"`
	FileID      string         `json:"file_id,omitempty"`
	FileUpdated bool           `json:"file_updated"`
	ArtifactRef string         `json:"artifact_ref,omitempty"`
	VersionInfo []VersionEntry `json:"version_info,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Gateway is the HTTP boundary: it loads or creates thread state,
// serializes runs per thread, drives one of the two orchestration
// front-ends to its terminal point and shapes the response.
type Gateway struct {
	graph      *StateGraph
	supervisor *Supervisor
	store      CheckpointStore
	selector   *llm.Selector
	log        *logger.Logger

	mu          sync.Mutex
	threadLocks map[string]*threadLock
}

// threadLock is one thread's run mutex plus the number of holders and
// waiters, so idle entries can be pruned.
type threadLock struct {
	mu   sync.Mutex
	refs int
}

// NewGateway wires the HTTP boundary over both front-ends.
func NewGateway(graph *StateGraph, supervisor *Supervisor, store CheckpointStore, selector *llm.Selector) *Gateway {
	return &Gateway{
		graph:       graph,
		supervisor:  supervisor,
		store:       store,
		selector:    selector,
		log:         logger.New("gateway"),
		threadLocks: make(map[string]*threadLock),
	}
}

// lockThread serializes runs for one thread and returns the release
// function. Overlapping requests on a thread queue here; the second
// observes the first's committed checkpoint. The map entry is removed
// once the last holder releases so distinct thread ids cannot grow the
// map without bound.
func (g *Gateway) lockThread(threadID string) func() {
	g.mu.Lock()
	l, ok := g.threadLocks[threadID]
	if !ok {
		l = &threadLock{}
		g.threadLocks[threadID] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(g.threadLocks, threadID)
		}
		g.mu.Unlock()
	}
}

// chatInput is the decoded inbound request shared by the chat
// endpoints.
type chatInput struct {
	Message  string
	ThreadID string
	FileID   string
	Fresh    bool
	Payload  *FilePayload
}

// decodeChatRequest reads either a multipart form (message + optional
// file) or a plain JSON body.
func (g *Gateway) decodeChatRequest(r *http.Request) (*chatInput, error) {
	in := &chatInput{}

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart form: %w", err)
		}
		in.Message = r.FormValue("message")
		in.ThreadID = r.FormValue("thread_id")
		in.FileID = r.FormValue("file_id")
		in.Fresh = r.FormValue("fresh") == "true"

		file, header, err := r.FormFile("file")
		if err == nil {
			defer func() {
				_ = file.Close()
			}()
			raw, err := io.ReadAll(file)
			if err != nil {
				return nil, fmt.Errorf("failed to read upload: %w", err)
			}
			in.Payload = &FilePayload{
				Content:  base64.StdEncoding.EncodeToString(raw),
				Format:   formatFromFilename(header.Filename),
				Filename: header.Filename,
			}
		}
	} else {
		var body struct {
			Message  string `json:"message"`
			ThreadID string `json:"thread_id"`
			FileID   string `json:"file_id"`
			Fresh    bool   `json:"fresh"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
		in.Message = body.Message
		in.ThreadID = body.ThreadID
		in.FileID = body.FileID
		in.Fresh = body.Fresh
	}

	if strings.TrimSpace(in.Message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if in.ThreadID == "" {
		in.ThreadID = uuid.NewString()
	}
	return in, nil
}

// loadState loads the thread checkpoint or creates a fresh state. A
// corrupt checkpoint is an explicit error unless the caller asked for a
// fresh thread; silently discarding prior context is never the default.
func (g *Gateway) loadState(r *http.Request, in *chatInput) (*ExecutionState, error) {
	if in.Fresh {
		_ = g.store.Delete(r.Context(), in.ThreadID)
		return NewExecutionState(in.ThreadID), nil
	}

	state, err := g.store.Load(r.Context(), in.ThreadID)
	if errors.Is(err, ErrCheckpointNotFound) {
		return NewExecutionState(in.ThreadID), nil
	}
	if err != nil {
		return nil, err
	}

	// DONE is terminal per run, not per thread: a new request on a
	// finished thread begins a new run over the same context.
	if state.Status == StatusDone {
		state.Status = StatusRunning
		state.SessionID = uuid.NewString()
		state.ProduceFinalMessage = false
	}
	return state, nil
}

// prepareRun applies the inbound message and any upload to the state.
func (g *Gateway) prepareRun(state *ExecutionState, in *chatInput) error {
	if in.FileID != "" {
		state.FileID = in.FileID
	}
	if in.Payload != nil {
		if err := state.SetFilePayload(*in.Payload); err != nil {
			return fmt.Errorf("unusable file upload: %w", err)
		}
	}
	state.AppendMessage(llm.Message{Role: llm.RoleUser, Content: in.Message})
	return nil
}

func (g *Gateway) buildResponse(state *ExecutionState, fileUpdated bool) ChatResponse {
	resp := ChatResponse{
		Status:      state.Status,
		ThreadID:    state.ThreadID,
		FileID:      state.FileID,
		FileUpdated: fileUpdated,
	}
	if state.Result != nil {
		resp.Message = state.Result.Content
		resp.ArtifactRef = state.Result.ArtifactRef
	}
	if fileUpdated {
		resp.VersionInfo = state.FileVersionHistory
		if state.FilePayload != nil {
			resp.Attachments = append(resp.Attachments, Attachment{
				ContentType: contentTypeForFormat(state.FilePayload.Format),
				Filename:    state.FilePayload.Filename,
				Data:        state.FilePayload.Content,
			})
		}
	}
	return resp
}

func contentTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "csv":
		return "text/csv"
	case "json":
		return "application/json"
	case "png":
		return "image/png"
	case "xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// handleChat drives the graph router to completion and replies with a
// single JSON document.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	in, err := g.decodeChatRequest(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	unlock := g.lockThread(in.ThreadID)
	defer unlock()

	state, err := g.loadState(r, in)
	if err != nil {
		g.writeStateError(w, in.ThreadID, err)
		return
	}
	if err := g.prepareRun(state, in); err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	versionsBefore := len(state.FileVersionHistory)
	final, err := g.graph.Run(r.Context(), state, nil)
	if err != nil {
		g.internalError(w, state.ThreadID, err)
		return
	}

	g.writeJSON(w, http.StatusOK, g.buildResponse(final, len(final.FileVersionHistory) > versionsBefore))
}

// handleChatStream drives the graph router and streams hop events as
// SSE, closing with the final response document.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	in, err := g.decodeChatRequest(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	unlock := g.lockThread(in.ThreadID)
	defer unlock()

	state, err := g.loadState(r, in)
	if err != nil {
		g.writeStateError(w, in.ThreadID, err)
		return
	}
	if err := g.prepareRun(state, in); err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	emit := func(ev HopEvent) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: hop\ndata: %s\n\n", raw)
		flusher.Flush()
	}

	versionsBefore := len(state.FileVersionHistory)
	final, err := g.graph.Run(r.Context(), state, emit)
	if err != nil {
		g.log.Error(state.ThreadID, state.SessionID, "streamed run failed", map[string]interface{}{"error": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: {\"error\":\"internal error\"}\n\n")
		flusher.Flush()
		return
	}

	raw, _ := json.Marshal(g.buildResponse(final, len(final.FileVersionHistory) > versionsBefore))
	fmt.Fprintf(w, "event: final\ndata: %s\n\n", raw)
	flusher.Flush()
}

// handleSupervisorQuery is the one-shot dispatcher entry point.
func (g *Gateway) handleSupervisorQuery(w http.ResponseWriter, r *http.Request) {
	in, err := g.decodeChatRequest(r)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	unlock := g.lockThread(in.ThreadID)
	defer unlock()

	state, err := g.loadState(r, in)
	if err != nil {
		g.writeStateError(w, in.ThreadID, err)
		return
	}
	if in.FileID != "" {
		state.FileID = in.FileID
	}
	if in.Payload != nil {
		if err := state.SetFilePayload(*in.Payload); err != nil {
			g.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	versionsBefore := len(state.FileVersionHistory)
	final, err := g.supervisor.Dispatch(r.Context(), state, in.Message)
	if err != nil {
		g.internalError(w, state.ThreadID, err)
		return
	}

	g.writeJSON(w, http.StatusOK, g.buildResponse(final, len(final.FileVersionHistory) > versionsBefore))
}

// handleGetProvider reports the active model provider config, API key
// redacted.
func (g *Gateway) handleGetProvider(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, g.selector.Current())
}

// handlePutProvider switches the model provider at runtime.
func (g *Gateway) handlePutProvider(w http.ResponseWriter, r *http.Request) {
	var cfg llm.ProviderConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		g.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid provider config: %w", err))
		return
	}

	if err := g.selector.Use(cfg); err != nil {
		g.writeError(w, http.StatusBadRequest, err)
		return
	}

	g.log.Info("", "", "model provider switched", map[string]interface{}{"type": string(cfg.Type)})
	g.writeJSON(w, http.StatusOK, g.selector.Current())
}

// handleDeleteThread removes a thread's checkpoint. Deletion is always
// explicit, never automatic.
func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	threadID := strings.TrimPrefix(r.URL.Path, "/api/v1/threads/")
	if threadID == "" {
		g.writeError(w, http.StatusBadRequest, fmt.Errorf("thread id is required"))
		return
	}

	unlock := g.lockThread(threadID)
	defer unlock()

	if err := g.store.Delete(r.Context(), threadID); err != nil {
		g.internalError(w, threadID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "thread_id": threadID})
}

// writeStateError maps checkpoint load failures: corruption is a
// conflict the caller must resolve by requesting a fresh thread.
func (g *Gateway) writeStateError(w http.ResponseWriter, threadID string, err error) {
	if errors.Is(err, ErrStateCorrupted) {
		g.log.Error(threadID, "", "corrupt checkpoint", map[string]interface{}{"error": err.Error()})
		g.writeJSON(w, http.StatusConflict, map[string]string{
			"error":     "stored state for this thread is corrupt; retry with fresh=true to start over",
			"thread_id": threadID,
		})
		return
	}
	g.internalError(w, threadID, err)
}

// internalError is the outermost boundary: unexpected faults map to a
// generic 500 and the details stay in the log.
func (g *Gateway) internalError(w http.ResponseWriter, threadID string, err error) {
	g.log.ErrorWithCode(threadID, "", "internal error", http.StatusInternalServerError, err, nil)
	g.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (g *Gateway) writeError(w http.ResponseWriter, code int, err error) {
	g.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
