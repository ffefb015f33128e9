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
	"strings"
	"unicode/utf8"

	"dataweave/platform/orchestrator/llm"
	"dataweave/platform/shared/logger"
)

// DefaultMaxHops is the loop-termination guard: past this many
// router-to-agent hops a run is forced into a degraded DONE.
const DefaultMaxHops = 10

// Router decision actions.
const (
	actionDispatch = "dispatch"
	actionReport   = "report"
	actionDone     = "done"
)

// RouterDecision is the strict structured contract the router expects
// from the model's decision step. Anything that fails to parse into it
// is a model invocation failure, never a silent default route.
type RouterDecision struct {
	// Action is one of dispatch, report, done.
	Action string `json:"action"`

	// Target names the specialized agent for dispatch.
	Target string `json:"target,omitempty"`

	// Subtask is the instruction handed to the dispatched agent.
	Subtask string `json:"subtask,omitempty"`

	// Reason is the model's short justification, logged only.
	Reason string `json:"reason,omitempty"`
}

// HopEvent is one streamed progress notification, tagged with the node
// that produced it.
type HopEvent struct {
	Node    string `json:"node"`
	Status  Status `json:"status"`
	Content string `json:"content,omitempty"`
	Hop     int    `json:"hop"`
}

// EventSink receives hop events as the graph progresses. May be nil.
type EventSink func(HopEvent)

// StateGraph is the looping orchestration front-end: router decision,
// one agent hop, loop back until the router declares the task done or
// the hop cap trips.
type StateGraph struct {
	selector *llm.Selector
	agents   map[string]*Agent
	reporter *Agent
	store    CheckpointStore
	maxHops  int
	log      *logger.Logger
}

// NewStateGraph wires the graph from its agents and checkpoint store.
func NewStateGraph(selector *llm.Selector, store CheckpointStore, preprocessing, analytics, ml, reporter *Agent, maxHops int) *StateGraph {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &StateGraph{
		selector: selector,
		agents: map[string]*Agent{
			NodePreprocessing: preprocessing,
			NodeAnalytics:     analytics,
			NodeML:            ml,
		},
		reporter: reporter,
		store:    store,
		maxHops:  maxHops,
		log:      logger.New("state-graph"),
	}
}

// Run drives one request to completion. The state is persisted after
// every node transition; the returned state always has Status DONE
// unless persistence itself failed. Cancellation stops new hops and
// persists whatever partial state exists.
func (g *StateGraph) Run(ctx context.Context, state *ExecutionState, emit EventSink) (*ExecutionState, error) {
	provider := g.selector.Active()
	if provider == nil {
		return nil, fmt.Errorf("no model provider configured")
	}

	hops := 0
	for {
		if err := ctx.Err(); err != nil {
			g.forceDone(ctx, state, "run cancelled before completion")
			runsTotal.WithLabelValues("graph", "cancelled").Inc()
			return state, nil
		}

		decision, err := g.decide(ctx, provider, state)
		if err != nil {
			g.log.Error(state.ThreadID, state.SessionID, "router decision failed", map[string]interface{}{"error": err.Error()})
			g.forceDone(ctx, state, "the orchestrator could not plan the next step; partial results only")
			runsTotal.WithLabelValues("graph", "model_failure").Inc()
			return state, nil
		}

		g.log.Info(state.ThreadID, state.SessionID, "router decision", map[string]interface{}{
			"action": decision.Action,
			"target": decision.Target,
			"hop":    hops,
		})

		switch decision.Action {
		case actionDone:
			state.Status = StatusDone
			if err := g.checkpoint(ctx, state); err != nil {
				return nil, err
			}
			g.emitEvent(emit, HopEvent{Node: NodeRouter, Status: state.Status, Hop: hops})
			runsTotal.WithLabelValues("graph", "done").Inc()
			return state, nil

		case actionReport:
			if err := g.runAgent(ctx, provider, g.reporter, state, decision.Subtask); err != nil {
				g.forceDone(ctx, state, "reporting failed; partial results only")
				runsTotal.WithLabelValues("graph", "model_failure").Inc()
				return state, nil
			}
			// Reporter is a sink: it always terminates the run.
			state.Status = StatusDone
			if err := g.checkpoint(ctx, state); err != nil {
				return nil, err
			}
			g.emitEvent(emit, HopEvent{Node: NodeReporter, Status: state.Status, Content: state.Result.Content, Hop: hops})
			runsTotal.WithLabelValues("graph", "done").Inc()
			return state, nil

		case actionDispatch:
			agent, ok := g.agents[decision.Target]
			if !ok {
				g.forceDone(ctx, state, fmt.Sprintf("the orchestrator chose an unknown agent %q; partial results only", decision.Target))
				runsTotal.WithLabelValues("graph", "model_failure").Inc()
				return state, nil
			}

			if err := g.runAgent(ctx, provider, agent, state, decision.Subtask); err != nil {
				g.log.Error(state.ThreadID, state.SessionID, "agent hop failed", map[string]interface{}{
					"agent": agent.Name(),
					"error": err.Error(),
				})
				g.forceDone(ctx, state, fmt.Sprintf("the %s failed mid-task; partial results only", agent.Name()))
				runsTotal.WithLabelValues("graph", "model_failure").Inc()
				return state, nil
			}

			hops++
			hopsTotal.Inc()
			if err := g.checkpoint(ctx, state); err != nil {
				return nil, err
			}
			g.emitEvent(emit, HopEvent{Node: agent.Name(), Status: state.Status, Content: state.Result.Content, Hop: hops})

			// route_after_agent: DONE terminates, anything else loops
			// back to the router.
			if state.Status == StatusDone {
				runsTotal.WithLabelValues("graph", "done").Inc()
				return state, nil
			}

		default:
			g.forceDone(ctx, state, fmt.Sprintf("the orchestrator produced an invalid action %q; partial results only", decision.Action))
			runsTotal.WithLabelValues("graph", "model_failure").Inc()
			return state, nil
		}

		if hops >= g.maxHops {
			g.log.Warn(state.ThreadID, state.SessionID, "hop cap reached", map[string]interface{}{"hops": hops})
			g.forceDone(ctx, state, MaxHopsMarker)
			g.emitEvent(emit, HopEvent{Node: NodeRouter, Status: state.Status, Content: MaxHopsMarker, Hop: hops})
			runsTotal.WithLabelValues("graph", "max_hops").Inc()
			return state, nil
		}
	}
}

// runAgent executes one agent hop over the given subtask.
func (g *StateGraph) runAgent(ctx context.Context, provider llm.Provider, agent *Agent, state *ExecutionState, subtask string) error {
	state.CurrentSubtask = subtask
	state.CurrentStep++
	state.ProduceFinalMessage = false
	return agent.Execute(ctx, provider, state)
}

// decide runs the zero-tool router decision step.
func (g *StateGraph) decide(ctx context.Context, provider llm.Provider, state *ExecutionState) (*RouterDecision, error) {
	prompt := g.routerPrompt(state)

	resp, err := provider.Chat(ctx, llm.ChatRequest{
		SystemPrompt: routerSystemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return nil, err
	}
	modelLatency.WithLabelValues(NodeRouter).Observe(resp.Latency.Seconds())

	return ParseRouterDecision(resp.Content)
}

const routerSystemPrompt = `You are the orchestration router for a data platform. ` +
	`Given the conversation, the active dataset and the work done so far, decide the single next step. ` +
	`Respond with ONLY a JSON object: {"action": "dispatch"|"report"|"done", "target": "preprocessing_agent"|"analytics_agent"|"ml_agent", "subtask": "...", "reason": "..."}. ` +
	`Use "dispatch" with a target and subtask when more specialist work is needed, ` +
	`"report" when accumulated results need a final user-facing summary, ` +
	`and "done" when the last agent answer already serves as the final message.`

func (g *StateGraph) routerPrompt(state *ExecutionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation so far:\n%s\n", FormatHistory(state.Messages, 0, 0))
	fmt.Fprintf(&b, "Active dataset: %s\n", state.FileMetadata.Summary())
	if len(state.Plan) > 0 {
		b.WriteString("Plan:\n")
		for i, step := range state.Plan {
			mark := " "
			if step.Completed {
				mark = "x"
			}
			fmt.Fprintf(&b, "  [%s] %d. %s\n", mark, i+1, step.Description)
		}
	}
	if state.Result != nil {
		fmt.Fprintf(&b, "Last agent result: %s\n", truncateForPrompt(state.Result.Content, 500))
		fmt.Fprintf(&b, "Agent marked it user-facing: %v\n", state.ProduceFinalMessage)
	}
	return b.String()
}

func truncateForPrompt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary so the clip never emits invalid UTF-8
	// into a prompt.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// ParseRouterDecision extracts and validates the structured decision
// from raw model output. Models wrap JSON in prose often enough that we
// take everything between the first and last brace.
func ParseRouterDecision(raw string) (*RouterDecision, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in router output: %q", truncateForPrompt(raw, 120))
	}

	var decision RouterDecision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &decision); err != nil {
		return nil, fmt.Errorf("undecodable router decision: %w", err)
	}

	switch decision.Action {
	case actionReport, actionDone:
	case actionDispatch:
		switch decision.Target {
		case NodePreprocessing, NodeAnalytics, NodeML:
		default:
			return nil, fmt.Errorf("dispatch to unknown target %q", decision.Target)
		}
		if strings.TrimSpace(decision.Subtask) == "" {
			return nil, fmt.Errorf("dispatch decision without a subtask")
		}
	default:
		return nil, fmt.Errorf("invalid router action %q", decision.Action)
	}

	return &decision, nil
}

// forceDone moves the run into the degraded terminal state and persists
// it. DONE is terminal: nothing transitions out of it within this run.
func (g *StateGraph) forceDone(ctx context.Context, state *ExecutionState, marker string) {
	content := marker
	if state.Result != nil && state.Result.Content != "" {
		content = state.Result.Content + "\n\n" + marker
	}
	state.SetResult(content, "")
	state.Status = StatusDone

	if err := g.checkpoint(context.WithoutCancel(ctx), state); err != nil {
		g.log.Error(state.ThreadID, state.SessionID, "failed to persist degraded state", map[string]interface{}{"error": err.Error()})
	}
}

func (g *StateGraph) checkpoint(ctx context.Context, state *ExecutionState) error {
	if err := g.store.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to checkpoint thread %s: %w", state.ThreadID, err)
	}
	return nil
}

func (g *StateGraph) emitEvent(emit EventSink, ev HopEvent) {
	if emit != nil {
		emit(ev)
	}
}
