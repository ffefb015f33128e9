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
	"fmt"
	"strings"

	"dataweave/platform/orchestrator/llm"
)

const (
	// defaultHistoryWindow is how many trailing messages the prompt
	// view keeps.
	defaultHistoryWindow = 10

	// defaultHistoryClip is the per-message character cap in the
	// prompt view.
	defaultHistoryClip = 1000
)

// CompactHistory returns a bounded view of the trailing window
// messages, each clipped to clip characters. The stored history is
// untouched; this is purely the view handed to the model.
func CompactHistory(messages []llm.Message, window, clip int) []llm.Message {
	if window <= 0 {
		window = defaultHistoryWindow
	}
	if clip <= 0 {
		clip = defaultHistoryClip
	}

	start := 0
	if len(messages) > window {
		start = len(messages) - window
	}

	out := make([]llm.Message, 0, len(messages)-start)
	for _, m := range messages[start:] {
		if len(m.Content) > clip {
			m.Content = truncateForPrompt(m.Content, clip)
		}
		out = append(out, m)
	}
	return out
}

// FormatHistory renders the compacted view as prompt text for decision
// steps, one "role: content" line per turn.
func FormatHistory(messages []llm.Message, window, clip int) string {
	compacted := CompactHistory(messages, window, clip)
	if len(compacted) == 0 {
		return "(no conversation yet)"
	}

	var b strings.Builder
	for _, m := range compacted {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}
