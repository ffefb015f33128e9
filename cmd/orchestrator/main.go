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

// Package main is the entry point for the DataWeave Orchestrator service.
//
// The Orchestrator coordinates specialized data agents over a shared
// conversation state:
// - Routes each turn through a state graph (router, preprocessing,
//   analytics, ML, reporter)
// - Dispatches one-shot queries to a single agent via the supervisor
// - Checkpoints thread state after every node transition
// - Streams per-hop progress events to clients
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	ORCHESTRATOR_PORT - HTTP server port (default: 8080)
//	CHECKPOINT_BACKEND - memory | redis | postgres (default: memory)
//	LLM_PROVIDER - anthropic | azure-openai | ollama (default: ollama)
//	FILE_MANAGER_URL - file manager service URL
//	PREPROCESSING_SERVICE_URL - preprocessing service URL
//	ML_SERVICE_URL - ML service URL
package main

import (
	"dataweave/platform/orchestrator"
)

func main() {
	orchestrator.Run()
}
