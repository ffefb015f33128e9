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

// MLClient adapts the model training/evaluation service. Training
// results come back as metric maps plus artifact references (model
// path, tracking URI), never as raw model binaries.
type MLClient struct {
	client *serviceClient
}

// NewMLClient creates a client for the ML service.
func NewMLClient(baseURL string, timeout time.Duration) *MLClient {
	return &MLClient{client: newServiceClient(baseURL, timeout)}
}

// Tools returns the ML adapters offered to agents.
func (c *MLClient) Tools() []Tool {
	datasetProps := func(extra map[string]any) map[string]any {
		props := map[string]any{
			"file_content": prop("string", "Base64-encoded dataset"),
			"filename":     prop("string", "Original filename"),
		}
		for k, v := range extra {
			props[k] = v
		}
		return props
	}

	return []Tool{
		&remoteTool{
			name:        "ml_train",
			description: "Train a model on the dataset. Returns metrics, model artifact path and tracking URI.",
			schema: objectSchema([]string{"file_content", "filename", "target", "model_type"}, datasetProps(map[string]any{
				"target":     prop("string", "Target column to predict"),
				"model_type": prop("string", "Model family, e.g. random_forest, linear, gradient_boosting"),
				"features":   prop("array", "Feature columns, all non-target when omitted"),
				"test_size":  prop("number", "Holdout fraction, 0.2 when omitted"),
			})),
			path:   "/ml/train",
			client: c.client,
		},
		&remoteTool{
			name:        "ml_evaluate",
			description: "Evaluate a trained model against the dataset. Returns a metric map.",
			schema: objectSchema([]string{"file_content", "filename", "model_path"}, datasetProps(map[string]any{
				"model_path": prop("string", "Artifact path of the trained model"),
				"target":     prop("string", "Target column, from training metadata when omitted"),
			})),
			path:   "/ml/evaluate",
			client: c.client,
		},
		&remoteTool{
			name:        "ml_model_selection",
			description: "Compare candidate model families on the dataset and recommend the best one.",
			schema: objectSchema([]string{"file_content", "filename", "target"}, datasetProps(map[string]any{
				"target":     prop("string", "Target column to predict"),
				"candidates": prop("array", "Model families to compare, a default set when omitted"),
			})),
			path:   "/ml/model-selection",
			client: c.client,
		},
		&remoteTool{
			name:        "ml_hyperparameter_tuning",
			description: "Tune hyperparameters for a model family on the dataset. Returns best parameters and score.",
			schema: objectSchema([]string{"file_content", "filename", "target", "model_type"}, datasetProps(map[string]any{
				"target":     prop("string", "Target column to predict"),
				"model_type": prop("string", "Model family to tune"),
				"n_trials":   prop("integer", "Search budget, service default when omitted"),
			})),
			path:   "/ml/hyperparameter-tuning",
			client: c.client,
		},
		&remoteTool{
			name:        "ml_tracking",
			description: "Fetch experiment tracking info for a training run.",
			schema: objectSchema([]string{"tracking_uri"}, map[string]any{
				"tracking_uri": prop("string", "Tracking URI returned by a training run"),
			}),
			path:   "/ml/tracking",
			client: c.client,
		},
		&remoteTool{
			name:        "ml_predict",
			description: "Run inference with a trained model on the dataset. Returns predictions.",
			schema: objectSchema([]string{"file_content", "filename", "model_path"}, datasetProps(map[string]any{
				"model_path": prop("string", "Artifact path of the trained model"),
			})),
			path:   "/ml/predict",
			client: c.client,
		},
		&remoteTool{
			name:        "ml_list_models",
			description: "List trained models with their metrics and artifact paths.",
			schema:      objectSchema(nil, map[string]any{}),
			path:        "/ml/list-models",
			client:      c.client,
		},
	}
}
