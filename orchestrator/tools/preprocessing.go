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

// PreprocessingClient adapts the data-cleaning/transformation service.
// Every operation takes the base64 dataset plus operation parameters
// and returns the transformed dataset with summary stats.
type PreprocessingClient struct {
	client *serviceClient
}

// NewPreprocessingClient creates a client for the preprocessing service.
func NewPreprocessingClient(baseURL string, timeout time.Duration) *PreprocessingClient {
	return &PreprocessingClient{client: newServiceClient(baseURL, timeout)}
}

// preprocessingOp describes one transformation endpoint. validateOnly
// marks checks that inspect the dataset without producing a new one.
type preprocessingOp struct {
	name         string
	path         string
	description  string
	extraProps   map[string]any
	extraReq     []string
	validateOnly bool
}

// The operation set mirrors the preprocessing service's API surface.
var preprocessingOps = []preprocessingOp{
	{
		name:        "preprocessing_remove_duplicates",
		path:        "/preprocess/remove-duplicates",
		description: "Remove duplicate rows from the dataset.",
		extraProps: map[string]any{
			"subset": prop("array", "Columns to consider when detecting duplicates, all when omitted"),
		},
	},
	{
		name:        "preprocessing_handle_missing_values",
		path:        "/preprocess/handle-missing-values",
		description: "Fill or drop missing values. Strategies: mean, median, mode, drop, constant.",
		extraProps: map[string]any{
			"strategy":   prop("string", "Imputation strategy"),
			"columns":    prop("array", "Columns to treat, all when omitted"),
			"fill_value": prop("string", "Constant used with the constant strategy"),
		},
		extraReq: []string{"strategy"},
	},
	{
		name:        "preprocessing_drop_rows_columns",
		path:        "/preprocess/drop-rows-columns",
		description: "Drop named columns or row ranges from the dataset.",
		extraProps: map[string]any{
			"columns": prop("array", "Column names to drop"),
			"rows":    prop("array", "Row indexes to drop"),
		},
	},
	{
		name:        "preprocessing_clean_text",
		path:        "/preprocess/clean-text",
		description: "Normalize text columns: trim, lowercase, strip punctuation.",
		extraProps: map[string]any{
			"columns": prop("array", "Text columns to clean"),
		},
		extraReq: []string{"columns"},
	},
	{
		name:        "preprocessing_remove_outliers",
		path:        "/preprocess/remove-outliers",
		description: "Remove outlier rows using z-score or IQR detection.",
		extraProps: map[string]any{
			"method":    prop("string", "Detection method: zscore or iqr"),
			"columns":   prop("array", "Numeric columns to inspect"),
			"threshold": prop("number", "Detection threshold, method default when omitted"),
		},
	},
	{
		name:        "preprocessing_normalize",
		path:        "/preprocess/normalize",
		description: "Scale numeric columns. Methods: min-max, z-score.",
		extraProps: map[string]any{
			"method":  prop("string", "Scaling method"),
			"columns": prop("array", "Numeric columns to scale"),
		},
		extraReq: []string{"method"},
	},
	{
		name:        "preprocessing_one_hot_encode",
		path:        "/preprocess/one-hot-encode",
		description: "One-hot encode categorical columns.",
		extraProps: map[string]any{
			"columns": prop("array", "Categorical columns to encode"),
		},
		extraReq: []string{"columns"},
	},
	{
		name:        "preprocessing_polynomial_features",
		path:        "/preprocess/polynomial-features",
		description: "Generate polynomial feature combinations from numeric columns.",
		extraProps: map[string]any{
			"columns": prop("array", "Source numeric columns"),
			"degree":  prop("integer", "Polynomial degree, 2 when omitted"),
		},
		extraReq: []string{"columns"},
	},
	{
		name:        "preprocessing_pca_reduce",
		path:        "/preprocess/pca-reduce",
		description: "Reduce dimensionality with principal component analysis.",
		extraProps: map[string]any{
			"n_components": prop("integer", "Number of principal components to keep"),
			"columns":      prop("array", "Numeric columns to project, all when omitted"),
		},
		extraReq: []string{"n_components"},
	},
	{
		name:        "preprocessing_validate_non_negative",
		path:        "/preprocess/validate-non-negative",
		description: "Validate that the given numeric columns contain no negative values.",
		extraProps: map[string]any{
			"columns": prop("array", "Columns that must be non-negative"),
		},
		extraReq:     []string{"columns"},
		validateOnly: true,
	},
	{
		name:        "preprocessing_validate_range",
		path:        "/preprocess/validate-range",
		description: "Validate that the given numeric column's values fall inside [min, max].",
		extraProps: map[string]any{
			"column": prop("string", "Column to validate"),
			"min":    prop("number", "Lower bound, inclusive"),
			"max":    prop("number", "Upper bound, inclusive"),
		},
		extraReq:     []string{"column", "min", "max"},
		validateOnly: true,
	},
}

// Tools returns the preprocessing adapters offered to agents. Every
// tool shares the dataset-carrier parameters plus its own.
func (c *PreprocessingClient) Tools() []Tool {
	out := make([]Tool, 0, len(preprocessingOps))
	for _, op := range preprocessingOps {
		props := map[string]any{
			"file_content": prop("string", "Base64-encoded dataset"),
			"filename":     prop("string", "Original filename"),
			"sheet_name":   prop("string", "Sheet name for spreadsheet formats"),
		}
		for k, v := range op.extraProps {
			props[k] = v
		}
		required := append([]string{"file_content", "filename"}, op.extraReq...)

		out = append(out, &remoteTool{
			name:        op.name,
			description: op.description,
			schema:      objectSchema(required, props),
			path:        op.path,
			client:      c.client,
			mutates:     !op.validateOnly,
		})
	}
	return out
}
