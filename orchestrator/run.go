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
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"dataweave/platform/orchestrator/llm"
	"dataweave/platform/orchestrator/llm/anthropic"
	"dataweave/platform/orchestrator/llm/azure"
	"dataweave/platform/orchestrator/llm/ollama"
	"dataweave/platform/orchestrator/tools"
)

// DataWeave Orchestrator - multi-agent routing over the data services.
// This service owns the conversation threads, the state graph and the
// one-shot supervisor dispatcher.

// ServiceConfig holds everything Run needs, loaded from environment
// variables so the same image works across deployments.
type ServiceConfig struct {
	Port    string
	MaxHops int

	FileManagerURL   string
	PreprocessingURL string
	MLServiceURL     string
	CodeRunnerURL    string
	ToolTimeout      time.Duration

	CheckpointBackend string // memory | redis | postgres
	RedisAddr         string
	RedisTTL          time.Duration
	DatabaseURL       string

	AgentRegistryPath string
	JWTSecret         string

	Provider llm.ProviderConfig
}

// LoadServiceConfig reads the orchestrator configuration from the
// environment. Every value has a development-friendly default except
// provider credentials.
func LoadServiceConfig() ServiceConfig {
	cfg := ServiceConfig{
		Port:              getEnv("ORCHESTRATOR_PORT", "8080"),
		MaxHops:           getEnvInt("ORCHESTRATOR_MAX_HOPS", DefaultMaxHops),
		FileManagerURL:    getEnv("FILE_MANAGER_URL", "http://localhost:8001"),
		PreprocessingURL:  getEnv("PREPROCESSING_SERVICE_URL", "http://localhost:8002"),
		MLServiceURL:      getEnv("ML_SERVICE_URL", "http://localhost:8003"),
		CodeRunnerURL:     getEnv("CODE_RUNNER_URL", "http://localhost:8004"),
		ToolTimeout:       time.Duration(getEnvInt("TOOL_TIMEOUT_SECONDS", 0)) * time.Second,
		CheckpointBackend: getEnv("CHECKPOINT_BACKEND", "memory"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisTTL:          time.Duration(getEnvInt("CHECKPOINT_TTL_HOURS", 24)) * time.Hour,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AgentRegistryPath: os.Getenv("AGENT_REGISTRY_PATH"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		Provider:          loadProviderConfig(),
	}
	return cfg
}

// loadProviderConfig picks the initial model provider from the
// environment. The selector can swap providers at runtime; this only
// seeds the startup choice.
func loadProviderConfig() llm.ProviderConfig {
	cfg := llm.ProviderConfig{
		Name:           getEnv("LLM_PROVIDER_NAME", "default"),
		Type:           llm.ProviderType(getEnv("LLM_PROVIDER", string(llm.ProviderTypeOllama))),
		APIKey:         os.Getenv("LLM_API_KEY"),
		Endpoint:       os.Getenv("LLM_ENDPOINT"),
		Deployment:     os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		APIVersion:     os.Getenv("LLM_API_VERSION"),
		Model:          os.Getenv("LLM_MODEL"),
		TimeoutSeconds: getEnvInt("LLM_TIMEOUT_SECONDS", 0),
	}

	// Provider-specific fallbacks keep older deployments working.
	if cfg.APIKey == "" {
		switch cfg.Type {
		case llm.ProviderTypeAnthropic:
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case llm.ProviderTypeAzureOpenAI:
			cfg.APIKey = os.Getenv("AZURE_OPENAI_API_KEY")
		}
	}
	if cfg.Endpoint == "" {
		switch cfg.Type {
		case llm.ProviderTypeAzureOpenAI:
			cfg.Endpoint = os.Getenv("AZURE_OPENAI_ENDPOINT")
		case llm.ProviderTypeOllama:
			cfg.Endpoint = os.Getenv("OLLAMA_ENDPOINT")
		}
	}

	return cfg
}

// NewProviderFactory builds the llm.Factory that the selector uses to
// construct providers on demand.
func NewProviderFactory() llm.Factory {
	return func(cfg llm.ProviderConfig) (llm.Provider, error) {
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		switch cfg.Type {
		case llm.ProviderTypeAnthropic:
			return anthropic.NewProvider(anthropic.Config{
				APIKey:     cfg.APIKey,
				BaseURL:    cfg.Endpoint,
				APIVersion: cfg.APIVersion,
				Model:      cfg.Model,
				Timeout:    timeout,
			})
		case llm.ProviderTypeAzureOpenAI:
			return azure.NewProvider(azure.Config{
				APIKey:     cfg.APIKey,
				Endpoint:   cfg.Endpoint,
				Deployment: cfg.Deployment,
				APIVersion: cfg.APIVersion,
				Timeout:    timeout,
			})
		case llm.ProviderTypeOllama:
			return ollama.NewProvider(ollama.Config{
				BaseURL: cfg.Endpoint,
				Model:   cfg.Model,
				Timeout: timeout,
			})
		default:
			return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
		}
	}
}

// newCheckpointStore selects the persistence backend. Redis and
// Postgres survive restarts; memory is for development and tests.
func newCheckpointStore(cfg ServiceConfig) (CheckpointStore, error) {
	switch cfg.CheckpointBackend {
	case "memory":
		return NewMemoryCheckpointStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisCheckpointStore(client, cfg.RedisTTL), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("postgres checkpoint backend requires DATABASE_URL")
		}
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
		}
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping checkpoint database: %w", err)
		}
		return NewPostgresCheckpointStore(db)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %q", cfg.CheckpointBackend)
	}
}

// Run is the exported entry point for the orchestrator service.
//
// It wires the tool clients, agents, state graph, supervisor and
// gateway, then blocks serving HTTP.
//
// Environment variables used:
//   - ORCHESTRATOR_PORT: HTTP server port (default: 8080)
//   - ORCHESTRATOR_MAX_HOPS: router hop cap per run (default: 10)
//   - FILE_MANAGER_URL, PREPROCESSING_SERVICE_URL, ML_SERVICE_URL,
//     CODE_RUNNER_URL: data services
//   - CHECKPOINT_BACKEND: memory | redis | postgres (default: memory)
//   - REDIS_ADDR / DATABASE_URL: backend connection settings
//   - LLM_PROVIDER: anthropic | azure-openai | ollama (default: ollama)
//   - AGENT_REGISTRY_PATH: optional YAML capability registry
//   - JWT_SECRET: enables bearer-token auth when set
func Run() {
	log.Println("Starting DataWeave Orchestrator...")

	cfg := LoadServiceConfig()

	store, err := newCheckpointStore(cfg)
	if err != nil {
		log.Fatalf("Checkpoint store init failed: %v", err)
	}
	log.Printf("Checkpoint store initialized (backend: %s)", cfg.CheckpointBackend)

	selector := llm.NewSelector(NewProviderFactory())
	if err := selector.Use(cfg.Provider); err != nil {
		// The service still boots; PUT /api/v1/llm/provider can fix it.
		log.Printf("Warning: model provider not configured: %v", err)
	} else {
		log.Printf("Model provider initialized (type: %s)", cfg.Provider.Type)
	}

	registry := DefaultAgentRegistry()
	if cfg.AgentRegistryPath != "" {
		loaded, err := LoadAgentRegistry(cfg.AgentRegistryPath)
		if err != nil {
			log.Fatalf("Agent registry load failed: %v", err)
		}
		registry = loaded
		log.Printf("Agent registry loaded from %s (%d agents)", cfg.AgentRegistryPath, len(registry.Agents))
	}

	fm := tools.NewFileManagerClient(cfg.FileManagerURL, cfg.ToolTimeout)
	pre := tools.NewPreprocessingClient(cfg.PreprocessingURL, cfg.ToolTimeout)
	ml := tools.NewMLClient(cfg.MLServiceURL, cfg.ToolTimeout)
	code := tools.NewCodeRunnerClient(cfg.CodeRunnerURL, cfg.ToolTimeout)

	preprocessing := NewPreprocessingAgent(pre, code, fm)
	analytics := NewAnalyticsAgent(fm)
	mlAgent := NewMLAgent(ml, fm)
	reporter := NewReporterAgent(fm)

	graph := NewStateGraph(selector, store, preprocessing, analytics, mlAgent, reporter, cfg.MaxHops)
	supervisor := NewSupervisor(selector, store, registry, fm, preprocessing, analytics, mlAgent)
	gateway := NewGateway(graph, supervisor, store, selector)

	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/chat", gateway.handleChat).Methods("POST")
	r.HandleFunc("/api/v1/chat/stream", gateway.handleChatStream).Methods("POST")
	r.HandleFunc("/api/v1/supervisor/query", gateway.handleSupervisorQuery).Methods("POST")
	r.HandleFunc("/api/v1/llm/provider", gateway.handleGetProvider).Methods("GET")
	r.HandleFunc("/api/v1/llm/provider", gateway.handlePutProvider).Methods("PUT")
	r.PathPrefix("/api/v1/threads/").HandlerFunc(gateway.handleDeleteThread).Methods("DELETE")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	handler := c.Handler(r)
	if cfg.JWTSecret != "" {
		handler = JWTMiddleware(cfg.JWTSecret)(handler)
		log.Println("JWT auth enabled")
	} else {
		log.Println("JWT_SECRET not set, auth disabled")
	}

	log.Printf("DataWeave Orchestrator listening on port %s (max hops: %d)", cfg.Port, cfg.MaxHops)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "healthy",
		"service":   "dataweave-orchestrator",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC(),
	}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("Warning: invalid %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}
