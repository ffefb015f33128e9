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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCheckpointNotFound indicates no checkpoint exists for a thread.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointStore persists ExecutionState keyed by thread_id. Saves
// happen after every node transition, so an implementation must
// overwrite atomically. A checkpoint that exists but cannot be decoded
// or validated is reported as ErrStateCorrupted, never as a silent
// blank state.
type CheckpointStore interface {
	// Save overwrites the checkpoint for state.ThreadID.
	Save(ctx context.Context, state *ExecutionState) error

	// Load returns the checkpoint for threadID, ErrCheckpointNotFound
	// if none exists, or an ErrStateCorrupted-wrapped error if the
	// stored value is unusable.
	Load(ctx context.Context, threadID string) (*ExecutionState, error)

	// Delete removes the checkpoint for threadID. Deleting a missing
	// checkpoint is not an error.
	Delete(ctx context.Context, threadID string) error
}

// decodeCheckpoint unmarshals and validates one stored checkpoint.
// Shared by all store implementations so corruption detection cannot
// diverge between them.
func decodeCheckpoint(raw []byte, threadID string) (*ExecutionState, error) {
	var state ExecutionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("%w: thread %s: %v", ErrStateCorrupted, threadID, err)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("thread %s: %w", threadID, err)
	}
	return &state, nil
}

func encodeCheckpoint(state *ExecutionState) ([]byte, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(state)
}

// =============================================================================
// In-memory store
// =============================================================================

// MemoryCheckpointStore keeps checkpoints in process memory. Used in
// tests and single-node development setups.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string][]byte)}
}

// Save implements CheckpointStore.
func (s *MemoryCheckpointStore) Save(_ context.Context, state *ExecutionState) error {
	raw, err := encodeCheckpoint(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.checkpoints[state.ThreadID] = raw
	s.mu.Unlock()
	return nil
}

// Load implements CheckpointStore.
func (s *MemoryCheckpointStore) Load(_ context.Context, threadID string) (*ExecutionState, error) {
	s.mu.RLock()
	raw, ok := s.checkpoints[threadID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return decodeCheckpoint(raw, threadID)
}

// Delete implements CheckpointStore.
func (s *MemoryCheckpointStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	delete(s.checkpoints, threadID)
	s.mu.Unlock()
	return nil
}

// =============================================================================
// Redis store
// =============================================================================

const checkpointKeyPrefix = "dataweave:checkpoint:"

// RedisCheckpointStore persists checkpoints in Redis. Entries carry an
// optional TTL so abandoned threads age out.
type RedisCheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCheckpointStore creates a store backed by the given client.
// ttl of zero means checkpoints never expire.
func NewRedisCheckpointStore(client *redis.Client, ttl time.Duration) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client, ttl: ttl}
}

func redisCheckpointKey(threadID string) string {
	return checkpointKeyPrefix + threadID
}

// Save implements CheckpointStore.
func (s *RedisCheckpointStore) Save(ctx context.Context, state *ExecutionState) error {
	raw, err := encodeCheckpoint(state)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, redisCheckpointKey(state.ThreadID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint for thread %s: %w", state.ThreadID, err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *RedisCheckpointStore) Load(ctx context.Context, threadID string) (*ExecutionState, error) {
	raw, err := s.client.Get(ctx, redisCheckpointKey(threadID)).Bytes()
	if err == redis.Nil {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for thread %s: %w", threadID, err)
	}
	return decodeCheckpoint(raw, threadID)
}

// Delete implements CheckpointStore.
func (s *RedisCheckpointStore) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, redisCheckpointKey(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint for thread %s: %w", threadID, err)
	}
	return nil
}

// =============================================================================
// Postgres store
// =============================================================================

// PostgresCheckpointStore persists checkpoints in a single table with
// one row per thread, overwritten by upsert on every save.
type PostgresCheckpointStore struct {
	db *sql.DB
}

// NewPostgresCheckpointStore creates a store backed by db. The schema
// is created if missing.
func NewPostgresCheckpointStore(db *sql.DB) (*PostgresCheckpointStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return &PostgresCheckpointStore{db: db}, nil
}

// Save implements CheckpointStore.
func (s *PostgresCheckpointStore) Save(ctx context.Context, state *ExecutionState) error {
	raw, err := encodeCheckpoint(state)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (thread_id)
		DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		state.ThreadID, raw)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for thread %s: %w", state.ThreadID, err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *PostgresCheckpointStore) Load(ctx context.Context, threadID string) (*ExecutionState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = $1`, threadID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for thread %s: %w", threadID, err)
	}
	return decodeCheckpoint(raw, threadID)
}

// Delete implements CheckpointStore.
func (s *PostgresCheckpointStore) Delete(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint for thread %s: %w", threadID, err)
	}
	return nil
}
