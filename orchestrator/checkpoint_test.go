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
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataweave/platform/orchestrator/llm"
)

func sampleState(threadID string) *ExecutionState {
	state := NewExecutionState(threadID)
	state.AppendMessage(llm.Message{Role: llm.RoleUser, Content: "clean sales.csv"})
	state.SetResult("removed 1 duplicate row", "")
	state.FileID = "file-1"
	state.RecordFileVersion(2, "removed duplicates")
	return state
}

func assertRoundTrip(t *testing.T, saved, loaded *ExecutionState) {
	t.Helper()
	// Serialization idempotence: every field survives the round trip.
	wantJSON, err := json.Marshal(saved)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(loaded)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
}

// =============================================================================
// Memory store
// =============================================================================

func TestMemoryCheckpointStore_RoundTrip(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	state := sampleState("thread-1")
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assertRoundTrip(t, state, loaded)
}

func TestMemoryCheckpointStore_NotFound(t *testing.T) {
	store := NewMemoryCheckpointStore()

	_, err := store.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestMemoryCheckpointStore_Delete(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleState("thread-1")))
	require.NoError(t, store.Delete(ctx, "thread-1"))
	require.NoError(t, store.Delete(ctx, "thread-1"))

	_, err := store.Load(ctx, "thread-1")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestMemoryCheckpointStore_RejectsInvalidState(t *testing.T) {
	store := NewMemoryCheckpointStore()

	bad := NewExecutionState("thread-1")
	bad.Status = "PAUSED"

	err := store.Save(context.Background(), bad)
	assert.True(t, errors.Is(err, ErrStateCorrupted))
}

// =============================================================================
// Redis store
// =============================================================================

func newRedisStore(t *testing.T) (*RedisCheckpointStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCheckpointStore(client, 0), mr
}

func TestRedisCheckpointStore_RoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	state := sampleState("thread-r1")
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "thread-r1")
	require.NoError(t, err)
	assertRoundTrip(t, state, loaded)
}

func TestRedisCheckpointStore_NotFound(t *testing.T) {
	store, _ := newRedisStore(t)

	_, err := store.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestRedisCheckpointStore_CorruptedValue(t *testing.T) {
	store, mr := newRedisStore(t)

	mr.Set(redisCheckpointKey("thread-bad"), "{not json")

	_, err := store.Load(context.Background(), "thread-bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStateCorrupted))
}

func TestRedisCheckpointStore_Delete(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, sampleState("thread-r2")))
	require.NoError(t, store.Delete(ctx, "thread-r2"))

	_, err := store.Load(ctx, "thread-r2")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

// =============================================================================
// Postgres store
// =============================================================================

func TestPostgresCheckpointStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresCheckpointStore(db)
	require.NoError(t, err)

	state := sampleState("thread-p1")
	raw, err := json.Marshal(state)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
		WithArgs("thread-p1", raw).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), state))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_LoadRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresCheckpointStore(db)
	require.NoError(t, err)

	state := sampleState("thread-p2")
	raw, err := json.Marshal(state)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM checkpoints WHERE thread_id = $1")).
		WithArgs("thread-p2").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(raw))

	loaded, err := store.Load(context.Background(), "thread-p2")
	require.NoError(t, err)
	assertRoundTrip(t, state, loaded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresCheckpointStore(db)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM checkpoints")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	_, err = store.Load(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCheckpointStore_CorruptedRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresCheckpointStore(db)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM checkpoints")).
		WithArgs("thread-bad").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow([]byte(`{"thread_id":""}`)))

	_, err = store.Load(context.Background(), "thread-bad")
	assert.True(t, errors.Is(err, ErrStateCorrupted))
	assert.NoError(t, mock.ExpectationsWereMet())
}
