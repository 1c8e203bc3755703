//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

package sqlite

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/graphrun/graph"
)

func newTestSaver(t *testing.T) *Saver {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	saver, err := NewSaver(db)
	require.NoError(t, err)
	return saver
}

func putCheckpoint(t *testing.T, s *Saver, threadID, parentID string, step int) *graph.Checkpoint {
	t.Helper()
	ckpt := graph.NewCheckpoint(
		map[string]any{"value": step},
		map[string]any{"value": int64(step + 1)},
		nil,
	)
	_, err := s.Put(context.Background(), graph.PutRequest{
		Config:      graph.CreateCheckpointConfig(threadID, parentID, ""),
		Checkpoint:  ckpt,
		Metadata:    graph.NewCheckpointMetadata(graph.SourceLoop, step),
		NewVersions: ckpt.ChannelVersions,
	})
	require.NoError(t, err)
	return ckpt
}

func TestSaverRequiresDB(t *testing.T) {
	_, err := NewSaver(nil)
	assert.Error(t, err)
}

func TestPutGetTupleRoundTrip(t *testing.T) {
	s := newTestSaver(t)
	ckpt := putCheckpoint(t, s, "t1", "", 0)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", ckpt.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpt.ID, tuple.Checkpoint.ID)
	assert.Equal(t, graph.CheckpointVersion, tuple.Checkpoint.V)
	// JSON round trip widens numbers; versions must still compare equal.
	assert.Equal(t, 0, graph.CompareVersions(
		tuple.Checkpoint.ChannelVersions["value"], int64(1)))
	assert.Equal(t, 0, tuple.Metadata.Step)
	assert.Nil(t, tuple.ParentConfig)
}

func TestGetTupleLatestOrdersByID(t *testing.T) {
	s := newTestSaver(t)
	putCheckpoint(t, s, "t1", "", 0)
	latest := putCheckpoint(t, s, "t1", "", 1)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, latest.ID, tuple.Checkpoint.ID)
}

func TestParentChain(t *testing.T) {
	s := newTestSaver(t)
	parent := putCheckpoint(t, s, "t1", "", 0)
	child := putCheckpoint(t, s, "t1", parent.ID, 1)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", child.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, parent.ID, graph.GetCheckpointID(tuple.ParentConfig))
}

func TestListNewestFirst(t *testing.T) {
	s := newTestSaver(t)
	first := putCheckpoint(t, s, "t1", "", 0)
	second := putCheckpoint(t, s, "t1", first.ID, 1)
	third := putCheckpoint(t, s, "t1", second.ID, 2)

	tuples, err := s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, third.ID, tuples[0].Checkpoint.ID)
	assert.Equal(t, first.ID, tuples[2].Checkpoint.ID)

	tuples, err = s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""),
		graph.NewCheckpointFilter().WithBefore(graph.CreateCheckpointConfig("t1", second.ID, "")).WithLimit(5))
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, first.ID, tuples[0].Checkpoint.ID)
}

func TestPutWritesIdempotentPerTaskIndex(t *testing.T) {
	s := newTestSaver(t)
	ckpt := putCheckpoint(t, s, "t1", "", 0)
	config := graph.CreateCheckpointConfig("t1", ckpt.ID, "")

	writes := []graph.PendingWrite{
		{Channel: "out", Value: map[string]any{"n": float64(1)}},
		{Channel: "log", Value: "entry"},
	}
	require.NoError(t, s.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: config, Writes: writes, TaskID: "task-1",
	}))
	require.NoError(t, s.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: config, Writes: writes, TaskID: "task-1",
	}))

	tuple, err := s.GetTuple(context.Background(), config)
	require.NoError(t, err)
	require.Len(t, tuple.PendingWrites, 2)
	assert.Equal(t, "out", tuple.PendingWrites[0].Channel)
	assert.Equal(t, map[string]any{"n": float64(1)}, tuple.PendingWrites[0].Value)
}

func TestDeleteThreadRemovesRows(t *testing.T) {
	s := newTestSaver(t)
	ckpt := putCheckpoint(t, s, "t1", "", 0)
	putCheckpoint(t, s, "t2", "", 0)
	require.NoError(t, s.PutWrites(context.Background(), graph.PutWritesRequest{
		Config: graph.CreateCheckpointConfig("t1", ckpt.ID, ""),
		Writes: []graph.PendingWrite{{Channel: "c", Value: 1}},
		TaskID: "task",
	}))

	require.NoError(t, s.DeleteThread(context.Background(), "t1"))

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t2", "", ""))
	require.NoError(t, err)
	assert.NotNil(t, tuple, "other threads untouched")
}

func TestMetadataFilter(t *testing.T) {
	s := newTestSaver(t)
	ckpt := graph.NewCheckpoint(nil, nil, nil)
	meta := graph.NewCheckpointMetadata(graph.SourceInput, -1)
	_, err := s.Put(context.Background(), graph.PutRequest{
		Config:     graph.CreateCheckpointConfig("t1", "", ""),
		Checkpoint: ckpt,
		Metadata:   meta,
	})
	require.NoError(t, err)
	putCheckpoint(t, s, "t1", ckpt.ID, 0)

	tuples, err := s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""),
		graph.NewCheckpointFilter().WithMetadata("source", graph.SourceInput))
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, ckpt.ID, tuples[0].Checkpoint.ID)
}
