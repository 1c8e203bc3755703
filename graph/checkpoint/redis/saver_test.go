//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/graphrun/graph"
)

func newTestSaver(t *testing.T) (*Saver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	saver, err := NewSaver(WithClient(client), WithTTL(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { saver.Close() })
	return saver, mr
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

func TestNewSaverRequiresClientOrURL(t *testing.T) {
	_, err := NewSaver()
	assert.Error(t, err)
}

func TestNewSaverFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	saver, err := NewSaver(WithClientURL("redis://" + mr.Addr()))
	require.NoError(t, err)
	defer saver.Close()

	putCheckpoint(t, saver, "t1", "", 0)
	tuple, err := saver.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.NotNil(t, tuple)
}

func TestPutGetTupleRoundTrip(t *testing.T) {
	s, _ := newTestSaver(t)
	ckpt := putCheckpoint(t, s, "t1", "", 0)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", ckpt.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, ckpt.ID, tuple.Checkpoint.ID)
	assert.Equal(t, 0, graph.CompareVersions(tuple.Checkpoint.ChannelVersions["value"], int64(1)))
	assert.Equal(t, graph.SourceLoop, tuple.Metadata.Source)
}

func TestGetTupleLatestUsesIDOrder(t *testing.T) {
	s, _ := newTestSaver(t)
	putCheckpoint(t, s, "t1", "", 0)
	latest := putCheckpoint(t, s, "t1", "", 1)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, latest.ID, tuple.Checkpoint.ID)
}

func TestGetTupleMissing(t *testing.T) {
	s, _ := newTestSaver(t)
	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("ghost", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)
}

func TestParentChain(t *testing.T) {
	s, _ := newTestSaver(t)
	parent := putCheckpoint(t, s, "t1", "", 0)
	child := putCheckpoint(t, s, "t1", parent.ID, 1)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", child.ID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple.ParentConfig)
	assert.Equal(t, parent.ID, graph.GetCheckpointID(tuple.ParentConfig))
}

func TestListNewestFirstWithBeforeAndLimit(t *testing.T) {
	s, _ := newTestSaver(t)
	first := putCheckpoint(t, s, "t1", "", 0)
	second := putCheckpoint(t, s, "t1", first.ID, 1)
	third := putCheckpoint(t, s, "t1", second.ID, 2)

	tuples, err := s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""), nil)
	require.NoError(t, err)
	require.Len(t, tuples, 3)
	assert.Equal(t, third.ID, tuples[0].Checkpoint.ID)

	tuples, err = s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""),
		graph.NewCheckpointFilter().WithBefore(graph.CreateCheckpointConfig("t1", third.ID, "")))
	require.NoError(t, err)
	require.Len(t, tuples, 2)
	assert.Equal(t, second.ID, tuples[0].Checkpoint.ID)

	tuples, err = s.List(context.Background(), graph.CreateCheckpointConfig("t1", "", ""),
		graph.NewCheckpointFilter().WithLimit(1))
	require.NoError(t, err)
	assert.Len(t, tuples, 1)
}

func TestPutWritesOrderAndIdempotence(t *testing.T) {
	s, _ := newTestSaver(t)
	ckpt := putCheckpoint(t, s, "t1", "", 0)
	config := graph.CreateCheckpointConfig("t1", ckpt.ID, "")

	writes := []graph.PendingWrite{
		{Channel: "first", Value: 1},
		{Channel: "second", Value: 2},
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
	assert.Equal(t, "first", tuple.PendingWrites[0].Channel)
	assert.Equal(t, "second", tuple.PendingWrites[1].Channel)
}

func TestDeleteThread(t *testing.T) {
	s, mr := newTestSaver(t)
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
	assert.NotNil(t, tuple)

	// No stray keys for the deleted thread.
	for _, key := range mr.Keys() {
		assert.NotContains(t, key, ":t1:")
	}
}

func TestTTLIsApplied(t *testing.T) {
	s, mr := newTestSaver(t)
	ckpt := putCheckpoint(t, s, "t1", "", 0)

	key := checkpointKey("t1", "", ckpt.ID)
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestNamespaceIsolation(t *testing.T) {
	s, _ := newTestSaver(t)
	ckpt := graph.NewCheckpoint(nil, nil, nil)
	_, err := s.Put(context.Background(), graph.PutRequest{
		Config:     graph.CreateCheckpointConfig("t1", "", "sub"),
		Checkpoint: ckpt,
		Metadata:   graph.NewCheckpointMetadata(graph.SourceLoop, 0),
	})
	require.NoError(t, err)

	tuple, err := s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", ""))
	require.NoError(t, err)
	assert.Nil(t, tuple)

	tuple, err = s.GetTuple(context.Background(), graph.CreateCheckpointConfig("t1", "", "sub"))
	require.NoError(t, err)
	require.NotNil(t, tuple)
}
