//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeTravelSetup(t *testing.T) (*Executor, *ExampleSaver, map[string]any) {
	t.Helper()
	saver := NewExampleSaver()
	exec, err := NewExecutor(pipelineGraph(nil, nil), saver)
	require.NoError(t, err)
	config := CreateCheckpointConfig("thread-tt", "", "")
	_, err = exec.Invoke(context.Background(), config, State{"start": true})
	require.NoError(t, err)
	return exec, saver, config
}

func TestTimeTravelHistory(t *testing.T) {
	exec, _, _ := timeTravelSetup(t)
	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	infos, err := tt.History(context.Background(), CheckpointRef{ThreadID: "thread-tt"}, 0)
	require.NoError(t, err)
	require.Len(t, infos, 3, "input, post-a, post-b")

	// Newest first, steps descending, parent chain intact.
	assert.Equal(t, SourceLoop, infos[0].Source)
	assert.Equal(t, SourceInput, infos[2].Source)
	assert.Greater(t, infos[0].Step, infos[1].Step)
	assert.Equal(t, infos[1].Ref.CheckpointID, infos[0].ParentCheckpoint)
}

func TestTimeTravelHistoryLimit(t *testing.T) {
	exec, _, _ := timeTravelSetup(t)
	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	infos, err := tt.History(context.Background(), CheckpointRef{ThreadID: "thread-tt"}, 1)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestTimeTravelSnapshot(t *testing.T) {
	exec, _, _ := timeTravelSetup(t)
	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	infos, err := tt.History(context.Background(), CheckpointRef{ThreadID: "thread-tt"}, 0)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	// The middle checkpoint is post-a: b would fire next.
	snap, err := tt.Snapshot(context.Background(), infos[1].Ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, snap.NextNodes)

	// The latest checkpoint: nothing left to run, result is final.
	snap, err = tt.Snapshot(context.Background(), infos[0].Ref)
	require.NoError(t, err)
	assert.Empty(t, snap.NextNodes)
	assert.Equal(t, "from-a", snap.State["result"])
}

func TestTimeTravelForkAndResume(t *testing.T) {
	exec, saver, _ := timeTravelSetup(t)
	tt, err := exec.TimeTravel()
	require.NoError(t, err)

	infos, err := tt.History(context.Background(), CheckpointRef{ThreadID: "thread-tt"}, 0)
	require.NoError(t, err)
	postA := infos[1].Ref

	fork, err := tt.Fork(context.Background(), postA)
	require.NoError(t, err)
	assert.NotEqual(t, postA.CheckpointID, fork.CheckpointID)

	// Resuming from the fork replays b on the forked branch.
	forkConfig, err := fork.ToSaverConfig()
	require.NoError(t, err)
	result, err := exec.Invoke(context.Background(), forkConfig, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, result.Status)
	assert.Equal(t, "from-a", result.State["result"])

	tuple, err := saver.GetTuple(context.Background(),
		CreateCheckpointConfig("thread-tt", fork.CheckpointID, ""))
	require.NoError(t, err)
	require.NotNil(t, tuple)
	assert.Equal(t, SourceFork, tuple.Metadata.Source)
}

func TestTimeTravelRequiresSaver(t *testing.T) {
	exec, err := NewExecutor(pipelineGraph(nil, nil), nil)
	require.NoError(t, err)
	_, err = exec.TimeTravel()
	assert.Error(t, err)
}

func TestSnapshotUnknownCheckpoint(t *testing.T) {
	exec, _, _ := timeTravelSetup(t)
	tt, err := exec.TimeTravel()
	require.NoError(t, err)
	_, err = tt.Snapshot(context.Background(), CheckpointRef{
		ThreadID:     "thread-tt",
		CheckpointID: "does-not-exist",
	})
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
