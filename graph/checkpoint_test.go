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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCheckpointIDsAreTimeOrdered(t *testing.T) {
	prev := NewCheckpointID()
	for i := 0; i < 100; i++ {
		time.Sleep(time.Millisecond)
		next := NewCheckpointID()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestCheckpointJSONRoundTrip(t *testing.T) {
	ckpt := NewCheckpoint(
		map[string]any{"count": 3, "messages": []any{"a", "b"}},
		map[string]any{"count": int64(2), "messages": int64(5)},
		map[string]map[string]any{"node": {"count": int64(1)}},
	)

	data, err := json.Marshal(ckpt)
	require.NoError(t, err)

	var restored Checkpoint
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, ckpt.ID, restored.ID)
	assert.Equal(t, CheckpointVersion, restored.V)
	assert.Equal(t, []any{"a", "b"}, restored.ChannelValues["messages"])
	// JSON decoding widens integers to float64; version comparison must
	// still order them correctly.
	assert.Equal(t, 0, CompareVersions(restored.ChannelVersions["count"], int64(2)))
	assert.Equal(t, 0, CompareVersions(restored.VersionsSeen["node"]["count"], int64(1)))
}

func TestCheckpointCopyIsDeep(t *testing.T) {
	ckpt := NewCheckpoint(
		map[string]any{"values": []any{"a"}},
		map[string]any{"values": int64(1)},
		nil,
	)
	cp := ckpt.Copy()
	assert.Equal(t, ckpt.ID, cp.ID)

	cp.ChannelValues["values"] = []any{"mutated"}
	cp.ChannelVersions["values"] = int64(9)
	assert.Equal(t, []any{"a"}, ckpt.ChannelValues["values"])
	assert.Equal(t, int64(1), ckpt.ChannelVersions["values"])
}

func TestCheckpointForkGetsNewID(t *testing.T) {
	ckpt := NewCheckpoint(map[string]any{"k": "v"}, nil, nil)
	fork := ckpt.Fork()
	assert.NotEqual(t, ckpt.ID, fork.ID)
	assert.Equal(t, ckpt.ChannelValues, fork.ChannelValues)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions(nil, nil))
	assert.Equal(t, -1, CompareVersions(nil, int64(1)))
	assert.Equal(t, 1, CompareVersions(int64(1), nil))
	assert.Equal(t, -1, CompareVersions(int64(1), int64(2)))
	assert.Equal(t, 1, CompareVersions(float64(3), int64(2)))
	assert.Equal(t, 0, CompareVersions(float64(2), int64(2)))
	assert.Equal(t, -1, CompareVersions("00001.abc", "00002.abc"))
}

func TestDefaultNextVersion(t *testing.T) {
	assert.Equal(t, int64(1), DefaultNextVersion(nil, "c"))
	assert.Equal(t, int64(2), DefaultNextVersion(int64(1), "c"))
	// JSON-decoded versions arrive as float64.
	assert.Equal(t, int64(3), DefaultNextVersion(float64(2), "c"))
}

func TestCheckpointConfigToMap(t *testing.T) {
	config := NewCheckpointConfig("thread-1").
		WithCheckpointID("ckpt-1").
		WithNamespace("sub").
		WithResumeMap(map[string]any{"key": "value"}).
		ToMap()

	assert.Equal(t, "thread-1", GetThreadID(config))
	assert.Equal(t, "ckpt-1", GetCheckpointID(config))
	assert.Equal(t, "sub", GetNamespace(config))
	assert.Equal(t, map[string]any{"key": "value"}, GetResumeMap(config))
	assert.False(t, IsResuming(config))
}

func TestIsResumingFlag(t *testing.T) {
	config := CreateCheckpointConfig("thread-1", "", "")
	config[CfgKeyConfigurable].(map[string]any)[CfgKeyResuming] = true
	assert.True(t, IsResuming(config))
}

func TestMigratePendingSendsReversesStackedSends(t *testing.T) {
	ckpt := NewCheckpoint(nil, map[string]any{"other": int64(3)}, nil)
	ckpt.V = 3

	MigratePendingSends(ckpt, []PendingWrite{
		{TaskID: "t1", Channel: TasksChannel, Value: "second"},
		{TaskID: "t1", Channel: "ignored", Value: "x"},
		{TaskID: "t2", Channel: TasksChannel, Value: "first"},
	})

	assert.Equal(t, CheckpointVersion, ckpt.V)
	assert.Equal(t, []any{"first", "second"}, ckpt.ChannelValues[TasksChannel])
	// The migrated channel version sorts above every existing version.
	assert.Equal(t, 1, CompareVersions(ckpt.ChannelVersions[TasksChannel], ckpt.ChannelVersions["other"]))
}

func TestMigratePendingSendsNoopOnCurrentVersion(t *testing.T) {
	ckpt := NewCheckpoint(nil, nil, nil)
	MigratePendingSends(ckpt, []PendingWrite{{Channel: TasksChannel, Value: "x"}})
	_, ok := ckpt.ChannelValues[TasksChannel]
	assert.False(t, ok)
}
