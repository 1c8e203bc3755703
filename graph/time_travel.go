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
	"fmt"
	"time"
)

// CheckpointRef is a stable pointer to a checkpoint.
//
// It is intentionally small: it can be stored outside the runtime and
// converted back into saver configuration.
type CheckpointRef struct {
	ThreadID     string
	Namespace    string
	CheckpointID string
}

// Validate returns an error when the ref is incomplete.
func (r CheckpointRef) Validate() error {
	if r.ThreadID == "" {
		return ErrThreadIDRequired
	}
	return nil
}

// ToSaverConfig converts the ref into a config map for CheckpointSaver.
// When CheckpointID is empty, savers interpret it as "latest checkpoint".
func (r CheckpointRef) ToSaverConfig() (map[string]any, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return CreateCheckpointConfig(r.ThreadID, r.CheckpointID, r.Namespace), nil
}

// CheckpointInfo is a lightweight checkpoint header for history views.
type CheckpointInfo struct {
	Ref              CheckpointRef
	ParentCheckpoint string
	Source           string
	Step             int
	Timestamp        time.Time
}

// StateSnapshot is a checkpoint state snapshot suitable for debugging and
// human-in-the-loop flows.
type StateSnapshot struct {
	CheckpointInfo
	State     State
	NextNodes []string
}

// TimeTravel provides query / fork / resume operations on top of the
// checkpoint system. It is additive and does not change checkpoint or
// resume semantics.
type TimeTravel struct {
	graph *Graph
	saver CheckpointSaver
}

// TimeTravel returns a helper bound to this executor.
func (e *Executor) TimeTravel() (*TimeTravel, error) {
	if e.saver == nil {
		return nil, fmt.Errorf("checkpoint saver is not configured")
	}
	return &TimeTravel{graph: e.graph, saver: e.saver}, nil
}

// History lists checkpoint headers for a thread, newest first.
func (tt *TimeTravel) History(ctx context.Context, ref CheckpointRef, limit int) ([]CheckpointInfo, error) {
	config, err := ref.ToSaverConfig()
	if err != nil {
		return nil, err
	}
	filter := NewCheckpointFilter()
	if limit > 0 {
		filter.WithLimit(limit)
	}
	tuples, err := tt.saver.List(ctx, config, filter)
	if err != nil {
		return nil, err
	}
	infos := make([]CheckpointInfo, 0, len(tuples))
	for _, tuple := range tuples {
		infos = append(infos, tupleInfo(ref, tuple))
	}
	return infos, nil
}

// Snapshot loads one checkpoint as a state snapshot, including the nodes
// that would fire next.
func (tt *TimeTravel) Snapshot(ctx context.Context, ref CheckpointRef) (*StateSnapshot, error) {
	config, err := ref.ToSaverConfig()
	if err != nil {
		return nil, err
	}
	tuple, err := tt.saver.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, ErrCheckpointNotFound
	}

	channels, err := newChannels(tt.graph, tuple.Checkpoint)
	if err != nil {
		return nil, err
	}
	tasks, err := prepareNextTasks(tuple.Checkpoint, tt.graph, channels, false)
	if err != nil {
		return nil, err
	}
	nextNodes := make([]string, 0, len(tasks))
	for _, task := range tasks {
		nextNodes = append(nextNodes, task.Name)
	}

	state := make(State)
	for _, name := range tt.graph.OutputChannels() {
		if value, ok := tuple.Checkpoint.ChannelValues[name]; ok {
			state[name] = value
		}
	}
	return &StateSnapshot{
		CheckpointInfo: tupleInfo(ref, tuple),
		State:          state,
		NextNodes:      nextNodes,
	}, nil
}

// Fork persists a copy of a checkpoint under a fresh id so an alternative
// branch can be resumed from it. It returns the ref of the fork.
func (tt *TimeTravel) Fork(ctx context.Context, ref CheckpointRef) (CheckpointRef, error) {
	config, err := ref.ToSaverConfig()
	if err != nil {
		return CheckpointRef{}, err
	}
	tuple, err := tt.saver.GetTuple(ctx, config)
	if err != nil {
		return CheckpointRef{}, err
	}
	if tuple == nil {
		return CheckpointRef{}, ErrCheckpointNotFound
	}

	fork := tuple.Checkpoint.Fork()
	step := 0
	if tuple.Metadata != nil {
		step = tuple.Metadata.Step
	}
	metadata := NewCheckpointMetadata(SourceFork, step)
	metadata.Parents[ref.Namespace] = tuple.Checkpoint.ID

	forkConfig := CreateCheckpointConfig(ref.ThreadID, fork.ID, ref.Namespace)
	if _, err := tt.saver.Put(ctx, PutRequest{
		Config:      forkConfig,
		Checkpoint:  fork,
		Metadata:    metadata,
		NewVersions: fork.ChannelVersions,
	}); err != nil {
		return CheckpointRef{}, err
	}
	return CheckpointRef{
		ThreadID:     ref.ThreadID,
		Namespace:    ref.Namespace,
		CheckpointID: fork.ID,
	}, nil
}

func tupleInfo(ref CheckpointRef, tuple *CheckpointTuple) CheckpointInfo {
	info := CheckpointInfo{
		Ref: CheckpointRef{
			ThreadID:     ref.ThreadID,
			Namespace:    ref.Namespace,
			CheckpointID: tuple.Checkpoint.ID,
		},
		Timestamp: tuple.Checkpoint.Timestamp,
	}
	if tuple.Metadata != nil {
		info.Source = tuple.Metadata.Source
		info.Step = tuple.Metadata.Step
	}
	if tuple.ParentConfig != nil {
		info.ParentCheckpoint = GetCheckpointID(tuple.ParentConfig)
	}
	return info
}
