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
	"sort"
	"sync"
)

// ExampleSaver is a minimal in-memory CheckpointSaver used by tests inside
// this package. Production code should use one of the
// checkpoint backends.
type ExampleSaver struct {
	mu sync.RWMutex
	// thread -> namespace -> checkpoint id -> tuple
	tuples map[string]map[string]map[string]*CheckpointTuple
	// checkpoint id -> writes
	writes map[string][]PendingWrite
}

// NewExampleSaver creates an empty example saver.
func NewExampleSaver() *ExampleSaver {
	return &ExampleSaver{
		tuples: make(map[string]map[string]map[string]*CheckpointTuple),
		writes: make(map[string][]PendingWrite),
	}
}

// Get retrieves a checkpoint by configuration.
func (s *ExampleSaver) Get(ctx context.Context, config map[string]any) (*Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil || tuple == nil {
		return nil, err
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration.
func (s *ExampleSaver) GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := GetThreadID(config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	checkpoints := s.tuples[threadID][GetNamespace(config)]
	if len(checkpoints) == 0 {
		return nil, nil
	}
	checkpointID := GetCheckpointID(config)
	if checkpointID == "" {
		for id := range checkpoints {
			if id > checkpointID {
				checkpointID = id
			}
		}
	}
	tuple, ok := checkpoints[checkpointID]
	if !ok {
		return nil, nil
	}
	out := &CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   tuple.Checkpoint.Copy(),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	if writes, ok := s.writes[checkpointID]; ok {
		out.PendingWrites = append(out.PendingWrites, writes...)
	}
	return out, nil
}

// List retrieves checkpoint tuples newest-first.
func (s *ExampleSaver) List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error) {
	s.mu.RLock()
	checkpoints := s.tuples[GetThreadID(config)][GetNamespace(config)]
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	var results []*CheckpointTuple
	for _, id := range ids {
		if filter != nil && filter.Before != nil {
			if beforeID := GetCheckpointID(filter.Before); beforeID != "" && id >= beforeID {
				continue
			}
		}
		tuple, err := s.GetTuple(ctx, CreateCheckpointConfig(GetThreadID(config), id, GetNamespace(config)))
		if err != nil {
			return nil, err
		}
		if tuple == nil {
			continue
		}
		results = append(results, tuple)
		if filter != nil && filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Put stores a checkpoint.
func (s *ExampleSaver) Put(ctx context.Context, req PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := GetThreadID(req.Config)
	if threadID == "" {
		return nil, ErrThreadIDRequired
	}
	namespace := GetNamespace(req.Config)
	if s.tuples[threadID] == nil {
		s.tuples[threadID] = make(map[string]map[string]*CheckpointTuple)
	}
	if s.tuples[threadID][namespace] == nil {
		s.tuples[threadID][namespace] = make(map[string]*CheckpointTuple)
	}
	returnConfig := CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace)
	var parentConfig map[string]any
	if parentID := GetCheckpointID(req.Config); parentID != "" && parentID != req.Checkpoint.ID {
		parentConfig = CreateCheckpointConfig(threadID, parentID, namespace)
	}
	s.tuples[threadID][namespace][req.Checkpoint.ID] = &CheckpointTuple{
		Config:       returnConfig,
		Checkpoint:   req.Checkpoint.Copy(),
		Metadata:     req.Metadata,
		ParentConfig: parentConfig,
	}
	return returnConfig, nil
}

// PutWrites stores intermediate writes linked to a checkpoint.
func (s *ExampleSaver) PutWrites(ctx context.Context, req PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkpointID := GetCheckpointID(req.Config)
	for _, w := range req.Writes {
		w.TaskID = req.TaskID
		s.writes[checkpointID] = append(s.writes[checkpointID], w)
	}
	return nil
}

// DeleteThread removes all checkpoints for a thread.
func (s *ExampleSaver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, checkpoints := range s.tuples[threadID] {
		for id := range checkpoints {
			delete(s.writes, id)
		}
	}
	delete(s.tuples, threadID)
	return nil
}

// NextVersion produces the next integer version token.
func (s *ExampleSaver) NextVersion(current any, channel string) any {
	return DefaultNextVersion(current, channel)
}

// Close releases resources held by the saver.
func (s *ExampleSaver) Close() error { return nil }
