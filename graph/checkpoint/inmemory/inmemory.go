//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory implementation of CheckpointSaver.
// It is suitable for testing and debugging but not for production use.
package inmemory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"trpc.group/trpc-go/graphrun/graph"
)

// Saver is an in-memory checkpoint saver.
//
// In shallow mode at most one checkpoint is kept per (thread, namespace);
// every Put overwrites the previous checkpoint and purges writes belonging
// to older checkpoints.
type Saver struct {
	mu sync.RWMutex
	// threadID -> namespace -> checkpointID -> tuple
	storage map[string]map[string]map[string]*graph.CheckpointTuple
	// threadID -> namespace -> checkpointID -> writes
	writes map[string]map[string]map[string][]graph.PendingWrite
	// writeKeys deduplicates writes per (checkpointID, taskID, idx, channel).
	writeKeys map[string]map[string]bool

	shallow                 bool
	maxCheckpointsPerThread int
}

// NewSaver creates a new in-memory checkpoint saver.
func NewSaver() *Saver {
	return &Saver{
		storage:                 make(map[string]map[string]map[string]*graph.CheckpointTuple),
		writes:                  make(map[string]map[string]map[string][]graph.PendingWrite),
		writeKeys:               make(map[string]map[string]bool),
		maxCheckpointsPerThread: graph.DefaultMaxCheckpointsPerThread,
	}
}

// NewShallowSaver creates a saver that keeps only the latest checkpoint per
// thread and namespace.
func NewShallowSaver() *Saver {
	s := NewSaver()
	s.shallow = true
	return s
}

// WithMaxCheckpointsPerThread sets the maximum number of checkpoints kept per
// thread and namespace.
func (s *Saver) WithMaxCheckpointsPerThread(max int) *Saver {
	s.maxCheckpointsPerThread = max
	return s
}

// Get retrieves a checkpoint by configuration.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	tuple, err := s.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if tuple == nil {
		return nil, nil
	}
	return tuple.Checkpoint, nil
}

// GetTuple retrieves a checkpoint tuple by configuration. Without a
// checkpoint id the latest checkpoint of the thread and namespace is
// returned; checkpoint ids are time-ordered so the latest is the greatest.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	namespace := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	checkpoints := s.storage[threadID][namespace]
	if len(checkpoints) == 0 {
		return nil, nil
	}

	if checkpointID == "" {
		for id := range checkpoints {
			if id > checkpointID {
				checkpointID = id
			}
		}
	}

	tuple, exists := checkpoints[checkpointID]
	if !exists {
		return nil, nil
	}
	return s.copyTuple(threadID, namespace, tuple), nil
}

// List retrieves checkpoint tuples newest-first, filtered by criteria.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	threadID := graph.GetThreadID(config)
	namespace := graph.GetNamespace(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	checkpoints := s.storage[threadID][namespace]
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	// Newest first: ids are time-ordered.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	var beforeID string
	if filter != nil && filter.Before != nil {
		beforeID = graph.GetCheckpointID(filter.Before)
	}

	var results []*graph.CheckpointTuple
	for _, id := range ids {
		if beforeID != "" && id >= beforeID {
			continue
		}
		tuple := checkpoints[id]
		if filter != nil && !metadataMatches(tuple.Metadata, filter.Metadata) {
			continue
		}
		results = append(results, s.copyTuple(threadID, namespace, tuple))
		if filter != nil && filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// Put stores a checkpoint and returns a config referencing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := graph.GetThreadID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	if s.storage[threadID] == nil {
		s.storage[threadID] = make(map[string]map[string]*graph.CheckpointTuple)
	}
	if s.storage[threadID][namespace] == nil {
		s.storage[threadID][namespace] = make(map[string]*graph.CheckpointTuple)
	}

	checkpoints := s.storage[threadID][namespace]
	returnConfig := graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, namespace)

	var parentConfig map[string]any
	if parentID := graph.GetCheckpointID(req.Config); parentID != "" && parentID != req.Checkpoint.ID {
		parentConfig = graph.CreateCheckpointConfig(threadID, parentID, namespace)
	}

	if s.shallow {
		// Keep a single row per thread and namespace; writes belonging to
		// stale checkpoints are purged with it.
		for id := range checkpoints {
			delete(checkpoints, id)
		}
		s.purgeWritesExcept(threadID, namespace, req.Checkpoint.ID)
		parentConfig = nil
	}

	checkpoints[req.Checkpoint.ID] = &graph.CheckpointTuple{
		Config:       returnConfig,
		Checkpoint:   req.Checkpoint.Copy(),
		Metadata:     req.Metadata,
		ParentConfig: parentConfig,
	}

	s.enforceLimit(checkpoints)
	return returnConfig, nil
}

// PutWrites stores intermediate writes linked to a checkpoint. A repeated
// write with the same (task id, write index, channel) is dropped; a write at
// an index the task already used for another channel is appended, not
// replaced.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := graph.GetThreadID(req.Config)
	namespace := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}

	if s.writes[threadID] == nil {
		s.writes[threadID] = make(map[string]map[string][]graph.PendingWrite)
	}
	if s.writes[threadID][namespace] == nil {
		s.writes[threadID][namespace] = make(map[string][]graph.PendingWrite)
	}
	if s.writeKeys[checkpointID] == nil {
		s.writeKeys[checkpointID] = make(map[string]bool)
	}

	for idx, w := range req.Writes {
		key := req.TaskID + "/" + strconv.Itoa(idx) + "/" + w.Channel
		if s.writeKeys[checkpointID][key] {
			continue
		}
		s.writeKeys[checkpointID][key] = true
		w.TaskID = req.TaskID
		s.writes[threadID][namespace][checkpointID] = append(s.writes[threadID][namespace][checkpointID], w)
	}
	return nil
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, namespaces := range s.writes[threadID] {
		for checkpointID := range namespaces {
			delete(s.writeKeys, checkpointID)
		}
	}
	delete(s.storage, threadID)
	delete(s.writes, threadID)
	return nil
}

// NextVersion produces the next integer version token.
func (s *Saver) NextVersion(current any, channel string) any {
	return graph.DefaultNextVersion(current, channel)
}

// Close releases resources held by the saver.
func (s *Saver) Close() error {
	return nil
}

// WritesForCheckpoint returns a copy of the pending writes stored against a
// checkpoint. Intended for tests and debugging.
func (s *Saver) WritesForCheckpoint(threadID, namespace, checkpointID string) []graph.PendingWrite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writes := s.writes[threadID][namespace][checkpointID]
	out := make([]graph.PendingWrite, len(writes))
	copy(out, writes)
	return out
}

func (s *Saver) copyTuple(threadID, namespace string, tuple *graph.CheckpointTuple) *graph.CheckpointTuple {
	result := &graph.CheckpointTuple{
		Config:       tuple.Config,
		Checkpoint:   tuple.Checkpoint.Copy(),
		Metadata:     tuple.Metadata,
		ParentConfig: tuple.ParentConfig,
	}
	if writes, ok := s.writes[threadID][namespace][tuple.Checkpoint.ID]; ok {
		result.PendingWrites = make([]graph.PendingWrite, len(writes))
		copy(result.PendingWrites, writes)
	}
	return result
}

func (s *Saver) purgeWritesExcept(threadID, namespace, keepCheckpointID string) {
	for checkpointID := range s.writes[threadID][namespace] {
		if checkpointID == keepCheckpointID {
			continue
		}
		delete(s.writes[threadID][namespace], checkpointID)
		delete(s.writeKeys, checkpointID)
	}
}

// enforceLimit evicts the oldest checkpoints of one thread and namespace
// beyond the cap.
func (s *Saver) enforceLimit(checkpoints map[string]*graph.CheckpointTuple) {
	if s.maxCheckpointsPerThread <= 0 || len(checkpoints) <= s.maxCheckpointsPerThread {
		return
	}
	ids := make([]string, 0, len(checkpoints))
	for id := range checkpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids[:len(ids)-s.maxCheckpointsPerThread] {
		delete(checkpoints, id)
	}
}

func metadataMatches(metadata *graph.CheckpointMetadata, want map[string]any) bool {
	if len(want) == 0 {
		return true
	}
	if metadata == nil {
		return false
	}
	for key, value := range want {
		switch key {
		case "source":
			if metadata.Source != value {
				return false
			}
		case "step":
			if metadata.Step != value {
				return false
			}
		default:
			if metadata.Extra == nil || metadata.Extra[key] != value {
				return false
			}
		}
	}
	return true
}
