//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed implementation of CheckpointSaver
// for graph execution state persistence and recovery.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/graphrun/graph"
	"trpc.group/trpc-go/graphrun/log"
)

const (
	keyPrefixCheckpoint = "ckpt:"
	keyPrefixIndex      = "ckpt_idx:"
	keyPrefixWrites     = "writes:"
	keyPrefixThreadNS   = "thread_ns:"
)

const (
	checkpointJSONField = "checkpoint_json"
	metadataJSONField   = "metadata_json"
	parentIDField       = "parent_checkpoint_id"
)

func checkpointKey(threadID, checkpointNS, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixCheckpoint, threadID, checkpointNS, checkpointID)
}

// indexKey holds the sorted set of checkpoint ids per thread and namespace.
// Ids are time-ordered so the lexicographic order of members is
// chronological; all members share score 0.
func indexKey(threadID, checkpointNS string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefixIndex, threadID, checkpointNS)
}

func writesKey(threadID, checkpointNS, checkpointID string) string {
	return fmt.Sprintf("%s%s:%s:%s", keyPrefixWrites, threadID, checkpointNS, checkpointID)
}

func threadNSKey(threadID string) string {
	return fmt.Sprintf("%s%s", keyPrefixThreadNS, threadID)
}

type writeData struct {
	TaskID  string          `json:"task_id"`
	Idx     int             `json:"idx"`
	Channel string          `json:"channel"`
	Value   json.RawMessage `json:"value"`
}

// Saver is the redis checkpoint saver.
type Saver struct {
	opts   Options
	client redis.UniversalClient
	once   sync.Once // ensure Close is called only once
}

// NewSaver creates a new saver.
func NewSaver(options ...Option) (*Saver, error) {
	opts := defaultOptions
	for _, option := range options {
		option(&opts)
	}

	client := opts.client
	if opts.url != "" {
		redisOpts, err := redis.ParseURL(opts.url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(redisOpts)
	}
	if client == nil {
		return nil, errors.New("redis client or url is required")
	}
	return &Saver{opts: opts, client: client}, nil
}

// Get returns the checkpoint for the given config.
func (s *Saver) Get(ctx context.Context, config map[string]any) (*graph.Checkpoint, error) {
	t, err := s.GetTuple(ctx, config)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, nil
	}
	return t.Checkpoint, nil
}

// GetTuple returns the checkpoint tuple for the given config.
func (s *Saver) GetTuple(ctx context.Context, config map[string]any) (*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	checkpointID := graph.GetCheckpointID(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	checkpointID, err := s.findCheckpointID(ctx, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return nil, nil
	}

	data, err := s.client.HGetAll(ctx, checkpointKey(threadID, checkpointNS, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoint data: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var ckpt graph.Checkpoint
	if err := json.Unmarshal([]byte(data[checkpointJSONField]), &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal([]byte(data[metadataJSONField]), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	writes, err := s.loadWrites(ctx, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, err
	}

	tuple := &graph.CheckpointTuple{
		Config:        graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS),
		Checkpoint:    &ckpt,
		Metadata:      &meta,
		PendingWrites: writes,
	}
	if parentID := data[parentIDField]; parentID != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parentID, checkpointNS)
	}
	return tuple, nil
}

func (s *Saver) findCheckpointID(ctx context.Context, threadID, checkpointNS, checkpointID string) (string, error) {
	if checkpointID != "" {
		return checkpointID, nil
	}
	// Find the latest checkpoint in the namespace.
	members, err := s.client.ZRevRangeByLex(ctx, indexKey(threadID, checkpointNS), &redis.ZRangeBy{
		Min: "-", Max: "+", Count: 1,
	}).Result()
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", nil
	}
	return members[0], nil
}

// List returns checkpoint tuples newest-first, with optional filters.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	max := "+"
	if filter != nil && filter.Before != nil {
		if beforeID := graph.GetCheckpointID(filter.Before); beforeID != "" {
			max = "(" + beforeID
		}
	}
	members, err := s.client.ZRevRangeByLex(ctx, indexKey(threadID, checkpointNS), &redis.ZRangeBy{
		Min: "-", Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoint ids: %w", err)
	}

	var tuples []*graph.CheckpointTuple
	for _, checkpointID := range members {
		if checkpointID == "" {
			log.WarnfContext(ctx, "invalid checkpoint id format: %s", checkpointID)
			continue
		}
		tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, checkpointID, checkpointNS))
		if err != nil {
			return nil, err
		}
		if tuple == nil {
			continue
		}
		if filter != nil && len(filter.Metadata) > 0 && !metadataMatches(tuple.Metadata, filter.Metadata) {
			continue
		}
		tuples = append(tuples, tuple)
		if filter != nil && filter.Limit > 0 && len(tuples) >= filter.Limit {
			break
		}
	}
	return tuples, nil
}

// Put stores a checkpoint and returns a config referencing it.
func (s *Saver) Put(ctx context.Context, req graph.PutRequest) (map[string]any, error) {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}
	if req.Checkpoint == nil {
		return nil, errors.New("checkpoint is nil")
	}

	checkpointJSON, err := json.Marshal(req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	metadataJSON, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	parentID := graph.GetCheckpointID(req.Config)
	if parentID == req.Checkpoint.ID {
		parentID = ""
	}

	key := checkpointKey(threadID, checkpointNS, req.Checkpoint.ID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		checkpointJSONField: checkpointJSON,
		metadataJSONField:   metadataJSON,
		parentIDField:       parentID,
	})
	pipe.Expire(ctx, key, s.opts.ttl)
	pipe.ZAdd(ctx, indexKey(threadID, checkpointNS), redis.Z{Score: 0, Member: req.Checkpoint.ID})
	pipe.Expire(ctx, indexKey(threadID, checkpointNS), s.opts.ttl)
	pipe.SAdd(ctx, threadNSKey(threadID), checkpointNS)
	pipe.Expire(ctx, threadNSKey(threadID), s.opts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// PutWrites stores intermediate writes linked to a checkpoint. Each write is
// keyed by (task id, idx), so retries overwrite instead of duplicating.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}
	if checkpointID == "" {
		return errors.New("checkpoint_id is required for writes")
	}

	key := writesKey(threadID, checkpointNS, checkpointID)
	fields := make(map[string]any, len(req.Writes))
	for idx, w := range req.Writes {
		value, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write value: %w", err)
		}
		data, err := json.Marshal(writeData{
			TaskID:  req.TaskID,
			Idx:     idx,
			Channel: w.Channel,
			Value:   value,
		})
		if err != nil {
			return fmt.Errorf("marshal write: %w", err)
		}
		fields[fmt.Sprintf("%s:%06d", req.TaskID, idx)] = data
	}
	if len(fields) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.opts.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store writes: %w", err)
	}
	return nil
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	namespaces, err := s.client.SMembers(ctx, threadNSKey(threadID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list thread namespaces: %w", err)
	}
	for _, checkpointNS := range namespaces {
		ids, err := s.client.ZRange(ctx, indexKey(threadID, checkpointNS), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("list checkpoint ids: %w", err)
		}
		var keys []string
		for _, id := range ids {
			keys = append(keys, checkpointKey(threadID, checkpointNS, id))
			keys = append(keys, writesKey(threadID, checkpointNS, id))
		}
		keys = append(keys, indexKey(threadID, checkpointNS))
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete thread keys: %w", err)
			}
		}
	}
	return s.client.Del(ctx, threadNSKey(threadID)).Err()
}

// NextVersion produces the next integer version token.
func (s *Saver) NextVersion(current any, channel string) any {
	return graph.DefaultNextVersion(current, channel)
}

// Close closes the underlying client.
func (s *Saver) Close() error {
	var err error
	s.once.Do(func() {
		err = s.client.Close()
	})
	return err
}

func (s *Saver) loadWrites(ctx context.Context, threadID, checkpointNS, checkpointID string) ([]graph.PendingWrite, error) {
	fields, err := s.client.HGetAll(ctx, writesKey(threadID, checkpointNS, checkpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load writes: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	// Field names are "<task_id>:<idx>", so sorted order restores the
	// per-task write order.
	sort.Strings(keys)

	writes := make([]graph.PendingWrite, 0, len(keys))
	for _, k := range keys {
		var data writeData
		if err := json.Unmarshal([]byte(fields[k]), &data); err != nil {
			log.WarnfContext(ctx, "skip malformed write %s: %v", k, err)
			continue
		}
		var value any
		if err := json.Unmarshal(data.Value, &value); err != nil {
			return nil, fmt.Errorf("unmarshal write value: %w", err)
		}
		writes = append(writes, graph.PendingWrite{
			TaskID:  data.TaskID,
			Channel: data.Channel,
			Value:   value,
		})
	}
	return writes, nil
}

func metadataMatches(metadata *graph.CheckpointMetadata, want map[string]any) bool {
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
			if fmt.Sprintf("%v", metadata.Step) != fmt.Sprintf("%v", value) {
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
