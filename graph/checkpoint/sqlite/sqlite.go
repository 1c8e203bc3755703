//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

// Package sqlite provides a SQLite-backed implementation of CheckpointSaver.
// Checkpoints and metadata are stored as JSON blobs; it is suitable for
// production usage when paired with a persistent DB.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"trpc.group/trpc-go/graphrun/graph"
)

const (
	sqliteCreateCheckpoints = "CREATE TABLE IF NOT EXISTS checkpoints (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"parent_checkpoint_id TEXT, " +
		"checkpoint_json BLOB NOT NULL, " +
		"metadata_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)" +
		")"

	sqliteCreateWrites = "CREATE TABLE IF NOT EXISTS checkpoint_writes (" +
		"thread_id TEXT NOT NULL, " +
		"checkpoint_ns TEXT NOT NULL, " +
		"checkpoint_id TEXT NOT NULL, " +
		"task_id TEXT NOT NULL, " +
		"idx INTEGER NOT NULL, " +
		"channel TEXT NOT NULL, " +
		"value_json BLOB NOT NULL, " +
		"PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, idx)" +
		")"

	sqliteInsertCheckpoint = "INSERT OR REPLACE INTO checkpoints (" +
		"thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, " +
		"checkpoint_json, metadata_json) VALUES (?, ?, ?, ?, ?, ?)"

	// Checkpoint ids are time-ordered, so ordering by id is chronological.
	sqliteSelectLatest = "SELECT checkpoint_json, metadata_json, parent_checkpoint_id, checkpoint_id " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? " +
		"ORDER BY checkpoint_id DESC LIMIT 1"

	sqliteSelectByID = "SELECT checkpoint_json, metadata_json, parent_checkpoint_id " +
		"FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? LIMIT 1"

	sqliteSelectIDsDesc = "SELECT checkpoint_id FROM checkpoints " +
		"WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY checkpoint_id DESC"

	sqliteInsertWrite = "INSERT OR REPLACE INTO checkpoint_writes (" +
		"thread_id, checkpoint_ns, checkpoint_id, task_id, idx, channel, value_json) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?)"

	sqliteSelectWrites = "SELECT task_id, channel, value_json FROM checkpoint_writes " +
		"WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY task_id, idx"

	sqliteDeleteThreadCkpts  = "DELETE FROM checkpoints WHERE thread_id = ?"
	sqliteDeleteThreadWrites = "DELETE FROM checkpoint_writes WHERE thread_id = ?"
)

// Saver is a SQLite-backed implementation of CheckpointSaver.
type Saver struct {
	db *sql.DB
}

// NewSaver creates a new saver using the provided DB.
// The DB must use a SQLite driver. The constructor creates tables if needed.
func NewSaver(db *sql.DB) (*Saver, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if _, err := db.Exec(sqliteCreateCheckpoints); err != nil {
		return nil, fmt.Errorf("create checkpoints table: %w", err)
	}
	if _, err := db.Exec(sqliteCreateWrites); err != nil {
		return nil, fmt.Errorf("create writes table: %w", err)
	}
	return &Saver{db: db}, nil
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

	var checkpointJSON, metadataJSON []byte
	var parentID sql.NullString
	if checkpointID == "" {
		row := s.db.QueryRowContext(ctx, sqliteSelectLatest, threadID, checkpointNS)
		if err := row.Scan(&checkpointJSON, &metadataJSON, &parentID, &checkpointID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("select latest: %w", err)
		}
	} else {
		row := s.db.QueryRowContext(ctx, sqliteSelectByID, threadID, checkpointNS, checkpointID)
		if err := row.Scan(&checkpointJSON, &metadataJSON, &parentID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, fmt.Errorf("select by id: %w", err)
		}
	}

	var ckpt graph.Checkpoint
	if err := json.Unmarshal(checkpointJSON, &ckpt); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	var meta graph.CheckpointMetadata
	if err := json.Unmarshal(metadataJSON, &meta); err != nil {
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
	if parentID.Valid && parentID.String != "" {
		tuple.ParentConfig = graph.CreateCheckpointConfig(threadID, parentID.String, checkpointNS)
	}
	return tuple, nil
}

// List returns checkpoint tuples newest-first, filtered by criteria.
func (s *Saver) List(ctx context.Context, config map[string]any, filter *graph.CheckpointFilter) ([]*graph.CheckpointTuple, error) {
	threadID := graph.GetThreadID(config)
	checkpointNS := graph.GetNamespace(config)
	if threadID == "" {
		return nil, graph.ErrThreadIDRequired
	}

	rows, err := s.db.QueryContext(ctx, sqliteSelectIDsDesc, threadID, checkpointNS)
	if err != nil {
		return nil, fmt.Errorf("select ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var beforeID string
	if filter != nil && filter.Before != nil {
		beforeID = graph.GetCheckpointID(filter.Before)
	}

	var tuples []*graph.CheckpointTuple
	for _, id := range ids {
		if beforeID != "" && id >= beforeID {
			continue
		}
		tuple, err := s.GetTuple(ctx, graph.CreateCheckpointConfig(threadID, id, checkpointNS))
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
	if _, err := s.db.ExecContext(ctx, sqliteInsertCheckpoint,
		threadID, checkpointNS, req.Checkpoint.ID, parentID,
		checkpointJSON, metadataJSON); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}
	return graph.CreateCheckpointConfig(threadID, req.Checkpoint.ID, checkpointNS), nil
}

// PutWrites stores intermediate writes linked to a checkpoint. INSERT OR
// REPLACE on the (task, idx) primary key makes it idempotent.
func (s *Saver) PutWrites(ctx context.Context, req graph.PutWritesRequest) error {
	threadID := graph.GetThreadID(req.Config)
	checkpointNS := graph.GetNamespace(req.Config)
	checkpointID := graph.GetCheckpointID(req.Config)
	if threadID == "" {
		return graph.ErrThreadIDRequired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin writes tx: %w", err)
	}
	defer tx.Rollback()

	for idx, w := range req.Writes {
		valueJSON, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("marshal write value: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqliteInsertWrite,
			threadID, checkpointNS, checkpointID, req.TaskID, idx, w.Channel, valueJSON); err != nil {
			return fmt.Errorf("insert write: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteThread removes all checkpoints and writes for a thread.
func (s *Saver) DeleteThread(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, sqliteDeleteThreadCkpts, threadID); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteDeleteThreadWrites, threadID); err != nil {
		return fmt.Errorf("delete writes: %w", err)
	}
	return nil
}

// NextVersion produces the next integer version token.
func (s *Saver) NextVersion(current any, channel string) any {
	return graph.DefaultNextVersion(current, channel)
}

// Close closes the underlying DB.
func (s *Saver) Close() error {
	return s.db.Close()
}

func (s *Saver) loadWrites(ctx context.Context, threadID, checkpointNS, checkpointID string) ([]graph.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectWrites, threadID, checkpointNS, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("select writes: %w", err)
	}
	defer rows.Close()

	var writes []graph.PendingWrite
	for rows.Next() {
		var taskID, channelName string
		var valueJSON []byte
		if err := rows.Scan(&taskID, &channelName, &valueJSON); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		var value any
		if err := json.Unmarshal(valueJSON, &value); err != nil {
			return nil, fmt.Errorf("unmarshal write value: %w", err)
		}
		writes = append(writes, graph.PendingWrite{TaskID: taskID, Channel: channelName, Value: value})
	}
	return writes, rows.Err()
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
			step, ok := value.(int)
			if !ok || metadata.Step != step {
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
