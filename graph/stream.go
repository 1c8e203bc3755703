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
	"sync"
)

// StreamMode selects which output events a consumer receives.
type StreamMode string

const (
	// StreamModeValues emits the full output-channel snapshot after each
	// superstep.
	StreamModeValues StreamMode = "values"
	// StreamModeUpdates emits the per-task write map of each superstep.
	StreamModeUpdates StreamMode = "updates"
	// StreamModeDebug emits task-start, task-result and checkpoint events.
	StreamModeDebug StreamMode = "debug"
)

// StreamChunk is one output event pushed by the loop.
type StreamChunk struct {
	// Mode is the stream mode the chunk belongs to.
	Mode StreamMode
	// Namespace is the subgraph path, outermost first. Empty for the root
	// graph.
	Namespace []string
	// Payload is mode-specific: State or *InterruptEvent for values,
	// map[node]State for updates, and one of the *DebugEvent payloads for
	// debug. Executor.Stream also sends a run error as a final debug chunk.
	Payload any
}

// TaskDebugEvent is the debug payload emitted when a task is selected.
type TaskDebugEvent struct {
	TaskID   string   `json:"task_id"`
	Name     string   `json:"name"`
	Step     int      `json:"step"`
	Triggers []string `json:"triggers"`
	Input    State    `json:"input,omitempty"`
}

// TaskResultDebugEvent is the debug payload emitted when a task's writes are
// committed.
type TaskResultDebugEvent struct {
	TaskID string         `json:"task_id"`
	Name   string         `json:"name"`
	Step   int            `json:"step"`
	Writes []PendingWrite `json:"writes"`
}

// CheckpointDebugEvent is the debug payload emitted when a checkpoint is
// produced.
type CheckpointDebugEvent struct {
	CheckpointID string   `json:"checkpoint_id"`
	Source       string   `json:"source"`
	Step         int      `json:"step"`
	Status       string   `json:"status,omitempty"`
	Updated      []string `json:"updated,omitempty"`
}

// InterruptEvent is emitted on the values stream when a dynamic interrupt
// suspends the run. It carries the interrupt value and the stable task id a
// resume command will be routed to.
type InterruptEvent struct {
	Value  any    `json:"value"`
	Key    string `json:"key,omitempty"`
	TaskID string `json:"task_id"`
	Node   string `json:"node"`
}

type streamModeMask uint8

const (
	streamModeMaskValues streamModeMask = 1 << iota
	streamModeMaskUpdates
	streamModeMaskDebug
)

func streamModeMaskFrom(modes []StreamMode) streamModeMask {
	if len(modes) == 0 {
		return streamModeMaskValues
	}
	var mask streamModeMask
	for _, mode := range modes {
		switch mode {
		case StreamModeValues:
			mask |= streamModeMaskValues
		case StreamModeUpdates:
			mask |= streamModeMaskUpdates
		case StreamModeDebug:
			mask |= streamModeMaskDebug
		default:
		}
	}
	return mask
}

// allows reports whether chunks of the mode are subscribed.
func (m streamModeMask) allows(mode StreamMode) bool {
	switch mode {
	case StreamModeValues:
		return m&streamModeMaskValues != 0
	case StreamModeUpdates:
		return m&streamModeMaskUpdates != 0
	case StreamModeDebug:
		return m&streamModeMaskDebug != 0
	default:
		return false
	}
}

// stream is the bounded single-producer output queue of a loop. The loop
// only emits subscribed modes to keep the queue small; cancellation closes
// the queue.
type stream struct {
	ch        chan StreamChunk
	mask      streamModeMask
	namespace []string
	closeOnce sync.Once
}

func newStream(modes []StreamMode, buffer int, namespace []string) *stream {
	if buffer <= 0 {
		buffer = 256
	}
	return &stream{
		ch:        make(chan StreamChunk, buffer),
		mask:      streamModeMaskFrom(modes),
		namespace: namespace,
	}
}

// emit pushes a chunk when its mode is subscribed. It blocks on a full
// queue until the consumer drains it or the context is cancelled.
func (s *stream) emit(ctx context.Context, mode StreamMode, payload any) {
	if !s.mask.allows(mode) {
		return
	}
	chunk := StreamChunk{Mode: mode, Namespace: s.namespace, Payload: payload}
	select {
	case s.ch <- chunk:
	case <-ctx.Done():
	}
}

// close shuts the queue. Safe to call more than once.
func (s *stream) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}
