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
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/graphrun/log"
)

// ExecutionContext is the runtime handed to a node invocation. It carries
// the node's assembled input and typed access to the loop, replacing any
// ambient injection through configuration.
type ExecutionContext struct {
	// TaskID is the deterministic id of the running task.
	TaskID string
	// NodeName is the name of the running node.
	NodeName string
	// Step is the superstep number.
	Step int
	// Input is the node input assembled from its join channels.
	Input State

	loop *pregelLoop

	mu    sync.Mutex
	sends []PendingWrite
}

// Read reads a channel. With fresh true the channel's live value is read;
// with fresh false the value mirrored in the checkpoint. Both hold the state
// committed before the current superstep: writes and sends of running tasks,
// the caller's own included, are not visible until the superstep commits.
func (ec *ExecutionContext) Read(channel string, fresh bool) (any, error) {
	return ec.loop.readChannel(channel, fresh)
}

// Send records an extra write to a channel, in call order. Sends are
// committed together with the node's returned writes.
func (ec *ExecutionContext) Send(channel string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.sends = append(ec.sends, PendingWrite{TaskID: ec.TaskID, Channel: channel, Value: value})
}

// IsResuming reports whether the current run resumes prior state.
func (ec *ExecutionContext) IsResuming() bool {
	return ec.loop.phase == inputPhaseResuming
}

// Interrupt suspends the node until a resume value for key is supplied.
// When the run carries a matching resume value the call returns it;
// otherwise it returns a *GraphInterrupt error which the node must
// propagate unchanged.
func (ec *ExecutionContext) Interrupt(key string, value any) (any, error) {
	if resume, ok := ec.loop.resumeValue(ec.TaskID, key); ok {
		return resume, nil
	}
	return nil, &GraphInterrupt{
		Value:     value,
		Key:       key,
		NodeName:  ec.NodeName,
		TaskID:    ec.TaskID,
		Step:      ec.Step,
		Timestamp: time.Now().UTC(),
	}
}

func (ec *ExecutionContext) takeSends() []PendingWrite {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	sends := ec.sends
	ec.sends = nil
	return sends
}

// taskRunner executes a superstep's tasks in parallel on a shared worker
// pool. It interacts with the loop only through PutWrites and the task
// completion flags. When one task fails the others continue to their
// natural end; the first fatal error is surfaced after all tasks settle.
type taskRunner struct {
	loop *pregelLoop
	pool *ants.Pool
}

func newTaskRunner(loop *pregelLoop, parallelism int) (*taskRunner, error) {
	if parallelism <= 0 {
		parallelism = defaultMaxConcurrency
	}
	pool, err := ants.NewPool(parallelism)
	if err != nil {
		return nil, fmt.Errorf("create task pool: %w", err)
	}
	return &taskRunner{loop: loop, pool: pool}, nil
}

// runTasks executes all incomplete tasks of the current superstep and waits
// for them to settle.
func (r *taskRunner) runTasks(ctx context.Context, tasks []*PregelTask) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, task := range tasks {
		if task.done {
			continue
		}
		task := task
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			if err := r.runTask(ctx, task); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("submit task %s: %w", task.Name, err)
			}
			mu.Unlock()
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return firstErr
}

// runTask executes one node and routes its writes into the loop.
func (r *taskRunner) runTask(ctx context.Context, task *PregelTask) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	node, ok := r.loop.graph.Node(task.Name)
	if !ok {
		return fmt.Errorf("node %s not found", task.Name)
	}

	execCtx := &ExecutionContext{
		TaskID:   task.ID,
		NodeName: task.Name,
		Step:     r.loop.step,
		Input:    task.Input,
		loop:     r.loop,
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("node %s panicked: %v\n%s", task.Name, rec, debug.Stack())
			err = fmt.Errorf("node %s panicked: %v", task.Name, rec)
			r.recordError(ctx, task, err)
		}
	}()

	result, nodeErr := node.Func(ctx, execCtx)
	if nodeErr != nil {
		if gi, ok := GetInterrupt(nodeErr); ok {
			r.recordInterrupt(ctx, task, gi)
			return nil
		}
		r.recordError(ctx, task, nodeErr)
		return fmt.Errorf("node %s: %w", task.Name, nodeErr)
	}

	writes := execCtx.takeSends()
	resultWrites, err := resultToWrites(task, result)
	if err != nil {
		r.recordError(ctx, task, err)
		return err
	}
	writes = append(writes, resultWrites...)

	r.loop.PutWrites(ctx, task.ID, writes)
	r.loop.markTaskDone(task.ID)
	return nil
}

// recordInterrupt persists the interrupt as a pending write and reports the
// task as non-complete, so the next tick suspends the loop.
func (r *taskRunner) recordInterrupt(ctx context.Context, task *PregelTask, gi *GraphInterrupt) {
	if gi.NodeName == "" {
		gi.NodeName = task.Name
	}
	if gi.TaskID == "" {
		gi.TaskID = task.ID
	}
	gi.Step = r.loop.step
	r.loop.PutWrites(ctx, task.ID, []PendingWrite{{
		TaskID:  task.ID,
		Channel: InterruptChannel,
		Value:   gi.Value,
	}})
	r.loop.addInterrupt(gi)
}

// recordError records a user node error on the error channel. Error writes
// are never re-applied on resume.
func (r *taskRunner) recordError(ctx context.Context, task *PregelTask, err error) {
	r.loop.PutWrites(ctx, task.ID, []PendingWrite{{
		TaskID:  task.ID,
		Channel: ErrorChannel,
		Value:   err.Error(),
	}})
}

// resultToWrites converts a node result into channel writes. Nodes return
// either a State of channel values or a *Command.
func resultToWrites(task *PregelTask, result any) ([]PendingWrite, error) {
	var (
		state State
		goTo  string
	)
	switch res := result.(type) {
	case nil:
		return nil, nil
	case State:
		state = res
	case map[string]any:
		state = State(res)
	case *Command:
		state = res.Update
		goTo = res.GoTo
	default:
		return nil, fmt.Errorf("node %s returned invalid result type: %T", task.Name, result)
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]PendingWrite, 0, len(keys)+1)
	for _, k := range keys {
		writes = append(writes, PendingWrite{TaskID: task.ID, Channel: k, Value: state[k]})
	}
	if goTo != "" {
		writes = append(writes, PendingWrite{
			TaskID:  task.ID,
			Channel: ChannelTriggerPrefix + goTo,
			Value:   goTo,
		})
	}
	return writes, nil
}

// release returns the pool's workers.
func (r *taskRunner) release() {
	r.pool.Release()
}
