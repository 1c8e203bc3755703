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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultChannelBufferSize = 256
	defaultMaxConcurrency    = 16
)

var tracer = otel.Tracer("trpc.group/trpc-go/graphrun/graph")

// Executor executes a graph with the given input.
type Executor struct {
	graph *Graph
	saver CheckpointSaver
	opts  ExecutorOptions
}

// ExecutorOptions contains configuration options for creating an Executor.
type ExecutorOptions struct {
	// ChannelBufferSize is the buffer size for the stream queue (default: 256).
	ChannelBufferSize int
	// MaxConcurrency bounds how many tasks run in parallel per superstep.
	MaxConcurrency int
	// StepTimeout aborts a superstep that runs longer. Zero disables it.
	StepTimeout time.Duration
	// RecursionLimit bounds the number of supersteps per run (default: 25).
	RecursionLimit int
	// OnBackgroundError receives asynchronous persistence failures.
	OnBackgroundError func(error)
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// WithChannelBufferSize sets the buffer size for the stream queue.
func WithChannelBufferSize(size int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.ChannelBufferSize = size }
}

// WithMaxConcurrency bounds parallel task execution per superstep.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.MaxConcurrency = n }
}

// WithStepTimeout sets the per-superstep timeout.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.StepTimeout = d }
}

// WithRecursionLimit sets the superstep limit per run.
func WithRecursionLimit(limit int) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.RecursionLimit = limit }
}

// WithOnBackgroundError sets the sink for background persistence errors.
func WithOnBackgroundError(sink func(error)) ExecutorOption {
	return func(opts *ExecutorOptions) { opts.OnBackgroundError = sink }
}

// NewExecutor creates a new graph executor.
func NewExecutor(g *Graph, saver CheckpointSaver, opts ...ExecutorOption) (*Executor, error) {
	if err := g.validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	options := ExecutorOptions{
		ChannelBufferSize: defaultChannelBufferSize,
		MaxConcurrency:    defaultMaxConcurrency,
		RecursionLimit:    DefaultRecursionLimit,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Executor{graph: g, saver: saver, opts: options}, nil
}

// RunOptions carries per-run settings.
type RunOptions struct {
	// StreamModes selects the emitted stream modes. Defaults to the
	// graph's declared modes, falling back to values.
	StreamModes []StreamMode
	// InterruptBefore suspends the loop before the named nodes run.
	// "*" matches every node.
	InterruptBefore []string
	// InterruptAfter suspends the loop after a superstep that ran the
	// named nodes. "*" matches every node.
	InterruptAfter []string
	// Namespace is the subgraph path of a nested run.
	Namespace []string
	// Nested marks the run as a subgraph invocation: triggered static
	// interrupts propagate as GraphInterrupt errors instead of stopping
	// quietly.
	Nested bool
}

// RunOption is a function that configures a run.
type RunOption func(*RunOptions)

// WithStreamModes selects the emitted stream modes for this run.
func WithStreamModes(modes ...StreamMode) RunOption {
	return func(opts *RunOptions) { opts.StreamModes = modes }
}

// WithInterruptBefore suspends the loop before the named nodes run.
func WithInterruptBefore(nodes ...string) RunOption {
	return func(opts *RunOptions) { opts.InterruptBefore = nodes }
}

// WithInterruptAfter suspends the loop after the named nodes ran.
func WithInterruptAfter(nodes ...string) RunOption {
	return func(opts *RunOptions) { opts.InterruptAfter = nodes }
}

// WithNamespace sets the subgraph path of a nested run.
func WithNamespace(namespace ...string) RunOption {
	return func(opts *RunOptions) {
		opts.Namespace = namespace
		opts.Nested = len(namespace) > 0
	}
}

// RunResult is the outcome of one Invoke.
type RunResult struct {
	// State holds the output channels' values after the run stopped.
	State State
	// Status is the loop's terminal status. A run suspended by a dynamic
	// interrupt keeps StatusPending: it can be resumed.
	Status LoopStatus
	// Interrupts carries the dynamic interrupts that suspended the run.
	Interrupts []*GraphInterrupt
	// Checkpoint references the last persisted checkpoint of the run.
	Checkpoint map[string]any
}

// Invoke runs the graph to completion (or suspension) and returns the final
// output state.
func (e *Executor) Invoke(ctx context.Context, config map[string]any, input any, opts ...RunOption) (*RunResult, error) {
	runOpts := e.runOptions(opts)
	s := newStream(runOpts.StreamModes, e.opts.ChannelBufferSize, runOpts.Namespace)
	// Drain the queue so the loop never blocks on an unread stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range s.ch {
		}
	}()
	result, err := e.run(ctx, config, input, s, runOpts)
	s.close()
	<-done
	return result, err
}

// Stream runs the graph and emits output events in the requested modes. The
// returned channel closes when the run stops; a run error is emitted as a
// final error chunk.
func (e *Executor) Stream(ctx context.Context, config map[string]any, input any, opts ...RunOption) (<-chan StreamChunk, error) {
	runOpts := e.runOptions(opts)
	s := newStream(runOpts.StreamModes, e.opts.ChannelBufferSize, runOpts.Namespace)
	go func() {
		defer s.close()
		if _, err := e.run(ctx, config, input, s, runOpts); err != nil {
			select {
			case s.ch <- StreamChunk{Mode: StreamModeDebug, Namespace: runOpts.Namespace, Payload: err}:
			case <-ctx.Done():
			}
		}
	}()
	return s.ch, nil
}

func (e *Executor) runOptions(opts []RunOption) *RunOptions {
	runOpts := &RunOptions{StreamModes: e.graph.streamModes}
	for _, opt := range opts {
		opt(runOpts)
	}
	return runOpts
}

// run drives the loop: tick, execute the selected tasks, repeat. It owns the
// loop and runner lifecycles and releases them on every exit path.
func (e *Executor) run(ctx context.Context, config map[string]any, input any, s *stream, runOpts *RunOptions) (*RunResult, error) {
	ctx, span := tracer.Start(ctx, "graph.run", trace.WithAttributes(
		attribute.String("graph.thread_id", GetThreadID(config)),
		attribute.String("graph.checkpoint_ns", GetNamespace(config)),
	))
	defer span.End()

	loop, err := newPregelLoop(ctx, e.graph, e.saver, s, loopOptions{
		config:            config,
		input:             input,
		recursionLimit:    e.opts.RecursionLimit,
		interruptBefore:   runOpts.InterruptBefore,
		interruptAfter:    runOpts.InterruptAfter,
		isNested:          runOpts.Nested,
		onBackgroundError: e.opts.OnBackgroundError,
	})
	if err != nil {
		return nil, err
	}
	defer loop.Close()

	runner, err := newTaskRunner(loop, e.opts.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	defer runner.release()

	result := &RunResult{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		more, err := loop.Tick(ctx)
		if err != nil {
			return nil, err
		}
		if !more {
			if interrupts := loop.takeInterrupts(); len(interrupts) > 0 {
				result.Interrupts = interrupts
				for _, gi := range interrupts {
					s.emit(ctx, StreamModeValues, &InterruptEvent{
						Value:  gi.Value,
						Key:    gi.Key,
						TaskID: gi.TaskID,
						Node:   gi.NodeName,
					})
				}
				span.AddEvent("graph.interrupted")
			}
			break
		}
		if err := e.runSuperstep(ctx, loop, runner); err != nil {
			return nil, err
		}
	}

	result.State = loop.outputState()
	result.Status = loop.status
	result.Checkpoint = loop.checkpointConfig
	span.SetAttributes(
		attribute.String("graph.status", string(result.Status)),
		attribute.Int("graph.steps", loop.step),
	)
	return result, nil
}

// runSuperstep executes one batch of tasks under the per-step timeout.
func (e *Executor) runSuperstep(ctx context.Context, loop *pregelLoop, runner *taskRunner) error {
	stepCtx := ctx
	if e.opts.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.opts.StepTimeout)
		defer cancel()
	}
	stepCtx, span := tracer.Start(stepCtx, "graph.superstep", trace.WithAttributes(
		attribute.Int("graph.step", loop.step),
		attribute.Int("graph.tasks", len(loop.tasks)),
	))
	defer span.End()
	return runner.runTasks(stepCtx, loop.tasks)
}
