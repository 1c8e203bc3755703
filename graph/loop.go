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
	"sort"
	"sync"

	"trpc.group/trpc-go/graphrun/graph/internal/channel"
	"trpc.group/trpc-go/graphrun/log"
)

// LoopStatus is the state of the superstep driver.
type LoopStatus string

const (
	// StatusPending means more supersteps may run.
	StatusPending LoopStatus = "pending"
	// StatusDone means no node is eligible to fire.
	StatusDone LoopStatus = "done"
	// StatusInterruptBefore means a static interrupt fired before a node.
	StatusInterruptBefore LoopStatus = "interrupt_before"
	// StatusInterruptAfter means a static interrupt fired after a superstep.
	StatusInterruptAfter LoopStatus = "interrupt_after"
	// StatusOutOfSteps means the recursion limit was exhausted.
	StatusOutOfSteps LoopStatus = "out_of_steps"
)

// inputPhase tracks how far the loop has come in consuming its input.
type inputPhase int

const (
	inputPhasePending inputPhase = iota
	inputPhaseDone
	inputPhaseResuming
)

// DefaultRecursionLimit bounds the number of supersteps per run.
const DefaultRecursionLimit = 25

// resumeDefaultKey routes a Command.Resume value without an explicit key.
const resumeDefaultKey = "__default__"

// persistJob is one unit of the per-thread serial persistence queue.
type persistJob func(ctx context.Context)

// pregelLoop drives one run of a graph: apply writes, persist a checkpoint,
// select the next batch of tasks, coordinate suspension and resumption.
//
// The loop is single-threaded cooperative: Tick is the only mutator of
// channels and checkpoint state. The external task runner interacts with it
// solely through PutWrites.
type pregelLoop struct {
	graph  *Graph
	saver  CheckpointSaver
	config map[string]any
	stream *stream

	status LoopStatus
	phase  inputPhase
	input  any

	step           int
	stop           int
	recursionLimit int

	checkpoint       *Checkpoint
	checkpointConfig map[string]any
	parentConfig     map[string]any
	prevVersions     map[string]any
	channels         map[string]channel.Channel

	tasks         []*PregelTask
	tasksByID     map[string]*PregelTask
	pendingWrites []PendingWrite

	nextVersion  NextVersionFunc
	isNested     bool
	resumeValues map[string]any

	interruptBefore interruptSpec
	interruptAfter  interruptSpec

	// interrupts raised dynamically by nodes during the current superstep.
	interrupts []*GraphInterrupt

	onBackgroundError func(error)

	writeMu   sync.Mutex
	persistQ  chan persistJob
	persistWG sync.WaitGroup
	closeOnce sync.Once
}

type loopOptions struct {
	config            map[string]any
	input             any
	recursionLimit    int
	interruptBefore   []string
	interruptAfter    []string
	isNested          bool
	onBackgroundError func(error)
}

// newPregelLoop builds and initializes a loop for one run. It loads the
// latest checkpoint tuple (or synthesizes an empty one), materializes
// channels from it, and starts the persistence worker.
func newPregelLoop(ctx context.Context, g *Graph, saver CheckpointSaver, s *stream, opts loopOptions) (*pregelLoop, error) {
	l := &pregelLoop{
		graph:             g,
		saver:             saver,
		config:            opts.config,
		stream:            s,
		status:            StatusPending,
		phase:             inputPhasePending,
		input:             opts.input,
		recursionLimit:    opts.recursionLimit,
		isNested:          opts.isNested,
		interruptBefore:   newInterruptSpec(opts.interruptBefore),
		interruptAfter:    newInterruptSpec(opts.interruptAfter),
		resumeValues:      make(map[string]any),
		tasksByID:         make(map[string]*PregelTask),
		onBackgroundError: opts.onBackgroundError,
	}
	if l.recursionLimit <= 0 {
		l.recursionLimit = DefaultRecursionLimit
	}
	if !l.isNested && GetNamespace(opts.config) != DefaultCheckpointNamespace {
		l.isNested = true
	}

	metadata, err := l.loadCheckpoint(ctx)
	if err != nil {
		return nil, err
	}
	ensureCheckpointMaps(l.checkpoint)

	l.channels, err = newChannels(g, l.checkpoint)
	if err != nil {
		return nil, err
	}

	l.step = metadata.Step + 1
	l.stop = l.step + l.recursionLimit + 1
	l.prevVersions = copyVersions(l.checkpoint.ChannelVersions)

	if l.saver != nil {
		l.nextVersion = l.saver.NextVersion
		l.persistQ = make(chan persistJob, 16)
		l.persistWG.Add(1)
		go l.persistWorker()
	} else {
		l.nextVersion = DefaultNextVersion
	}

	l.collectResumeValues()
	return l, nil
}

// loadCheckpoint loads the tuple referenced by the config, migrating old
// schemas, or synthesizes a fresh empty checkpoint.
func (l *pregelLoop) loadCheckpoint(ctx context.Context) (*CheckpointMetadata, error) {
	if l.saver != nil {
		tuple, err := l.saver.GetTuple(ctx, l.config)
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if tuple != nil {
			l.checkpoint = tuple.Checkpoint
			l.checkpointConfig = tuple.Config
			l.parentConfig = tuple.ParentConfig
			l.pendingWrites = append(l.pendingWrites, tuple.PendingWrites...)
			if l.checkpoint.V < CheckpointVersion && tuple.ParentConfig != nil {
				parent, err := l.saver.GetTuple(ctx, tuple.ParentConfig)
				if err != nil {
					return nil, fmt.Errorf("load parent checkpoint: %w", err)
				}
				if parent != nil {
					MigratePendingSends(l.checkpoint, parent.PendingWrites)
				}
			}
			MigratePendingSends(l.checkpoint, nil)
			if tuple.Metadata != nil {
				return tuple.Metadata, nil
			}
			return NewCheckpointMetadata(SourceLoop, -1), nil
		}
	}
	l.checkpoint = NewCheckpoint(nil, nil, nil)
	l.checkpointConfig = l.config
	return NewCheckpointMetadata(SourceInput, -2), nil
}

// collectResumeValues gathers resume data from the config and from a
// Command input.
func (l *pregelLoop) collectResumeValues() {
	for k, v := range GetResumeMap(l.config) {
		l.resumeValues[k] = v
	}
	if cmd, ok := l.input.(*Command); ok {
		for k, v := range cmd.ResumeMap {
			l.resumeValues[k] = v
		}
		if cmd.Resume != nil {
			l.resumeValues[resumeDefaultKey] = cmd.Resume
		}
	}
}

// Tick advances the loop by one superstep. It reports whether more
// iterations are needed. A GraphInterrupt error is returned only when the
// loop is nested, so the outer loop can surface it.
func (l *pregelLoop) Tick(ctx context.Context) (bool, error) {
	if l.status != StatusPending {
		return false, ErrLoopNotPending
	}

	if l.phase == inputPhasePending {
		if err := l.firstTick(ctx); err != nil {
			return false, err
		}
	}

	if len(l.tasks) > 0 {
		if !l.allTasksComplete() {
			// Wait for more writes to arrive via PutWrites.
			return false, nil
		}
		if err := l.commitSuperstep(ctx); err != nil {
			return false, err
		}
		if l.status != StatusPending {
			return false, l.maybeNestedInterrupt()
		}
	}

	if l.step > l.stop {
		l.status = StatusOutOfSteps
		return false, nil
	}

	tasks, err := prepareNextTasks(l.checkpoint, l.graph, l.channels, true)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		l.status = StatusDone
		return false, nil
	}
	l.setTasks(tasks)

	if l.reattachPendingWrites() && l.allTasksComplete() {
		return l.Tick(ctx)
	}

	if shouldInterrupt(l.checkpoint, l.interruptBefore, l.tasks) {
		l.status = StatusInterruptBefore
		acknowledgeInterrupts(l.checkpoint)
		return false, l.maybeNestedInterrupt()
	}

	for _, task := range l.tasks {
		l.stream.emit(ctx, StreamModeDebug, &TaskDebugEvent{
			TaskID:   task.ID,
			Name:     task.Name,
			Step:     l.step,
			Triggers: task.Triggers,
			Input:    task.Input,
		})
	}
	return true, nil
}

// firstTick consumes the run input: either acknowledge a resume or map the
// external input into channel writes.
func (l *pregelLoop) firstTick(ctx context.Context) error {
	resuming := l.isResuming()
	if resuming {
		acknowledgeInterrupts(l.checkpoint)
		l.phase = inputPhaseResuming
		return nil
	}

	inputWrites := l.mapInput()
	if len(inputWrites) == 0 {
		return ErrEmptyInput
	}

	// Discard tasks in flight from the prior state: their trigger versions
	// are consumed so they do not fire on top of the fresh input.
	discarded, err := prepareNextTasks(l.checkpoint, l.graph, l.channels, false)
	if err != nil {
		return err
	}
	for _, task := range discarded {
		seen := l.checkpoint.VersionsSeen[task.Name]
		if seen == nil {
			seen = make(map[string]any)
			l.checkpoint.VersionsSeen[task.Name] = seen
		}
		for _, trigger := range task.Triggers {
			if version, ok := l.checkpoint.ChannelVersions[trigger]; ok {
				seen[trigger] = version
			}
		}
	}

	inputTask := &PregelTask{Name: InputTaskName, Writes: inputWrites}
	if _, err := applyWrites(l.checkpoint, l.channels, []*PregelTask{inputTask}, l.nextVersion); err != nil {
		return err
	}
	l.persistCheckpoint(ctx, SourceInput, nil, nil)
	l.step++
	l.phase = inputPhaseDone
	l.emitValues(ctx)
	return nil
}

// isResuming computes whether this run resumes prior state rather than
// consuming fresh input.
func (l *pregelLoop) isResuming() bool {
	hasState := len(l.checkpoint.ChannelVersions) > 0
	if l.input == nil {
		return true
	}
	if cmd, ok := l.input.(*Command); ok && cmd.IsResume() && len(cmd.Update) == 0 && cmd.GoTo == "" {
		return true
	}
	return hasState && IsResuming(l.config)
}

// mapInput maps the external input through the graph's input channels.
func (l *pregelLoop) mapInput() []PendingWrite {
	var state State
	var goTo string
	switch input := l.input.(type) {
	case State:
		state = input
	case map[string]any:
		state = State(input)
	case *Command:
		state = input.Update
		goTo = input.GoTo
	default:
		return nil
	}
	allowed := make(map[string]bool)
	for _, name := range l.graph.InputChannels() {
		allowed[name] = true
	}
	var writes []PendingWrite
	for _, key := range sortedKeys(state) {
		if !allowed[key] {
			continue
		}
		writes = append(writes, PendingWrite{TaskID: InputTaskName, Channel: key, Value: state[key]})
	}
	if goTo != "" {
		writes = append(writes, PendingWrite{
			TaskID:  InputTaskName,
			Channel: ChannelTriggerPrefix + goTo,
			Value:   goTo,
		})
	}
	return writes
}

// commitSuperstep applies the completed tasks' writes, emits output events,
// persists the checkpoint and evaluates interrupt-after predicates.
func (l *pregelLoop) commitSuperstep(ctx context.Context) error {
	updated, err := applyWrites(l.checkpoint, l.channels, l.tasks, l.nextVersion)
	if err != nil {
		return err
	}

	updates := make(map[string]State, len(l.tasks))
	for _, task := range l.tasks {
		writes := make(State)
		for _, w := range task.Writes {
			if isBookkeepingChannel(w.Channel) {
				continue
			}
			writes[w.Channel] = w.Value
		}
		updates[task.Name] = writes
		l.stream.emit(ctx, StreamModeDebug, &TaskResultDebugEvent{
			TaskID: task.ID,
			Name:   task.Name,
			Step:   l.step,
			Writes: task.Writes,
		})
	}
	l.stream.emit(ctx, StreamModeUpdates, updates)
	l.emitValues(ctx)

	tasks := l.tasks
	l.setTasks(nil)
	l.pendingWrites = nil

	meta := map[string]any{MetaKeyWrites: updates}
	l.persistCheckpoint(ctx, SourceLoop, meta, updated)
	l.step++

	if shouldInterrupt(l.checkpoint, l.interruptAfter, tasks) {
		l.status = StatusInterruptAfter
		acknowledgeInterrupts(l.checkpoint)
	}
	return nil
}

// allTasksComplete reports whether every current task finished: either its
// runner marked it done or persisted writes were re-attached to it.
func (l *pregelLoop) allTasksComplete() bool {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for _, task := range l.tasks {
		if !task.done {
			return false
		}
	}
	return true
}

// setTasks replaces the current task set.
func (l *pregelLoop) setTasks(tasks []*PregelTask) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.tasks = tasks
	l.tasksByID = make(map[string]*PregelTask, len(tasks))
	for _, task := range tasks {
		l.tasksByID[task.ID] = task
	}
	l.interrupts = nil
}

// reattachPendingWrites re-attaches persisted writes to the tasks that
// produced them, matching on deterministic task id. Error and interrupt
// records are skipped: errored tasks re-run on resume, interrupted tasks
// must reach their interrupt call again.
func (l *pregelLoop) reattachPendingWrites() bool {
	if len(l.pendingWrites) == 0 {
		return false
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	attached := false
	for _, w := range l.pendingWrites {
		if w.Channel == ErrorChannel || w.Channel == InterruptChannel {
			continue
		}
		task, ok := l.tasksByID[w.TaskID]
		if !ok {
			continue
		}
		task.Writes = append(task.Writes, w)
		task.done = true
		attached = true
	}
	return attached
}

// PutWrites records the writes produced by a task. Called by the task
// runner; writes within a task preserve caller order. When a saver is
// attached the writes are persisted asynchronously against the current
// checkpoint.
func (l *pregelLoop) PutWrites(ctx context.Context, taskID string, writes []PendingWrite) {
	l.writeMu.Lock()
	if task, ok := l.tasksByID[taskID]; ok {
		task.Writes = append(task.Writes, writes...)
	}
	l.pendingWrites = append(l.pendingWrites, writes...)
	l.writeMu.Unlock()

	if l.saver == nil {
		return
	}
	config := l.checkpointConfig
	l.enqueuePersist(func(ctx context.Context) {
		err := l.saver.PutWrites(ctx, PutWritesRequest{
			Config: config,
			Writes: writes,
			TaskID: taskID,
		})
		if err != nil {
			l.backgroundError(fmt.Errorf("persist writes: %w", err))
		}
	})
}

// markTaskDone flags a task as finished by the runner.
func (l *pregelLoop) markTaskDone(taskID string) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if task, ok := l.tasksByID[taskID]; ok {
		task.done = true
	}
}

// addInterrupt records a dynamic interrupt raised by a node.
func (l *pregelLoop) addInterrupt(gi *GraphInterrupt) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.interrupts = append(l.interrupts, gi)
}

// takeInterrupts returns and clears the dynamic interrupts of this step.
func (l *pregelLoop) takeInterrupts() []*GraphInterrupt {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	out := l.interrupts
	l.interrupts = nil
	return out
}

// resumeValue returns the resume value for an interrupt key, consuming it.
func (l *pregelLoop) resumeValue(taskID, key string) (any, bool) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for _, k := range []string{key, taskID, resumeDefaultKey} {
		if k == "" {
			continue
		}
		if v, ok := l.resumeValues[k]; ok {
			delete(l.resumeValues, k)
			return v, true
		}
	}
	return nil, false
}

// persistCheckpoint stamps the running checkpoint with a fresh id and
// enqueues it on the per-thread serial persistence queue, together with the
// delta of channel versions since the previous persist.
func (l *pregelLoop) persistCheckpoint(ctx context.Context, source string, extra map[string]any, updated []string) {
	if l.saver == nil {
		// Still rotate the id so task ids stay unique per superstep.
		l.rotateCheckpointID()
		return
	}

	l.rotateCheckpointID()

	newVersions := make(map[string]any)
	for name, version := range l.checkpoint.ChannelVersions {
		if CompareVersions(version, l.prevVersions[name]) != 0 {
			newVersions[name] = version
		}
	}
	l.prevVersions = copyVersions(l.checkpoint.ChannelVersions)

	snapshot := l.checkpoint.Copy()
	metadata := NewCheckpointMetadata(source, l.step)
	for k, v := range extra {
		metadata.Extra[k] = v
	}
	if parentID := GetCheckpointID(l.checkpointConfig); parentID != "" && parentID != snapshot.ID {
		metadata.Parents[GetNamespace(l.config)] = parentID
	}

	// Savers read the parent checkpoint id off the put config and return a
	// config referencing the new checkpoint.
	putConfig := l.checkpointConfig
	l.parentConfig = l.checkpointConfig
	l.checkpointConfig = CreateCheckpointConfig(GetThreadID(l.config), snapshot.ID, GetNamespace(l.config))

	l.stream.emit(ctx, StreamModeDebug, &CheckpointDebugEvent{
		CheckpointID: snapshot.ID,
		Source:       source,
		Step:         metadata.Step,
		Status:       string(l.status),
		Updated:      updated,
	})

	l.enqueuePersist(func(ctx context.Context) {
		if _, err := l.saver.Put(ctx, PutRequest{
			Config:      putConfig,
			Checkpoint:  snapshot,
			Metadata:    metadata,
			NewVersions: newVersions,
		}); err != nil {
			l.backgroundError(fmt.Errorf("persist checkpoint %s: %w", snapshot.ID, err))
		}
	})
}

// rotateCheckpointID gives the running checkpoint a fresh time-ordered id.
// Child ids sort strictly after their parents.
func (l *pregelLoop) rotateCheckpointID() {
	l.checkpoint.ID = NewCheckpointID()
}

// maybeNestedInterrupt converts a static interrupt stop into an error when
// the loop runs as a subgraph, so the parent loop can surface it.
func (l *pregelLoop) maybeNestedInterrupt() error {
	if !l.isNested {
		return nil
	}
	return &GraphInterrupt{
		Value: string(l.status),
		Step:  l.step,
	}
}

// emitValues emits the full output snapshot on the values stream.
func (l *pregelLoop) emitValues(ctx context.Context) {
	l.stream.emit(ctx, StreamModeValues, l.outputState())
}

// outputState reads the graph's output channels into a State.
func (l *pregelLoop) outputState() State {
	out := make(State)
	for _, name := range l.graph.OutputChannels() {
		ch, ok := l.channels[name]
		if !ok || !ch.IsAvailable() {
			continue
		}
		value, err := ch.Get()
		if err != nil {
			continue
		}
		out[name] = value
	}
	return out
}

// readChannel serves ExecutionContext.Read. With fresh true the channel's
// live value is read; otherwise the value mirrored in the checkpoint. Writes
// of the running superstep are visible to neither until it commits.
func (l *pregelLoop) readChannel(name string, fresh bool) (any, error) {
	if fresh {
		ch, ok := l.channels[name]
		if !ok {
			return nil, fmt.Errorf("unknown channel %s", name)
		}
		return ch.Get()
	}
	value, ok := l.checkpoint.ChannelValues[name]
	if !ok {
		return nil, ErrEmptyChannel
	}
	return value, nil
}

// persistWorker consumes the serial persistence queue. Failures are
// forwarded to the background error sink; the queue keeps draining so a
// failed put does not block subsequent ones.
func (l *pregelLoop) persistWorker() {
	defer l.persistWG.Done()
	for job := range l.persistQ {
		job(context.Background())
	}
}

func (l *pregelLoop) enqueuePersist(job persistJob) {
	if l.persistQ == nil {
		return
	}
	l.persistQ <- job
}

// backgroundError routes persistence failures to the configured sink.
func (l *pregelLoop) backgroundError(err error) {
	log.Warnf("background persistence error: %v", err)
	if l.onBackgroundError != nil {
		l.onBackgroundError(err)
	}
}

// Close drains the persistence queue and releases loop resources. Safe to
// call on any exit path.
func (l *pregelLoop) Close() {
	l.closeOnce.Do(func() {
		if l.persistQ != nil {
			close(l.persistQ)
			l.persistWG.Wait()
		}
	})
}

// ensureCheckpointMaps guards against checkpoints deserialized with absent
// maps.
func ensureCheckpointMaps(ckpt *Checkpoint) {
	if ckpt.ChannelValues == nil {
		ckpt.ChannelValues = make(map[string]any)
	}
	if ckpt.ChannelVersions == nil {
		ckpt.ChannelVersions = make(map[string]any)
	}
	if ckpt.VersionsSeen == nil {
		ckpt.VersionsSeen = make(map[string]map[string]any)
	}
}

func copyVersions(versions map[string]any) map[string]any {
	out := make(map[string]any, len(versions))
	for k, v := range versions {
		out[k] = v
	}
	return out
}

func sortedKeys(s State) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
