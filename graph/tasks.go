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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"trpc.group/trpc-go/graphrun/graph/internal/channel"
)

// PregelTask is one unit of work selected for a superstep.
type PregelTask struct {
	// ID is a deterministic hash of (checkpoint id, node name, sorted
	// triggers), so identical tasks across restarts match up and
	// previously persisted writes can be re-attached on resume.
	ID string
	// Name is the node name.
	Name string
	// Triggers are the node's trigger channels, sorted.
	Triggers []string
	// Input is the node input assembled from its join channels.
	Input State
	// Writes collects the writes produced by the task, in caller order.
	Writes []PendingWrite

	// done is set when the runner finished the task or persisted writes
	// were re-attached to it.
	done bool
}

// HasWrites reports whether the task produced at least one write.
func (t *PregelTask) HasWrites() bool { return len(t.Writes) > 0 }

// taskID derives the deterministic task id. The hash input is stable across
// processes so checkpoints are interchangeable between runs.
func taskID(checkpointID, nodeName string, triggers []string) string {
	sorted := make([]string, len(triggers))
	copy(sorted, triggers)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(checkpointID))
	h.Write([]byte{0})
	h.Write([]byte(nodeName))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "|")))
	sum := h.Sum(nil)
	hexsum := hex.EncodeToString(sum[:16])
	// Render UUID-shaped for readability and key compatibility.
	return strings.Join([]string{
		hexsum[0:8], hexsum[8:12], hexsum[12:16], hexsum[16:20], hexsum[20:32],
	}, "-")
}

// prepareNextTasks determines which nodes fire for the next superstep.
//
// A node fires iff some trigger channel's version is greater than the version
// the node last saw. Fired nodes get their input assembled from their join
// channels; a missing required channel or a false When predicate skips the
// node for this step without error. Tasks are produced in deterministic
// order (node name, then triggers) so replays are reproducible.
//
// With forExecution false the discard form is produced: tasks that would run,
// without inputs, used to advance the versions seen of tasks discarded when
// fresh input arrives.
func prepareNextTasks(
	ckpt *Checkpoint,
	g *Graph,
	channels map[string]channel.Channel,
	forExecution bool,
) ([]*PregelTask, error) {
	var tasks []*PregelTask
	for _, name := range g.NodeNames() {
		node := g.nodes[name]
		if !nodeIsFresh(ckpt, node, channels) {
			continue
		}
		task := &PregelTask{
			ID:       taskID(ckpt.ID, name, node.Triggers),
			Name:     name,
			Triggers: sortedTriggers(node),
		}
		if !forExecution {
			tasks = append(tasks, task)
			continue
		}
		input, ok, err := assembleInput(node, channels)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if node.Mapper != nil {
			input = node.Mapper(input)
		}
		if node.When != nil && !node.When(input) {
			continue
		}
		task.Input = input
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// nodeIsFresh reports whether any trigger channel changed since the node
// last observed it.
func nodeIsFresh(ckpt *Checkpoint, node *Node, channels map[string]channel.Channel) bool {
	seen := ckpt.VersionsSeen[node.Name]
	for _, trigger := range node.Triggers {
		current, ok := ckpt.ChannelVersions[trigger]
		if !ok {
			continue
		}
		if ch, exists := channels[trigger]; exists && !ch.IsAvailable() {
			continue
		}
		if CompareVersions(current, seen[trigger]) > 0 {
			return true
		}
	}
	return false
}

// assembleInput reads a node's join channels. Missing optional channels
// contribute nothing; a missing required channel skips the node.
func assembleInput(node *Node, channels map[string]channel.Channel) (State, bool, error) {
	mapping := node.joinMapping()
	required := node.requiredSet()
	input := make(State, len(mapping))
	for key, name := range mapping {
		ch, ok := channels[name]
		if !ok {
			if required[name] {
				return nil, false, nil
			}
			continue
		}
		value, err := ch.Get()
		if err != nil {
			if errors.Is(err, channel.ErrEmpty) {
				if required[name] {
					return nil, false, nil
				}
				continue
			}
			return nil, false, err
		}
		input[key] = value
	}
	return input, true, nil
}

func sortedTriggers(node *Node) []string {
	triggers := make([]string, len(node.Triggers))
	copy(triggers, node.Triggers)
	sort.Strings(triggers)
	return triggers
}
