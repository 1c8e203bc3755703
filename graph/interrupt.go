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
	"errors"
	"fmt"
	"time"
)

// GraphInterrupt represents a suspension of graph execution that can be
// resumed. Inside a nested subgraph it propagates as an error so the outer
// loop can surface it; the root loop converts it into a graceful stop.
type GraphInterrupt struct {
	// Value is the value that was passed to interrupt().
	Value any
	// Key is the interrupt key used to route resume values.
	Key string
	// NodeName is the node where the interrupt occurred, empty for static
	// interrupts.
	NodeName string
	// TaskID is the ID of the interrupted task.
	TaskID string
	// Step is the step number when the interrupt occurred.
	Step int
	// Timestamp is when the interrupt occurred.
	Timestamp time.Time
}

// Error returns the error message for the interrupt.
func (g *GraphInterrupt) Error() string {
	return fmt.Sprintf("graph interrupted at node %s (step %d): %v", g.NodeName, g.Step, g.Value)
}

// IsInterrupt checks if an error is a GraphInterrupt.
func IsInterrupt(err error) bool {
	var gi *GraphInterrupt
	return errors.As(err, &gi)
}

// GetInterrupt extracts a GraphInterrupt from an error.
func GetInterrupt(err error) (*GraphInterrupt, bool) {
	var gi *GraphInterrupt
	if errors.As(err, &gi) {
		return gi, true
	}
	return nil, false
}

// interruptSpec is the compiled form of an interrupt-before/after option.
type interruptSpec struct {
	all   bool
	nodes map[string]bool
}

func newInterruptSpec(nodes []string) interruptSpec {
	spec := interruptSpec{nodes: make(map[string]bool, len(nodes))}
	for _, n := range nodes {
		if n == InterruptAll {
			spec.all = true
			continue
		}
		spec.nodes[n] = true
	}
	return spec
}

func (s interruptSpec) empty() bool {
	return !s.all && len(s.nodes) == 0
}

// shouldInterrupt reports whether the spec triggers for the given tasks: the
// spec names a firing task (or is the wildcard) and that task's trigger
// channels carry writes newer than the versions acknowledged under the
// interrupt pseudo-node.
func shouldInterrupt(ckpt *Checkpoint, spec interruptSpec, tasks []*PregelTask) bool {
	if spec.empty() {
		return false
	}
	seen := ckpt.VersionsSeen[InterruptSeen]
	for _, task := range tasks {
		if !spec.all && !spec.nodes[task.Name] {
			continue
		}
		for _, trigger := range task.Triggers {
			version, ok := ckpt.ChannelVersions[trigger]
			if !ok {
				continue
			}
			if CompareVersions(version, seen[trigger]) > 0 {
				return true
			}
		}
	}
	return false
}

// acknowledgeInterrupts copies the current channel versions into the
// interrupt pseudo-node so already-surfaced interrupts do not fire again on
// resume.
func acknowledgeInterrupts(ckpt *Checkpoint) {
	seen := make(map[string]any, len(ckpt.ChannelVersions))
	for name, version := range ckpt.ChannelVersions {
		seen[name] = version
	}
	ckpt.VersionsSeen[InterruptSeen] = seen
}
