//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

package graph

// Config map keys (used under config["configurable"])
const (
	CfgKeyConfigurable = "configurable"
	CfgKeyThreadID     = "thread_id"
	CfgKeyCheckpointID = "checkpoint_id"
	CfgKeyCheckpointNS = "checkpoint_ns"
	CfgKeyResumeMap    = "resume_map"
	CfgKeyResuming     = "resuming"
)

// Reserved channel names. Nodes must not declare channels with these names.
const (
	// InterruptChannel carries values raised by dynamic interrupts.
	InterruptChannel = "__interrupt__"
	// ResumeChannel is a reserved bookkeeping channel. Resume values from
	// commands and the config's resume map are routed by the loop, not
	// written to it.
	ResumeChannel = "__resume__"
	// ErrorChannel records user node errors. Writes to it are never
	// re-applied on resume.
	ErrorChannel = "__error__"
	// TasksChannel held ad-hoc sends in checkpoint schemas before v4.
	// It only appears in migrated checkpoints.
	TasksChannel = "__pregel_tasks"
)

// InterruptSeen is the pseudo-node under which the loop records the channel
// versions acknowledged by interrupt handling in Checkpoint.VersionsSeen.
const InterruptSeen = InterruptChannel

// InputTaskName is the pseudo-task that carries the mapped external input
// into the channels at the start of a run.
const InputTaskName = "__input__"

// InterruptAll is the wildcard accepted by interrupt-before/after options.
const InterruptAll = "*"

// Channel naming conventions used by the graph builder.
const (
	// ChannelTriggerPrefix prefixes the implicit trigger channel created
	// for every node. Command.GoTo writes to these channels.
	ChannelTriggerPrefix = "trigger:"
)

// Checkpoint Metadata.Source enumeration values
const (
	SourceInput = "input"
	SourceLoop  = "loop"
	SourceFork  = "fork"
)

// Metadata keys stored in CheckpointMetadata.Extra.
const (
	MetaKeyWrites = "writes"
	MetaKeyStatus = "status"
)
