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
	"fmt"

	"trpc.group/trpc-go/graphrun/graph/internal/channel"
)

// NextVersionFunc produces the next version token for a channel. It is
// sourced from the checkpoint saver so backends can choose token shapes.
type NextVersionFunc func(current any, channel string) any

// applyWrites commits one superstep's writes into the channels and the
// checkpoint.
//
// For each firing task the versions seen on its trigger channels are advanced
// to the current versions. Writes are then grouped per channel preserving
// task emission order and applied as a single batch per channel; channels
// that report mutation get a new version and their snapshot mirrored into
// the checkpoint's channel values. Channels that received no writes are
// notified with an empty batch so single-step values expire.
//
// It returns the names of channels whose version was bumped. A channel
// rejecting its batch aborts the superstep.
func applyWrites(
	ckpt *Checkpoint,
	channels map[string]channel.Channel,
	writers []*PregelTask,
	nextVersion NextVersionFunc,
) ([]string, error) {
	// Acknowledge trigger versions for every firing task.
	for _, task := range writers {
		if task.Name == InputTaskName {
			continue
		}
		seen := ckpt.VersionsSeen[task.Name]
		if seen == nil {
			seen = make(map[string]any)
			ckpt.VersionsSeen[task.Name] = seen
		}
		for _, trigger := range task.Triggers {
			if version, ok := ckpt.ChannelVersions[trigger]; ok {
				seen[trigger] = version
			}
		}
	}

	// Group writes per channel, preserving task emission order.
	grouped := make(map[string][]any)
	var order []string
	for _, task := range writers {
		for _, w := range task.Writes {
			if isBookkeepingChannel(w.Channel) {
				continue
			}
			if _, seen := grouped[w.Channel]; !seen {
				order = append(order, w.Channel)
			}
			grouped[w.Channel] = append(grouped[w.Channel], w.Value)
		}
	}

	var updated []string
	for _, name := range order {
		ch, ok := channels[name]
		if !ok {
			return nil, fmt.Errorf("write to undeclared channel %s", name)
		}
		changed, err := ch.Update(grouped[name])
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		bumpChannel(ckpt, name, ch, nextVersion)
		updated = append(updated, name)
	}

	// Notify channels that received no writes this superstep.
	for name, ch := range channels {
		if _, wrote := grouped[name]; wrote {
			continue
		}
		changed, err := ch.Update(nil)
		if err != nil {
			return nil, err
		}
		if changed {
			bumpChannel(ckpt, name, ch, nextVersion)
		}
	}
	return updated, nil
}

// bumpChannel assigns the channel's next version and mirrors its snapshot
// into the checkpoint.
func bumpChannel(ckpt *Checkpoint, name string, ch channel.Channel, nextVersion NextVersionFunc) {
	ckpt.ChannelVersions[name] = nextVersion(ckpt.ChannelVersions[name], name)
	snapshot, err := ch.Checkpoint()
	if err != nil {
		// Untracked channels opt out of persistence; empty channels have
		// nothing to mirror.
		delete(ckpt.ChannelValues, name)
		return
	}
	ckpt.ChannelValues[name] = snapshot
}

// isBookkeepingChannel reports whether writes to the channel are control
// records rather than graph state.
func isBookkeepingChannel(name string) bool {
	switch name {
	case ErrorChannel, InterruptChannel, ResumeChannel:
		return true
	default:
		return false
	}
}
