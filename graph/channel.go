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

// ChannelBehavior selects the update/checkpoint semantics of a channel.
type ChannelBehavior int

const (
	// BehaviorLastValue stores the last value and accepts at most one
	// update per superstep.
	BehaviorLastValue ChannelBehavior = iota
	// BehaviorAnyValue stores the last value and accepts any number of
	// updates per superstep.
	BehaviorAnyValue
	// BehaviorTopic accumulates a list of values.
	BehaviorTopic
	// BehaviorEphemeral stores a value for a single superstep.
	BehaviorEphemeral
	// BehaviorBinaryOperator folds updates into a running value.
	BehaviorBinaryOperator
	// BehaviorUntracked stores a per-process value that is never
	// checkpointed.
	BehaviorUntracked
)

// String returns the behavior name.
func (b ChannelBehavior) String() string {
	switch b {
	case BehaviorLastValue:
		return "last_value"
	case BehaviorAnyValue:
		return "any_value"
	case BehaviorTopic:
		return "topic"
	case BehaviorEphemeral:
		return "ephemeral"
	case BehaviorBinaryOperator:
		return "binary_operator"
	case BehaviorUntracked:
		return "untracked"
	default:
		return fmt.Sprintf("behavior(%d)", int(b))
	}
}

// ReducerFunc folds one update into the accumulator of a binary-operator
// channel.
type ReducerFunc func(acc, next any) any

// ChannelSpec declares one cell of graph state.
type ChannelSpec struct {
	// Name is the channel name. Names starting with "__" are reserved.
	Name string
	// Behavior selects the channel variant.
	Behavior ChannelBehavior
	// Default provides the initial value for channels with a default.
	// It is called once per channel instantiation.
	Default func() any
	// Reducer is required for BehaviorBinaryOperator channels.
	Reducer ReducerFunc
	// Unique deduplicates topic values within a checkpoint.
	Unique bool
	// Accumulate retains topic values across supersteps.
	Accumulate bool
}

// newChannelFromSpec instantiates the channel variant for a spec.
func newChannelFromSpec(spec ChannelSpec) (channel.Channel, error) {
	switch spec.Behavior {
	case BehaviorLastValue:
		return channel.NewLastValue(spec.Name, spec.Default), nil
	case BehaviorAnyValue:
		return channel.NewAnyValue(spec.Name), nil
	case BehaviorTopic:
		return channel.NewTopic(spec.Name, spec.Unique, spec.Accumulate), nil
	case BehaviorEphemeral:
		return channel.NewEphemeral(spec.Name), nil
	case BehaviorBinaryOperator:
		if spec.Reducer == nil {
			return nil, fmt.Errorf("channel %s: binary operator channel requires a reducer", spec.Name)
		}
		if spec.Default == nil {
			return nil, fmt.Errorf("channel %s: binary operator channel requires a default", spec.Name)
		}
		return channel.NewBinaryOperator(spec.Name, spec.Reducer, spec.Default), nil
	case BehaviorUntracked:
		return channel.NewUntracked(spec.Name, spec.Default), nil
	default:
		return nil, fmt.Errorf("channel %s: unknown behavior %v", spec.Name, spec.Behavior)
	}
}

// newChannels materializes all channels of a graph, rehydrating each from the
// checkpoint's snapshot when one exists. Bookkeeping channels are created
// alongside the declared ones.
func newChannels(g *Graph, ckpt *Checkpoint) (map[string]channel.Channel, error) {
	channels := make(map[string]channel.Channel, len(g.channels)+4)
	for name, spec := range g.channels {
		base, err := newChannelFromSpec(spec)
		if err != nil {
			return nil, err
		}
		channels[name] = base
	}
	for _, name := range []string{InterruptChannel, ResumeChannel, ErrorChannel, TasksChannel} {
		channels[name] = channel.NewTopic(name, false, false)
	}
	if ckpt == nil {
		return channels, nil
	}
	for name, base := range channels {
		snapshot, ok := ckpt.ChannelValues[name]
		if !ok {
			snapshot = nil
		}
		restored, err := base.FromCheckpoint(snapshot)
		if err != nil {
			return nil, fmt.Errorf("restore channel %s: %w", name, err)
		}
		channels[name] = restored
	}
	return channels, nil
}
