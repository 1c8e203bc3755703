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

	"trpc.group/trpc-go/graphrun/graph/internal/channel"
)

// Errors.
var (
	// ErrThreadIDRequired is returned when a config lacks a thread id.
	ErrThreadIDRequired = errors.New("thread_id is required")
	// ErrCheckpointNotFound is returned when a referenced checkpoint does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrEmptyInput is returned when input mapping produced no writes at loop start.
	ErrEmptyInput = errors.New("input mapping produced no writes")
	// ErrLoopNotPending is returned when Tick is called on a loop that
	// already reached a terminal status.
	ErrLoopNotPending = errors.New("loop is not pending")
	// ErrEmptyChannel mirrors the channel-level empty error so callers can
	// test it without importing the internal package.
	ErrEmptyChannel = channel.ErrEmpty
)

// IsInvalidUpdate reports whether err is a channel update-rule violation.
// Such errors are fatal for the superstep.
func IsInvalidUpdate(err error) bool {
	return channel.IsInvalidUpdate(err)
}
