//
// Tencent is pleased to support the open source community by making graphrun available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// graphrun is licensed under the Apache License Version 2.0.
//
//

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastValueUpdateAndGet(t *testing.T) {
	c := NewLastValue("value", nil)

	assert.False(t, c.IsAvailable())
	_, err := c.Get()
	assert.ErrorIs(t, err, ErrEmpty)

	changed, err := c.Update([]any{"hello"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.IsAvailable())

	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestLastValueRejectsMultipleUpdates(t *testing.T) {
	c := NewLastValue("value", nil)
	_, err := c.Update([]any{1, 2})
	require.Error(t, err)
	assert.True(t, IsInvalidUpdate(err))
}

func TestLastValueEmptyBatchIsNoop(t *testing.T) {
	c := NewLastValue("value", nil)
	changed, err := c.Update(nil)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, c.IsAvailable())
}

func TestLastValueFalsyValuesAreValid(t *testing.T) {
	for _, v := range []any{0, "", false, nil} {
		c := NewLastValue("value", nil)
		changed, err := c.Update([]any{v})
		require.NoError(t, err)
		assert.True(t, changed)
		assert.True(t, c.IsAvailable())
		got, err := c.Get()
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestLastValueDefaultFactory(t *testing.T) {
	c := NewLastValue("value", func() any { return 42 })
	assert.True(t, c.IsAvailable())
	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, got)

	restored, err := c.FromCheckpoint(nil)
	require.NoError(t, err)
	got, err = restored.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestAnyValueKeepsFinalValue(t *testing.T) {
	c := NewAnyValue("value")
	changed, err := c.Update([]any{1, 2, 3})
	require.NoError(t, err)
	assert.True(t, changed)
	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestTopicAccumulatesWithinStep(t *testing.T) {
	c := NewTopic("topic", false, false)

	changed, err := c.Update([]any{"a", "b"})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)

	// Next superstep without accumulate resets the topic.
	changed, err = c.Update([]any{"c"})
	require.NoError(t, err)
	assert.True(t, changed)
	got, err = c.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"c"}, got)
}

func TestTopicAccumulateRetainsAcrossSteps(t *testing.T) {
	c := NewTopic("topic", false, true)

	_, err := c.Update([]any{"a"})
	require.NoError(t, err)
	_, err = c.Update([]any{"b"})
	require.NoError(t, err)

	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)

	// Empty batches leave accumulating topics unchanged.
	changed, err := c.Update(nil)
	require.NoError(t, err)
	assert.False(t, changed)
	got, err = c.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)
}

func TestTopicUniqueDeduplicates(t *testing.T) {
	c := NewTopic("topic", true, true)
	_, err := c.Update([]any{"a", "a", "b"})
	require.NoError(t, err)
	_, err = c.Update([]any{"b", "c"})
	require.NoError(t, err)

	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, got)
}

func TestTopicEmptyBatchClearsNonAccumulate(t *testing.T) {
	c := NewTopic("topic", false, false)
	_, err := c.Update([]any{"a"})
	require.NoError(t, err)

	changed, err := c.Update(nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, c.IsAvailable())
}

func TestEphemeralClearsOnNextStep(t *testing.T) {
	c := NewEphemeral("value")
	changed, err := c.Update([]any{"x"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.IsAvailable())

	// Empty notification for the next superstep clears the value.
	changed, err = c.Update(nil)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, c.IsAvailable())
	_, err = c.Get()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEphemeralRejectsMultipleUpdates(t *testing.T) {
	c := NewEphemeral("value")
	_, err := c.Update([]any{1, 2})
	assert.True(t, IsInvalidUpdate(err))
}

func TestBinaryOperatorFoldsUpdates(t *testing.T) {
	c := NewBinaryOperator("count",
		func(acc, next any) any { return acc.(int) + next.(int) },
		func() any { return 0 },
	)

	got, err := c.Get()
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	_, err = c.Update([]any{1, 2, 3})
	require.NoError(t, err)
	got, err = c.Get()
	require.NoError(t, err)
	assert.Equal(t, 6, got)

	_, err = c.Update([]any{4})
	require.NoError(t, err)
	got, err = c.Get()
	require.NoError(t, err)
	assert.Equal(t, 10, got)
}

func TestUntrackedSkipsCheckpoint(t *testing.T) {
	c := NewUntracked("scratch", func() any { return "initial" })
	_, err := c.Update([]any{"written"})
	require.NoError(t, err)

	_, err = c.Checkpoint()
	assert.ErrorIs(t, err, ErrSkipCheckpoint)

	restored, err := c.FromCheckpoint("written")
	require.NoError(t, err)
	got, err := restored.Get()
	require.NoError(t, err)
	assert.Equal(t, "initial", got)
}

func TestCheckpointRoundTrip(t *testing.T) {
	c := NewLastValue("value", nil)
	_, err := c.Update([]any{map[string]any{"k": "v"}})
	require.NoError(t, err)

	snapshot, err := c.Checkpoint()
	require.NoError(t, err)

	restored, err := c.FromCheckpoint(snapshot)
	require.NoError(t, err)
	got, err := restored.Get()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, got)
}

func TestTopicCheckpointRoundTrip(t *testing.T) {
	c := NewTopic("topic", false, true)
	_, err := c.Update([]any{"a", "b"})
	require.NoError(t, err)

	snapshot, err := c.Checkpoint()
	require.NoError(t, err)

	restored, err := c.FromCheckpoint(snapshot)
	require.NoError(t, err)
	got, err := restored.Get()
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, got)
}
