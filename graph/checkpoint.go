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
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// CheckpointVersion is the current version of the checkpoint format.
	// Checkpoints with a lower version are migrated on load.
	CheckpointVersion = 4

	// DefaultCheckpointNamespace is the default namespace for checkpoints.
	DefaultCheckpointNamespace = ""
	// DefaultMaxCheckpointsPerThread is the default maximum number of checkpoints per thread.
	DefaultMaxCheckpointsPerThread = 100
)

// Checkpoint represents a snapshot of graph state at a specific point in time.
//
// IDs are UUIDv7, so lexicographic order of IDs is chronological order and a
// child checkpoint always sorts after its parent.
type Checkpoint struct {
	// V is the version of the checkpoint format.
	V int `json:"v"`
	// ID is the unique identifier for this checkpoint.
	ID string `json:"id"`
	// Timestamp is when the checkpoint was created.
	Timestamp time.Time `json:"ts"`
	// ChannelValues contains the values of channels at checkpoint time.
	ChannelValues map[string]any `json:"channel_values"`
	// ChannelVersions contains the versions of channels at checkpoint time.
	// Version tokens are opaque: integers by default, strings for backends
	// that order lexicographically. They only ever increase.
	ChannelVersions map[string]any `json:"channel_versions"`
	// VersionsSeen tracks which channel versions each node has observed on
	// its trigger channels. The pseudo-node "__interrupt__" records the
	// versions acknowledged by interrupt handling.
	VersionsSeen map[string]map[string]any `json:"versions_seen"`
}

// CheckpointMetadata contains metadata about a checkpoint.
type CheckpointMetadata struct {
	// Source indicates how the checkpoint was created: input, loop or fork.
	Source string `json:"source"`
	// Step is the step number the checkpoint was taken at (-1 for the input
	// checkpoint of a thread's first run, 0+ for loop steps).
	Step int `json:"step"`
	// Parents maps checkpoint namespaces to parent checkpoint IDs.
	Parents map[string]string `json:"parents"`
	// Extra contains additional metadata fields.
	Extra map[string]any `json:"extra,omitempty"`
}

// CheckpointTuple wraps a checkpoint with its configuration and metadata.
type CheckpointTuple struct {
	// Config contains the configuration referencing this checkpoint.
	Config map[string]any `json:"config"`
	// Checkpoint is the actual checkpoint data.
	Checkpoint *Checkpoint `json:"checkpoint"`
	// Metadata contains additional checkpoint information.
	Metadata *CheckpointMetadata `json:"metadata"`
	// ParentConfig is the configuration of the parent checkpoint.
	ParentConfig map[string]any `json:"parent_config,omitempty"`
	// PendingWrites contains writes produced against this checkpoint by
	// tasks that have not committed yet.
	PendingWrites []PendingWrite `json:"pending_writes,omitempty"`
}

// PendingWrite represents a write operation that hasn't been committed.
// Writes are persisted out-of-band so partially completed supersteps survive
// a crash.
type PendingWrite struct {
	// TaskID is the ID of the task that created this write.
	TaskID string `json:"task_id"`
	// Channel is the channel being written to.
	Channel string `json:"channel"`
	// Value is the value being written.
	Value any `json:"value"`
}

// PutRequest contains all data needed to store a checkpoint.
type PutRequest struct {
	Config     map[string]any
	Checkpoint *Checkpoint
	Metadata   *CheckpointMetadata
	// NewVersions carries only the channel versions that changed since the
	// parent checkpoint, for backends that store sparse deltas.
	NewVersions map[string]any
}

// PutWritesRequest contains all data needed to store writes.
type PutWritesRequest struct {
	Config map[string]any
	Writes []PendingWrite
	TaskID string
}

// CheckpointSaver defines the interface for checkpoint storage implementations.
type CheckpointSaver interface {
	// Get retrieves a checkpoint by configuration.
	Get(ctx context.Context, config map[string]any) (*Checkpoint, error)
	// GetTuple retrieves a checkpoint tuple by configuration. When the
	// config carries no checkpoint_id, the latest checkpoint under the
	// thread and namespace is returned. A nil tuple means none exists.
	GetTuple(ctx context.Context, config map[string]any) (*CheckpointTuple, error)
	// List retrieves checkpoint tuples newest-first, filtered by criteria.
	List(ctx context.Context, config map[string]any, filter *CheckpointFilter) ([]*CheckpointTuple, error)
	// Put stores a checkpoint and returns a config referencing it. The
	// checkpoint must be durable before a subsequent GetTuple observes it.
	Put(ctx context.Context, req PutRequest) (map[string]any, error)
	// PutWrites stores intermediate writes linked to a checkpoint.
	// It is idempotent per (task id, write index).
	PutWrites(ctx context.Context, req PutWritesRequest) error
	// DeleteThread removes all checkpoints and writes for a thread.
	DeleteThread(ctx context.Context, threadID string) error
	// NextVersion produces a version token strictly greater than current.
	// current is nil for a channel's first version.
	NextVersion(current any, channel string) any
	// Close releases resources held by the saver.
	Close() error
}

// CheckpointFilter defines filtering criteria for listing checkpoints.
type CheckpointFilter struct {
	// Before limits results to checkpoints created before this config.
	Before map[string]any `json:"before,omitempty"`
	// Limit is the maximum number of checkpoints to return.
	Limit int `json:"limit,omitempty"`
	// Metadata filters checkpoints by metadata fields.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewCheckpointFilter creates a new checkpoint filter.
func NewCheckpointFilter() *CheckpointFilter {
	return &CheckpointFilter{Metadata: make(map[string]any)}
}

// WithBefore sets the before filter.
func (f *CheckpointFilter) WithBefore(before map[string]any) *CheckpointFilter {
	f.Before = before
	return f
}

// WithLimit sets the limit.
func (f *CheckpointFilter) WithLimit(limit int) *CheckpointFilter {
	f.Limit = limit
	return f
}

// WithMetadata sets a metadata filter.
func (f *CheckpointFilter) WithMetadata(key string, value any) *CheckpointFilter {
	if f.Metadata == nil {
		f.Metadata = make(map[string]any)
	}
	f.Metadata[key] = value
	return f
}

// NewCheckpointID returns a fresh time-ordered checkpoint id.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than panic inside the loop.
		return uuid.NewString()
	}
	return id.String()
}

// NewCheckpoint creates a new checkpoint with the given data.
func NewCheckpoint(channelValues map[string]any, channelVersions map[string]any, versionsSeen map[string]map[string]any) *Checkpoint {
	if channelValues == nil {
		channelValues = make(map[string]any)
	}
	if channelVersions == nil {
		channelVersions = make(map[string]any)
	}
	if versionsSeen == nil {
		versionsSeen = make(map[string]map[string]any)
	}
	return &Checkpoint{
		V:               CheckpointVersion,
		ID:              NewCheckpointID(),
		Timestamp:       time.Now().UTC(),
		ChannelValues:   channelValues,
		ChannelVersions: channelVersions,
		VersionsSeen:    versionsSeen,
	}
}

// NewCheckpointMetadata creates new checkpoint metadata.
func NewCheckpointMetadata(source string, step int) *CheckpointMetadata {
	return &CheckpointMetadata{
		Source:  source,
		Step:    step,
		Parents: make(map[string]string),
		Extra:   make(map[string]any),
	}
}

// Copy creates a deep copy of the checkpoint, keeping the same id.
func (c *Checkpoint) Copy() *Checkpoint {
	if c == nil {
		return nil
	}
	versionsSeen := make(map[string]map[string]any, len(c.VersionsSeen))
	for k, v := range c.VersionsSeen {
		versionsSeen[k] = deepCopyMap(v)
	}
	return &Checkpoint{
		V:               c.V,
		ID:              c.ID,
		Timestamp:       c.Timestamp,
		ChannelValues:   deepCopyMap(c.ChannelValues),
		ChannelVersions: deepCopyMap(c.ChannelVersions),
		VersionsSeen:    versionsSeen,
	}
}

// Fork creates a deep copy of the checkpoint under a fresh id, so the copy
// can be persisted as an alternative branch of the same thread.
func (c *Checkpoint) Fork() *Checkpoint {
	next := c.Copy()
	next.ID = NewCheckpointID()
	next.Timestamp = time.Now().UTC()
	return next
}

// CheckpointConfig provides a structured way to build checkpoint configuration.
type CheckpointConfig struct {
	// ThreadID is the unique identifier for the conversation thread.
	ThreadID string
	// CheckpointID is the specific checkpoint to retrieve.
	CheckpointID string
	// Namespace is the checkpoint namespace.
	Namespace string
	// ResumeMap maps interrupt keys to resume values.
	ResumeMap map[string]any
	// Extra contains additional configuration fields.
	Extra map[string]any
}

// NewCheckpointConfig creates a new checkpoint configuration.
func NewCheckpointConfig(threadID string) *CheckpointConfig {
	return &CheckpointConfig{
		ThreadID:  threadID,
		Namespace: DefaultCheckpointNamespace,
	}
}

// WithCheckpointID sets the checkpoint ID.
func (c *CheckpointConfig) WithCheckpointID(checkpointID string) *CheckpointConfig {
	c.CheckpointID = checkpointID
	return c
}

// WithNamespace sets the namespace.
func (c *CheckpointConfig) WithNamespace(namespace string) *CheckpointConfig {
	c.Namespace = namespace
	return c
}

// WithResumeMap sets the resume map.
func (c *CheckpointConfig) WithResumeMap(resumeMap map[string]any) *CheckpointConfig {
	c.ResumeMap = resumeMap
	return c
}

// WithExtra sets additional configuration.
func (c *CheckpointConfig) WithExtra(key string, value any) *CheckpointConfig {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = value
	return c
}

// ToMap converts the config to the map shape consumed by savers and the loop.
func (c *CheckpointConfig) ToMap() map[string]any {
	configurable := map[string]any{
		CfgKeyThreadID: c.ThreadID,
	}
	if c.CheckpointID != "" {
		configurable[CfgKeyCheckpointID] = c.CheckpointID
	}
	if c.Namespace != "" {
		configurable[CfgKeyCheckpointNS] = c.Namespace
	}
	if len(c.ResumeMap) > 0 {
		configurable[CfgKeyResumeMap] = c.ResumeMap
	}
	config := map[string]any{CfgKeyConfigurable: configurable}
	for k, v := range c.Extra {
		config[k] = v
	}
	return config
}

// CreateCheckpointConfig creates a checkpoint configuration map.
func CreateCheckpointConfig(threadID, checkpointID, namespace string) map[string]any {
	cfg := NewCheckpointConfig(threadID)
	if checkpointID != "" {
		cfg.WithCheckpointID(checkpointID)
	}
	if namespace != "" {
		cfg.WithNamespace(namespace)
	}
	return cfg.ToMap()
}

// GetThreadID extracts thread ID from configuration.
func GetThreadID(config map[string]any) string {
	return configurableString(config, CfgKeyThreadID)
}

// GetCheckpointID extracts checkpoint ID from configuration.
func GetCheckpointID(config map[string]any) string {
	return configurableString(config, CfgKeyCheckpointID)
}

// GetNamespace extracts namespace from configuration.
func GetNamespace(config map[string]any) string {
	if config == nil {
		return DefaultCheckpointNamespace
	}
	return configurableString(config, CfgKeyCheckpointNS)
}

// GetResumeMap extracts the resume map from configuration.
func GetResumeMap(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if resumeMap, ok := configurable[CfgKeyResumeMap].(map[string]any); ok {
			return resumeMap
		}
	}
	return nil
}

// IsResuming reports whether the config carries the resuming flag.
func IsResuming(config map[string]any) bool {
	if config == nil {
		return false
	}
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if resuming, ok := configurable[CfgKeyResuming].(bool); ok {
			return resuming
		}
	}
	return false
}

func configurableString(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	if configurable, ok := config[CfgKeyConfigurable].(map[string]any); ok {
		if s, ok := configurable[key].(string); ok {
			return s
		}
	}
	return ""
}

// DefaultNextVersion is the version function used when a saver does not need
// a backend-specific token shape: integer increment starting at 1.
func DefaultNextVersion(current any, _ string) any {
	if current == nil {
		return int64(1)
	}
	if n, ok := versionNumber(current); ok {
		return int64(n) + 1
	}
	// Non-numeric token from another backend: numbering restarts at 1, which
	// is not ordered above that token.
	return int64(1)
}

// CompareVersions orders two version tokens. Numeric tokens compare
// numerically (JSON decoding may turn them into float64), string tokens
// lexicographically. A nil token sorts before everything.
func CompareVersions(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	an, aok := versionNumber(a)
	bn, bok := versionNumber(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func versionNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// MaxVersion returns the greatest version token in versions, or nil when the
// map is empty.
func MaxVersion(versions map[string]any) any {
	var max any
	for _, v := range versions {
		if max == nil || CompareVersions(v, max) > 0 {
			max = v
		}
	}
	return max
}

// MigratePendingSends upgrades a pre-v4 checkpoint in place. Old schemas
// stored ad-hoc sends as writes to the TasksChannel of the parent
// checkpoint; the loader collects them, reverses them (the old wire format
// stacked sends), and injects them into the checkpoint's channel values.
func MigratePendingSends(ckpt *Checkpoint, parentWrites []PendingWrite) {
	if ckpt == nil || ckpt.V >= CheckpointVersion {
		return
	}
	var sends []any
	for _, w := range parentWrites {
		if w.Channel == TasksChannel {
			sends = append(sends, w.Value)
		}
	}
	ckpt.V = CheckpointVersion
	if len(sends) == 0 {
		return
	}
	// Sends were stacked in the old format; restore queue order.
	for i, j := 0, len(sends)-1; i < j; i, j = i+1, j-1 {
		sends[i], sends[j] = sends[j], sends[i]
	}
	if ckpt.ChannelValues == nil {
		ckpt.ChannelValues = make(map[string]any)
	}
	if ckpt.ChannelVersions == nil {
		ckpt.ChannelVersions = make(map[string]any)
	}
	ckpt.ChannelValues[TasksChannel] = sends
	ckpt.ChannelVersions[TasksChannel] = DefaultNextVersion(MaxVersion(ckpt.ChannelVersions), TasksChannel)
}

// deepCopy performs a deep copy using JSON marshaling/unmarshaling for safety.
func deepCopy(src any) any {
	if src == nil {
		return nil
	}
	data, err := json.Marshal(src)
	if err != nil {
		return src
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return src
	}
	return result
}

// deepCopyMap performs a deep copy of a map[string]any.
func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	result := deepCopy(src)
	if mapResult, ok := result.(map[string]any); ok {
		return mapResult
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopy(v)
	}
	return dst
}
