package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobType enumerates the outbound mutations the synthesis engine executes.
type JobType string

const (
	JobCreateRole        JobType = "create_role"
	JobDeleteRole        JobType = "delete_role"
	JobAssignRole        JobType = "assign_role"
	JobRemoveRole        JobType = "remove_role"
	JobCreateChannel     JobType = "create_channel"
	JobDeleteChannel     JobType = "delete_channel"
	JobUpdatePermissions JobType = "update_permissions"
)

// KnownJobType reports whether t is one of the supported job types.
func KnownJobType(t JobType) bool {
	switch t {
	case JobCreateRole, JobDeleteRole, JobAssignRole, JobRemoveRole,
		JobCreateChannel, JobDeleteChannel, JobUpdatePermissions:
		return true
	}
	return false
}

// SynthesisJob is a request to perform one outbound mutation. Payload is a
// tagged variant matching Type and is decoded by the executor. The
// IdempotencyKey is caller-supplied and stable across logical retries,
// e.g. "role:<community>:<tier>".
type SynthesisJob struct {
	Type           JobType         `json:"type"`
	GuildID        string          `json:"guildId"`
	CommunityID    string          `json:"communityId"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

// Payload variants, keyed by JobType.

// RolePayload drives create_role / delete_role / assign_role / remove_role.
type RolePayload struct {
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Color       int    `json:"color,omitempty" yaml:"color,omitempty"`
	Hoist       bool   `json:"hoist,omitempty" yaml:"hoist,omitempty"`
	Mentionable bool   `json:"mentionable,omitempty" yaml:"mentionable,omitempty"`
	RoleID      string `json:"roleId,omitempty" yaml:"roleId,omitempty"`
	UserID      string `json:"userId,omitempty" yaml:"userId,omitempty"`
}

// ChannelPayload drives create_channel / delete_channel / update_permissions.
type ChannelPayload struct {
	Name       string                `json:"name,omitempty" yaml:"name,omitempty"`
	Kind       string                `json:"kind,omitempty" yaml:"kind,omitempty"` // text | voice | category
	ParentID   string                `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	ChannelID  string                `json:"channelId,omitempty" yaml:"channelId,omitempty"`
	Topic      string                `json:"topic,omitempty" yaml:"topic,omitempty"`
	Overwrites []PermissionOverwrite `json:"overwrites,omitempty" yaml:"overwrites,omitempty"`
}

// JobState is the queue-internal lifecycle state of a job record.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether s is a terminal state.
func (s JobState) Terminal() bool { return s == JobCompleted || s == JobFailed }

// JobRecord is the durable queue-internal representation of a SynthesisJob.
// Invariants: State==JobFailed implies AttemptsMade==max attempts; a record
// in JobCompleted never transitions again.
type JobRecord struct {
	JobID        string       `json:"jobId"`
	Job          SynthesisJob `json:"job"`
	Priority     int          `json:"priority"`
	State        JobState     `json:"state"`
	AttemptsMade int          `json:"attemptsMade"`
	NotBefore    time.Time    `json:"notBefore"`
	CreatedAt    time.Time    `json:"createdAt"`
	ProcessedAt  *time.Time   `json:"processedAt,omitempty"`
	FinishedAt   *time.Time   `json:"finishedAt,omitempty"`
	FailedReason string       `json:"failedReason,omitempty"`
}

// EnqueueOptions tune a single enqueue. Priority is advisory: higher runs
// first when both are ready. Delay postpones the first pickup.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// BatchResult is the outcome of expanding a provisioning manifest.
type BatchResult struct {
	JobIDs []string `json:"jobIds"`
	Count  int      `json:"count"`
}

// EngineStats is the operational snapshot returned by the engine.
type EngineStats struct {
	Counts                map[JobState]int64 `json:"counts"`
	Bucket                BucketStatus       `json:"bucket"`
	RateLimitHitsLastHour int64              `json:"rateLimitHitsLastHour"`
	Platform429LastHour   int64              `json:"platform429LastHour"`
	Paused                bool               `json:"paused"`
}

// Synthesizer is the port consumers use to hand work to the engine.
type Synthesizer interface {
	Enqueue(ctx context.Context, job SynthesisJob, opts EnqueueOptions) (string, error)
	EnqueueBatch(ctx context.Context, communityID, guildID string, manifest ProvisionManifest) (BatchResult, error)
	IsProcessed(ctx context.Context, idempotencyKey string) (bool, error)
}

// ProvisionManifest is a declarative description of the roles and channels a
// community wants synthesized. It expands into a staggered job sequence.
type ProvisionManifest struct {
	Roles    []ManifestRole    `json:"roles" yaml:"roles"`
	Channels []ManifestChannel `json:"channels" yaml:"channels"`
}

// ManifestRole is one role entry of a provisioning manifest. Tier feeds the
// stable idempotency key convention role:<community>:<tier>.
type ManifestRole struct {
	Tier        string `json:"tier" yaml:"tier"`
	Name        string `json:"name" yaml:"name"`
	Color       int    `json:"color" yaml:"color"`
	Hoist       bool   `json:"hoist" yaml:"hoist"`
	Mentionable bool   `json:"mentionable" yaml:"mentionable"`
}

// ManifestChannel is one channel entry of a provisioning manifest.
type ManifestChannel struct {
	Key        string                `json:"key" yaml:"key"`
	Name       string                `json:"name" yaml:"name"`
	Kind       string                `json:"kind" yaml:"kind"`
	Topic      string                `json:"topic" yaml:"topic"`
	Overwrites []PermissionOverwrite `json:"overwrites" yaml:"overwrites"`
}
