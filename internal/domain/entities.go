// Package domain defines the core entities, error taxonomy, and ports of the
// synthesis and consumption core. Adapters depend on this package; it depends
// on nothing but the standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnavailable     = errors.New("unavailable")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrNotConnected    = errors.New("not connected")
	ErrInternal        = errors.New("internal error")
)

// IsTransient reports whether an error is worth retrying or requeueing:
// broker/KV/platform availability problems and rate limits. Permanent
// platform answers (forbidden, not found) and malformed input are not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// EventPayload is the wire format delivered by the upstream gateway producer.
// EventID is the global idempotency key; Data is handler-specific and is
// decoded lazily by the handler that knows its shape.
type EventPayload struct {
	EventID          string         `json:"eventId" validate:"required"`
	EventType        string         `json:"eventType" validate:"required"`
	GuildID          string         `json:"guildId" validate:"required"`
	Timestamp        int64          `json:"timestamp"`
	Data             map[string]any `json:"data"`
	InteractionID    string         `json:"interactionId,omitempty"`
	InteractionToken string         `json:"interactionToken,omitempty"`
}

// Event types known to the stock consumers. Handlers register for a subset;
// anything else is acked and dropped.
const (
	EventMemberJoin    = "member.join"
	EventMemberLeave   = "member.leave"
	EventMemberUpdate  = "member.update"
	EventGuildCreate   = "guild.create"
	EventGuildDelete   = "guild.delete"
	EventMessageCreate = "message.create"

	// InteractionPrefix tags slash-command interactions, e.g.
	// interaction.command.verify.
	InteractionPrefix = "interaction."
)

// CallResult is the structured outcome of one outbound chat-platform call.
// Rate limiting is first-class: a 429 yields OK=false with RetryAfter set
// (and Global when the platform signals a global limit) instead of an error.
type CallResult struct {
	OK         bool
	MessageID  string
	Err        error
	RetryAfter time.Duration
	Global     bool
}

// RateLimited reports whether the call was rejected by the platform limiter.
func (r CallResult) RateLimited() bool { return !r.OK && r.RetryAfter > 0 }

// GuildMember is the subset of member state the core reads back.
type GuildMember struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	RoleIDs  []string  `json:"roleIds"`
	JoinedAt time.Time `json:"joinedAt"`
}

// PermissionOverwrite grants or denies a permission bitset for a role or user
// on a channel.
type PermissionOverwrite struct {
	TargetID   string `json:"targetId" yaml:"targetId"`
	TargetType string `json:"targetType" yaml:"targetType"` // role | member
	Allow      int64  `json:"allow" yaml:"allow"`
	Deny       int64  `json:"deny" yaml:"deny"`
}

// ChatClient is the typed wrapper over the external chat-platform REST API.
type ChatClient interface {
	DeferReply(ctx context.Context, interactionID, token string) CallResult
	SendFollowup(ctx context.Context, token, content string) CallResult
	EditOriginal(ctx context.Context, token, content string) CallResult
	AssignRole(ctx context.Context, guildID, userID, roleID string) CallResult
	RemoveRole(ctx context.Context, guildID, userID, roleID string) CallResult
	SendDM(ctx context.Context, userID, content string) CallResult
	GetGuildMember(ctx context.Context, guildID, userID string) (GuildMember, CallResult)
	CreateRole(ctx context.Context, guildID string, role RolePayload) CallResult
	DeleteRole(ctx context.Context, guildID, roleID string) CallResult
	CreateChannel(ctx context.Context, guildID string, ch ChannelPayload) CallResult
	DeleteChannel(ctx context.Context, channelID string) CallResult
	UpdateChannelPermissions(ctx context.Context, channelID string, overwrites []PermissionOverwrite) CallResult
}

// KVStore is the external key/value state store used for idempotency keys,
// cooldowns, counters, and sessions. All failures surface as ErrUnavailable;
// the fail-open policy is decided by callers, not here.
type KVStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// TokenBucket is the process-wide limiter shared across all jobs and workers.
type TokenBucket interface {
	Acquire() (granted bool, wait time.Duration)
	AcquireWait(ctx context.Context) error
	Status() BucketStatus
}

// BucketStatus is a point-in-time snapshot of the global token bucket.
type BucketStatus struct {
	Capacity   float64 `json:"capacity"`
	Available  float64 `json:"available"`
	RefillRate float64 `json:"refillRate"`
}

// ConsumerStatus reports the lifecycle and counters of one queue consumer.
// Consuming implies Connected.
type ConsumerStatus struct {
	Connected         bool  `json:"connected"`
	Consuming         bool  `json:"consuming"`
	MessagesProcessed int64 `json:"messagesProcessed"`
	MessagesErrored   int64 `json:"messagesErrored"`
}
