// Package handlers wires the stock event and command handlers of the
// platform: membership autoroles, community provisioning from YAML manifests,
// and the verification slash command. Each handler owns its own payload shape
// inside EventPayload.Data.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kvredis "github.com/communityforge/synthesis-core/internal/adapter/kv/redis"
	"github.com/communityforge/synthesis-core/internal/adapter/queue/amqp"
	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/engine"
)

// StatsSource exposes the engine's operational snapshot to commands.
type StatsSource interface {
	Stats(ctx context.Context) (domain.EngineStats, error)
}

// Deps carries the capabilities injected into handlers.
type Deps struct {
	Synth domain.Synthesizer
	Chat  domain.ChatClient
	KV    *kvredis.Store
	Stats StatsSource
	Log   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// dataString pulls an optional string field out of the free-form event data.
func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}

// communityOf resolves the tenant id for an event; guilds map 1:1 to
// communities unless the producer says otherwise.
func communityOf(p domain.EventPayload) string {
	if c := dataString(p.Data, "communityId"); c != "" {
		return c
	}
	return p.GuildID
}

// EventRegistry returns the stock event handlers keyed by event type.
func EventRegistry(d Deps) map[string]amqp.EventHandler {
	return map[string]amqp.EventHandler{
		domain.EventMemberJoin:  d.handleMemberJoin,
		domain.EventMemberLeave: d.handleMemberLeave,
		domain.EventGuildCreate: d.handleGuildCreate,
	}
}

// handleMemberJoin enqueues the community's autorole for the new member and
// sends a best-effort welcome DM.
func (d Deps) handleMemberJoin(ctx context.Context, p domain.EventPayload) error {
	lg := d.logger()
	userID := dataString(p.Data, "userId")
	if userID == "" {
		return fmt.Errorf("op=handlers.MemberJoin: userId missing: %w", domain.ErrSchemaInvalid)
	}

	if roleID := dataString(p.Data, "autoRoleId"); roleID != "" {
		payload, err := json.Marshal(domain.RolePayload{RoleID: roleID, UserID: userID})
		if err != nil {
			return fmt.Errorf("op=handlers.MemberJoin: %w: %v", domain.ErrInternal, err)
		}
		jobID, err := d.Synth.Enqueue(ctx, domain.SynthesisJob{
			Type:           domain.JobAssignRole,
			GuildID:        p.GuildID,
			CommunityID:    communityOf(p),
			Payload:        payload,
			IdempotencyKey: "autorole:" + p.GuildID + ":" + userID,
		}, domain.EnqueueOptions{})
		if err != nil {
			return fmt.Errorf("op=handlers.MemberJoin enqueue: %w", err)
		}
		lg.Info("autorole enqueued",
			slog.String("guild_id", p.GuildID),
			slog.String("user_id", userID),
			slog.String("job_id", jobID))
	}

	if welcome := dataString(p.Data, "welcomeMessage"); welcome != "" {
		// A failed DM (closed DMs, blocked bot) is not worth a redelivery.
		if res := d.Chat.SendDM(ctx, userID, welcome); !res.OK {
			lg.Warn("welcome dm failed",
				slog.String("user_id", userID),
				slog.Any("error", res.Err))
		}
	}
	return nil
}

// handleMemberLeave drops the member's transient state so a rejoin starts
// clean.
func (d Deps) handleMemberLeave(ctx context.Context, p domain.EventPayload) error {
	userID := dataString(p.Data, "userId")
	if userID == "" {
		return fmt.Errorf("op=handlers.MemberLeave: userId missing: %w", domain.ErrSchemaInvalid)
	}
	if err := d.KV.DropSession(ctx, p.GuildID+":"+userID); err != nil {
		return fmt.Errorf("op=handlers.MemberLeave: %w", err)
	}
	if err := d.KV.ClearCooldown(ctx, "verify", p.GuildID+":"+userID); err != nil {
		return fmt.Errorf("op=handlers.MemberLeave: %w", err)
	}
	d.logger().Info("member state cleared",
		slog.String("guild_id", p.GuildID),
		slog.String("user_id", userID))
	return nil
}

// handleGuildCreate provisions a newly onboarded guild from its YAML manifest.
// Without a manifest in the event, the baseline manifest is applied.
func (d Deps) handleGuildCreate(ctx context.Context, p domain.EventPayload) error {
	lg := d.logger()

	manifest := defaultManifest()
	if raw := dataString(p.Data, "manifest"); raw != "" {
		var err error
		manifest, err = engine.ParseManifest([]byte(raw))
		if err != nil {
			return fmt.Errorf("op=handlers.GuildCreate: %w", err)
		}
	}

	res, err := d.Synth.EnqueueBatch(ctx, communityOf(p), p.GuildID, manifest)
	if err != nil {
		return fmt.Errorf("op=handlers.GuildCreate: %w", err)
	}
	lg.Info("guild provisioning enqueued",
		slog.String("guild_id", p.GuildID),
		slog.String("community_id", communityOf(p)),
		slog.Int("jobs", res.Count))
	return nil
}

// defaultManifest is the minimal footprint every community starts with.
func defaultManifest() domain.ProvisionManifest {
	return domain.ProvisionManifest{
		Roles: []domain.ManifestRole{
			{Tier: "verified", Name: "Verified", Color: 0x2ecc71},
		},
		Channels: []domain.ManifestChannel{
			{Key: "welcome", Name: "welcome", Kind: "text", Topic: "Start here"},
		},
	}
}

const verifyCooldown = time.Minute
