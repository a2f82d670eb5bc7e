package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/communityforge/synthesis-core/internal/adapter/queue/amqp"
	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/engine"
)

// CommandRegistry returns the stock slash-command handlers keyed by bare
// command name. The reply has already been deferred when these run; every
// path ends with an edit of the placeholder.
func CommandRegistry(d Deps) map[string]amqp.CommandHandler {
	return map[string]amqp.CommandHandler{
		"verify": d.handleVerify,
		"setup":  d.handleSetup,
		"status": d.handleStatus,
	}
}

// reply edits the deferred placeholder; a failure here is logged, not
// propagated, because the synthesis work already succeeded.
func (d Deps) reply(ctx context.Context, token, content string) {
	if res := d.Chat.EditOriginal(ctx, token, content); !res.OK {
		d.logger().Warn("follow-up edit failed", slog.Any("error", res.Err))
	}
}

// handleVerify grants the community's verified role, behind a per-member
// cooldown so the command cannot be spammed into the job queue.
func (d Deps) handleVerify(ctx context.Context, p domain.EventPayload) error {
	lg := d.logger()
	userID := dataString(p.Data, "userId")
	roleID := dataString(p.Data, "verifiedRoleId")
	if userID == "" {
		return fmt.Errorf("op=handlers.Verify: userId missing: %w", domain.ErrSchemaInvalid)
	}
	if roleID == "" {
		d.reply(ctx, p.InteractionToken, "Verification is not configured for this server.")
		return nil
	}

	cooldownID := p.GuildID + ":" + userID
	cooling, err := d.KV.InCooldown(ctx, "verify", cooldownID)
	if err != nil {
		// Fail open; the idempotency key below still caps the damage.
		lg.Warn("cooldown probe failed", slog.Any("error", err))
	} else if cooling {
		d.reply(ctx, p.InteractionToken, "You just verified. Try again in a minute.")
		return nil
	}

	member, res := d.Chat.GetGuildMember(ctx, p.GuildID, userID)
	if !res.OK {
		if res.RateLimited() {
			return fmt.Errorf("op=handlers.Verify member lookup: %w", domain.ErrRateLimited)
		}
		return fmt.Errorf("op=handlers.Verify member lookup: %w", res.Err)
	}
	for _, id := range member.RoleIDs {
		if id == roleID {
			d.reply(ctx, p.InteractionToken, "You're already verified.")
			return nil
		}
	}

	payload, err := json.Marshal(domain.RolePayload{RoleID: roleID, UserID: userID})
	if err != nil {
		return fmt.Errorf("op=handlers.Verify: %w: %v", domain.ErrInternal, err)
	}
	if _, err := d.Synth.Enqueue(ctx, domain.SynthesisJob{
		Type:           domain.JobAssignRole,
		GuildID:        p.GuildID,
		CommunityID:    communityOf(p),
		Payload:        payload,
		IdempotencyKey: "verify:" + p.GuildID + ":" + userID,
	}, domain.EnqueueOptions{Priority: 1}); err != nil {
		return fmt.Errorf("op=handlers.Verify enqueue: %w", err)
	}

	if err := d.KV.SetCooldown(ctx, "verify", cooldownID, verifyCooldown); err != nil {
		lg.Warn("failed to arm verify cooldown", slog.Any("error", err))
	}
	d.reply(ctx, p.InteractionToken, "You're verified! Your role is on its way.")
	return nil
}

// handleSetup provisions roles and channels from the manifest attached to the
// command.
func (d Deps) handleSetup(ctx context.Context, p domain.EventPayload) error {
	raw := dataString(p.Data, "manifest")
	if raw == "" {
		d.reply(ctx, p.InteractionToken, "Attach a provisioning manifest to run setup.")
		return nil
	}
	manifest, err := engine.ParseManifest([]byte(raw))
	if err != nil {
		d.reply(ctx, p.InteractionToken, "That manifest doesn't parse. Check the YAML and try again.")
		return nil
	}

	res, err := d.Synth.EnqueueBatch(ctx, communityOf(p), p.GuildID, manifest)
	if err != nil {
		return fmt.Errorf("op=handlers.Setup: %w", err)
	}
	d.reply(ctx, p.InteractionToken,
		fmt.Sprintf("Provisioning started: %d jobs queued. Roles land before channels.", res.Count))
	return nil
}

// handleStatus reports queue depth and limiter headroom.
func (d Deps) handleStatus(ctx context.Context, p domain.EventPayload) error {
	stats, err := d.Stats.Stats(ctx)
	if err != nil {
		return fmt.Errorf("op=handlers.Status: %w", err)
	}
	d.reply(ctx, p.InteractionToken, fmt.Sprintf(
		"Queue: %d waiting, %d delayed, %d active. Tokens: %.0f/%.0f. Rate-limit hits last hour: %d.",
		stats.Counts[domain.JobWaiting],
		stats.Counts[domain.JobDelayed],
		stats.Counts[domain.JobActive],
		stats.Bucket.Available,
		stats.Bucket.Capacity,
		stats.Platform429LastHour,
	))
	return nil
}
