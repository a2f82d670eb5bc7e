package amqp

import (
	"context"
	"log/slog"
	"strings"

	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/observability"
)

// CommandHandler runs the body of one slash command after the reply has been
// deferred. It may enqueue synthesis jobs and send follow-up messages via the
// chat client it closed over.
type CommandHandler func(ctx context.Context, p domain.EventPayload) error

const commandPrefix = domain.InteractionPrefix + "command."

// InteractionConsumer consumes slash-command interactions with the two-phase
// reply contract: defer within the platform's ~3 s window, then do the real
// work and follow up. Failures after the defer are dead-lettered; the
// platform times the placeholder out on its own.
type InteractionConsumer struct {
	*Consumer
	chat     domain.ChatClient
	commands map[string]CommandHandler
}

// NewInteractionConsumer builds the interaction-queue consumer with a command
// registry keyed by bare command name (e.g. "verify").
func NewInteractionConsumer(url, queue string, prefetch int, chat domain.ChatClient, commands map[string]CommandHandler, lg *slog.Logger) *InteractionConsumer {
	ic := &InteractionConsumer{
		chat:     chat,
		commands: commands,
	}
	ic.Consumer = NewConsumer("interactions", url, queue, prefetch, lg, ic.handleInteraction)
	return ic
}

func (ic *InteractionConsumer) handleInteraction(ctx context.Context, p domain.EventPayload) Verdict {
	lg := observability.LoggerFromContext(ctx)

	if !strings.HasPrefix(p.EventType, domain.InteractionPrefix) {
		lg.Warn("non-interaction event on interaction queue, acking",
			slog.String("event_type", p.EventType))
		return VerdictAck
	}
	if p.InteractionID == "" || p.InteractionToken == "" {
		lg.Warn("interaction missing id or token, dead-lettering",
			slog.String("event_type", p.EventType))
		return VerdictDrop
	}

	// The defer must land inside the platform's reply window; a failed
	// defer means the token is already useless, so the message is not
	// worth redelivering.
	if res := ic.chat.DeferReply(ctx, p.InteractionID, p.InteractionToken); !res.OK {
		lg.Warn("defer reply failed, dead-lettering",
			slog.String("interaction_id", p.InteractionID),
			slog.Any("error", res.Err))
		observability.ConsumerMessagesTotal.WithLabelValues("interactions", "defer_failed").Inc()
		return VerdictDrop
	}

	command := strings.TrimPrefix(p.EventType, commandPrefix)
	handler, ok := ic.commands[command]
	if !ok {
		// The reply is already deferred, so tell the user instead of
		// leaving the placeholder hanging.
		if res := ic.chat.EditOriginal(ctx, p.InteractionToken, "Unknown command."); !res.OK {
			lg.Warn("failed to report unknown command",
				slog.String("command", command),
				slog.Any("error", res.Err))
		}
		lg.Info("unknown command, acking", slog.String("command", command))
		return VerdictAck
	}

	if err := handler(ctx, p); err != nil {
		lg.Error("command handler failed, dead-lettering",
			slog.String("command", command),
			slog.String("interaction_id", p.InteractionID),
			slog.Any("error", err))
		return VerdictDrop
	}

	lg.Info("interaction handled",
		slog.String("command", command),
		slog.String("guild_id", p.GuildID))
	return VerdictAck
}
