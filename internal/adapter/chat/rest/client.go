// Package rest implements the typed chat-platform REST client.
//
// Every operation returns a structured domain.CallResult. Rate-limit answers
// are first-class: 429 responses are parsed into RetryAfter/Global rather
// than surfaced as opaque errors, because the synthesis engine schedules its
// retries from them.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/communityforge/synthesis-core/internal/config"
	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/observability"
)

// Client implements domain.ChatClient against an HTTP/JSON chat-platform API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// New constructs a Client with the configured base URL, bot token, and
// timeout. The transport is OTel-instrumented.
func New(cfg config.Config) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.ChatAPIBaseURL, "/"),
		token:   cfg.ChatAPIToken,
		hc: &http.Client{
			Timeout:   cfg.ChatAPITimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type messageRef struct {
	ID string `json:"id"`
}

type rateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
	Message    string  `json:"message"`
}

// do issues one request and classifies the response into a CallResult.
func (c *Client) do(ctx context.Context, op, method, path string, body any) (domain.CallResult, []byte) {
	start := time.Now()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			observability.ObserveOperation(op, "error", time.Since(start))
			return domain.CallResult{Err: fmt.Errorf("op=chat.%s: %w: %v", op, domain.ErrInternal, err)}, nil
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		observability.ObserveOperation(op, "error", time.Since(start))
		return domain.CallResult{Err: fmt.Errorf("op=chat.%s: %w: %v", op, domain.ErrInternal, err)}, nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		observability.ObserveOperation(op, "error", time.Since(start))
		return domain.CallResult{Err: fmt.Errorf("op=chat.%s: %w: %v", op, domain.ErrUnavailable, err)}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		observability.ObserveOperation(op, "ok", time.Since(start))
		var ref messageRef
		_ = json.Unmarshal(raw, &ref)
		return domain.CallResult{OK: true, MessageID: ref.ID}, raw

	case resp.StatusCode == http.StatusTooManyRequests:
		observability.ObserveOperation(op, "rate_limited", time.Since(start))
		retryAfter, global := parseRateLimit(resp.Header, raw)
		return domain.CallResult{
			Err:        fmt.Errorf("op=chat.%s: %w", op, domain.ErrRateLimited),
			RetryAfter: retryAfter,
			Global:     global,
		}, raw

	case resp.StatusCode == http.StatusForbidden:
		observability.ObserveOperation(op, "error", time.Since(start))
		return domain.CallResult{Err: fmt.Errorf("op=chat.%s status=403: %w", op, domain.ErrForbidden)}, raw

	case resp.StatusCode == http.StatusNotFound:
		observability.ObserveOperation(op, "error", time.Since(start))
		return domain.CallResult{Err: fmt.Errorf("op=chat.%s status=404: %w", op, domain.ErrNotFound)}, raw

	case resp.StatusCode >= 500:
		observability.ObserveOperation(op, "error", time.Since(start))
		return domain.CallResult{Err: fmt.Errorf("op=chat.%s status=%d: %w", op, resp.StatusCode, domain.ErrUnavailable)}, raw

	default:
		observability.ObserveOperation(op, "error", time.Since(start))
		return domain.CallResult{Err: fmt.Errorf("op=chat.%s status=%d: %w", op, resp.StatusCode, domain.ErrInvalidArgument)}, raw
	}
}

// parseRateLimit extracts the retry delay from the Retry-After header or the
// JSON body (retry_after seconds, possibly fractional), and the global flag
// from X-RateLimit-Global or the body.
func parseRateLimit(h http.Header, raw []byte) (time.Duration, bool) {
	var body rateLimitBody
	_ = json.Unmarshal(raw, &body)

	retryAfter := time.Duration(body.RetryAfter * float64(time.Second))
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.ParseFloat(v, 64); err == nil && sec > 0 {
			retryAfter = time.Duration(sec * float64(time.Second))
		}
	}
	if retryAfter <= 0 {
		retryAfter = time.Second
	}

	global := body.Global
	if v := h.Get("X-RateLimit-Global"); v != "" {
		global = strings.EqualFold(v, "true")
	}
	return retryAfter, global
}

// DeferReply acknowledges an interaction so the platform shows a pending
// state; the real answer follows via EditOriginal or SendFollowup.
func (c *Client) DeferReply(ctx context.Context, interactionID, token string) domain.CallResult {
	res, _ := c.do(ctx, "defer_reply", http.MethodPost,
		"/interactions/"+interactionID+"/"+token+"/callback",
		map[string]any{"type": 5})
	return res
}

// SendFollowup posts a follow-up message within the interaction window.
func (c *Client) SendFollowup(ctx context.Context, token, content string) domain.CallResult {
	res, _ := c.do(ctx, "send_followup", http.MethodPost,
		"/webhooks/@me/"+token,
		map[string]any{"content": content})
	return res
}

// EditOriginal replaces the deferred placeholder with the final reply.
func (c *Client) EditOriginal(ctx context.Context, token, content string) domain.CallResult {
	res, _ := c.do(ctx, "edit_original", http.MethodPatch,
		"/webhooks/@me/"+token+"/messages/@original",
		map[string]any{"content": content})
	return res
}

// AssignRole adds a role to a guild member. Duplicate assigns are no-ops at
// the platform level.
func (c *Client) AssignRole(ctx context.Context, guildID, userID, roleID string) domain.CallResult {
	res, _ := c.do(ctx, "assign_role", http.MethodPut,
		"/guilds/"+guildID+"/members/"+userID+"/roles/"+roleID, nil)
	return res
}

// RemoveRole removes a role from a guild member.
func (c *Client) RemoveRole(ctx context.Context, guildID, userID, roleID string) domain.CallResult {
	res, _ := c.do(ctx, "remove_role", http.MethodDelete,
		"/guilds/"+guildID+"/members/"+userID+"/roles/"+roleID, nil)
	return res
}

// SendDM sends a direct message to a user.
func (c *Client) SendDM(ctx context.Context, userID, content string) domain.CallResult {
	res, _ := c.do(ctx, "send_dm", http.MethodPost,
		"/users/"+userID+"/messages",
		map[string]any{"content": content})
	return res
}

// GetGuildMember fetches a member's roles and profile subset.
func (c *Client) GetGuildMember(ctx context.Context, guildID, userID string) (domain.GuildMember, domain.CallResult) {
	res, raw := c.do(ctx, "get_guild_member", http.MethodGet,
		"/guilds/"+guildID+"/members/"+userID, nil)
	var m domain.GuildMember
	if res.OK {
		if err := json.Unmarshal(raw, &m); err != nil {
			res.OK = false
			res.Err = fmt.Errorf("op=chat.get_guild_member decode: %w: %v", domain.ErrInternal, err)
		}
	}
	return m, res
}

// CreateRole creates a guild role. Creation under a stable name is naturally
// idempotent on the platform side.
func (c *Client) CreateRole(ctx context.Context, guildID string, role domain.RolePayload) domain.CallResult {
	res, _ := c.do(ctx, "create_role", http.MethodPost,
		"/guilds/"+guildID+"/roles",
		map[string]any{
			"name":        role.Name,
			"color":       role.Color,
			"hoist":       role.Hoist,
			"mentionable": role.Mentionable,
		})
	return res
}

// DeleteRole removes a guild role.
func (c *Client) DeleteRole(ctx context.Context, guildID, roleID string) domain.CallResult {
	res, _ := c.do(ctx, "delete_role", http.MethodDelete,
		"/guilds/"+guildID+"/roles/"+roleID, nil)
	return res
}

// CreateChannel creates a guild channel.
func (c *Client) CreateChannel(ctx context.Context, guildID string, ch domain.ChannelPayload) domain.CallResult {
	res, _ := c.do(ctx, "create_channel", http.MethodPost,
		"/guilds/"+guildID+"/channels",
		map[string]any{
			"name":                  ch.Name,
			"type":                  ch.Kind,
			"parent_id":             ch.ParentID,
			"topic":                 ch.Topic,
			"permission_overwrites": ch.Overwrites,
		})
	return res
}

// DeleteChannel removes a channel.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) domain.CallResult {
	res, _ := c.do(ctx, "delete_channel", http.MethodDelete,
		"/channels/"+channelID, nil)
	return res
}

// UpdateChannelPermissions replaces the permission overwrites on a channel.
func (c *Client) UpdateChannelPermissions(ctx context.Context, channelID string, overwrites []domain.PermissionOverwrite) domain.CallResult {
	res, _ := c.do(ctx, "update_permissions", http.MethodPut,
		"/channels/"+channelID+"/permissions",
		map[string]any{"permission_overwrites": overwrites})
	return res
}
