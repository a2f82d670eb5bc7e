package handlers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "github.com/communityforge/synthesis-core/internal/adapter/kv/redis"
	"github.com/communityforge/synthesis-core/internal/domain"
)

type fakeSynth struct {
	mu      sync.Mutex
	jobs    []domain.SynthesisJob
	opts    []domain.EnqueueOptions
	batches []domain.ProvisionManifest
	err     error
}

func (f *fakeSynth) Enqueue(_ context.Context, job domain.SynthesisJob, opts domain.EnqueueOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	f.opts = append(f.opts, opts)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

func (f *fakeSynth) EnqueueBatch(_ context.Context, _, _ string, m domain.ProvisionManifest) (domain.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.BatchResult{}, f.err
	}
	f.batches = append(f.batches, m)
	n := len(m.Roles) + len(m.Channels)
	return domain.BatchResult{Count: n}, nil
}

func (f *fakeSynth) IsProcessed(context.Context, string) (bool, error) { return false, nil }

type fakeChat struct {
	mu      sync.Mutex
	edits   []string
	dms     []string
	member  domain.GuildMember
	lookup  domain.CallResult
	editsOK bool
}

func newFakeChat() *fakeChat {
	return &fakeChat{lookup: domain.CallResult{OK: true}, editsOK: true}
}

func ok() domain.CallResult { return domain.CallResult{OK: true, MessageID: "m1"} }

func (f *fakeChat) DeferReply(context.Context, string, string) domain.CallResult { return ok() }
func (f *fakeChat) SendFollowup(context.Context, string, string) domain.CallResult {
	return ok()
}
func (f *fakeChat) EditOriginal(_ context.Context, token, content string) domain.CallResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, content)
	if !f.editsOK {
		return domain.CallResult{Err: domain.ErrUnavailable}
	}
	return ok()
}
func (f *fakeChat) AssignRole(context.Context, string, string, string) domain.CallResult {
	return ok()
}
func (f *fakeChat) RemoveRole(context.Context, string, string, string) domain.CallResult {
	return ok()
}
func (f *fakeChat) SendDM(_ context.Context, userID, _ string) domain.CallResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, userID)
	return ok()
}
func (f *fakeChat) GetGuildMember(context.Context, string, string) (domain.GuildMember, domain.CallResult) {
	return f.member, f.lookup
}
func (f *fakeChat) CreateRole(context.Context, string, domain.RolePayload) domain.CallResult {
	return ok()
}
func (f *fakeChat) DeleteRole(context.Context, string, string) domain.CallResult { return ok() }
func (f *fakeChat) CreateChannel(context.Context, string, domain.ChannelPayload) domain.CallResult {
	return ok()
}
func (f *fakeChat) DeleteChannel(context.Context, string) domain.CallResult { return ok() }
func (f *fakeChat) UpdateChannelPermissions(context.Context, string, []domain.PermissionOverwrite) domain.CallResult {
	return ok()
}

type fakeStats struct{ stats domain.EngineStats }

func (f *fakeStats) Stats(context.Context) (domain.EngineStats, error) { return f.stats, nil }

func newDeps(t *testing.T) (Deps, *fakeSynth, *fakeChat, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := kvredis.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	synth := &fakeSynth{}
	chat := newFakeChat()
	d := Deps{
		Synth: synth,
		Chat:  chat,
		KV:    kv,
		Stats: &fakeStats{stats: domain.EngineStats{
			Counts: map[domain.JobState]int64{domain.JobWaiting: 3},
			Bucket: domain.BucketStatus{Capacity: 50, Available: 42},
		}},
	}
	return d, synth, chat, mr
}

func TestMemberJoinEnqueuesAutorole(t *testing.T) {
	t.Parallel()
	d, synth, chat, _ := newDeps(t)

	err := d.handleMemberJoin(context.Background(), domain.EventPayload{
		EventID:   "e1",
		EventType: domain.EventMemberJoin,
		GuildID:   "g1",
		Data: map[string]any{
			"userId":         "u1",
			"autoRoleId":     "r1",
			"welcomeMessage": "hey there",
		},
	})
	require.NoError(t, err)

	require.Len(t, synth.jobs, 1)
	job := synth.jobs[0]
	assert.Equal(t, domain.JobAssignRole, job.Type)
	assert.Equal(t, "autorole:g1:u1", job.IdempotencyKey)
	assert.Equal(t, "g1", job.CommunityID, "community defaults to the guild")
	assert.Equal(t, []string{"u1"}, chat.dms)
}

func TestMemberJoinMissingUserRejected(t *testing.T) {
	t.Parallel()
	d, synth, _, _ := newDeps(t)

	err := d.handleMemberJoin(context.Background(), domain.EventPayload{
		EventID: "e1", EventType: domain.EventMemberJoin, GuildID: "g1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
	assert.Empty(t, synth.jobs)
}

func TestMemberLeaveClearsState(t *testing.T) {
	t.Parallel()
	d, _, _, mr := newDeps(t)

	ctx := context.Background()
	require.NoError(t, d.KV.PutSession(ctx, "g1:u1", "mid-verify", time.Hour))
	require.NoError(t, d.KV.SetCooldown(ctx, "verify", "g1:u1", time.Minute))

	err := d.handleMemberLeave(ctx, domain.EventPayload{
		EventID: "e2", EventType: domain.EventMemberLeave, GuildID: "g1",
		Data: map[string]any{"userId": "u1"},
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("session:g1:u1"))
	assert.False(t, mr.Exists("cooldown:verify:g1:u1"))
}

func TestGuildCreateUsesManifestFromEvent(t *testing.T) {
	t.Parallel()
	d, synth, _, _ := newDeps(t)

	manifest := `
roles:
  - tier: gold
    name: Gold
channels:
  - key: lounge
    name: lounge
    kind: text
`
	err := d.handleGuildCreate(context.Background(), domain.EventPayload{
		EventID: "e3", EventType: domain.EventGuildCreate, GuildID: "g1",
		Data: map[string]any{"manifest": manifest, "communityId": "acme"},
	})
	require.NoError(t, err)

	require.Len(t, synth.batches, 1)
	got := synth.batches[0]
	require.Len(t, got.Roles, 1)
	assert.Equal(t, "gold", got.Roles[0].Tier)
	require.Len(t, got.Channels, 1)
	assert.Equal(t, "lounge", got.Channels[0].Key)
}

func TestGuildCreateFallsBackToDefaultManifest(t *testing.T) {
	t.Parallel()
	d, synth, _, _ := newDeps(t)

	err := d.handleGuildCreate(context.Background(), domain.EventPayload{
		EventID: "e4", EventType: domain.EventGuildCreate, GuildID: "g1",
	})
	require.NoError(t, err)

	require.Len(t, synth.batches, 1)
	assert.NotEmpty(t, synth.batches[0].Roles)
	assert.NotEmpty(t, synth.batches[0].Channels)
}

func verifyPayload() domain.EventPayload {
	return domain.EventPayload{
		EventID:          "e5",
		EventType:        "interaction.command.verify",
		GuildID:          "g1",
		InteractionID:    "i1",
		InteractionToken: "t1",
		Data:             map[string]any{"userId": "u1", "verifiedRoleId": "r9"},
	}
}

func TestVerifyEnqueuesRoleAndArmsCooldown(t *testing.T) {
	t.Parallel()
	d, synth, chat, mr := newDeps(t)

	err := d.handleVerify(context.Background(), verifyPayload())
	require.NoError(t, err)

	require.Len(t, synth.jobs, 1)
	assert.Equal(t, "verify:g1:u1", synth.jobs[0].IdempotencyKey)
	assert.Equal(t, 1, synth.opts[0].Priority, "user-facing work jumps the queue")
	assert.True(t, mr.Exists("cooldown:verify:g1:u1"))
	require.Len(t, chat.edits, 1)
	assert.Contains(t, chat.edits[0], "verified")
}

func TestVerifyRespectsCooldown(t *testing.T) {
	t.Parallel()
	d, synth, chat, _ := newDeps(t)

	ctx := context.Background()
	require.NoError(t, d.KV.SetCooldown(ctx, "verify", "g1:u1", time.Minute))

	err := d.handleVerify(ctx, verifyPayload())
	require.NoError(t, err)
	assert.Empty(t, synth.jobs)
	require.Len(t, chat.edits, 1)
	assert.Contains(t, chat.edits[0], "Try again")
}

func TestVerifyAlreadyVerified(t *testing.T) {
	t.Parallel()
	d, synth, chat, _ := newDeps(t)
	chat.member = domain.GuildMember{UserID: "u1", RoleIDs: []string{"r9"}}

	err := d.handleVerify(context.Background(), verifyPayload())
	require.NoError(t, err)
	assert.Empty(t, synth.jobs)
	require.Len(t, chat.edits, 1)
	assert.Contains(t, chat.edits[0], "already verified")
}

func TestVerifyUnconfiguredRole(t *testing.T) {
	t.Parallel()
	d, synth, chat, _ := newDeps(t)

	p := verifyPayload()
	delete(p.Data, "verifiedRoleId")
	err := d.handleVerify(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, synth.jobs)
	require.Len(t, chat.edits, 1)
	assert.Contains(t, chat.edits[0], "not configured")
}

func TestSetupWithoutManifestReplies(t *testing.T) {
	t.Parallel()
	d, synth, chat, _ := newDeps(t)

	err := d.handleSetup(context.Background(), domain.EventPayload{
		EventID: "e6", EventType: "interaction.command.setup", GuildID: "g1",
		InteractionID: "i1", InteractionToken: "t1",
	})
	require.NoError(t, err)
	assert.Empty(t, synth.batches)
	require.Len(t, chat.edits, 1)
	assert.Contains(t, chat.edits[0], "manifest")
}

func TestSetupBadManifestReplies(t *testing.T) {
	t.Parallel()
	d, synth, chat, _ := newDeps(t)

	err := d.handleSetup(context.Background(), domain.EventPayload{
		EventID: "e7", EventType: "interaction.command.setup", GuildID: "g1",
		InteractionID: "i1", InteractionToken: "t1",
		Data: map[string]any{"manifest": "roles: ["},
	})
	require.NoError(t, err)
	assert.Empty(t, synth.batches)
	require.Len(t, chat.edits, 1)
	assert.Contains(t, chat.edits[0], "doesn't parse")
}

func TestStatusReportsQueueAndBucket(t *testing.T) {
	t.Parallel()
	d, _, chat, _ := newDeps(t)

	err := d.handleStatus(context.Background(), domain.EventPayload{
		EventID: "e8", EventType: "interaction.command.status", GuildID: "g1",
		InteractionID: "i1", InteractionToken: "t1",
	})
	require.NoError(t, err)
	require.Len(t, chat.edits, 1)
	assert.Contains(t, chat.edits[0], "3 waiting")
	assert.Contains(t, chat.edits[0], "42/50")
}
