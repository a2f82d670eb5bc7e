package engine

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/communityforge/synthesis-core/internal/domain"
)

// ParseManifest decodes a YAML provisioning manifest, the form communities
// ship in their configuration repos.
func ParseManifest(raw []byte) (domain.ProvisionManifest, error) {
	var m domain.ProvisionManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return domain.ProvisionManifest{}, fmt.Errorf("op=engine.ParseManifest: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return m, nil
}

// ExpandManifest turns a manifest into the ordered job sequence: roles first
// so channel overwrites can reference them, then channels. Idempotency keys
// follow the stable conventions role:<community>:<tier> and
// channel:<community>:<key>.
func ExpandManifest(communityID, guildID string, m domain.ProvisionManifest) ([]domain.SynthesisJob, error) {
	if communityID == "" || guildID == "" {
		return nil, fmt.Errorf("op=engine.ExpandManifest: community and guild ids required: %w", domain.ErrInvalidArgument)
	}

	jobs := make([]domain.SynthesisJob, 0, len(m.Roles)+len(m.Channels))

	for _, r := range m.Roles {
		if r.Tier == "" || r.Name == "" {
			return nil, fmt.Errorf("op=engine.ExpandManifest: role tier and name required: %w", domain.ErrSchemaInvalid)
		}
		payload, err := json.Marshal(domain.RolePayload{
			Name:        r.Name,
			Color:       r.Color,
			Hoist:       r.Hoist,
			Mentionable: r.Mentionable,
		})
		if err != nil {
			return nil, fmt.Errorf("op=engine.ExpandManifest: %w: %v", domain.ErrInternal, err)
		}
		jobs = append(jobs, domain.SynthesisJob{
			Type:           domain.JobCreateRole,
			GuildID:        guildID,
			CommunityID:    communityID,
			Payload:        payload,
			IdempotencyKey: "role:" + communityID + ":" + r.Tier,
		})
	}

	for _, c := range m.Channels {
		if c.Key == "" || c.Name == "" {
			return nil, fmt.Errorf("op=engine.ExpandManifest: channel key and name required: %w", domain.ErrSchemaInvalid)
		}
		payload, err := json.Marshal(domain.ChannelPayload{
			Name:       c.Name,
			Kind:       c.Kind,
			Topic:      c.Topic,
			Overwrites: c.Overwrites,
		})
		if err != nil {
			return nil, fmt.Errorf("op=engine.ExpandManifest: %w: %v", domain.ErrInternal, err)
		}
		jobs = append(jobs, domain.SynthesisJob{
			Type:           domain.JobCreateChannel,
			GuildID:        guildID,
			CommunityID:    communityID,
			Payload:        payload,
			IdempotencyKey: "channel:" + communityID + ":" + c.Key,
		})
	}

	return jobs, nil
}
