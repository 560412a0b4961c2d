// Package normalize maps heterogeneous gateway payloads into the single
// internal event envelope the pipeline operates on.
package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"

	"guildmirror/pkg/gateway"
	"guildmirror/pkg/model"
)

// TenantResolver resolves the owning tenant of a channel. Backed by the
// entity cache; message events carry only a channel id.
type TenantResolver interface {
	ResolveTenant(channelID string) (model.TenantScope, bool)
}

// Normalizer converts raw gateway events into envelopes.
type Normalizer struct {
	resolver TenantResolver
}

// New creates a Normalizer. resolver may not be nil.
func New(resolver TenantResolver) *Normalizer {
	return &Normalizer{resolver: resolver}
}

// eventSpec describes how one upstream event type maps onto the envelope.
type eventSpec struct {
	kind model.EntityKind
	op   model.EventOp
}

var eventTable = map[string]eventSpec{
	"GUILD_CREATE":        {model.KindGuild, model.OpCreate},
	"GUILD_UPDATE":        {model.KindGuild, model.OpUpdate},
	"GUILD_DELETE":        {model.KindGuild, model.OpDelete},
	"CHANNEL_CREATE":      {model.KindChannel, model.OpCreate},
	"CHANNEL_UPDATE":      {model.KindChannel, model.OpUpdate},
	"CHANNEL_DELETE":      {model.KindChannel, model.OpDelete},
	"GUILD_ROLE_CREATE":   {model.KindRole, model.OpCreate},
	"GUILD_ROLE_UPDATE":   {model.KindRole, model.OpUpdate},
	"GUILD_ROLE_DELETE":   {model.KindRole, model.OpDelete},
	"GUILD_MEMBER_ADD":    {model.KindMember, model.OpCreate},
	"GUILD_MEMBER_UPDATE": {model.KindMember, model.OpUpdate},
	"GUILD_MEMBER_REMOVE": {model.KindMember, model.OpDelete},
	"MESSAGE_CREATE":      {model.KindMessage, model.OpCreate},
	"MESSAGE_UPDATE":      {model.KindMessage, model.OpUpdate},
	"MESSAGE_DELETE":      {model.KindMessage, model.OpDelete},
	"GUILD_BAN_ADD":       {model.KindBan, model.OpCreate},
	"GUILD_BAN_REMOVE":    {model.KindBan, model.OpDelete},
	"VOICE_STATE_UPDATE":  {model.KindVoiceState, model.OpUpdate},
	"PRESENCE_UPDATE":     {model.KindPresence, model.OpUpdate},
}

// Normalize produces an envelope from a raw event. It fails with
// model.ErrUnsupportedEventKind for event types outside the table and with
// model.ErrMalformedPayload when required identifying fields are absent.
func (n *Normalizer) Normalize(raw gateway.RawEvent) (*model.EventEnvelope, error) {
	spec, ok := eventTable[raw.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnsupportedEventKind, raw.Name)
	}
	var attrs model.Attributes
	if err := json.Unmarshal(raw.Payload, &attrs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrMalformedPayload, raw.Name, err)
	}

	env := &model.EventEnvelope{
		Kind:         spec.kind,
		Event:        raw.Name,
		Op:           spec.op,
		SequenceHint: raw.Sequence,
		ObservedAt:   raw.ReceivedAt,
	}

	var err error
	switch spec.kind {
	case model.KindGuild:
		err = n.fillGuild(env, attrs)
	case model.KindChannel:
		err = n.fillChannel(env, attrs)
	case model.KindRole:
		err = n.fillRole(env, attrs)
	case model.KindMember, model.KindBan, model.KindPresence:
		err = n.fillUserScoped(env, attrs)
	case model.KindMessage:
		err = n.fillMessage(env, attrs)
	case model.KindVoiceState:
		err = n.fillVoiceState(env, attrs)
	}
	if err != nil {
		return nil, err
	}
	if env.Op == model.OpDelete {
		env.Payload = nil
	}
	return env, nil
}

func (n *Normalizer) fillGuild(env *model.EventEnvelope, attrs model.Attributes) error {
	id := stringField(attrs, "id")
	if id == "" {
		return malformed(env.Event, "id")
	}
	env.Tenant = model.TenantScope(id)
	env.EntityID = id
	env.Payload = attrs
	return nil
}

func (n *Normalizer) fillChannel(env *model.EventEnvelope, attrs model.Attributes) error {
	id := stringField(attrs, "id")
	if id == "" {
		return malformed(env.Event, "id")
	}
	env.EntityID = id
	env.Payload = attrs
	if g := stringField(attrs, "guild_id"); g != "" {
		env.Tenant = model.TenantScope(g)
	} else if t, ok := n.resolver.ResolveTenant(id); ok {
		env.Tenant = t
	} else {
		env.Tenant = model.TenantUnknown
	}
	return nil
}

func (n *Normalizer) fillRole(env *model.EventEnvelope, attrs model.Attributes) error {
	g := stringField(attrs, "guild_id")
	if g == "" {
		return malformed(env.Event, "guild_id")
	}
	env.Tenant = model.TenantScope(g)
	if env.Op == model.OpDelete {
		id := stringField(attrs, "role_id")
		if id == "" {
			return malformed(env.Event, "role_id")
		}
		env.EntityID = id
		return nil
	}
	role, ok := attrs["role"].(map[string]any)
	if !ok {
		return malformed(env.Event, "role")
	}
	id := stringField(role, "id")
	if id == "" {
		return malformed(env.Event, "role.id")
	}
	env.EntityID = id
	env.Payload = model.Attributes(role)
	return nil
}

// fillUserScoped covers members, bans and presences: the entity id is the
// embedded user id and the tenant is the carried guild id.
func (n *Normalizer) fillUserScoped(env *model.EventEnvelope, attrs model.Attributes) error {
	g := stringField(attrs, "guild_id")
	if g == "" {
		return malformed(env.Event, "guild_id")
	}
	user, ok := attrs["user"].(map[string]any)
	if !ok {
		return malformed(env.Event, "user")
	}
	id := stringField(user, "id")
	if id == "" {
		return malformed(env.Event, "user.id")
	}
	env.Tenant = model.TenantScope(g)
	env.EntityID = id
	env.Payload = attrs
	return nil
}

func (n *Normalizer) fillMessage(env *model.EventEnvelope, attrs model.Attributes) error {
	id := stringField(attrs, "id")
	if id == "" {
		return malformed(env.Event, "id")
	}
	env.EntityID = id
	env.Payload = attrs
	if g := stringField(attrs, "guild_id"); g != "" {
		env.Tenant = model.TenantScope(g)
		return nil
	}
	ch := stringField(attrs, "channel_id")
	if ch == "" {
		return malformed(env.Event, "channel_id")
	}
	if t, ok := n.resolver.ResolveTenant(ch); ok {
		env.Tenant = t
	} else {
		env.Tenant = model.TenantUnknown
	}
	return nil
}

// fillVoiceState maps the upstream convention of a null channel_id to a
// deletion: the user left voice entirely.
func (n *Normalizer) fillVoiceState(env *model.EventEnvelope, attrs model.Attributes) error {
	g := stringField(attrs, "guild_id")
	if g == "" {
		return malformed(env.Event, "guild_id")
	}
	id := stringField(attrs, "user_id")
	if id == "" {
		return malformed(env.Event, "user_id")
	}
	env.Tenant = model.TenantScope(g)
	env.EntityID = id
	env.Payload = attrs
	if ch, present := attrs["channel_id"]; present && ch == nil {
		env.Op = model.OpDelete
	}
	return nil
}

func malformed(event, field string) error {
	return fmt.Errorf("%w: %s missing %s", model.ErrMalformedPayload, event, field)
}

// stringField reads an identifier that may arrive as a JSON string or number.
func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return ""
	}
}
