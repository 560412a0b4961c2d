package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildmirror/pkg/gateway"
	"guildmirror/pkg/model"
)

type fakeResolver struct {
	channels map[string]model.TenantScope
}

func (r *fakeResolver) ResolveTenant(channelID string) (model.TenantScope, bool) {
	t, ok := r.channels[channelID]
	return t, ok
}

func raw(name, payload string, seq int64) gateway.RawEvent {
	return gateway.RawEvent{
		Name:       name,
		Sequence:   seq,
		Payload:    json.RawMessage(payload),
		ReceivedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestNormalizeEventTable(t *testing.T) {
	n := New(&fakeResolver{})
	cases := []struct {
		name    string
		event   string
		payload string
		tenant  model.TenantScope
		kind    model.EntityKind
		op      model.EventOp
		id      string
	}{
		{"guild create", "GUILD_CREATE", `{"id":"g1","name":"home"}`, "g1", model.KindGuild, model.OpCreate, "g1"},
		{"guild delete", "GUILD_DELETE", `{"id":"g1"}`, "g1", model.KindGuild, model.OpDelete, "g1"},
		{"channel update", "CHANNEL_UPDATE", `{"id":"c1","guild_id":"g1","name":"general"}`, "g1", model.KindChannel, model.OpUpdate, "c1"},
		{"role create", "GUILD_ROLE_CREATE", `{"guild_id":"g1","role":{"id":"r1","name":"mod"}}`, "g1", model.KindRole, model.OpCreate, "r1"},
		{"role delete", "GUILD_ROLE_DELETE", `{"guild_id":"g1","role_id":"r1"}`, "g1", model.KindRole, model.OpDelete, "r1"},
		{"member add", "GUILD_MEMBER_ADD", `{"guild_id":"g1","user":{"id":"u1","username":"ann"}}`, "g1", model.KindMember, model.OpCreate, "u1"},
		{"member remove", "GUILD_MEMBER_REMOVE", `{"guild_id":"g1","user":{"id":"u1"}}`, "g1", model.KindMember, model.OpDelete, "u1"},
		{"message create", "MESSAGE_CREATE", `{"id":"m1","channel_id":"c1","guild_id":"g1","content":"hi"}`, "g1", model.KindMessage, model.OpCreate, "m1"},
		{"ban add", "GUILD_BAN_ADD", `{"guild_id":"g1","user":{"id":"u1"}}`, "g1", model.KindBan, model.OpCreate, "u1"},
		{"ban remove", "GUILD_BAN_REMOVE", `{"guild_id":"g1","user":{"id":"u1"}}`, "g1", model.KindBan, model.OpDelete, "u1"},
		{"presence", "PRESENCE_UPDATE", `{"guild_id":"g1","user":{"id":"u1"},"status":"online"}`, "g1", model.KindPresence, model.OpUpdate, "u1"},
		{"voice join", "VOICE_STATE_UPDATE", `{"guild_id":"g1","user_id":"u1","channel_id":"c9"}`, "g1", model.KindVoiceState, model.OpUpdate, "u1"},
		{"numeric ids", "CHANNEL_CREATE", `{"id":123,"guild_id":456}`, "456", model.KindChannel, model.OpCreate, "123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := n.Normalize(raw(tc.event, tc.payload, 10))
			require.NoError(t, err)
			assert.Equal(t, tc.tenant, env.Tenant)
			assert.Equal(t, tc.kind, env.Kind)
			assert.Equal(t, tc.op, env.Op)
			assert.Equal(t, tc.id, env.EntityID)
			assert.Equal(t, int64(10), env.SequenceHint)
		})
	}
}

func TestNormalizeDeleteStripsPayload(t *testing.T) {
	n := New(&fakeResolver{})
	env, err := n.Normalize(raw("CHANNEL_DELETE", `{"id":"c1","guild_id":"g1","name":"general"}`, 2))
	require.NoError(t, err)
	assert.Equal(t, model.OpDelete, env.Op)
	assert.Nil(t, env.Payload)
}

func TestNormalizeVoiceLeaveBecomesDelete(t *testing.T) {
	n := New(&fakeResolver{})
	env, err := n.Normalize(raw("VOICE_STATE_UPDATE", `{"guild_id":"g1","user_id":"u1","channel_id":null}`, 3))
	require.NoError(t, err)
	assert.Equal(t, model.OpDelete, env.Op)
	assert.Equal(t, "u1", env.EntityID)
}

func TestNormalizeMessageResolvesTenantThroughCache(t *testing.T) {
	n := New(&fakeResolver{channels: map[string]model.TenantScope{"c1": "g7"}})
	env, err := n.Normalize(raw("MESSAGE_CREATE", `{"id":"m1","channel_id":"c1","content":"hi"}`, 1))
	require.NoError(t, err)
	assert.Equal(t, model.TenantScope("g7"), env.Tenant)
}

func TestNormalizeMessageUnresolvedFallsBackToUnknown(t *testing.T) {
	n := New(&fakeResolver{})
	env, err := n.Normalize(raw("MESSAGE_CREATE", `{"id":"m1","channel_id":"c404","content":"hi"}`, 1))
	require.NoError(t, err)
	assert.Equal(t, model.TenantUnknown, env.Tenant)
}

func TestNormalizeUnsupportedEvent(t *testing.T) {
	n := New(&fakeResolver{})
	_, err := n.Normalize(raw("TYPING_START", `{"channel_id":"c1"}`, 1))
	assert.ErrorIs(t, err, model.ErrUnsupportedEventKind)
}

func TestNormalizeMalformedPayloads(t *testing.T) {
	n := New(&fakeResolver{})
	cases := []struct {
		name    string
		event   string
		payload string
	}{
		{"invalid json", "GUILD_CREATE", `{"id":`},
		{"guild missing id", "GUILD_CREATE", `{"name":"home"}`},
		{"role missing object", "GUILD_ROLE_CREATE", `{"guild_id":"g1"}`},
		{"role delete missing role_id", "GUILD_ROLE_DELETE", `{"guild_id":"g1"}`},
		{"member missing user", "GUILD_MEMBER_ADD", `{"guild_id":"g1"}`},
		{"member missing guild", "GUILD_MEMBER_ADD", `{"user":{"id":"u1"}}`},
		{"message missing channel", "MESSAGE_CREATE", `{"id":"m1"}`},
		{"voice missing user", "VOICE_STATE_UPDATE", `{"guild_id":"g1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(raw(tc.event, tc.payload, 1))
			assert.ErrorIs(t, err, model.ErrMalformedPayload)
		})
	}
}
