// Package model defines the shared data types flowing through the mirror
// pipeline: entity keys, snapshots, change records and the normalized event
// envelope.
package model

import (
	"fmt"
	"time"
)

// TenantScope identifies one isolated guild/server. All cache keys and audit
// records are partitioned by it.
type TenantScope string

// TenantUnknown is the fallback bucket for events whose tenant could not be
// resolved. They are still audited but excluded from tenant-scoped queries.
const TenantUnknown TenantScope = "unknown"

// EntityKind is the closed enumeration of tracked remote object types.
type EntityKind string

const (
	KindGuild      EntityKind = "guild"
	KindChannel    EntityKind = "channel"
	KindRole       EntityKind = "role"
	KindMember     EntityKind = "member"
	KindMessage    EntityKind = "message"
	KindBan        EntityKind = "ban"
	KindVoiceState EntityKind = "voicestate"
	KindPresence   EntityKind = "presence"
)

// Ephemeral reports whether snapshots of this kind are reconstructible from a
// fresh upstream resync and therefore held under an LRU cap with idle
// eviction instead of being retained indefinitely.
func (k EntityKind) Ephemeral() bool {
	return k == KindPresence || k == KindVoiceState
}

// Valid reports whether k is a member of the closed enumeration.
func (k EntityKind) Valid() bool {
	switch k {
	case KindGuild, KindChannel, KindRole, KindMember,
		KindMessage, KindBan, KindVoiceState, KindPresence:
		return true
	}
	return false
}

// EntityKey uniquely identifies one live entity.
type EntityKey struct {
	Tenant TenantScope
	Kind   EntityKind
	ID     string
}

// String renders the shared cache key format tenant:entityKind:entityId.
func (k EntityKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Tenant, k.Kind, k.ID)
}

// Attributes is the decoded attribute set of an entity payload. Values are
// canonical JSON types (string, float64, bool, nil, []any, map[string]any).
type Attributes map[string]any

// Clone returns a shallow copy. Nested values are shared; the pipeline treats
// them as immutable once decoded.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// SeqNone marks an absent sequence hint.
const SeqNone int64 = -1

// EntitySnapshot is the last fully-known attribute set for an EntityKey.
// LocalVersion is assigned by the cache on every accepted write and is
// non-decreasing for a given key as observed by any single reader.
type EntitySnapshot struct {
	Key          EntityKey
	Attrs        Attributes
	LocalVersion uint64
	SequenceHint int64
	ObservedAt   time.Time
}

// ChangeKind classifies a ChangeRecord.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	// ChangeUnknown marks a first observation without a before-image on a
	// non-creation event (common after restarts or missed events). Audit
	// consumers must be able to tell it apart from a true creation.
	ChangeUnknown ChangeKind = "unknown"
)

// FieldChange is one (old, new) value pair inside a FieldDelta.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// FieldDelta maps field names to their before/after values.
type FieldDelta map[string]FieldChange

// ChangeRecord is the durable description of what changed between two
// snapshots of the same entity. Immutable once produced.
type ChangeRecord struct {
	Key          EntityKey
	Kind         ChangeKind
	Delta        FieldDelta
	SequenceHint int64
	ObservedAt   time.Time
}

// EventOp is the normalized lifecycle hint carried by an envelope.
type EventOp string

const (
	OpCreate EventOp = "create"
	OpUpdate EventOp = "update"
	OpDelete EventOp = "delete"
)

// EventEnvelope is the single internal event unit produced by the normalizer.
// It is transient and exists only for the duration of one pipeline pass.
type EventEnvelope struct {
	Tenant       TenantScope
	Kind         EntityKind
	Event        string // raw upstream event name, e.g. CHANNEL_UPDATE
	Op           EventOp
	EntityID     string
	Payload      Attributes // after-image; nil for deletions
	SequenceHint int64
	ObservedAt   time.Time
}

// Key returns the entity key addressed by the envelope.
func (e *EventEnvelope) Key() EntityKey {
	return EntityKey{Tenant: e.Tenant, Kind: e.Kind, ID: e.EntityID}
}
