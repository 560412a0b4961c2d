// Package fanout pushes fresh entity snapshots into the shared low-latency
// cache and emits invalidation notices on the shared pub/sub bus so other
// services can react without polling the upstream API.
//
// Publishing is fire-and-forget from the pipeline's perspective: a failure is
// counted and logged, never propagated back into the cache or audit steps
// that already committed. The next event for the same key retries naturally.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"guildmirror/pkg/logging"
	"guildmirror/pkg/metrics"
	"guildmirror/pkg/model"
)

// rediser is the slice of the go-redis client the publisher needs. Narrow so
// tests can fake it.
type rediser interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

var _ rediser = (*redis.Client)(nil)

// Config carries TTL and timeout policy for the shared cache.
type Config struct {
	// SnapshotTTL bounds how long durable-kind snapshots live in the shared
	// cache without a refresh.
	SnapshotTTL time.Duration
	// EphemeralTTL applies to high-churn kinds (presence, voice state) and
	// to messages, mirroring their upstream retention.
	EphemeralTTL time.Duration
	// TombstoneTTL is how long a deletion marker stays visible.
	TombstoneTTL time.Duration
	// Timeout bounds each publish operation.
	Timeout time.Duration
}

// DefaultConfig returns the fanout policy defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotTTL:  24 * time.Hour,
		EphemeralTTL: time.Hour,
		TombstoneTTL: 5 * time.Minute,
		Timeout:      2 * time.Second,
	}
}

// Notice is the lightweight invalidation message. Consumers must re-fetch
// the snapshot rather than trust the body as authoritative.
type Notice struct {
	Tenant  model.TenantScope `json:"tenant"`
	Kind    model.EntityKind  `json:"kind"`
	ID      string            `json:"id"`
	Version uint64            `json:"version"`
	Deleted bool              `json:"deleted,omitempty"`
}

// cachedSnapshot is the shared-cache value format.
type cachedSnapshot struct {
	Tenant     model.TenantScope `json:"tenant"`
	Kind       model.EntityKind  `json:"kind"`
	ID         string            `json:"id"`
	Version    uint64            `json:"version"`
	ObservedAt time.Time         `json:"observed_at"`
	Attrs      model.Attributes  `json:"attrs,omitempty"`
	Deleted    bool              `json:"deleted,omitempty"`
}

// Publisher writes snapshots and notices to the shared cache and bus.
type Publisher struct {
	rdb rediser
	cfg Config
	log *logging.Logger
}

// New creates a Publisher over a connected redis client.
func New(rdb rediser, log *logging.Logger, cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = def.SnapshotTTL
	}
	if cfg.EphemeralTTL <= 0 {
		cfg.EphemeralTTL = def.EphemeralTTL
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = def.TombstoneTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Publisher{rdb: rdb, cfg: cfg, log: log}
}

// Channel returns the pub/sub channel for a tenant and entity kind.
func Channel(tenant model.TenantScope, kind model.EntityKind) string {
	return fmt.Sprintf("mirror:invalidate:%s:%s", tenant, kind)
}

// Publish writes the snapshot to the shared cache under
// tenant:entityKind:entityId and emits an invalidation notice. The error is
// informational; callers count it and move on.
func (p *Publisher) Publish(ctx context.Context, snap *model.EntitySnapshot) error {
	value := cachedSnapshot{
		Tenant:     snap.Key.Tenant,
		Kind:       snap.Key.Kind,
		ID:         snap.Key.ID,
		Version:    snap.LocalVersion,
		ObservedAt: snap.ObservedAt,
		Attrs:      snap.Attrs,
	}
	notice := Notice{Tenant: snap.Key.Tenant, Kind: snap.Key.Kind, ID: snap.Key.ID, Version: snap.LocalVersion}
	return p.publish(ctx, snap.Key, value, notice, p.ttlFor(snap.Key.Kind))
}

// PublishTombstone marks a deletion in the shared cache and notifies
// subscribers.
func (p *Publisher) PublishTombstone(ctx context.Context, key model.EntityKey, version uint64) error {
	value := cachedSnapshot{Tenant: key.Tenant, Kind: key.Kind, ID: key.ID, Version: version, Deleted: true}
	notice := Notice{Tenant: key.Tenant, Kind: key.Kind, ID: key.ID, Version: version, Deleted: true}
	return p.publish(ctx, key, value, notice, p.cfg.TombstoneTTL)
}

func (p *Publisher) publish(ctx context.Context, key model.EntityKey, value cachedSnapshot, notice Notice, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(value)
	if err != nil {
		return p.fail(key, fmt.Errorf("marshal snapshot: %w", err))
	}
	if err := p.rdb.Set(ctx, key.String(), payload, ttl).Err(); err != nil {
		return p.fail(key, fmt.Errorf("shared cache set: %w", err))
	}
	msg, err := json.Marshal(notice)
	if err != nil {
		return p.fail(key, fmt.Errorf("marshal notice: %w", err))
	}
	if err := p.rdb.Publish(ctx, Channel(key.Tenant, key.Kind), msg).Err(); err != nil {
		return p.fail(key, fmt.Errorf("notice publish: %w", err))
	}
	metrics.FanoutPublished.Inc()
	return nil
}

func (p *Publisher) fail(key model.EntityKey, err error) error {
	metrics.FanoutFailures.Inc()
	p.log.Warn("fanout publish failed", logging.Fields{"key": key.String(), "error": err.Error()})
	return fmt.Errorf("%w: %s: %v", model.ErrPublishFailed, key, err)
}

func (p *Publisher) ttlFor(kind model.EntityKind) time.Duration {
	if kind.Ephemeral() || kind == model.KindMessage {
		return p.cfg.EphemeralTTL
	}
	return p.cfg.SnapshotTTL
}
