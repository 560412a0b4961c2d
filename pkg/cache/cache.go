// Package cache holds the in-process mirror of remote entity state: a
// sharded, concurrent map from EntityKey to the last-known snapshot.
//
// Writes carry an optional upstream sequence hint; a write older than the
// stored snapshot's hint is rejected, which resolves out-of-order delivery
// without a reordering buffer. Ephemeral kinds (presence, voice state) are
// held under a per-tenant LRU cap with idle eviction since they are
// reconstructible from a fresh upstream resync.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"guildmirror/pkg/metrics"
	"guildmirror/pkg/model"
)

const shardCount = 32

// Config carries the retention policy knobs.
type Config struct {
	// EphemeralCap bounds the number of ephemeral-kind entries per tenant.
	EphemeralCap int
	// IdleWindow evicts ephemeral entries not written for this long.
	IdleWindow time.Duration
	// JanitorInterval is how often idle eviction runs. Zero disables the
	// janitor goroutine.
	JanitorInterval time.Duration
}

// DefaultConfig returns the retention defaults used when a knob is unset.
func DefaultConfig() Config {
	return Config{
		EphemeralCap:    4096,
		IdleWindow:      15 * time.Minute,
		JanitorInterval: time.Minute,
	}
}

type entry struct {
	snap    *model.EntitySnapshot
	touched time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[model.EntityKey]*entry
}

// Cache is safe for concurrent use. Reads never block writers to other keys.
type Cache struct {
	cfg     Config
	shards  [shardCount]*shard
	version atomic.Uint64

	// channel -> tenant index backing normalizer tenant resolution.
	idxMu sync.RWMutex
	index map[string]model.TenantScope

	// per-tenant recency lists for ephemeral kinds; front = most recent.
	lruMu   sync.Mutex
	lru     map[model.TenantScope]*list.List
	lruElem map[model.EntityKey]*list.Element

	stop chan struct{}
	done chan struct{}
}

// New creates a cache and, if configured, starts its idle-eviction janitor.
func New(cfg Config) *Cache {
	if cfg.EphemeralCap <= 0 {
		cfg.EphemeralCap = DefaultConfig().EphemeralCap
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = DefaultConfig().IdleWindow
	}
	c := &Cache{
		cfg:     cfg,
		index:   make(map[string]model.TenantScope),
		lru:     make(map[model.TenantScope]*list.List),
		lruElem: make(map[model.EntityKey]*list.Element),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[model.EntityKey]*entry)}
	}
	if cfg.JanitorInterval > 0 {
		go c.janitor()
	} else {
		close(c.done)
	}
	return c
}

// Close stops the janitor.
func (c *Cache) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
}

func (c *Cache) shardFor(key model.EntityKey) *shard {
	return c.shards[fnv32(key.String())%shardCount]
}

// Get returns the current snapshot for key, or nil. The returned snapshot is
// immutable; callers must not modify its attributes.
func (c *Cache) Get(key model.EntityKey) *model.EntitySnapshot {
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ent, ok := s.items[key]; ok {
		return ent.snap
	}
	return nil
}

// Upsert stores a candidate snapshot unless its sequence hint is older than
// the stored one. It returns whether the write was accepted, the previous
// snapshot (nil on first observation) and the now-current snapshot. On
// rejection the cached snapshot is returned unchanged as both previous and
// current.
func (c *Cache) Upsert(key model.EntityKey, attrs model.Attributes, seqHint int64, observedAt time.Time) (accepted bool, previous, current *model.EntitySnapshot) {
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	s := c.shardFor(key)
	s.mu.Lock()
	ent, exists := s.items[key]
	if exists {
		previous = ent.snap
		if seqHint != model.SeqNone && previous.SequenceHint != model.SeqNone && seqHint < previous.SequenceHint {
			s.mu.Unlock()
			metrics.StaleWrites.Inc()
			return false, previous, previous
		}
		if seqHint == model.SeqNone {
			// Keep the known hint so later out-of-order writes still reject.
			seqHint = previous.SequenceHint
		}
	}
	snap := &model.EntitySnapshot{
		Key:          key,
		Attrs:        attrs,
		LocalVersion: c.version.Add(1),
		SequenceHint: seqHint,
		ObservedAt:   observedAt,
	}
	s.items[key] = &entry{snap: snap, touched: observedAt}
	s.mu.Unlock()

	if !exists {
		metrics.CacheEntries.Inc()
	}
	if key.Kind == model.KindChannel {
		c.setIndex(key.ID, key.Tenant)
	}
	if key.Kind.Ephemeral() {
		c.touchEphemeral(key)
	}
	return true, previous, snap
}

// Remove deletes the snapshot for key and returns it, or nil if absent.
func (c *Cache) Remove(key model.EntityKey) *model.EntitySnapshot {
	s := c.shardFor(key)
	s.mu.Lock()
	ent, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.CacheEntries.Dec()
	if key.Kind == model.KindChannel {
		c.dropIndex(key.ID)
	}
	if key.Kind.Ephemeral() {
		c.dropEphemeral(key)
	}
	return ent.snap
}

// Scan visits every snapshot matching tenant and kind until fn returns false.
// Snapshots observed are a point-in-time view per shard, not a global
// consistent cut.
func (c *Cache) Scan(tenant model.TenantScope, kind model.EntityKind, fn func(*model.EntitySnapshot) bool) {
	for _, s := range c.shards {
		s.mu.RLock()
		matched := make([]*model.EntitySnapshot, 0)
		for key, ent := range s.items {
			if key.Tenant == tenant && key.Kind == kind {
				matched = append(matched, ent.snap)
			}
		}
		s.mu.RUnlock()
		for _, snap := range matched {
			if !fn(snap) {
				return
			}
		}
	}
}

// ResolveTenant maps a channel id to its owning tenant, if cached.
func (c *Cache) ResolveTenant(channelID string) (model.TenantScope, bool) {
	c.idxMu.RLock()
	defer c.idxMu.RUnlock()
	t, ok := c.index[channelID]
	return t, ok
}

func (c *Cache) setIndex(channelID string, tenant model.TenantScope) {
	c.idxMu.Lock()
	c.index[channelID] = tenant
	c.idxMu.Unlock()
}

func (c *Cache) dropIndex(channelID string) {
	c.idxMu.Lock()
	delete(c.index, channelID)
	c.idxMu.Unlock()
}

// touchEphemeral records recency for key and evicts the least-recently
// written entry of the same tenant when over the cap.
func (c *Cache) touchEphemeral(key model.EntityKey) {
	var evicted []model.EntityKey
	c.lruMu.Lock()
	l := c.lru[key.Tenant]
	if l == nil {
		l = list.New()
		c.lru[key.Tenant] = l
	}
	if elem, ok := c.lruElem[key]; ok {
		l.MoveToFront(elem)
	} else {
		c.lruElem[key] = l.PushFront(key)
	}
	for l.Len() > c.cfg.EphemeralCap {
		back := l.Back()
		k := back.Value.(model.EntityKey)
		l.Remove(back)
		delete(c.lruElem, k)
		evicted = append(evicted, k)
	}
	c.lruMu.Unlock()

	for _, k := range evicted {
		c.evict(k, "lru")
	}
}

func (c *Cache) dropEphemeral(key model.EntityKey) {
	c.lruMu.Lock()
	if elem, ok := c.lruElem[key]; ok {
		if l := c.lru[key.Tenant]; l != nil {
			l.Remove(elem)
		}
		delete(c.lruElem, key)
	}
	c.lruMu.Unlock()
}

func (c *Cache) evict(key model.EntityKey, cause string) {
	s := c.shardFor(key)
	s.mu.Lock()
	_, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()
	if ok {
		metrics.CacheEntries.Dec()
		metrics.CacheEvictions.WithLabelValues(cause).Inc()
	}
}

func (c *Cache) janitor() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictIdle(time.Now().UTC())
		}
	}
}

// evictIdle removes ephemeral entries not written within the idle window.
func (c *Cache) evictIdle(now time.Time) {
	var candidates []model.EntityKey
	c.lruMu.Lock()
	for _, l := range c.lru {
		// Lists are recency-ordered; walk from the oldest end.
		for elem := l.Back(); elem != nil; elem = elem.Prev() {
			candidates = append(candidates, elem.Value.(model.EntityKey))
		}
	}
	c.lruMu.Unlock()

	for _, key := range candidates {
		s := c.shardFor(key)
		s.mu.RLock()
		ent, ok := s.items[key]
		idle := ok && now.Sub(ent.touched) > c.cfg.IdleWindow
		s.mu.RUnlock()
		if !ok {
			c.dropEphemeral(key)
			continue
		}
		if idle {
			c.evict(key, "idle")
			c.dropEphemeral(key)
		}
	}
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
