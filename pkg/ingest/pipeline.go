// Package ingest orchestrates the mirror pipeline: raw gateway events are
// normalized, diffed against the entity cache and fanned out to the audit
// sink and the shared-cache publisher.
//
// Events are partitioned across a fixed worker pool by EntityKey hash, which
// preserves per-entity arrival order while allowing cross-tenant
// parallelism. When the audit intake saturates, a partition enters a
// backpressured state: events still update the cache and fanout (live-state
// queries stay fresh) while audit records are dropped with a counted loss.
// Losing audit completeness is preferred over losing the upstream
// connection.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guildmirror/pkg/cache"
	"guildmirror/pkg/diff"
	"guildmirror/pkg/gateway"
	"guildmirror/pkg/logging"
	"guildmirror/pkg/metrics"
	"guildmirror/pkg/model"
	"guildmirror/pkg/normalize"
)

// Appender is the audit sink boundary.
type Appender interface {
	Append(rec model.ChangeRecord) error
}

// Publisher is the fanout boundary.
type Publisher interface {
	Publish(ctx context.Context, snap *model.EntitySnapshot) error
	PublishTombstone(ctx context.Context, key model.EntityKey, version uint64) error
}

// Config carries the concurrency policy.
type Config struct {
	Workers int
	// QueueSize bounds each partition's envelope queue.
	QueueSize int
	// EnqueueTimeout bounds how long Submit may wait on a full partition
	// before dropping the event; the gateway read loop must never stall
	// indefinitely.
	EnqueueTimeout time.Duration
}

// DefaultConfig returns the concurrency defaults.
func DefaultConfig() Config {
	return Config{Workers: 8, QueueSize: 512, EnqueueTimeout: time.Second}
}

// Pipeline is the ingestion orchestrator.
type Pipeline struct {
	cfg   Config
	cache *cache.Cache
	norm  *normalize.Normalizer
	sink  Appender
	pub   Publisher
	log   *logging.Logger

	queues []chan *model.EventEnvelope
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	// backpressured tracks, per partition, whether the last audit append was
	// deferred; transitions into the state are counted.
	backpressured []bool
	bpMu          sync.Mutex
}

// New creates a pipeline and starts its workers.
func New(c *cache.Cache, norm *normalize.Normalizer, sink Appender, pub Publisher, log *logging.Logger, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	p := &Pipeline{
		cfg:           cfg,
		cache:         c,
		norm:          norm,
		sink:          sink,
		pub:           pub,
		log:           log,
		queues:        make([]chan *model.EventEnvelope, cfg.Workers),
		backpressured: make([]bool, cfg.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *model.EventEnvelope, cfg.QueueSize)
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Run consumes the source until the context is cancelled or the stream ends.
// It does not shut the pipeline down; callers drive Shutdown afterwards.
func (p *Pipeline) Run(ctx context.Context, src gateway.Source) error {
	events := src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-events:
			if !ok {
				return nil
			}
			if err := p.Submit(raw); err != nil {
				p.log.Debug("event not ingested", logging.Fields{"event": raw.Name, "error": err.Error()})
			}
		}
	}
}

// Submit normalizes one raw event and hands it to its partition. Malformed
// and unsupported events are dropped and counted, never fatal. After
// shutdown has begun it fails with model.ErrShuttingDown.
func (p *Pipeline) Submit(raw gateway.RawEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.EventsDropped.WithLabelValues("shutting_down").Inc()
		return fmt.Errorf("%w: %s", model.ErrShuttingDown, raw.Name)
	}

	env, err := p.norm.Normalize(raw)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrUnsupportedEventKind):
			metrics.EventsDropped.WithLabelValues("unsupported").Inc()
		case errors.Is(err, model.ErrMalformedPayload):
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			p.log.Warn("malformed payload dropped", logging.Fields{"event": raw.Name, "error": err.Error()})
		default:
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
		}
		return err
	}

	part := int(fnv32(env.Key().String()) % uint32(p.cfg.Workers))
	select {
	case p.queues[part] <- env:
		return nil
	default:
	}
	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case p.queues[part] <- env:
		return nil
	case <-timer.C:
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		return fmt.Errorf("partition %d queue full, event %s dropped", part, raw.Name)
	}
}

// Shutdown stops intake, drains the partition queues and waits for workers
// within the context's grace period. The audit sink is drained separately by
// its owner.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain: %w", ctx.Err())
	}
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for env := range p.queues[id] {
		p.process(id, env)
	}
}

// process drives one envelope through cache, diff, audit and fanout.
func (p *Pipeline) process(worker int, env *model.EventEnvelope) {
	key := env.Key()
	if env.Op == model.OpDelete {
		p.processDelete(worker, key, env)
		return
	}

	accepted, prev, cur := p.cache.Upsert(key, env.Payload, env.SequenceHint, env.ObservedAt)
	if !accepted {
		// Normal out-of-order rejection; the cache already counted it. The
		// accepted newer write produced the authoritative record.
		return
	}

	rec := diff.Diff(prev, cur, env.Op)
	if !(rec.Kind == model.ChangeUpdated && len(rec.Delta) == 0) {
		p.append(worker, rec)
	}
	if err := p.pub.Publish(context.Background(), cur); err != nil {
		// Already counted and logged by the publisher; retried on the next
		// event for this key.
		_ = err
	}
}

func (p *Pipeline) processDelete(worker int, key model.EntityKey, env *model.EventEnvelope) {
	prev := p.cache.Remove(key)
	tomb := &model.EntitySnapshot{Key: key, SequenceHint: env.SequenceHint, ObservedAt: env.ObservedAt}
	rec := diff.Diff(prev, tomb, model.OpDelete)
	p.append(worker, rec)

	var version uint64
	if prev != nil {
		version = prev.LocalVersion
	}
	if err := p.pub.PublishTombstone(context.Background(), key, version); err != nil {
		_ = err
	}
}

// append hands a record to the audit sink, tracking the partition's
// backpressure state. A deferred write is a counted loss, not a stall.
func (p *Pipeline) append(worker int, rec model.ChangeRecord) {
	err := p.sink.Append(rec)
	switch {
	case err == nil:
		p.setBackpressured(worker, false)
	case errors.Is(err, model.ErrWriteDeferred):
		metrics.AuditRecordsDropped.WithLabelValues("deferred").Inc()
		p.setBackpressured(worker, true)
	case errors.Is(err, model.ErrShuttingDown):
		metrics.AuditRecordsDropped.WithLabelValues("shutdown").Inc()
	default:
		metrics.AuditRecordsDropped.WithLabelValues("deferred").Inc()
		p.log.Warn("audit append failed", logging.Fields{"key": rec.Key.String(), "error": err.Error()})
	}
}

func (p *Pipeline) setBackpressured(worker int, v bool) {
	p.bpMu.Lock()
	if v && !p.backpressured[worker] {
		metrics.BackpressureEntries.Inc()
	}
	p.backpressured[worker] = v
	p.bpMu.Unlock()
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
