// Package auditsink durably appends change records to the relational store.
// Records pass through a bounded intake queue into batches flushed on a size
// threshold or a timer, whichever first. Transient failures are retried with
// exponential backoff up to a bounded attempt count; exhausted batches go to
// the dead-letter ledger and a counter, never back onto the ingestion path.
package auditsink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guildmirror/pkg/deadletter"
	"guildmirror/pkg/logging"
	"guildmirror/pkg/metrics"
	"guildmirror/pkg/model"
)

// Config carries the batching and retry policy.
type Config struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	FlushTimeout  time.Duration
}

// DefaultConfig returns the policy defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		BatchSize:     64,
		FlushInterval: 2 * time.Second,
		MaxAttempts:   5,
		BackoffBase:   100 * time.Millisecond,
		BackoffMax:    5 * time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Sink accepts change records without blocking the caller beyond the bounded
// queue.
type Sink struct {
	cfg   Config
	store Store
	dead  *deadletter.Ledger
	log   *logging.Logger

	mu     sync.RWMutex
	closed bool
	intake chan Row
	done   chan struct{}
}

// New creates a sink and starts its flush worker.
func New(store Store, dead *deadletter.Ledger, log *logging.Logger, cfg Config) *Sink {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	s := &Sink{
		cfg:    cfg,
		store:  store,
		dead:   dead,
		log:    log,
		intake: make(chan Row, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go s.worker()
	return s
}

// Append enqueues a record for durable persistence. It returns
// model.ErrWriteDeferred immediately when the intake queue is full and
// model.ErrShuttingDown after Close has begun.
func (s *Sink) Append(rec model.ChangeRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.ErrShuttingDown
	}
	row := Row{Record: rec, Key: DeriveKey(rec)}
	select {
	case s.intake <- row:
		return nil
	default:
		return model.ErrWriteDeferred
	}
}

// Close stops intake and flushes in-flight batches within the context's
// grace period.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.intake)
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit sink drain: %w", ctx.Err())
	}
}

func (s *Sink) worker() {
	defer close(s.done)
	batch := make([]Row, 0, s.cfg.BatchSize)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case row, ok := <-s.intake:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, row)
			if len(batch) >= s.cfg.BatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch, retrying transient failures with exponential
// backoff. On exhaustion the batch is dead-lettered and counted.
func (s *Sink) flush(batch []Row) {
	if len(batch) == 0 {
		return
	}
	backoff := s.cfg.BackoffBase
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		n, err := s.store.InsertBatch(ctx, batch)
		cancel()
		if err == nil {
			metrics.AuditRowsWritten.Add(float64(n))
			return
		}
		metrics.AuditWriteFailures.Inc()
		s.log.Warn("audit batch flush failed", logging.Fields{
			"attempt": attempt,
			"size":    len(batch),
			"error":   err.Error(),
		})
		if attempt == s.cfg.MaxAttempts {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
	}

	metrics.AuditRecordsDropped.WithLabelValues("retry_exhausted").Add(float64(len(batch)))
	for _, row := range batch {
		if err := s.dead.Append(row.Record, "retry_exhausted"); err != nil {
			s.log.Error("deadletter append failed", logging.Fields{"error": err.Error()})
		}
	}
	s.log.Error("audit batch dropped after retry exhaustion", logging.Fields{"size": len(batch)})
}
