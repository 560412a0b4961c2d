// Package deadletter appends audit records that exhausted their retry budget
// to a local JSON-lines file so operators can replay them later. Loss stays
// observable instead of silent.
package deadletter

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"guildmirror/pkg/model"
)

// Entry is one dead-lettered change record.
type Entry struct {
	ID         string            `json:"id"`
	DroppedAt  string            `json:"dropped_at"`
	Reason     string            `json:"reason"`
	Tenant     model.TenantScope `json:"tenant"`
	EntityKind model.EntityKind  `json:"entity_kind"`
	EntityID   string            `json:"entity_id"`
	ChangeKind model.ChangeKind  `json:"change_kind"`
	Delta      model.FieldDelta  `json:"delta,omitempty"`
	Sequence   int64             `json:"sequence_hint"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Ledger serializes appends to one file.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// New creates a ledger writing to path. An empty path disables it.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Enabled reports whether the ledger writes anywhere.
func (l *Ledger) Enabled() bool { return l != nil && l.path != "" }

// Append writes one record with the given drop reason, creating parent
// directories as needed.
func (l *Ledger) Append(rec model.ChangeRecord, reason string) error {
	if !l.Enabled() {
		return nil
	}
	if l.path == "" {
		return errors.New("deadletter path is empty")
	}
	entry := Entry{
		ID:         uuid.NewString(),
		DroppedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Tenant:     rec.Key.Tenant,
		EntityKind: rec.Key.Kind,
		EntityID:   rec.Key.ID,
		ChangeKind: rec.Kind,
		Delta:      rec.Delta,
		Sequence:   rec.SequenceHint,
		ObservedAt: rec.ObservedAt,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal deadletter entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open deadletter: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write deadletter: %w", err)
	}
	return nil
}
