package auditsink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"guildmirror/pkg/database"
	"guildmirror/pkg/model"
)

// Row is one change record plus its idempotency key, ready to persist.
type Row struct {
	Record model.ChangeRecord
	Key    string
}

// Store persists batches of change records. Implementations must be
// idempotent on Row.Key.
type Store interface {
	// InsertBatch writes the rows and returns how many were actually
	// inserted (duplicates by idempotency key are skipped, not errors).
	InsertBatch(ctx context.Context, rows []Row) (int64, error)
}

// PGStore writes audit rows to the relational store.
type PGStore struct {
	db *database.DB
}

// NewPGStore creates a PGStore over an open connection.
func NewPGStore(db *database.DB) *PGStore {
	return &PGStore{db: db}
}

const auditColumns = "idempotency_key, tenant, entity_kind, entity_id, change_kind, field_delta, sequence_hint, observed_at"

// InsertBatch writes rows in a single multi-row statement with
// ON CONFLICT DO NOTHING on the idempotency key.
func (s *PGStore) InsertBatch(ctx context.Context, rows []Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO audit_log (%s) VALUES ", auditColumns)
	args := make([]any, 0, len(rows)*8)
	for i, row := range rows {
		delta, err := json.Marshal(row.Record.Delta)
		if err != nil {
			return 0, fmt.Errorf("marshal delta: %w", err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 8
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
		args = append(args,
			row.Key,
			string(row.Record.Key.Tenant),
			string(row.Record.Key.Kind),
			row.Record.Key.ID,
			string(row.Record.Kind),
			delta,
			row.Record.SequenceHint,
			row.Record.ObservedAt,
		)
	}
	sb.WriteString(" ON CONFLICT (idempotency_key) DO NOTHING")

	res, err := s.db.Conn().ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert audit batch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return int64(len(rows)), nil
	}
	return n, nil
}
