// Package diff computes structured change records from after-only payloads
// and the cache's before-image.
package diff

import (
	"reflect"
	"time"

	"guildmirror/pkg/model"
)

// Diff classifies what happened between before and after for one entity and
// enumerates the changed fields.
//
//   - before absent + create hint: Created, (nil, new) for every populated field.
//   - before absent + update hint: Unknown. The full after-image is emitted as
//     the delta baseline so audit consumers can tell "first observation" from
//     "actual creation". Do not collapse this into Updated.
//   - before present + after present: Updated, changed fields only. An empty
//     delta is a representable no-op.
//   - delete hint: Deleted, the last known snapshot as the old side.
//
// after is nil only for deletions.
func Diff(before, after *model.EntitySnapshot, op model.EventOp) model.ChangeRecord {
	switch {
	case op == model.OpDelete:
		return deleted(before, after)
	case before == nil && op == model.OpCreate:
		return baseline(after, model.ChangeCreated)
	case before == nil:
		return baseline(after, model.ChangeUnknown)
	default:
		return updated(before, after)
	}
}

func deleted(before, after *model.EntitySnapshot) model.ChangeRecord {
	rec := model.ChangeRecord{Kind: model.ChangeDeleted, Delta: model.FieldDelta{}, SequenceHint: model.SeqNone}
	// The delete event itself (after) names the entity and carries the
	// freshest timing; the before-image only supplies the old field values.
	src := after
	if src == nil {
		src = before
	}
	if src != nil {
		rec.Key = src.Key
		rec.SequenceHint = src.SequenceHint
		rec.ObservedAt = src.ObservedAt
	}
	if before != nil {
		for field, old := range before.Attrs {
			if old == nil {
				continue
			}
			rec.Delta[field] = model.FieldChange{Old: old, New: nil}
		}
	}
	if rec.ObservedAt.IsZero() {
		rec.ObservedAt = time.Now().UTC()
	}
	return rec
}

func baseline(after *model.EntitySnapshot, kind model.ChangeKind) model.ChangeRecord {
	rec := model.ChangeRecord{
		Key:          after.Key,
		Kind:         kind,
		Delta:        model.FieldDelta{},
		SequenceHint: after.SequenceHint,
		ObservedAt:   after.ObservedAt,
	}
	for field, val := range after.Attrs {
		if val == nil {
			continue
		}
		rec.Delta[field] = model.FieldChange{Old: nil, New: val}
	}
	return rec
}

func updated(before, after *model.EntitySnapshot) model.ChangeRecord {
	rec := model.ChangeRecord{
		Key:          after.Key,
		Kind:         model.ChangeUpdated,
		Delta:        model.FieldDelta{},
		SequenceHint: after.SequenceHint,
		ObservedAt:   after.ObservedAt,
	}
	for field, newVal := range after.Attrs {
		oldVal, had := before.Attrs[field]
		if !had {
			if newVal != nil {
				rec.Delta[field] = model.FieldChange{Old: nil, New: newVal}
			}
			continue
		}
		if !valueEqual(oldVal, newVal) {
			rec.Delta[field] = model.FieldChange{Old: oldVal, New: newVal}
		}
	}
	for field, oldVal := range before.Attrs {
		if _, still := after.Attrs[field]; !still && oldVal != nil {
			rec.Delta[field] = model.FieldChange{Old: oldVal, New: nil}
		}
	}
	return rec
}

// valueEqual compares decoded JSON values by content. Ordered sequences
// compare element-wise, objects key-wise.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, has := bv[k]
			if !has || !valueEqual(v, bvv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
