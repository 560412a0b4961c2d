package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guildmirror/pkg/model"
)

var testKey = model.EntityKey{Tenant: "t1", Kind: model.KindChannel, ID: "c1"}

func snap(attrs model.Attributes, hint int64) *model.EntitySnapshot {
	return &model.EntitySnapshot{
		Key:          testKey,
		Attrs:        attrs,
		LocalVersion: 1,
		SequenceHint: hint,
		ObservedAt:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateWithoutBeforeEmitsPopulatedFields(t *testing.T) {
	after := snap(model.Attributes{"name": "general", "topic": nil, "position": float64(3)}, 1)
	rec := Diff(nil, after, model.OpCreate)

	assert.Equal(t, model.ChangeCreated, rec.Kind)
	assert.Equal(t, testKey, rec.Key)
	require.Len(t, rec.Delta, 2)
	assert.Equal(t, model.FieldChange{Old: nil, New: "general"}, rec.Delta["name"])
	assert.Equal(t, model.FieldChange{Old: nil, New: float64(3)}, rec.Delta["position"])
}

func TestFirstSeenOnUpdateIsUnknownNotCreated(t *testing.T) {
	after := snap(model.Attributes{"name": "general"}, 9)
	rec := Diff(nil, after, model.OpUpdate)

	// Unknown marks "first observation", which audit consumers must be able
	// to tell apart from an actual creation.
	assert.Equal(t, model.ChangeUnknown, rec.Kind)
	assert.Equal(t, model.FieldChange{Old: nil, New: "general"}, rec.Delta["name"])
}

func TestIdenticalSnapshotsYieldEmptyDelta(t *testing.T) {
	attrs := model.Attributes{
		"name":  "general",
		"tags":  []any{"a", "b"},
		"perms": map[string]any{"read": true},
	}
	rec := Diff(snap(attrs, 1), snap(attrs, 2), model.OpUpdate)

	assert.Equal(t, model.ChangeUpdated, rec.Kind)
	assert.Empty(t, rec.Delta)
}

func TestUpdateEmitsOnlyChangedFields(t *testing.T) {
	before := snap(model.Attributes{"name": "general", "topic": "old", "nsfw": false}, 1)
	after := snap(model.Attributes{"name": "general", "topic": "new", "nsfw": false}, 2)
	rec := Diff(before, after, model.OpUpdate)

	require.Len(t, rec.Delta, 1)
	assert.Equal(t, model.FieldChange{Old: "old", New: "new"}, rec.Delta["topic"])
	assert.Equal(t, int64(2), rec.SequenceHint)
}

func TestOrderedSequenceComparesByContent(t *testing.T) {
	before := snap(model.Attributes{"roles": []any{"1", "2"}}, 1)
	sameContent := snap(model.Attributes{"roles": []any{"1", "2"}}, 2)
	reordered := snap(model.Attributes{"roles": []any{"2", "1"}}, 3)

	assert.Empty(t, Diff(before, sameContent, model.OpUpdate).Delta)

	rec := Diff(before, reordered, model.OpUpdate)
	require.Len(t, rec.Delta, 1)
	assert.Equal(t, []any{"1", "2"}, rec.Delta["roles"].Old)
	assert.Equal(t, []any{"2", "1"}, rec.Delta["roles"].New)
}

func TestUpdateRecordsDisappearedFields(t *testing.T) {
	before := snap(model.Attributes{"name": "general", "topic": "old"}, 1)
	after := snap(model.Attributes{"name": "general"}, 2)
	rec := Diff(before, after, model.OpUpdate)

	require.Len(t, rec.Delta, 1)
	assert.Equal(t, model.FieldChange{Old: "old", New: nil}, rec.Delta["topic"])
}

func TestCreateRedeliveryWithBeforeDiffsNormally(t *testing.T) {
	before := snap(model.Attributes{"name": "general"}, 1)
	after := snap(model.Attributes{"name": "general"}, 1)
	rec := Diff(before, after, model.OpCreate)

	assert.Equal(t, model.ChangeUpdated, rec.Kind)
	assert.Empty(t, rec.Delta)
}

func TestDeleteCarriesLastSnapshotAsOldSide(t *testing.T) {
	before := snap(model.Attributes{"name": "general", "topic": "t"}, 4)
	tomb := &model.EntitySnapshot{Key: testKey, SequenceHint: 6, ObservedAt: time.Now().UTC()}
	rec := Diff(before, tomb, model.OpDelete)

	assert.Equal(t, model.ChangeDeleted, rec.Kind)
	assert.Equal(t, int64(6), rec.SequenceHint)
	require.Len(t, rec.Delta, 2)
	assert.Equal(t, model.FieldChange{Old: "general", New: nil}, rec.Delta["name"])
	assert.Equal(t, model.FieldChange{Old: "t", New: nil}, rec.Delta["topic"])
}

func TestDeleteWithoutBeforeHasEmptyDelta(t *testing.T) {
	tomb := &model.EntitySnapshot{Key: testKey, SequenceHint: 6, ObservedAt: time.Now().UTC()}
	rec := Diff(nil, tomb, model.OpDelete)

	assert.Equal(t, model.ChangeDeleted, rec.Kind)
	assert.Equal(t, testKey, rec.Key)
	assert.Empty(t, rec.Delta)
}

func TestValueEqualMixedTypes(t *testing.T) {
	cases := []struct {
		name string
		a, b any
		want bool
	}{
		{"nil both", nil, nil, true},
		{"nil one", nil, "x", false},
		{"string", "a", "a", true},
		{"string ne", "a", "b", false},
		{"number", float64(2), float64(2), true},
		{"bool vs string", true, "true", false},
		{"nested map", map[string]any{"a": []any{float64(1)}}, map[string]any{"a": []any{float64(1)}}, true},
		{"nested map ne", map[string]any{"a": []any{float64(1)}}, map[string]any{"a": []any{float64(2)}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, valueEqual(tc.a, tc.b))
		})
	}
}
