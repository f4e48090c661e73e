package mapping

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/stretchr/testify/require"
)

func TestImportCreatesDefaultAndTranslatedInstances(t *testing.T) {
	h := newMappingHarness(t,
		events.DimensionMapping{Language: 0, Dimensions: "en"},
		events.DimensionMapping{Language: 5, Dimensions: "de"},
	)
	err := h.importObject(t, events.EventTypeCreate, "W1", map[string]any{
		"name":  map[string]any{"dimensions": map[string]any{"de": "Name-DE"}, "value": "Name"},
		"price": 12.5,
	})
	require.NoError(t, err)

	widgets := h.widgets(t, "W1")
	require.Len(t, widgets, 2)
	require.Equal(t, 0, widgets[0].Language)
	require.Equal(t, "Name", widgets[0].Name)
	require.EqualValues(t, 9, widgets[0].StoragePID)
	require.Equal(t, 5, widgets[1].Language)
	require.Equal(t, "Name-DE", widgets[1].Name)
	require.Equal(t, widgets[0].ID, widgets[1].ParentID)
	require.Equal(t, 12.5, widgets[1].Price)
}

func TestImportWithoutDimensionsUsesPrimaryValue(t *testing.T) {
	h := newMappingHarness(t)
	err := h.importObject(t, events.EventTypeCreate, "W1", map[string]any{
		"name": []any{map[string]any{"dimensions": nil, "value": "Only"}},
	})
	require.NoError(t, err)

	widgets := h.widgets(t, "W1")
	require.Len(t, widgets, 1)
	require.Equal(t, "Only", widgets[0].Name)
}

func TestImportIsIdempotent(t *testing.T) {
	h := newMappingHarness(t,
		events.DimensionMapping{Language: 0, Dimensions: "en"},
		events.DimensionMapping{Language: 3, Dimensions: "fr"},
	)
	h.mustCreateTag(t, "T1")
	payload := map[string]any{
		"name":         "Lamp",
		"count":        4.0,
		"active":       true,
		"released_at":  "2024-05-01",
		"title":        "Bright",
		"tag_ids":      []any{"T1"},
		"unknown_prop": "ignored silently",
	}
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", payload))
	first := h.widgets(t, "W1")
	require.NoError(t, h.importObject(t, events.EventTypeUpdate, "W1", payload))
	second := h.widgets(t, "W1")

	require.Len(t, second, 2)
	for index := range first {
		require.Equal(t, first[index].ID, second[index].ID)
		require.Equal(t, first[index].Name, second[index].Name)
		require.Equal(t, first[index].Count, second[index].Count)
		require.Equal(t, first[index].Meta, second[index].Meta)
		require.Len(t, second[index].Tags, 1)
	}
	require.Equal(t, 4, second[0].Count)
	require.True(t, second[0].Active)
	require.Equal(t, "Bright", second[0].Meta.Title)
	require.NotNil(t, second[0].ReleasedAt)
	require.True(t, second[0].ReleasedAt.Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))
}

func TestImportReconcilesCollections(t *testing.T) {
	h := newMappingHarness(t)
	for _, id := range []string{"A", "B", "C"} {
		h.mustCreateTag(t, id)
	}
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"tag_ids": []any{"A", "B"}}))
	require.NoError(t, h.importObject(t, events.EventTypeUpdate, "W1", map[string]any{"tag_ids": []any{"B", "C"}}))

	widgets := h.widgets(t, "W1")
	require.Len(t, widgets, 1)
	labels := make([]string, 0, len(widgets[0].Tags))
	for _, tag := range widgets[0].Tags {
		labels = append(labels, tag.RemoteID)
	}
	require.ElementsMatch(t, []string{"B", "C"}, labels)
}

func TestImportSkipsUnresolvedRelatedObjects(t *testing.T) {
	h := newMappingHarness(t)
	h.mustCreateTag(t, "A")
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"tag_ids": []any{"A", "MISSING"}}))

	widgets := h.widgets(t, "W1")
	require.Len(t, widgets[0].Tags, 1)
	entries := h.logs.FilterMessage("related object not found").All()
	require.Len(t, entries, 1)
	require.Equal(t, "MISSING", entries[0].ContextMap()["related_id"])
}

func TestImportSkipsUnconvertibleValues(t *testing.T) {
	h := newMappingHarness(t)
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"count": 3.0}))
	require.NoError(t, h.importObject(t, events.EventTypeUpdate, "W1", map[string]any{
		"count": "many",
		"notes": []any{"a", "b"},
	}))

	widgets := h.widgets(t, "W1")
	require.Equal(t, 3, widgets[0].Count)
	require.Equal(t, `["a","b"]`, widgets[0].Notes)
	require.NotEmpty(t, h.logs.FilterMessage("conversion failed").All())
}

func TestImportHonoursIgnoreMapAndCustomSetters(t *testing.T) {
	h := newMappingHarness(t)
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{
		"secret":   "do not copy",
		"keywords": []any{"Soft", "Warm"},
	}))
	widgets := h.widgets(t, "W1")
	require.Equal(t, "soft,warm", widgets[0].Notes)
}

func TestImportKeepsNonNullableReferenceWhenValueIsNull(t *testing.T) {
	h := newMappingHarness(t)
	owner := h.mustCreateTag(t, "O1")
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"owner_id": "O1"}))
	require.NoError(t, h.importObject(t, events.EventTypeUpdate, "W1", map[string]any{"owner_id": nil}))

	widgets := h.widgets(t, "W1")
	require.NotNil(t, widgets[0].Owner)
	require.Equal(t, owner.ID, widgets[0].Owner.ID)
	require.NotEmpty(t, h.logs.FilterMessage("refusing to clear non-nullable reference").All())
}

func TestImportBackfillsConfiguredDefaults(t *testing.T) {
	h := newMappingHarness(t)
	require.NoError(t, h.module.SetFields([]events.FieldConfig{
		{Name: "count", Type: "CEInteger"},
		{Name: "active", Type: "CEBoolean", DefaultValue: true},
		{Name: "released_at", Type: "CEDate"},
	}))
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"name": "Stool"}))

	widgets := h.widgets(t, "W1")
	require.True(t, widgets[0].Active)
	require.Zero(t, widgets[0].Count)
	require.Nil(t, widgets[0].ReleasedAt)
}

func TestImportPrunesStaleTranslations(t *testing.T) {
	h := newMappingHarness(t,
		events.DimensionMapping{Language: 0, Dimensions: "en"},
		events.DimensionMapping{Language: 5, Dimensions: "de"},
		events.DimensionMapping{Language: 7, Dimensions: "fr"},
	)
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"name": "Desk"}))
	require.Len(t, h.widgets(t, "W1"), 3)

	h.module.Server.DimensionMappings = h.module.Server.DimensionMappings[:2]
	require.NoError(t, h.importObject(t, events.EventTypeUpdate, "W1", map[string]any{"name": "Desk"}))

	widgets := h.widgets(t, "W1")
	require.Len(t, widgets, 2)
	require.Equal(t, 5, widgets[1].Language)
}

func TestDeleteOfUnknownObjectIsReported(t *testing.T) {
	h := newMappingHarness(t)
	err := h.importObject(t, events.EventTypeDelete, "NOPE", nil)
	require.ErrorIs(t, err, ErrObjectNotFound)

	var count int64
	require.NoError(t, h.db.Model(&testWidget{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestDeleteRemovesObjectAndTranslations(t *testing.T) {
	h := newMappingHarness(t,
		events.DimensionMapping{Language: 0, Dimensions: "en"},
		events.DimensionMapping{Language: 5, Dimensions: "de"},
	)
	h.mustCreateTag(t, "A")
	require.NoError(t, h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"name": "Desk", "tag_ids": []any{"A"}}))
	require.NoError(t, h.importObject(t, events.EventTypeDelete, "W1", nil))

	require.Empty(t, h.widgets(t, "W1"))
	var joins int64
	require.NoError(t, h.db.Table("test_widget_tags").Count(&joins).Error)
	require.Zero(t, joins)
}

func TestImportRejectsUnsupportedEventType(t *testing.T) {
	h := newMappingHarness(t)
	err := h.importObject(t, events.EventTypeUnknown, "W1", map[string]any{"name": "x"})
	require.ErrorIs(t, err, ErrUnsupportedEventType)
}

func TestImportRejectsDuplicateDefaultDimensions(t *testing.T) {
	h := newMappingHarness(t,
		events.DimensionMapping{Language: 0, Dimensions: "en"},
		events.DimensionMapping{Language: 0, Dimensions: "en_GB"},
	)
	err := h.importObject(t, events.EventTypeCreate, "W1", map[string]any{"name": "x"})
	require.ErrorIs(t, err, events.ErrDuplicateDefaultDimension)
}
