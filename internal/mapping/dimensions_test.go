package mapping

import (
	"testing"

	"github.com/MarcoPoloResearchLab/pimsync/internal/events"
	"github.com/stretchr/testify/require"
)

func TestResolveDimensionValuePlainValues(t *testing.T) {
	value, structured, ok := ResolveDimensionValue("plain", &events.DimensionMapping{Dimensions: "de"})
	require.False(t, structured)
	require.True(t, ok)
	require.Equal(t, "plain", value)

	value, structured, _ = ResolveDimensionValue(map[string]any{"id": 1.0}, nil)
	require.False(t, structured)
	require.Equal(t, map[string]any{"id": 1.0}, value)
}

func TestResolveDimensionValueMapForm(t *testing.T) {
	value := map[string]any{
		"dimensions": map[string]any{"de": "Name-DE", "fr": "Nom"},
		"value":      "Name",
	}

	resolved, structured, ok := ResolveDimensionValue(value, &events.DimensionMapping{Language: 5, Dimensions: "de"})
	require.True(t, structured)
	require.True(t, ok)
	require.Equal(t, "Name-DE", resolved)

	resolved, _, ok = ResolveDimensionValue(value, &events.DimensionMapping{Language: 0, Dimensions: "en"})
	require.True(t, ok)
	require.Equal(t, "Name", resolved)

	_, _, ok = ResolveDimensionValue(map[string]any{"dimensions": map[string]any{"de": "x"}}, &events.DimensionMapping{Dimensions: "en"})
	require.False(t, ok)
}

func TestResolveDimensionValueListForm(t *testing.T) {
	value := []any{
		map[string]any{"dimensions": map[string]any{"en": "Red"}, "value": "Red"},
		map[string]any{"dimensions": map[string]any{"de_AT": "Rot"}, "value": "Rot"},
	}

	resolved, structured, ok := ResolveDimensionValue(value, &events.DimensionMapping{Dimensions: "de*"})
	require.True(t, structured)
	require.True(t, ok)
	require.Equal(t, "Rot", resolved)

	resolved, _, ok = ResolveDimensionValue(value, nil)
	require.True(t, ok)
	require.Equal(t, "Red", resolved)

	resolved, _, ok = ResolveDimensionValue([]any{map[string]any{"dimensions": nil, "value": 3.0}}, &events.DimensionMapping{Dimensions: "en"})
	require.True(t, ok)
	require.Equal(t, 3.0, resolved)
}

func TestResolveDimensionValueIgnoresPlainLists(t *testing.T) {
	value := []any{"A", "B"}
	resolved, structured, ok := ResolveDimensionValue(value, nil)
	require.False(t, structured)
	require.True(t, ok)
	require.Equal(t, value, resolved)
}
