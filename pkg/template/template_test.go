package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_SimpleExpression(t *testing.T) {
	data := map[string]any{
		"name":  "John",
		"age":   30,
		"isNew": true,
	}

	result, err := Render("{{ .name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "John", result)

	result, err = Render("{{ .isNew }}", data)
	require.NoError(t, err)
	assert.Equal(t, true, result)

	// numbers always come back as float64
	result, err = Render("{{ .age }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30.0, result)
}

func TestRender_ObjectConstruction(t *testing.T) {
	data := map[string]any{
		"lead": map[string]any{
			"name":  "Alice",
			"email": "alice@example.com",
		},
		"vehicles": []any{"car", "bike"},
	}

	result, err := Render(`{
		"name": "{{ .lead.name }}",
		"vehicles": {{ len .vehicles }}
	}`, data)
	require.NoError(t, err)

	resultMap, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Alice", resultMap["name"])
	assert.Equal(t, 2.0, resultMap["vehicles"])
}

func TestRender_ErrorHandling(t *testing.T) {
	data := map[string]any{"test": "value"}

	_, err := Render("{ invalid..expression }}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse json")

	_, err = Render("{{ nonexistent.field }}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "function \"nonexistent\" not defined")
}

func TestRenderString_KeepsText(t *testing.T) {
	data := map[string]any{
		"lead": map[string]any{"zip": "01310", "name": "ana"},
	}

	result, err := RenderString("{{ .lead.zip }}", data)
	require.NoError(t, err)
	assert.Equal(t, "01310", result)

	result, err = RenderString("{{ upper .lead.name }}", data)
	require.NoError(t, err)
	assert.Equal(t, "ANA", result)

	result, err = RenderString("{{ .lead.missing }}", data)
	require.NoError(t, err)
	assert.Empty(t, result)

	result, err = RenderString(`{{ default "n/a" .lead.missing }}`, data)
	require.NoError(t, err)
	assert.Equal(t, "n/a", result)
}

func TestRenderParams(t *testing.T) {
	data := map[string]any{
		"lead": map[string]any{"name": "John", "id": 123},
	}

	params := map[string]any{
		"selector": "#name",
		"value":    "{{ .lead.name }}",
		"timeout":  5,
		"nested": map[string]any{
			"url": "https://quote.example.com/leads/{{ .lead.id }}",
		},
	}

	out, err := RenderParams(params, data)
	require.NoError(t, err)

	assert.Equal(t, "#name", out["selector"])
	assert.Equal(t, "John", out["value"])
	assert.Equal(t, 5, out["timeout"])
	assert.Equal(t, "https://quote.example.com/leads/123", out["nested"].(map[string]any)["url"])

	// the input is not mutated
	assert.Equal(t, "{{ .lead.name }}", params["value"])

	_, err = RenderParams(map[string]any{"bad": "{{ .x"}, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "param bad")
}

func TestNeedsTemplating(t *testing.T) {
	assert.True(t, NeedsTemplating("{{ .a }}"))
	assert.False(t, NeedsTemplating("plain"))
}
